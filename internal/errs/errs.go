// Package errs defines the small closed set of error categories the host
// surfaces to callers, following the same errors.New/errors.Is style the
// rest of this codebase uses rather than a third-party error-wrapping
// library (see DESIGN.md for why).
package errs

import (
	"errors"
	"fmt"
)

// Code is one of the error taxonomy tags a caller can match against with
// errors.Is.
type Code struct {
	name string
}

func (c *Code) Error() string { return c.name }

var (
	Validation     = &Code{"validation"}
	SchemaMismatch = &Code{"schema_mismatch"}
	Decode         = &Code{"decode"}
	Storage        = &Code{"storage"}
	Sandbox        = &Code{"sandbox"}
	Transport      = &Code{"transport"}
	Auth           = &Code{"auth"}
)

// New builds an error carrying code, wrapping it so errors.Is(err, code)
// succeeds while the message remains human readable.
func New(code *Code, msg string) error {
	return &taggedError{code: code, msg: msg}
}

// Newf is New with fmt-style formatting.
func Newf(code *Code, format string, args ...any) error {
	return &taggedError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to an existing error, preserving it as the cause so
// errors.Unwrap / errors.Is can still reach it.
func Wrap(code *Code, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{code: code, msg: err.Error(), cause: err}
}

type taggedError struct {
	code  *Code
	msg   string
	cause error
}

func (e *taggedError) Error() string { return e.msg }

func (e *taggedError) Is(target error) bool {
	code, ok := target.(*Code)
	return ok && code == e.code
}

func (e *taggedError) Unwrap() error { return e.cause }

// CodeOf returns the taxonomy tag attached to err, if any.
func CodeOf(err error) (*Code, bool) {
	var te *taggedError
	if errors.As(err, &te) {
		return te.code, true
	}
	return nil, false
}
