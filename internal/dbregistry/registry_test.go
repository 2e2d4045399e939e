package dbregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type stubResolver struct {
	src ModuleSource
	err error
}

func (s stubResolver) Resolve(ctx context.Context, name string) (ModuleSource, error) {
	return s.src, s.err
}

func TestGetWithoutResolverFails(t *testing.T) {
	r := New(Options{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	if _, err := r.Get(context.Background(), "mydb"); err == nil {
		t.Fatalf("expected an error with no resolver configured")
	}
}

func TestGetPropagatesResolverError(t *testing.T) {
	r := New(Options{
		DataDir:  t.TempDir(),
		Logger:   zerolog.Nop(),
		Resolver: stubResolver{err: errors.New("module not found")},
	})
	if _, err := r.Get(context.Background(), "mydb"); err == nil {
		t.Fatalf("expected the resolver's error to propagate")
	}
}

func TestCloseUnknownNameIsNoop(t *testing.T) {
	r := New(Options{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	if err := r.Close("never-registered"); err != nil {
		t.Fatalf("expected closing an unregistered database to be a no-op, got %v", err)
	}
}

func TestListEmptyRegistry(t *testing.T) {
	r := New(Options{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	if got := r.List(); len(got) != 0 {
		t.Fatalf("expected an empty registry to list nothing, got %v", got)
	}
}

func TestNormalizeNameLowercasesAndStripsInvalidChars(t *testing.T) {
	cases := map[string]string{
		"My-DB_1":     "my-db-1",
		"weird!!chars": "weirdchars",
		"":             "default",
	}
	for in, want := range cases {
		if got := normalizeName(in); got != want {
			t.Fatalf("normalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
