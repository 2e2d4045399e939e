package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewJSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: InfoLevel, JSON: true, Output: &buf})
	logger.Info().Str("k", "v").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"k":"v"`) || !strings.Contains(out, `"hello"`) {
		t.Fatalf("expected JSON output to contain the field and message, got %q", out)
	}
}

func TestComponentTagsChildLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: InfoLevel, JSON: true, Output: &buf})
	child := Component(base, "widget")
	child.Info().Msg("hi")

	if !strings.Contains(buf.String(), `"component":"widget"`) {
		t.Fatalf("expected the component field to be tagged, got %q", buf.String())
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "bogus", JSON: true, Output: &buf})
	logger.Debug().Msg("should be suppressed")
	logger.Info().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Fatalf("expected debug messages to be suppressed at the default info level")
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected info messages to appear")
	}
}
