package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected the default config to validate, got %v", err)
	}
}

func TestValidateRejectsNonPositiveCommitBatch(t *testing.T) {
	cfg := Default()
	cfg.CommitBatch = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a zero commit_batch to be rejected")
	}
}

func TestValidateRejectsUnknownCompression(t *testing.T) {
	cfg := Default()
	cfg.DefaultCompression = "zstd"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an unknown default_compression to be rejected")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "trace"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an unknown log_level to be rejected")
	}
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an empty data_dir to be rejected")
	}
}

func TestSchedulerPollAndIdleTimeoutConvertToDuration(t *testing.T) {
	cfg := Default()
	cfg.SchedulerPollMS = 500
	cfg.IdleTimeoutMS = 15000
	if got := cfg.SchedulerPoll(); got.Milliseconds() != 500 {
		t.Fatalf("SchedulerPoll() = %v, want 500ms", got)
	}
	if got := cfg.IdleTimeout(); got.Milliseconds() != 15000 {
		t.Fatalf("IdleTimeout() = %v, want 15s", got)
	}
}
