package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults_PassesValidation(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestLoad_MergesYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
schema_version: "1"
session_id: test-session
dynamics:
  r_recover: 0.2
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionID != "test-session" {
		t.Fatalf("expected session_id override, got %q", cfg.SessionID)
	}
	if cfg.Dynamics.RRecover != 0.2 {
		t.Fatalf("expected r_recover override 0.2, got %f", cfg.Dynamics.RRecover)
	}
	// Fields not present in the fixture should retain their defaults.
	if cfg.Dynamics.RFrozen != Defaults().Dynamics.RFrozen {
		t.Fatalf("expected r_frozen to retain default, got %f", cfg.Dynamics.RFrozen)
	}
	if cfg.Recorder.TickBufferCapacity != Defaults().Recorder.TickBufferCapacity {
		t.Fatalf("expected recorder defaults preserved, got %d", cfg.Recorder.TickBufferCapacity)
	}
}

func TestLoad_MissingFile_ReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidConfig_ReturnsValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
schema_version: "2"
dynamics:
  r_recover: -1
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error to propagate from Load")
	}
}

func TestValidate_AggregatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.Dynamics.RRecover = -1
	cfg.Dynamics.RFrozen = -1
	cfg.Analyzer.V0 = 0
	cfg.Recorder.TickBufferCapacity = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected aggregated validation error")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "dynamics rates", "analyzer.v0", "tick_buffer_capacity"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected validation error to mention %q, got: %s", want, msg)
		}
	}
}

func TestValidate_ThresholdOrderingEnforced(t *testing.T) {
	cfg := Defaults()
	cfg.Dynamics.Blocked = 0.9
	cfg.Dynamics.Allowed = 0.7 // Blocked > Allowed, invalid

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error when threshold_blocked exceeds threshold_allowed")
	}
}

func TestValidate_ExcursionCloseMustBeAtOrAboveAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.Dynamics.ExcursionClose = 0.5
	cfg.Dynamics.Allowed = 0.7

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error when excursion_close is below threshold_allowed")
	}
}

func TestValidate_StorageEnabledRequiresDBPath(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Enabled = true
	cfg.Storage.DBPath = ""

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error when storage is enabled with an empty db_path")
	}
}

func TestValidate_EntropyWeightOutOfRange(t *testing.T) {
	cfg := Defaults()
	cfg.Anomaly.EntropyWeight = 1.5

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error when entropy_weight exceeds 1.0")
	}
}
