// Package config provides configuration loading and validation for the
// visionguard supervisor.
//
// Configuration file: /etc/visionguard/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - Fields absent from the file keep their Defaults() values.
//   - Numeric ranges enforced (rates >= 0, weights in [0,1]).
//   - Invalid config on startup: the process refuses to start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// SessionID identifies this supervisor session in logs and the ledger.
	// Default: hostname.
	SessionID string `yaml:"session_id"`

	Dynamics      DynamicsConfig      `yaml:"dynamics"`
	Analyzer      AnalyzerConfig      `yaml:"analyzer"`
	Anomaly       AnomalyConfig       `yaml:"anomaly"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
	Ingest        IngestConfig        `yaml:"ingest"`
}

// DynamicsConfig holds the trust engine's rate constants and thresholds.
type DynamicsConfig struct {
	RRecover float64 `yaml:"r_recover"`
	RFrozen  float64 `yaml:"r_frozen"`
	RBlank   float64 `yaml:"r_blank"`
	RCorrupt float64 `yaml:"r_corrupt"`
	Leak     float64 `yaml:"leak"`
	Gain     float64 `yaml:"gain"`
	// DTMax bounds the elapsed time a single tick may apply.
	DTMax time.Duration `yaml:"dt_max"`

	Allowed           float64 `yaml:"threshold_allowed"`
	Blocked           float64 `yaml:"threshold_blocked"`
	ExcursionClose    float64 `yaml:"excursion_close"`
	DecliningVelocity float64 `yaml:"declining_velocity"`
}

// AnalyzerConfig holds the signal analyzer's calibration constants.
type AnalyzerConfig struct {
	V0                   float64 `yaml:"v0"`
	D0                   float64 `yaml:"d0"`
	H0                   float64 `yaml:"h0"`
	BlankMeanThreshold   float64 `yaml:"blank_mean_threshold"`
	FreezeDiffThreshold  float64 `yaml:"freeze_diff_threshold"`
	FreezeConfirmFrames  int     `yaml:"freeze_confirm_frames"`
}

// AnomalyConfig holds the built-in anomaly engine's parameters.
type AnomalyConfig struct {
	// Scorer selects the registered anomaly.Source to use. Default:
	// "mahalanobis".
	Scorer string `yaml:"scorer"`
	// EntropyWeight is wₑ in A = mahal + wₑ|ΔH|. Range [0,1]. Default: 0.3.
	EntropyWeight float64 `yaml:"entropy_weight"`
}

// RecorderConfig holds the session recorder's buffer capacities.
type RecorderConfig struct {
	TickBufferCapacity int `yaml:"tick_buffer_capacity"`
	ExcursionCapacity  int `yaml:"excursion_capacity"`
}

// StorageConfig holds the optional durable excursion ledger's parameters.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics/logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// OperatorConfig holds the control-socket parameters.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// IngestConfig holds the frame/anomaly stream merge parameters.
type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Defaults returns the spec reference configuration.
func Defaults() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "visionguard"
	}
	return Config{
		SchemaVersion: "1",
		SessionID:     hostname,
		Dynamics: DynamicsConfig{
			RRecover:          0.10,
			RFrozen:           0.30,
			RBlank:            0.60,
			RCorrupt:          1.00,
			Leak:              0.5,
			Gain:              0.15,
			DTMax:             500 * time.Millisecond,
			Allowed:           0.7,
			Blocked:           0.3,
			ExcursionClose:    0.95,
			DecliningVelocity: -0.02,
		},
		Analyzer: AnalyzerConfig{
			V0:                  100,
			D0:                  20,
			H0:                  7.5,
			BlankMeanThreshold:  5.0,
			FreezeDiffThreshold: 1.0,
			FreezeConfirmFrames: 5,
		},
		Anomaly: AnomalyConfig{
			Scorer:        "mahalanobis",
			EntropyWeight: 0.3,
		},
		Recorder: RecorderConfig{
			TickBufferCapacity: 18000,
			ExcursionCapacity:  1024,
		},
		Storage: StorageConfig{
			Enabled: false,
			DBPath:  "/var/lib/visionguard/visionguard.db",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/visionguard/operator.sock",
		},
		Ingest: IngestConfig{
			QueueSize: 4096,
		},
	}
}

// Load reads and validates a config file from path, merging onto Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields, returning every violation found
// rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.SessionID == "" {
		errs = append(errs, "session_id must not be empty")
	}

	d := cfg.Dynamics
	if d.RRecover < 0 || d.RFrozen < 0 || d.RBlank < 0 || d.RCorrupt < 0 {
		errs = append(errs, "dynamics rates must all be >= 0")
	}
	if d.Leak < 0 {
		errs = append(errs, "dynamics.leak must be >= 0")
	}
	if d.Gain < 0 {
		errs = append(errs, "dynamics.gain must be >= 0")
	}
	if d.DTMax <= 0 {
		errs = append(errs, "dynamics.dt_max must be > 0")
	}
	if d.Blocked < 0 || d.Blocked > d.Allowed {
		errs = append(errs, fmt.Sprintf("dynamics.threshold_blocked must be in [0, threshold_allowed], got %f", d.Blocked))
	}
	if d.Allowed > 1 {
		errs = append(errs, fmt.Sprintf("dynamics.threshold_allowed must be <= 1, got %f", d.Allowed))
	}
	if d.ExcursionClose < d.Allowed || d.ExcursionClose > 1 {
		errs = append(errs, fmt.Sprintf("dynamics.excursion_close must be in [threshold_allowed, 1], got %f", d.ExcursionClose))
	}

	a := cfg.Analyzer
	if a.V0 <= 0 || a.D0 <= 0 || a.H0 <= 0 {
		errs = append(errs, "analyzer.v0, d0, h0 must all be > 0")
	}
	if a.BlankMeanThreshold < 0 || a.BlankMeanThreshold > 255 {
		errs = append(errs, fmt.Sprintf("analyzer.blank_mean_threshold must be in [0, 255], got %f", a.BlankMeanThreshold))
	}
	if a.FreezeDiffThreshold < 0 {
		errs = append(errs, "analyzer.freeze_diff_threshold must be >= 0")
	}
	if a.FreezeConfirmFrames < 1 {
		errs = append(errs, fmt.Sprintf("analyzer.freeze_confirm_frames must be >= 1, got %d", a.FreezeConfirmFrames))
	}

	if cfg.Anomaly.EntropyWeight < 0.0 || cfg.Anomaly.EntropyWeight > 1.0 {
		errs = append(errs, fmt.Sprintf("anomaly.entropy_weight must be in [0.0, 1.0], got %f", cfg.Anomaly.EntropyWeight))
	}
	if cfg.Anomaly.Scorer == "" {
		errs = append(errs, "anomaly.scorer must not be empty")
	}

	if cfg.Recorder.TickBufferCapacity < 1 {
		errs = append(errs, fmt.Sprintf("recorder.tick_buffer_capacity must be >= 1, got %d", cfg.Recorder.TickBufferCapacity))
	}
	if cfg.Recorder.ExcursionCapacity < 1 {
		errs = append(errs, fmt.Sprintf("recorder.excursion_capacity must be >= 1, got %d", cfg.Recorder.ExcursionCapacity))
	}

	if cfg.Storage.Enabled && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty when storage.enabled is true")
	}

	if cfg.Ingest.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("ingest.queue_size must be >= 1, got %d", cfg.Ingest.QueueSize))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
