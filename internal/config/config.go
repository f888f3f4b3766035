// Package config handles configuration loading, validation, and
// defaults for labelwatchd.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage"`

	// Ingest configuration for the upstream event feed.
	Ingest IngestConfig `toml:"ingest"`

	// Rules configuration: detection-rule policy constants.
	Rules RulesConfig `toml:"rules"`

	// Warmup configuration: gating floors for young labelers.
	Warmup WarmupConfig `toml:"warmup"`

	// Derive configuration for regime derivation.
	Derive DeriveConfig `toml:"derive"`

	// Scheduler configuration for the daemon loop.
	Scheduler SchedulerConfig `toml:"scheduler"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DBPath is the SQLite database file location.
	DBPath string `toml:"db_path"`
}

// IngestConfig holds upstream feed configuration.
type IngestConfig struct {
	// ServiceURL is the upstream service base URL.
	ServiceURL string `toml:"service_url"`

	// LabelerDIDs restricts ingestion to these issuers. Empty means all
	// observed issuers are tracked.
	LabelerDIDs []string `toml:"labeler_dids"`

	// ReferenceDIDs marks these issuers as reference instances; reference
	// labelers get the stricter rate-spike threshold.
	ReferenceDIDs []string `toml:"reference_dids"`

	// Source names the feed in cursor keys and outcome rows.
	Source string `toml:"source"`
}

// RulesConfig holds the detection-rule policy constants. These are
// policy, not structure: they feed the config hash on every receipt, so
// changing any of them is visible in the audit trail.
type RulesConfig struct {
	// WindowMinutes is the recent window for the rate-spike rule.
	WindowMinutes int `toml:"window_minutes"`

	// BaselineHours is the baseline window for the rate-spike rule.
	BaselineHours int `toml:"baseline_hours"`

	// SpikeK is the rate ratio that fires a spike.
	SpikeK float64 `toml:"spike_k"`

	// SpikeKAudited is the stricter ratio for high-auditability and
	// reference labelers.
	SpikeKAudited float64 `toml:"spike_k_audited"`

	// MinCurrentCount is the absolute floor that fires a spike when the
	// baseline window is empty.
	MinCurrentCount int `toml:"min_current_count"`

	// FlipFlopWindowHours is the window for apply/negate/re-apply scans.
	FlipFlopWindowHours int `toml:"flip_flop_window_hours"`

	// ConcentrationWindowHours is the window for the target
	// concentration rule.
	ConcentrationWindowHours int `toml:"concentration_window_hours"`

	// ConcentrationThreshold is the HHI value that fires.
	ConcentrationThreshold float64 `toml:"concentration_threshold"`

	// ConcentrationMinLabels is the minimum windowed event count before
	// concentration is meaningful.
	ConcentrationMinLabels int `toml:"concentration_min_labels"`

	// ChurnWindowHours is the window for the churn-index rule.
	ChurnWindowHours int `toml:"churn_window_hours"`

	// ChurnThreshold is the Jaccard distance that fires.
	ChurnThreshold float64 `toml:"churn_threshold"`

	// ChurnMinTargets is the minimum distinct-target union before churn
	// is meaningful.
	ChurnMinTargets int `toml:"churn_min_targets"`

	// SparseMinEvents is the windowed volume floor below which rate
	// rules are suppressed.
	SparseMinEvents int `toml:"sparse_min_events"`

	// MaxEventsPerScan bounds flip-flop chain matching per labeler.
	MaxEventsPerScan int `toml:"max_events_per_scan"`

	// MaxEvidence bounds evidence hashes attached per finding.
	MaxEvidence int `toml:"max_evidence"`
}

// WarmupConfig holds the gating floors for newly observed labelers.
type WarmupConfig struct {
	// Enabled turns warm-up gating on.
	Enabled bool `toml:"enabled"`

	// MinAgeHours is the minimum age since first observation.
	MinAgeHours int `toml:"min_age_hours"`

	// MinEvents is the minimum total event volume.
	MinEvents int `toml:"min_events"`

	// MinScans is the minimum completed scan count.
	MinScans int `toml:"min_scans"`

	// SuppressAlerts drops warming-up findings entirely instead of
	// recording them with a quarantine marker.
	SuppressAlerts bool `toml:"suppress_alerts"`
}

// DeriveConfig holds regime-derivation tuning.
type DeriveConfig struct {
	// HysteresisScans is the number of consecutive passes a candidate
	// regime must repeat before the transition commits.
	HysteresisScans int `toml:"hysteresis_scans"`
}

// SchedulerConfig holds the daemon loop intervals.
type SchedulerConfig struct {
	// ScanIntervalSec is the delay between evaluation passes.
	ScanIntervalSec int `toml:"scan_interval_sec"`

	// IngestIntervalSec is the delay between feed polls.
	IngestIntervalSec int `toml:"ingest_interval_sec"`
}

// ScanInterval returns the evaluation pass delay as a duration.
func (s SchedulerConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalSec) * time.Second
}

// IngestInterval returns the feed poll delay as a duration.
func (s SchedulerConfig) IngestInterval() time.Duration {
	return time.Duration(s.IngestIntervalSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `toml:"level"`

	// Format is the output format: text or json.
	Format string `toml:"format"`
}

// Default returns a configuration with working defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "labelwatch.db",
		},
		Ingest: IngestConfig{
			ServiceURL: "https://bsky.social",
			Source:     "default",
		},
		Rules: RulesConfig{
			WindowMinutes:            15,
			BaselineHours:            24,
			SpikeK:                   10.0,
			SpikeKAudited:            20.0,
			MinCurrentCount:          50,
			FlipFlopWindowHours:      24,
			ConcentrationWindowHours: 24,
			ConcentrationThreshold:   0.25,
			ConcentrationMinLabels:   10,
			ChurnWindowHours:         24,
			ChurnThreshold:           0.8,
			ChurnMinTargets:          10,
			SparseMinEvents:          20,
			MaxEventsPerScan:         200000,
			MaxEvidence:              50,
		},
		Warmup: WarmupConfig{
			Enabled:     true,
			MinAgeHours: 48,
			MinEvents:   20,
			MinScans:    3,
		},
		Derive: DeriveConfig{
			HysteresisScans: 2,
		},
		Scheduler: SchedulerConfig{
			ScanIntervalSec:   300,
			IngestIntervalSec: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML configuration file over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engines cannot run
// with.
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}
	if c.Rules.WindowMinutes < 1 {
		return fmt.Errorf("rules.window_minutes must be at least 1, got %d", c.Rules.WindowMinutes)
	}
	if c.Rules.BaselineHours*60 <= c.Rules.WindowMinutes {
		return fmt.Errorf("rules.baseline_hours (%d) must exceed the recent window (%d minutes)",
			c.Rules.BaselineHours, c.Rules.WindowMinutes)
	}
	if c.Rules.SpikeK <= 1 {
		return fmt.Errorf("rules.spike_k must exceed 1, got %v", c.Rules.SpikeK)
	}
	if c.Rules.SpikeKAudited < c.Rules.SpikeK {
		return fmt.Errorf("rules.spike_k_audited (%v) must not be below rules.spike_k (%v)",
			c.Rules.SpikeKAudited, c.Rules.SpikeK)
	}
	if c.Rules.ConcentrationThreshold <= 0 || c.Rules.ConcentrationThreshold > 1 {
		return fmt.Errorf("rules.concentration_threshold must be in (0,1], got %v", c.Rules.ConcentrationThreshold)
	}
	if c.Rules.ChurnThreshold <= 0 || c.Rules.ChurnThreshold > 1 {
		return fmt.Errorf("rules.churn_threshold must be in (0,1], got %v", c.Rules.ChurnThreshold)
	}
	if c.Rules.MaxEvidence < 1 {
		return fmt.Errorf("rules.max_evidence must be at least 1, got %d", c.Rules.MaxEvidence)
	}
	if c.Derive.HysteresisScans < 1 {
		return fmt.Errorf("derive.hysteresis_scans must be at least 1, got %d", c.Derive.HysteresisScans)
	}
	if c.Scheduler.ScanIntervalSec < 1 {
		return fmt.Errorf("scheduler.scan_interval_sec must be at least 1, got %d", c.Scheduler.ScanIntervalSec)
	}
	if c.Scheduler.IngestIntervalSec < 1 {
		return fmt.Errorf("scheduler.ingest_interval_sec must be at least 1, got %d", c.Scheduler.IngestIntervalSec)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ReceiptMap returns the policy constants that feed the per-pass config
// hash. Anything that changes rule outcomes belongs here; two passes
// with equal ReceiptMaps and equal inputs must produce equal receipts.
func (c *Config) ReceiptMap() map[string]any {
	return map[string]any{
		"window_minutes":             c.Rules.WindowMinutes,
		"baseline_hours":             c.Rules.BaselineHours,
		"spike_k":                    c.Rules.SpikeK,
		"spike_k_audited":            c.Rules.SpikeKAudited,
		"min_current_count":          c.Rules.MinCurrentCount,
		"flip_flop_window_hours":     c.Rules.FlipFlopWindowHours,
		"concentration_window_hours": c.Rules.ConcentrationWindowHours,
		"concentration_threshold":    c.Rules.ConcentrationThreshold,
		"concentration_min_labels":   c.Rules.ConcentrationMinLabels,
		"churn_window_hours":         c.Rules.ChurnWindowHours,
		"churn_threshold":            c.Rules.ChurnThreshold,
		"churn_min_targets":          c.Rules.ChurnMinTargets,
		"sparse_min_events":          c.Rules.SparseMinEvents,
		"max_events_per_scan":        c.Rules.MaxEventsPerScan,
		"max_evidence":               c.Rules.MaxEvidence,
		"warmup_enabled":             c.Warmup.Enabled,
		"warmup_min_age_hours":       c.Warmup.MinAgeHours,
		"warmup_min_events":          c.Warmup.MinEvents,
		"warmup_min_scans":           c.Warmup.MinScans,
		"warmup_suppress_alerts":     c.Warmup.SuppressAlerts,
		"hysteresis_scans":           c.Derive.HysteresisScans,
	}
}
