// Package config loads Strata configuration from TOML files and the
// STRATA_* environment, via viper.
package config

// Config represents the core Strata configuration
type Config struct {
	Database  DatabaseConfig        `mapstructure:"database"`
	Blob      BlobConfig            `mapstructure:"blob"`
	Interpret InterpretConfig       `mapstructure:"interpret"`
	Worker    WorkerConfig          `mapstructure:"worker"`
	Tiers     map[string]TierLimits `mapstructure:"tiers"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BlobConfig configures the content-addressed blob store
type BlobConfig struct {
	Root string `mapstructure:"root"` // filesystem root for raw payloads
}

// InterpretConfig configures the interpretation engine
type InterpretConfig struct {
	HeartbeatTimeoutSeconds int     `mapstructure:"heartbeat_timeout_seconds"` // stale-run threshold (default: 600)
	BackendCallsPerMinute   int     `mapstructure:"backend_calls_per_minute"`  // extraction backend rate limit (default: 60)
	MinConfidence           float64 `mapstructure:"min_confidence"`            // candidates below this are dropped to fragments (default: 0)
}

// WorkerConfig configures the periodic worker pool
type WorkerConfig struct {
	UploadRetryIntervalSeconds int `mapstructure:"upload_retry_interval_seconds"` // default: 15
	SweepIntervalSeconds       int `mapstructure:"sweep_interval_seconds"`        // default: 60
	ArchiveIntervalSeconds     int `mapstructure:"archive_interval_seconds"`      // default: 3600
	ArchiveAfterDays           int `mapstructure:"archive_after_days"`            // run retention window (default: 180)
	DuplicateIntervalSeconds   int `mapstructure:"duplicate_interval_seconds"`    // default: 3600
	RepairIntervalSeconds      int `mapstructure:"repair_interval_seconds"`       // default: 30
}

// TierLimits bounds a tenant tier for the quota guard
type TierLimits struct {
	StorageBytes int64 `mapstructure:"storage_bytes"` // accumulated raw bytes
	MonthlyRuns  int   `mapstructure:"monthly_runs"`  // interpretation runs per billing period
}
