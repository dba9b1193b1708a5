package config

import "github.com/spf13/viper"

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "strata.db")
	v.SetDefault("blob.root", "blobs")

	v.SetDefault("interpret.heartbeat_timeout_seconds", 600)
	v.SetDefault("interpret.backend_calls_per_minute", 60)
	v.SetDefault("interpret.min_confidence", 0.0)

	v.SetDefault("worker.upload_retry_interval_seconds", 15)
	v.SetDefault("worker.sweep_interval_seconds", 60)
	v.SetDefault("worker.archive_interval_seconds", 3600)
	v.SetDefault("worker.archive_after_days", 180)
	v.SetDefault("worker.duplicate_interval_seconds", 3600)
	v.SetDefault("worker.repair_interval_seconds", 30)

	v.SetDefault("tiers.free.storage_bytes", int64(100*1024*1024))
	v.SetDefault("tiers.free.monthly_runs", 100)
	v.SetDefault("tiers.pro.storage_bytes", int64(10*1024*1024*1024))
	v.SetDefault("tiers.pro.monthly_runs", 5000)
}
