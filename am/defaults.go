package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "pulsecron.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)

	// Pulse (scheduler) defaults
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.batch_size", 10)
	v.SetDefault("pulse.lock_timeout_seconds", 300)        // 5 minute distributed lock TTL
	v.SetDefault("pulse.misfire_threshold_seconds", 60)    // late by more than a minute = misfire
	v.SetDefault("pulse.stale_job_threshold_seconds", 600) // 10 minutes
	v.SetDefault("pulse.stale_check_interval_seconds", 60) // recovery loop cadence
	v.SetDefault("pulse.default_job_timeout_seconds", 0)   // no timeout
	v.SetDefault("pulse.execution_retention_hours", 24*7)  // one week of history
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "PULSECRON_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("redis.password", "PULSECRON_REDIS_PASSWORD")
}
