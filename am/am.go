// Package am ("I am") loads and validates pulsecron configuration.
//
// Configuration is read with Viper from TOML files (system, user, project),
// then environment variables prefixed with PULSECRON_. Jobs may be declared
// under [jobs.<name>]; a declared job's cron key also overrides the cron
// expression of a code-registered job with the same name at startup.
package am

// Config represents the pulsecron configuration
type Config struct {
	Database DatabaseConfig       `mapstructure:"database" toml:"database"`
	Server   ServerConfig         `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig          `mapstructure:"pulse" toml:"pulse"`
	Redis    RedisConfig          `mapstructure:"redis" toml:"redis"`
	Jobs     map[string]JobConfig `mapstructure:"jobs" toml:"jobs,omitempty"`
}

// DatabaseConfig selects and configures the storage backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // "sqlite3" or "postgres"
	Path   string `mapstructure:"path" toml:"path"`     // SQLite file path
	URL    string `mapstructure:"url" toml:"url"`       // PostgreSQL connection URL
}

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ServerConfig configures the admin HTTP API
type ServerConfig struct {
	Port int `mapstructure:"port" toml:"port"` // 0 disables the admin API
}

// DefaultServerPort is the admin API port when none is configured
const DefaultServerPort = 8787

// PulseConfig configures the scheduler loop and the stale recovery loop
type PulseConfig struct {
	PollIntervalMs            int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	BatchSize                 int    `mapstructure:"batch_size" toml:"batch_size"`
	LockHolder                string `mapstructure:"lock_holder" toml:"lock_holder"` // empty = hostname:pid
	LockTimeoutSeconds        int    `mapstructure:"lock_timeout_seconds" toml:"lock_timeout_seconds"`
	MisfireThresholdSeconds   int    `mapstructure:"misfire_threshold_seconds" toml:"misfire_threshold_seconds"`
	StaleJobThresholdSeconds  int    `mapstructure:"stale_job_threshold_seconds" toml:"stale_job_threshold_seconds"`
	StaleCheckIntervalSeconds int    `mapstructure:"stale_check_interval_seconds" toml:"stale_check_interval_seconds"`
	DefaultJobTimeoutSeconds  int    `mapstructure:"default_job_timeout_seconds" toml:"default_job_timeout_seconds"` // 0 = no timeout
	ExecutionRetentionHours   int    `mapstructure:"execution_retention_hours" toml:"execution_retention_hours"`
}

// RedisConfig configures the distributed lock provider.
// An empty Addr means no lock provider: skip_if_running is then enforced
// only by the storage claim.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
}

// JobConfig declares a job in configuration.
// Only Cron is used when the name matches a job registered in code.
type JobConfig struct {
	Cron             string `mapstructure:"cron" toml:"cron"`
	TimeZone         string `mapstructure:"timezone" toml:"timezone,omitempty"`
	Handler          string `mapstructure:"handler" toml:"handler,omitempty"`
	Payload          string `mapstructure:"payload" toml:"payload,omitempty"`
	RetryIntervalsMs []int  `mapstructure:"retry_intervals_ms" toml:"retry_intervals_ms,omitempty"`
	SkipIfRunning    bool   `mapstructure:"skip_if_running" toml:"skip_if_running,omitempty"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds" toml:"timeout_seconds,omitempty"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
