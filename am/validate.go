package am

import (
	"strings"

	"github.com/teranos/pulsecron/errors"
)

// Validate checks that the configuration is valid.
// Cron expressions of declared jobs are validated by the reconciler, which
// owns the cron grammar.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database.path cannot be empty for sqlite3")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return errors.WithHint(
				errors.New("database.url cannot be empty for postgres"),
				"set PULSECRON_DATABASE_URL or database.url in am.toml")
		}
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Server.Port < 0 {
		return errors.Newf("server.port must be >= 0, got %d", c.Server.Port)
	}

	p := c.Pulse
	if p.PollIntervalMs <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", p.PollIntervalMs)
	}
	if p.BatchSize <= 0 {
		return errors.Newf("pulse.batch_size must be > 0, got %d", p.BatchSize)
	}
	if p.LockTimeoutSeconds <= 0 {
		return errors.Newf("pulse.lock_timeout_seconds must be > 0, got %d", p.LockTimeoutSeconds)
	}
	if p.MisfireThresholdSeconds < 0 {
		return errors.Newf("pulse.misfire_threshold_seconds must be >= 0, got %d", p.MisfireThresholdSeconds)
	}
	if p.StaleJobThresholdSeconds <= 0 {
		return errors.Newf("pulse.stale_job_threshold_seconds must be > 0, got %d", p.StaleJobThresholdSeconds)
	}
	if p.StaleCheckIntervalSeconds <= 0 {
		return errors.Newf("pulse.stale_check_interval_seconds must be > 0, got %d", p.StaleCheckIntervalSeconds)
	}
	if p.DefaultJobTimeoutSeconds < 0 {
		return errors.Newf("pulse.default_job_timeout_seconds must be >= 0, got %d", p.DefaultJobTimeoutSeconds)
	}
	if p.StaleJobThresholdSeconds <= p.LockTimeoutSeconds {
		return errors.Newf("pulse.stale_job_threshold_seconds (%d) must exceed pulse.lock_timeout_seconds (%d)",
			p.StaleJobThresholdSeconds, p.LockTimeoutSeconds)
	}
	if p.DefaultJobTimeoutSeconds > 0 && p.StaleJobThresholdSeconds <= p.DefaultJobTimeoutSeconds {
		return errors.Newf("pulse.stale_job_threshold_seconds (%d) must exceed pulse.default_job_timeout_seconds (%d)",
			p.StaleJobThresholdSeconds, p.DefaultJobTimeoutSeconds)
	}
	if p.ExecutionRetentionHours <= 0 {
		return errors.Newf("pulse.execution_retention_hours must be > 0, got %d", p.ExecutionRetentionHours)
	}

	for name, job := range c.Jobs {
		for _, ms := range job.RetryIntervalsMs {
			if ms < 0 {
				return errors.Newf("jobs.%s.retry_intervals_ms cannot contain negative values", name)
			}
		}
		if job.TimeoutSeconds < 0 {
			return errors.Newf("jobs.%s.timeout_seconds must be >= 0, got %d", name, job.TimeoutSeconds)
		}
	}

	return nil
}
