package schedule

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pulsecron/am"
	"github.com/teranos/pulsecron/errors"
)

// Config holds the scheduler options shared by the ticker, recovery loop
// and health probe.
type Config struct {
	PollInterval       time.Duration // sleep between polls
	BatchSize          int           // max jobs claimed per poll
	LockHolder         string        // identity written to claimed rows
	LockTimeout        time.Duration // TTL of the distributed skip-if-running lock
	MisfireThreshold   time.Duration // lateness logged as a misfire
	StaleJobThreshold  time.Duration // claim age treated as crashed
	StaleCheckInterval time.Duration // recovery loop period
	DefaultJobTimeout  time.Duration // 0 = no timeout
	ExecutionRetention time.Duration // 0 = keep history forever
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		BatchSize:          10,
		LockHolder:         DefaultLockHolder(),
		LockTimeout:        5 * time.Minute,
		MisfireThreshold:   time.Minute,
		StaleJobThreshold:  10 * time.Minute,
		StaleCheckInterval: time.Minute,
		ExecutionRetention: 7 * 24 * time.Hour,
	}
}

// FromAM converts the [pulse] configuration section. Zero values fall back
// to DefaultConfig.
func FromAM(p am.PulseConfig) Config {
	cfg := DefaultConfig()
	if p.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(p.PollIntervalMs) * time.Millisecond
	}
	if p.BatchSize > 0 {
		cfg.BatchSize = p.BatchSize
	}
	if p.LockHolder != "" {
		cfg.LockHolder = p.LockHolder
	}
	if p.LockTimeoutSeconds > 0 {
		cfg.LockTimeout = seconds(p.LockTimeoutSeconds)
	}
	if p.MisfireThresholdSeconds > 0 {
		cfg.MisfireThreshold = seconds(p.MisfireThresholdSeconds)
	}
	if p.StaleJobThresholdSeconds > 0 {
		cfg.StaleJobThreshold = seconds(p.StaleJobThresholdSeconds)
	}
	if p.StaleCheckIntervalSeconds > 0 {
		cfg.StaleCheckInterval = seconds(p.StaleCheckIntervalSeconds)
	}
	if p.DefaultJobTimeoutSeconds > 0 {
		cfg.DefaultJobTimeout = seconds(p.DefaultJobTimeoutSeconds)
	}
	if p.ExecutionRetentionHours > 0 {
		cfg.ExecutionRetention = time.Duration(p.ExecutionRetentionHours) * time.Hour
	}
	return cfg
}

// Validate checks the options are usable.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return errors.NewInvalidRequestError("poll interval must be positive")
	case c.BatchSize <= 0:
		return errors.NewInvalidRequestError("batch size must be positive")
	case c.LockHolder == "":
		return errors.NewInvalidRequestError("lock holder must be set")
	case c.LockTimeout <= 0:
		return errors.NewInvalidRequestError("lock timeout must be positive")
	case c.StaleJobThreshold <= 0:
		return errors.NewInvalidRequestError("stale job threshold must be positive")
	case c.StaleCheckInterval <= 0:
		return errors.NewInvalidRequestError("stale check interval must be positive")
	case c.DefaultJobTimeout < 0:
		return errors.NewInvalidRequestError("default job timeout cannot be negative")
	case c.StaleJobThreshold <= c.LockTimeout:
		return errors.NewInvalidRequestError("stale job threshold must exceed lock timeout")
	case c.DefaultJobTimeout > 0 && c.StaleJobThreshold <= c.DefaultJobTimeout:
		return errors.NewInvalidRequestError("stale job threshold must exceed default job timeout")
	}
	return nil
}

// DefaultLockHolder identifies this process: host:pid:random.
func DefaultLockHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// DefinitionFromAM builds a definition from a [jobs.<name>] section.
func DefinitionFromAM(name string, jc am.JobConfig) Definition {
	def := Definition{
		Name:           name,
		HandlerRef:     jc.Handler,
		CronExpression: jc.Cron,
		TimeZone:       jc.TimeZone,
		SkipIfRunning:  jc.SkipIfRunning,
		Timeout:        seconds(jc.TimeoutSeconds),
		Misfire:        MisfireFireImmediately,
		Payload:        jc.Payload,
	}
	for _, ms := range jc.RetryIntervalsMs {
		def.RetryIntervals = append(def.RetryIntervals, time.Duration(ms)*time.Millisecond)
	}
	return def
}

// AddFromAM registers every configuration-declared job not already
// registered in code, in name order. A job registered in code keeps its
// definition; configuration only overrides its cron via CronOverrides.
func (r *Registry) AddFromAM(jobs map[string]am.JobConfig) error {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if r.Has(name) {
			continue
		}
		if err := r.Add(DefinitionFromAM(name, jobs[name])); err != nil {
			return errors.Wrapf(err, "invalid job configuration [jobs.%s]", name)
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
