package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsecron/am"
	"github.com/teranos/pulsecron/errors"
)

func TestFromAM(t *testing.T) {
	cfg := FromAM(am.PulseConfig{
		PollIntervalMs:            250,
		BatchSize:                 5,
		LockHolder:                "node-a",
		LockTimeoutSeconds:        30,
		MisfireThresholdSeconds:   15,
		StaleJobThresholdSeconds:  120,
		StaleCheckIntervalSeconds: 20,
		DefaultJobTimeoutSeconds:  60,
		ExecutionRetentionHours:   24,
	})

	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, "node-a", cfg.LockHolder)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 15*time.Second, cfg.MisfireThreshold)
	assert.Equal(t, 2*time.Minute, cfg.StaleJobThreshold)
	assert.Equal(t, 20*time.Second, cfg.StaleCheckInterval)
	assert.Equal(t, time.Minute, cfg.DefaultJobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.ExecutionRetention)
	require.NoError(t, cfg.Validate())
}

func TestFromAM_ZeroUsesDefaults(t *testing.T) {
	cfg := FromAM(am.PulseConfig{})
	def := DefaultConfig()

	assert.Equal(t, def.PollInterval, cfg.PollInterval)
	assert.Equal(t, def.BatchSize, cfg.BatchSize)
	assert.NotEmpty(t, cfg.LockHolder)
	assert.Zero(t, cfg.DefaultJobTimeout)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.True(t, errors.IsInvalidRequestError(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.LockHolder = ""
	assert.True(t, errors.IsInvalidRequestError(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.StaleJobThreshold = cfg.LockTimeout
	assert.True(t, errors.IsInvalidRequestError(cfg.Validate()), "claims must outlive the lock")

	cfg = DefaultConfig()
	cfg.DefaultJobTimeout = cfg.StaleJobThreshold
	assert.True(t, errors.IsInvalidRequestError(cfg.Validate()), "recovery must not close executions that can still finish")
}

func TestDefaultLockHolderIsUnique(t *testing.T) {
	assert.NotEqual(t, DefaultLockHolder(), DefaultLockHolder())
}

func TestRegistryAddFromAM(t *testing.T) {
	reg := NewRegistry()
	mustAdd(t, reg, Definition{Name: "cleanup", CronExpression: "0 0 * * * *", HandlerRef: "purge"})

	err := reg.AddFromAM(map[string]am.JobConfig{
		"cleanup": {Cron: "0 30 * * * *", Handler: "log"},
		"heartbeat": {
			Cron:             "*/30 * * * * *",
			Handler:          "log",
			Payload:          `{"ping":true}`,
			RetryIntervalsMs: []int{500, 2000},
			SkipIfRunning:    true,
			TimeoutSeconds:   5,
		},
	})
	require.NoError(t, err)

	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "purge", defs[0].HandlerRef, "code definition wins over configuration")

	hb := defs[1]
	assert.Equal(t, "heartbeat", hb.Name)
	assert.Equal(t, "*/30 * * * * *", hb.CronExpression)
	assert.Equal(t, "log", hb.HandlerRef)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, hb.RetryIntervals)
	assert.True(t, hb.SkipIfRunning)
	assert.Equal(t, 5*time.Second, hb.Timeout)
	assert.Equal(t, MisfireFireImmediately, hb.Misfire)
}
