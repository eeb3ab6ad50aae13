// Package schedule turns job definitions into persisted schedule state and
// runs it: reconciliation, the polling ticker, dispatch to handlers, stale
// recovery and the health probe.
package schedule

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pulsecron/errors"
)

// JobType distinguishes cron-driven jobs from single-shot jobs.
type JobType string

const (
	JobTypeRecurring JobType = "recurring"
	JobTypeOneTime   JobType = "one_time"
)

// Status is the lifecycle state of a scheduled job.
type Status string

const (
	StatusPending   Status = "pending"   // waiting for NextRunTime
	StatusDisabled  Status = "disabled"  // switched off by an operator or by reconciliation
	StatusCompleted Status = "completed" // one-time job that ran successfully
	StatusFailed    Status = "failed"    // out of retries
)

// MisfireStrategy decides what happens to an occurrence noticed late.
// Only fire_immediately has defined behavior.
type MisfireStrategy string

const MisfireFireImmediately MisfireStrategy = "fire_immediately"

// ParseMisfireStrategy validates a strategy name. Empty means fire_immediately.
func ParseMisfireStrategy(s string) (MisfireStrategy, error) {
	switch MisfireStrategy(strings.TrimSpace(s)) {
	case "", MisfireFireImmediately:
		return MisfireFireImmediately, nil
	default:
		return "", errors.NewInvalidRequestError("unknown misfire strategy %q", s)
	}
}

// Definition is a code- or config-declared job. Immutable once added to a
// Registry.
type Definition struct {
	Name           string
	HandlerRef     string // handler type key; empty resolves the handler by Name
	CronExpression string // 6 fields, seconds first; empty declares a one-time job
	TimeZone       string // IANA id, empty = UTC
	RetryIntervals []time.Duration
	SkipIfRunning  bool
	Timeout        time.Duration // 0 = scheduler default
	Misfire        MisfireStrategy
	Payload        string // default payload stored on the job
}

// Job is the persisted schedule state of one job.
//
// NextRunTime is set exactly when Status is pending and IsEnabled.
// LockHolder and LockedAt are either both set or both nil.
type Job struct {
	ID                string
	Name              string
	Type              JobType
	CronExpression    string
	TimeZone          string
	Status            Status
	NextRunTime       *time.Time
	LastRunTime       *time.Time
	LastRunDurationMs *int64
	RetryCount        int // failed attempts since the last success
	RetryIntervals    []time.Duration
	SkipIfRunning     bool
	IsEnabled         bool
	LockHolder        *string
	LockedAt          *time.Time
	Misfire           MisfireStrategy
	Timeout           time.Duration
	Payload           string
	HandlerRef        string
	DateCreated       time.Time
	DateUpdated       time.Time
}

// IsRecurring reports whether the job is cron driven.
func (j *Job) IsRecurring() bool {
	return j.Type == JobTypeRecurring
}

// IsLocked reports whether an instance has claimed the job.
func (j *Job) IsLocked() bool {
	return j.LockHolder != nil
}

// ClearLock drops the claim.
func (j *Job) ClearLock() {
	j.LockHolder = nil
	j.LockedAt = nil
}

// RetryDelay returns the backoff for the current RetryCount. The last
// interval repeats once the list is exhausted. ok is false when the job has
// no retry policy.
func (j *Job) RetryDelay() (delay time.Duration, ok bool) {
	if len(j.RetryIntervals) == 0 || j.RetryCount < 1 {
		return 0, false
	}
	idx := min(j.RetryCount-1, len(j.RetryIntervals)-1)
	return j.RetryIntervals[idx], true
}

// durationsToMillis converts retry intervals to their stored form.
func durationsToMillis(ds []time.Duration) []int64 {
	ms := make([]int64, len(ds))
	for i, d := range ds {
		ms[i] = d.Milliseconds()
	}
	return ms
}

func millisToDurations(ms []int64) []time.Duration {
	if len(ms) == 0 {
		return nil
	}
	ds := make([]time.Duration, len(ms))
	for i, m := range ms {
		ds[i] = time.Duration(m) * time.Millisecond
	}
	return ds
}

// newID returns a time-ordered identifier for jobs and executions.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
