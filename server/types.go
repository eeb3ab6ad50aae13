package server

import (
	"time"

	"github.com/teranos/pulsecron/pulse/schedule"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// JobResponse is the API view of a scheduled job. Durations are exposed in
// milliseconds.
type JobResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Type              string     `json:"type"`
	CronExpression    string     `json:"cron_expression,omitempty"`
	TimeZone          string     `json:"time_zone,omitempty"`
	Status            string     `json:"status"`
	IsEnabled         bool       `json:"is_enabled"`
	NextRunTime       *time.Time `json:"next_run_time,omitempty"`
	LastRunTime       *time.Time `json:"last_run_time,omitempty"`
	LastRunDurationMs *int64     `json:"last_run_duration_ms,omitempty"`
	RetryCount        int        `json:"retry_count"`
	RetryIntervalsMs  []int64    `json:"retry_intervals_ms"`
	SkipIfRunning     bool       `json:"skip_if_running"`
	TimeoutMs         int64      `json:"timeout_ms,omitempty"`
	MisfireStrategy   string     `json:"misfire_strategy"`
	HandlerRef        string     `json:"handler_ref,omitempty"`
	Payload           string     `json:"payload,omitempty"`
	Claimed           bool       `json:"claimed"`
	LockHolder        *string    `json:"lock_holder,omitempty"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
	DateCreated       time.Time  `json:"date_created"`
	DateUpdated       time.Time  `json:"date_updated"`
}

// ListJobsResponse is the body of GET /api/jobs
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// ListExecutionsResponse is the body of GET /api/jobs/{name}/executions
type ListExecutionsResponse struct {
	Executions []*schedule.Execution `json:"executions"`
	Count      int                   `json:"count"`
}

// ScheduleOnceRequest is the body of POST /api/jobs
type ScheduleOnceRequest struct {
	Name       string    `json:"name"`
	RunAt      time.Time `json:"run_at"`
	HandlerRef string    `json:"handler_ref"`
	Payload    string    `json:"payload,omitempty"`
}

func toJobResponse(job *schedule.Job) JobResponse {
	intervals := make([]int64, len(job.RetryIntervals))
	for i, d := range job.RetryIntervals {
		intervals[i] = d.Milliseconds()
	}
	return JobResponse{
		ID:                job.ID,
		Name:              job.Name,
		Type:              string(job.Type),
		CronExpression:    job.CronExpression,
		TimeZone:          job.TimeZone,
		Status:            string(job.Status),
		IsEnabled:         job.IsEnabled,
		NextRunTime:       job.NextRunTime,
		LastRunTime:       job.LastRunTime,
		LastRunDurationMs: job.LastRunDurationMs,
		RetryCount:        job.RetryCount,
		RetryIntervalsMs:  intervals,
		SkipIfRunning:     job.SkipIfRunning,
		TimeoutMs:         job.Timeout.Milliseconds(),
		MisfireStrategy:   string(job.Misfire),
		HandlerRef:        job.HandlerRef,
		Payload:           job.Payload,
		Claimed:           job.IsLocked(),
		LockHolder:        job.LockHolder,
		LockedAt:          job.LockedAt,
		DateCreated:       job.DateCreated,
		DateUpdated:       job.DateUpdated,
	}
}
