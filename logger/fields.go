package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldJobName     = "job_name"
	FieldExecutionID = "execution_id"
	FieldRequestID   = "request_id"
	FieldOwner       = "owner"

	// Components
	FieldHandler = "handler"

	// Scheduling
	FieldCron          = "cron"
	FieldTimeZone      = "timezone"
	FieldScheduledTime = "scheduled_time"
	FieldNextRunTime   = "next_run_at"
	FieldAttempt       = "attempt"
	FieldRetryCount    = "retry_count"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Status
	FieldStatus = "status"

	// Network
	FieldAddress = "address"

	FieldSymbol = "symbol" // pulse glyph (꩜, ✿, ❀, ...)
)

type contextKey string

const requestIDKey contextKey = "logger_request_id"

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	return fields
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	ticker := schedule.NewTicker(store, dispatcher, nil, cfg, logger.ComponentLogger("pulse.ticker"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
