package async

import (
	"context"

	"go.uber.org/zap"
)

// Built-in handler type references available to configuration-declared jobs.
const (
	HandlerLog  = "log"
	HandlerNoop = "noop"
)

// LogHandler logs every occurrence it receives. Useful as a heartbeat job
// and for checking a deployment's schedule before wiring real handlers.
type LogHandler struct {
	Logger *zap.SugaredLogger
}

// Consume logs the occurrence.
func (h *LogHandler) Consume(ctx context.Context, msg *Message) error {
	h.Logger.Infow("Scheduled job fired",
		"job_name", msg.Payload.JobName,
		"execution_id", msg.ID,
		"scheduled_time", msg.Payload.ScheduledTime,
		"attempt", msg.Payload.Attempt,
		"payload", msg.Payload.Payload)
	return nil
}

// RegisterBuiltins registers the built-in handler types.
func RegisterBuiltins(r *HandlerRegistry, log *zap.SugaredLogger) {
	r.RegisterType(HandlerLog, Singleton(&LogHandler{Logger: log}))
	r.RegisterType(HandlerNoop, Singleton(HandlerFunc(func(context.Context, *Message) error {
		return nil
	})))
}
