package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/async"
)

// ErrExecutionTimedOut is returned by Dispatch when the handler outlives the
// job timeout.
var ErrExecutionTimedOut = errors.Wrap(errors.ErrTimeout, "job execution timed out")

// ErrHandlerNotFound is returned by Dispatch when no factory resolves.
var ErrHandlerNotFound = errors.Wrap(errors.ErrNotFound, "no handler registered")

// correlationNamespace seeds the name-based correlation ids.
var correlationNamespace = uuid.MustParse("6f1c5a52-2d0e-4f43-9a55-2a1f7e0d8c31")

const tracerName = "github.com/teranos/pulsecron/pulse/schedule"

// Trace event names emitted on the dispatch span.
const (
	EventBeforeDispatch = "pulsecron.dispatch.before"
	EventAfterDispatch  = "pulsecron.dispatch.after"
	EventDispatchError  = "pulsecron.dispatch.error"
)

// DispatchEvent describes one phase of a dispatch.
type DispatchEvent struct {
	Name          string // one of the Event* constants
	JobName       string
	ExecutionID   string
	Attempt       int
	ScheduledTime time.Time
	Elapsed       time.Duration
	Err           error
}

// DispatchObserver receives dispatch events synchronously.
type DispatchObserver func(DispatchEvent)

// FactoryCache memoizes handler factory resolution per job.
type FactoryCache struct {
	m sync.Map // cache key -> async.Factory
}

// NewFactoryCache creates an empty cache.
func NewFactoryCache() *FactoryCache {
	return &FactoryCache{}
}

func (c *FactoryCache) load(key string) (async.Factory, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(async.Factory), true
}

func (c *FactoryCache) store(key string, f async.Factory) {
	c.m.Store(key, f)
}

// Forget drops every cached factory for jobName.
func (c *FactoryCache) Forget(jobName string) {
	c.m.Range(func(k, _ interface{}) bool {
		if key := k.(string); len(key) >= len(jobName)+1 && key[:len(jobName)+1] == jobName+"\x00" {
			c.m.Delete(k)
		}
		return true
	})
}

func factoryKey(job *Job) string {
	return job.Name + "\x00" + job.HandlerRef
}

// Dispatcher resolves the handler for a job and runs one execution of it
// under the job timeout.
type Dispatcher struct {
	handlers       *async.HandlerRegistry
	factories      *FactoryCache
	defaultTimeout time.Duration
	tracer         trace.Tracer
	observer       DispatchObserver
	logger         *zap.SugaredLogger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTracer sets the tracer for dispatch spans. Defaults to the global
// OpenTelemetry provider.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithObserver registers a callback for dispatch events.
func WithObserver(o DispatchObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a dispatcher. defaultTimeout applies to jobs without
// their own timeout; 0 means none.
func NewDispatcher(handlers *async.HandlerRegistry, factories *FactoryCache, defaultTimeout time.Duration, log *zap.SugaredLogger, opts ...DispatcherOption) *Dispatcher {
	if factories == nil {
		factories = NewFactoryCache()
	}
	d := &Dispatcher{
		handlers:       handlers,
		factories:      factories,
		defaultTimeout: defaultTimeout,
		tracer:         otel.Tracer(tracerName),
		logger:         log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one execution of job. The returned error is the handler
// outcome; it is nil only when the handler succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job, exec *Execution) error {
	msg := d.message(job, exec)
	attrs := []attribute.KeyValue{
		attribute.String(logger.FieldJobName, job.Name),
		attribute.String(logger.FieldExecutionID, exec.ID),
		attribute.Int(logger.FieldAttempt, msg.Payload.Attempt),
		attribute.String(logger.FieldScheduledTime, exec.ScheduledTime.UTC().Format(time.RFC3339)),
	}

	ctx, span := d.tracer.Start(ctx, "pulsecron.dispatch", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	d.emit(span, EventBeforeDispatch, msg, 0, nil, attrs)

	err := d.run(ctx, job, msg)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.emit(span, EventDispatchError, msg, elapsed, err, attrs)
		return err
	}
	d.emit(span, EventAfterDispatch, msg, elapsed, nil, attrs)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, job *Job, msg *async.Message) error {
	factory, err := d.resolve(job)
	if err != nil {
		return err
	}
	handler, err := factory()
	if err != nil {
		return errors.Wrapf(err, "failed to construct handler for job %s", job.Name)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if starter, ok := handler.(async.Starter); ok {
		if err := starter.OnStarting(runCtx); err != nil {
			return errors.Wrapf(err, "start hook failed for job %s", job.Name)
		}
	}
	if stopper, ok := handler.(async.Stopper); ok {
		defer func() {
			if err := stopper.OnStopping(context.WithoutCancel(ctx)); err != nil {
				d.logger.Warnw("Stop hook failed",
					logger.FieldJobName, job.Name,
					logger.FieldExecutionID, msg.ID,
					logger.FieldError, err)
			}
		}()
	}

	// The handler always runs to completion so a skip-if-running lock held by
	// the caller covers its whole run. The deadline only reaches it via ctx.
	err = consume(runCtx, handler, msg)
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrapf(ErrExecutionTimedOut, "job %s exceeded %s: %v", job.Name, timeout, err)
		}
		return errors.Wrapf(ErrExecutionTimedOut, "job %s exceeded %s", job.Name, timeout)
	}
	return err
}

func consume(ctx context.Context, handler async.Handler, msg *async.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
	}()
	return handler.Consume(ctx, msg)
}

// resolve finds the factory: explicit HandlerRef by type, otherwise by job
// name. Hits are cached per job.
func (d *Dispatcher) resolve(job *Job) (async.Factory, error) {
	key := factoryKey(job)
	if f, ok := d.factories.load(key); ok {
		return f, nil
	}

	var f async.Factory
	var ok bool
	if job.HandlerRef != "" {
		f, ok = d.handlers.ResolveType(job.HandlerRef)
	} else {
		f, ok = d.handlers.ResolveName(job.Name)
	}
	if !ok {
		ref := job.HandlerRef
		if ref == "" {
			ref = job.Name
		}
		return nil, errors.Wrapf(ErrHandlerNotFound, "job %s: handler %q", job.Name, ref)
	}

	d.factories.store(key, f)
	return f, nil
}

func (d *Dispatcher) message(job *Job, exec *Execution) *async.Message {
	return &async.Message{
		ID:            exec.ID,
		Topic:         job.Name,
		ScheduledTime: exec.ScheduledTime,
		CorrelationID: CorrelationID(exec.ID),
		Payload: async.JobPayload{
			JobName:        job.Name,
			ScheduledTime:  exec.ScheduledTime,
			Attempt:        exec.RetryAttempt + 1,
			CronExpression: job.CronExpression,
			Payload:        job.Payload,
		},
	}
}

func (d *Dispatcher) emit(span trace.Span, name string, msg *async.Message, elapsed time.Duration, err error, attrs []attribute.KeyValue) {
	eventAttrs := append(attrs[:len(attrs):len(attrs)], attribute.Int64(logger.FieldDurationMS, elapsed.Milliseconds()))
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String(logger.FieldError, err.Error()))
	}
	span.AddEvent(name, trace.WithAttributes(eventAttrs...))

	if d.observer != nil {
		d.observer(DispatchEvent{
			Name:          name,
			JobName:       msg.Topic,
			ExecutionID:   msg.ID,
			Attempt:       msg.Payload.Attempt,
			ScheduledTime: msg.ScheduledTime,
			Elapsed:       elapsed,
			Err:           err,
		})
	}
}

// CorrelationID derives a stable correlation id from an execution id.
func CorrelationID(executionID string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(executionID)).String()
}

func (e DispatchEvent) String() string {
	return fmt.Sprintf("%s job=%s execution=%s attempt=%d", e.Name, e.JobName, e.ExecutionID, e.Attempt)
}
