package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pulsecron/db"
	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/cron"
	"github.com/teranos/pulsecron/pulse/lock"
)

// TickerStats is a snapshot of ticker activity.
type TickerStats struct {
	LastPollAt      time.Time `json:"last_poll_at"`
	PollsSinceStart int64     `json:"polls_since_start"`
	Dispatched      int64     `json:"dispatched"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	Skipped         int64     `json:"skipped"` // lock held elsewhere
}

// Ticker is the scheduler loop: every poll interval it claims due jobs and
// runs them one after another.
type Ticker struct {
	store      Storage
	dispatcher *Dispatcher
	locks      lock.Provider // nil = storage claim only
	cron       *cron.Cache
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	now      func() time.Time
	summary  rate.Sometimes

	mu    sync.Mutex
	stats TickerStats
}

// NewTicker creates a ticker. locks may be nil.
func NewTicker(store Storage, dispatcher *Dispatcher, locks lock.Provider, cache *cron.Cache, cfg Config, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, dispatcher, locks, cache, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, store Storage, dispatcher *Dispatcher, locks lock.Provider, cache *cron.Cache, cfg Config, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:      store,
		dispatcher: dispatcher,
		locks:      locks,
		cron:       cache,
		cfg:        cfg,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     log,
		pulseLog:   logger.AddPulseSymbol(log),
		now:        time.Now,
		summary:    rate.Sometimes{Interval: time.Minute},
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started",
		logger.FieldInterval, t.cfg.PollInterval,
		logger.FieldBatchSize, t.cfg.BatchSize,
		logger.FieldOwner, t.cfg.LockHolder)
}

// Stop cancels the loop and waits for the in-flight dispatch to return.
// Handlers see the cancellation through their context.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// GetStats returns a snapshot of ticker activity.
func (t *Ticker) GetStats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
			_, err := t.Poll(t.ctx)
			switch {
			case err == nil, t.ctx.Err() != nil:
			case db.IsDatabaseClosed(err):
				t.pulseLog.Debugw("Pulse poll skipped, database closed", logger.FieldError, err)
			default:
				t.pulseLog.Warnw("Pulse poll error", logger.FieldError, err)
			}
			timer.Reset(t.cfg.PollInterval)
		}
	}
}

// Poll runs one cycle: claim up to BatchSize due jobs and process them in
// order. Returns the number of claimed jobs.
func (t *Ticker) Poll(ctx context.Context) (int, error) {
	t.mu.Lock()
	t.stats.LastPollAt = t.now()
	t.stats.PollsSinceStart++
	t.mu.Unlock()

	jobs, err := t.store.AcquireDueJobs(ctx, t.cfg.BatchSize, t.cfg.LockHolder)
	if err != nil {
		return 0, errors.Wrap(err, "failed to acquire due jobs")
	}

	if len(jobs) == 0 {
		t.summary.Do(func() { t.logNextJob(ctx) })
		return 0, nil
	}

	t.pulseLog.Debugw("Claimed due jobs", logger.FieldCount, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unprocessed claims are released by stale recovery.
			break
		}
		t.process(ctx, job)
	}
	return len(jobs), nil
}

// logNextJob logs when the next job is due.
func (t *Ticker) logNextJob(ctx context.Context) {
	next, err := t.store.GetNextScheduledJob(ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}
	if next == nil || next.NextRunTime == nil {
		t.pulseLog.Debugw("No scheduled jobs")
		return
	}
	t.pulseLog.Infow("Next scheduled job",
		logger.FieldJobName, next.Name,
		logger.FieldNextRunTime, next.NextRunTime,
		"in", next.NextRunTime.Sub(t.now()).Round(time.Second))
}

// process runs one claimed job and writes its outcome.
func (t *Ticker) process(ctx context.Context, job *Job) {
	log := t.pulseLog.With(logger.FieldJobName, job.Name, logger.FieldJobID, job.ID)
	// Bookkeeping must land even when shutdown cancels ctx mid-dispatch.
	writeCtx := context.WithoutCancel(ctx)

	scheduled := t.now()
	if job.NextRunTime != nil {
		scheduled = *job.NextRunTime
	}
	t.checkMisfire(log, job, scheduled)

	if t.locks != nil && job.SkipIfRunning {
		handle, err := t.locks.TryAcquire(ctx, job.Name, t.cfg.LockTimeout, 0)
		if err != nil {
			log.Warnw("Lock provider unavailable, leaving job due", logger.FieldError, err)
			t.releaseClaim(writeCtx, log, job, false)
			return
		}
		if handle == nil {
			log.Infow("Job already running elsewhere, skipping occurrence",
				logger.FieldScheduledTime, scheduled)
			t.releaseClaim(writeCtx, log, job, true)
			t.count(func(s *TickerStats) { s.Skipped++ })
			return
		}
		defer func() {
			if err := handle.Release(writeCtx); err != nil {
				log.Warnw("Failed to release job lock", logger.FieldError, err)
			}
		}()
	}

	exec := &Execution{
		ID:            newID(),
		JobID:         job.ID,
		ScheduledTime: scheduled,
		StartedAt:     t.now(),
		Status:        ExecutionRunning,
		RetryAttempt:  job.RetryCount,
	}
	if err := t.store.CreateExecution(writeCtx, exec); err != nil {
		log.Errorw("Failed to create execution record", logger.FieldError, err)
		t.releaseClaim(writeCtx, log, job, false)
		return
	}

	log.Debugw("Dispatching job",
		logger.FieldExecutionID, exec.ID,
		logger.FieldAttempt, exec.RetryAttempt+1)
	t.count(func(s *TickerStats) { s.Dispatched++ })

	dispatchErr := t.dispatcher.Dispatch(ctx, job, exec)
	finished := t.now()

	if dispatchErr != nil && ctx.Err() != nil && errors.Is(dispatchErr, context.Canceled) {
		// Shutdown stopped the handler; another poll runs the occurrence again.
		exec.complete(ExecutionFailed, finished, "interrupted by shutdown")
		t.recordOutcome(writeCtx, log, exec)
		log.Warnw("Dispatch interrupted by shutdown, leaving job due",
			logger.FieldExecutionID, exec.ID)
		t.releaseClaim(writeCtx, log, job, false)
		t.count(func(s *TickerStats) { s.Failed++ })
		return
	}

	if dispatchErr == nil {
		exec.complete(ExecutionSucceeded, finished, "")
		t.applySuccess(log, job, exec, finished)
		t.count(func(s *TickerStats) { s.Succeeded++ })
	} else {
		status := ExecutionFailed
		if errors.Is(dispatchErr, ErrExecutionTimedOut) {
			status = ExecutionTimedOut
		}
		exec.complete(status, finished, dispatchErr.Error())
		t.applyFailure(log, job, exec, finished, dispatchErr)
		t.count(func(s *TickerStats) { s.Failed++ })
	}

	t.recordOutcome(writeCtx, log, exec)
	if err := t.store.UpdateJob(writeCtx, job); err != nil {
		log.Errorw("Failed to update job after execution",
			logger.FieldExecutionID, exec.ID,
			logger.FieldError, err)
	}
}

// recordOutcome writes the terminal status of exec. An execution already
// closed by stale recovery keeps its status.
func (t *Ticker) recordOutcome(ctx context.Context, log *zap.SugaredLogger, exec *Execution) {
	err := t.store.UpdateExecution(ctx, exec)
	switch {
	case err == nil:
	case errors.Is(err, ErrExecutionFinished):
		log.Warnw("Execution already closed by stale recovery, outcome not recorded",
			logger.FieldExecutionID, exec.ID,
			logger.FieldStatus, exec.Status)
	default:
		log.Errorw("Failed to record execution outcome",
			logger.FieldExecutionID, exec.ID,
			logger.FieldError, err)
	}
}

func (t *Ticker) applySuccess(log *zap.SugaredLogger, job *Job, exec *Execution, finished time.Time) {
	job.RetryCount = 0
	job.LastRunTime = &finished
	job.LastRunDurationMs = exec.DurationMs
	job.ClearLock()

	if job.IsRecurring() {
		t.advance(log, job, finished)
	} else {
		job.Status = StatusCompleted
		job.NextRunTime = nil
	}

	log.Infow("Job succeeded",
		logger.FieldExecutionID, exec.ID,
		logger.FieldDurationMS, *exec.DurationMs,
		logger.FieldNextRunTime, job.NextRunTime)
}

func (t *Ticker) applyFailure(log *zap.SugaredLogger, job *Job, exec *Execution, finished time.Time, cause error) {
	job.RetryCount++
	job.LastRunTime = &finished
	job.LastRunDurationMs = exec.DurationMs
	job.ClearLock()

	if delay, ok := job.RetryDelay(); ok {
		next := finished.Add(delay)
		job.Status = StatusPending
		job.NextRunTime = &next
		log.Warnw("Job failed, retrying",
			logger.FieldExecutionID, exec.ID,
			logger.FieldRetryCount, job.RetryCount,
			logger.FieldNextRunTime, next,
			logger.FieldError, cause)
		return
	}

	job.Status = StatusFailed
	job.NextRunTime = nil
	if job.IsRecurring() {
		// Without a retry policy a recurring job waits for its next occurrence.
		job.RetryCount = 0
		t.advance(log, job, finished)
	}

	log.Errorw("Job failed",
		logger.FieldExecutionID, exec.ID,
		logger.FieldStatus, job.Status,
		logger.FieldNextRunTime, job.NextRunTime,
		logger.FieldError, cause)
}

// advance moves a recurring job to its next cron occurrence after from.
// A job whose cron no longer yields an occurrence is marked failed.
func (t *Ticker) advance(log *zap.SugaredLogger, job *Job, from time.Time) {
	next, ok, err := t.cron.NextOccurrence(job.CronExpression, job.TimeZone, from)
	if err != nil || !ok {
		log.Errorw("Cannot compute next occurrence, marking job failed",
			logger.FieldCron, job.CronExpression,
			logger.FieldTimeZone, job.TimeZone,
			logger.FieldError, err)
		job.Status = StatusFailed
		job.NextRunTime = nil
		return
	}
	job.Status = StatusPending
	job.NextRunTime = &next
}

// releaseClaim hands a claimed job back without running it. skip advances a
// recurring job past this occurrence; one-time jobs stay due.
func (t *Ticker) releaseClaim(ctx context.Context, log *zap.SugaredLogger, job *Job, skip bool) {
	job.ClearLock()
	if skip && job.IsRecurring() {
		t.advance(log, job, t.now())
	}
	if err := t.store.UpdateJob(ctx, job); err != nil {
		log.Errorw("Failed to release job claim", logger.FieldError, err)
	}
}

func (t *Ticker) checkMisfire(log *zap.SugaredLogger, job *Job, scheduled time.Time) {
	if job.Misfire != "" && job.Misfire != MisfireFireImmediately {
		log.Warnw("Misfire strategy not implemented, firing immediately",
			"misfire_strategy", job.Misfire)
	}
	if late := t.now().Sub(scheduled); t.cfg.MisfireThreshold > 0 && late > t.cfg.MisfireThreshold {
		log.Warnw("Job misfired, firing immediately",
			logger.FieldScheduledTime, scheduled,
			"late", late.Round(time.Millisecond))
	}
}

func (t *Ticker) count(f func(*TickerStats)) {
	t.mu.Lock()
	f(&t.stats)
	t.mu.Unlock()
}
