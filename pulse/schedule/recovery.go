package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsecron/db"
	"github.com/teranos/pulsecron/logger"
)

// RecoveryReport counts what one recovery pass fixed.
type RecoveryReport struct {
	ReleasedJobs     int64
	TimedOutExecs    int64
	PurgedExecutions int64
	Errors           []error
}

// Recovery periodically heals claims and executions left behind by crashed
// or stuck instances, and enforces execution retention.
type Recovery struct {
	store Storage
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewRecovery creates the stale recovery loop.
func NewRecovery(store Storage, cfg Config, log *zap.SugaredLogger) *Recovery {
	return NewRecoveryWithContext(context.Background(), store, cfg, log)
}

// NewRecoveryWithContext creates the loop with a parent context.
func NewRecoveryWithContext(ctx context.Context, store Storage, cfg Config, log *zap.SugaredLogger) *Recovery {
	loopCtx, cancel := context.WithCancel(ctx)
	return &Recovery{
		store:  store,
		cfg:    cfg,
		ctx:    loopCtx,
		cancel: cancel,
		logger: logger.AddPulseSymbol(log),
	}
}

// Start begins the recovery loop.
func (r *Recovery) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Infow("Stale recovery started",
		logger.FieldInterval, r.cfg.StaleCheckInterval,
		"threshold", r.cfg.StaleJobThreshold)
}

// Stop cancels the loop and waits for the current pass.
func (r *Recovery) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Stale recovery stopped")
}

func (r *Recovery) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(r.ctx)
		}
	}
}

// RunOnce performs one recovery pass. Each step runs even if an earlier
// one failed; failures are logged and collected in the report.
func (r *Recovery) RunOnce(ctx context.Context) *RecoveryReport {
	report := &RecoveryReport{}

	released, err := r.store.ReleaseStaleJobs(ctx, r.cfg.StaleJobThreshold)
	if err != nil {
		r.stepFailed(report, "Failed to release stale jobs", err)
	} else if released > 0 {
		r.logger.Warnw("Released stale job claims", logger.FieldCount, released)
	}
	report.ReleasedJobs = released

	timedOut, err := r.store.TimeoutStaleExecutions(ctx, r.cfg.StaleJobThreshold)
	if err != nil {
		r.stepFailed(report, "Failed to time out stale executions", err)
	} else if timedOut > 0 {
		r.logger.Warnw("Timed out stale executions", logger.FieldCount, timedOut)
	}
	report.TimedOutExecs = timedOut

	purged, err := r.store.PurgeExecutions(ctx, r.cfg.ExecutionRetention)
	if err != nil {
		r.stepFailed(report, "Failed to purge executions", err)
	} else if purged > 0 {
		r.logger.Infow("Purged old executions", logger.FieldCount, purged)
	}
	report.PurgedExecutions = purged

	return report
}

// stepFailed records a failed step. A closed database only means shutdown
// overtook the pass, so it is logged at debug.
func (r *Recovery) stepFailed(report *RecoveryReport, msg string, err error) {
	report.Errors = append(report.Errors, err)
	if db.IsDatabaseClosed(err) {
		r.logger.Debugw(msg+": database closed", logger.FieldError, err)
		return
	}
	r.logger.Warnw(msg, logger.FieldError, err)
}
