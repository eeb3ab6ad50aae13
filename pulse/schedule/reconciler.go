package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/cron"
)

// CronOverrides supplies per-job cron expressions from configuration.
// am.ViperOverrides implements it over the jobs.<name>.cron keys.
type CronOverrides interface {
	CronOverride(jobName string) (string, bool)
}

// ReconcileReport summarizes one reconciliation.
type ReconcileReport struct {
	Upserted []string         // definitions written as pending
	Skipped  []string         // one-time declarations, nothing to schedule
	Disabled []string         // persisted recurring jobs no longer declared
	Failed   map[string]error // per-job configuration or storage errors
}

// OK reports whether every definition reconciled.
func (r *ReconcileReport) OK() bool {
	return len(r.Failed) == 0
}

// Reconciler brings persisted recurring jobs in line with the registry.
// Run it once at startup, before the ticker starts.
type Reconciler struct {
	store     Storage
	registry  *Registry
	cron      *cron.Cache
	overrides CronOverrides
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewReconciler creates a reconciler. overrides may be nil.
func NewReconciler(store Storage, registry *Registry, cache *cron.Cache, overrides CronOverrides, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		store:     store,
		registry:  registry,
		cron:      cache,
		overrides: overrides,
		logger:    logger.AddPulseSymbol(log),
		now:       time.Now,
	}
}

// Reconcile upserts every registered recurring definition and disables
// persisted recurring jobs that are no longer registered. A bad definition
// fails alone; only a failure to list stored jobs aborts the run.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	existing, err := r.store.GetAllJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs for reconciliation")
	}

	report := &ReconcileReport{Failed: make(map[string]error)}
	now := r.now()
	declared := make(map[string]bool)

	for _, def := range r.registry.Definitions() {
		declared[def.Name] = true

		if def.CronExpression == "" && r.override(def.Name) == "" {
			r.logger.Warnw("Skipping job without cron expression; one-time jobs are scheduled at runtime",
				logger.FieldJobName, def.Name)
			report.Skipped = append(report.Skipped, def.Name)
			continue
		}

		job, err := r.reconcileOne(ctx, def, now)
		if err != nil {
			r.logger.Errorw("Failed to reconcile job",
				logger.FieldJobName, def.Name,
				logger.FieldError, err)
			report.Failed[def.Name] = err
			continue
		}

		r.logger.Infow("Reconciled job",
			logger.FieldJobName, job.Name,
			logger.FieldCron, job.CronExpression,
			logger.FieldNextRunTime, job.NextRunTime)
		report.Upserted = append(report.Upserted, job.Name)
	}

	for _, job := range existing {
		if job.Type != JobTypeRecurring || declared[job.Name] {
			continue
		}
		if job.Status == StatusDisabled && !job.IsEnabled && job.NextRunTime == nil {
			continue
		}

		job.Status = StatusDisabled
		job.IsEnabled = false
		job.NextRunTime = nil
		if err := r.store.UpdateJob(ctx, job); err != nil {
			r.logger.Errorw("Failed to disable orphaned job",
				logger.FieldJobName, job.Name,
				logger.FieldError, err)
			report.Failed[job.Name] = err
			continue
		}

		r.logger.Infow("Disabled job no longer declared", logger.FieldJobName, job.Name)
		report.Disabled = append(report.Disabled, job.Name)
	}

	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, def Definition, now time.Time) (*Job, error) {
	expr := r.effectiveCron(def)

	next, ok, err := r.cron.NextOccurrence(expr, def.TimeZone, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewInvalidRequestError("cron expression %q has no future occurrence", expr)
	}

	job := &Job{
		ID:             newID(),
		Name:           def.Name,
		Type:           JobTypeRecurring,
		CronExpression: cron.Normalize(expr),
		TimeZone:       def.TimeZone,
		Status:         StatusPending,
		NextRunTime:    &next,
		RetryCount:     0,
		RetryIntervals: def.RetryIntervals,
		SkipIfRunning:  def.SkipIfRunning,
		IsEnabled:      true,
		Misfire:        def.Misfire,
		Timeout:        def.Timeout,
		Payload:        def.Payload,
		HandlerRef:     def.HandlerRef,
	}
	if err := r.store.UpsertJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// effectiveCron applies a configuration override when it parses.
func (r *Reconciler) effectiveCron(def Definition) string {
	override := r.override(def.Name)
	if override == "" || override == def.CronExpression {
		return def.CronExpression
	}
	if err := r.cron.Validate(override, def.TimeZone); err != nil {
		r.logger.Warnw("Ignoring invalid cron override",
			logger.FieldJobName, def.Name,
			logger.FieldCron, override,
			logger.FieldError, err)
		return def.CronExpression
	}
	r.logger.Infow("Cron expression overridden by configuration",
		logger.FieldJobName, def.Name,
		"declared", def.CronExpression,
		logger.FieldCron, override)
	return override
}

func (r *Reconciler) override(name string) string {
	if r.overrides == nil {
		return ""
	}
	expr, ok := r.overrides.CronOverride(name)
	if !ok {
		return ""
	}
	return expr
}
