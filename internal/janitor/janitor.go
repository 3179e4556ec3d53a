// Package janitor is the Janitor (C7): a coarse periodic sweep that fails
// truly orphaned executions and resets daily budget counters, grounded on
// original_source/backend/app/orchestration/tasks/maintenance.py's
// stale-execution and reset_daily_budgets tasks. It never touches an
// execution whose clock hasn't drifted past tolerance — SPEC_FULL.md §4.7's
// three-way sweep plus an explicit skip for the "intentionally paused
// awaiting the user" case.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Archiver is consulted before retention deletes a terminal execution, so
// old executions aren't simply lost. Satisfied by internal/reliability.
// Nil disables archival — deletion proceeds unconditionally.
type Archiver interface {
	Archive(ctx context.Context, executions []*store.Execution) error
}

// Config bounds the three staleness sweeps and the retention policy.
// Defaults mirror SPEC_FULL.md §4.7 and §3's Lifecycle note.
type Config struct {
	MaxAgeRunning    time.Duration // default 20m
	MaxAgeMonitoring time.Duration // default 25h
	RetentionDays    int           // default 30; only terminal executions are ever deleted
}

// DefaultConfig returns SPEC_FULL.md's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgeRunning:    20 * time.Minute,
		MaxAgeMonitoring: 25 * time.Hour,
		RetentionDays:    30,
	}
}

// Janitor runs the sweep; Sweep is idempotent within the staleness window —
// rerunning seconds later is a no-op because the executions it just failed
// are now terminal and no longer match any sweep's query.
type Janitor struct {
	store   *store.Store
	budgets *store.BudgetStore
	bus     *events.Bus
	archive Archiver
	cfg     Config
	cron    *cron.Cron
	log     zerolog.Logger
}

// New wires a Janitor. archive may be nil to disable retention archival.
func New(st *store.Store, budgets *store.BudgetStore, bus *events.Bus, archive Archiver, cfg Config, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:   st,
		budgets: budgets,
		bus:     bus,
		archive: archive,
		cfg:     cfg,
		log:     log.With().Str("component", "janitor.Janitor").Logger(),
	}
}

// Start arms a cron job that calls Sweep every interval, mirroring
// dispatch.Dispatcher.Start's schedule shape.
func (j *Janitor) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	j.cron = cron.New()
	_, err := j.cron.AddFunc(fmt.Sprintf("@every %s", interval), j.tick)
	if err != nil {
		return fmt.Errorf("janitor: schedule sweep: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the sweep schedule, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := j.Sweep(ctx); err != nil {
		j.log.Error().Err(err).Msg("janitor sweep failed")
	}
}

// Result is the aggregate count set Sweep returns for logging
// and tests. A failure in one sub-sweep doesn't abort the others.
type Result struct {
	StaleRunningFailed    int
	StaleMonitoringFailed int
	BudgetsReset          int64
	RetentionDeleted      int64
}

// Sweep runs the full C7 pass: stale running/pending, stale monitoring
// (including communication_error-with-retries-left), daily budget reset,
// and retention deletion of old terminal executions.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	now := time.Now().UTC()
	var res Result
	var firstErr error

	note := func(step string, err error) {
		if err != nil {
			j.log.Error().Err(err).Str("step", step).Msg("janitor sweep step failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("janitor: %s: %w", step, err)
			}
		}
	}

	n, err := j.sweepStaleRunning(ctx, now)
	res.StaleRunningFailed = n
	note("stale_running", err)

	n, err = j.sweepStaleMonitoring(ctx, now)
	res.StaleMonitoringFailed += n
	note("stale_monitoring", err)

	n2, err := j.sweepStaleCommunicationError(ctx, now)
	res.StaleMonitoringFailed += n2
	note("stale_communication_error", err)

	if j.budgets != nil {
		reset, err := j.budgets.ResetDue(ctx, now)
		res.BudgetsReset = reset
		note("reset_daily_budgets", err)
	}

	deleted, err := j.sweepRetention(ctx, now)
	res.RetentionDeleted = deleted
	note("retention", err)

	return res, firstErr
}

// sweepStaleRunning implements §4.7 sweep 1: executions in running or
// pending for longer than MaxAgeRunning, measured from started_at when
// present else created_at.
func (j *Janitor) sweepStaleRunning(ctx context.Context, now time.Time) (int, error) {
	execs, err := j.store.ListBy(ctx, store.ListFilter{Status: []store.Status{store.StatusRunning, store.StatusPending}})
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, e := range execs {
		clock := e.CreatedAt
		if e.StartedAt != nil {
			clock = *e.StartedAt
		}
		if now.Sub(clock) < j.cfg.MaxAgeRunning {
			continue
		}
		if err := j.failStale(ctx, e, now, fmt.Sprintf(
			"janitor: execution stuck in %s for longer than %s", e.Status, j.cfg.MaxAgeRunning)); err != nil {
			j.log.Error().Err(err).Str("execution_id", e.ID).Msg("failed to force-fail stale running execution")
			continue
		}
		failed++
	}
	return failed, nil
}

// sweepStaleMonitoring implements §4.7 sweep 2: monitoring executions whose
// started_at is older than MaxAgeMonitoring — presumed to have lost their
// self-reschedule task to a worker crash.
func (j *Janitor) sweepStaleMonitoring(ctx context.Context, now time.Time) (int, error) {
	execs, err := j.store.ListBy(ctx, store.ListFilter{Status: []store.Status{store.StatusMonitoring}})
	if err != nil {
		return 0, err
	}
	return j.failStaleByStartedAt(ctx, execs, now, "monitoring")
}

// sweepStaleCommunicationError implements §4.7 sweep 3: communication_error
// executions *with retries still pending* (next_check_at non-null) whose
// started_at is older than MaxAgeMonitoring. A communication_error with
// next_check_at == nil is left alone per sweep 4 — it's intentionally
// paused awaiting manual reconciliation, not orphaned.
func (j *Janitor) sweepStaleCommunicationError(ctx context.Context, now time.Time) (int, error) {
	execs, err := j.store.ListBy(ctx, store.ListFilter{Status: []store.Status{store.StatusCommunicationErr}})
	if err != nil {
		return 0, err
	}

	var withRetries []*store.Execution
	for _, e := range execs {
		if e.NextCheckAt != nil {
			withRetries = append(withRetries, e)
		}
	}
	return j.failStaleByStartedAt(ctx, withRetries, now, "communication_error")
}

func (j *Janitor) failStaleByStartedAt(ctx context.Context, execs []*store.Execution, now time.Time, label string) (int, error) {
	failed := 0
	for _, e := range execs {
		clock := e.CreatedAt
		if e.StartedAt != nil {
			clock = *e.StartedAt
		}
		if now.Sub(clock) < j.cfg.MaxAgeMonitoring {
			continue
		}
		if err := j.failStale(ctx, e, now, fmt.Sprintf(
			"janitor: execution stuck in %s for longer than %s, presumed to have lost its scheduled task", label, j.cfg.MaxAgeMonitoring)); err != nil {
			j.log.Error().Err(err).Str("execution_id", e.ID).Msg("failed to force-fail stale execution")
			continue
		}
		failed++
	}
	return failed, nil
}

// failStale forces exec to status=failed with the Data Model's required
// terminal-state fields and the stale_auto_failed marker SPEC_FULL.md's
// sweep-1 scenario names, then emits pipeline_failed.
func (j *Janitor) failStale(ctx context.Context, exec *store.Execution, now time.Time, reason string) error {
	exec.Status = store.StatusFailed
	exec.CompletedAt = &now
	exec.NextCheckAt = nil
	exec.ErrorMessage = reason
	if exec.Result == nil {
		exec.Result = make(map[string]any)
	}
	exec.Result["stale_auto_failed"] = true

	if exec.PipelineState != nil {
		exec.PipelineState.CompletedAt = &now
		exec.PipelineState.AppendLog(reason)
	}

	if err := j.store.SaveWithRetry(ctx, exec); err != nil {
		return err
	}

	j.log.Warn().Str("execution_id", exec.ID).Str("pipeline_id", exec.PipelineID).
		Str("symbol", exec.Symbol).Msg(reason)

	if j.bus != nil {
		j.bus.Publish(events.Event{
			Type:        events.PipelineFailed,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          now,
			Data:        &events.PipelineFailedData{ExecutionID: exec.ID, PipelineID: exec.PipelineID, Reason: reason},
		})
	}
	return nil
}

// sweepRetention deletes terminal executions older than RetentionDays,
// archiving them first when an Archiver is configured.
func (j *Janitor) sweepRetention(ctx context.Context, now time.Time) (int64, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -j.cfg.RetentionDays)

	if j.archive != nil {
		expiring, err := j.store.ListBy(ctx, store.ListFilter{
			Status: []store.Status{store.StatusCompleted, store.StatusFailed, store.StatusSkipped, store.StatusCancelled},
		})
		if err != nil {
			return 0, fmt.Errorf("list terminal executions for archival: %w", err)
		}
		var due []*store.Execution
		for _, e := range expiring {
			if e.CreatedAt.Before(cutoff) {
				due = append(due, e)
			}
		}
		if len(due) > 0 {
			if err := j.archive.Archive(ctx, due); err != nil {
				return 0, fmt.Errorf("archive before retention delete: %w", err)
			}
		}
	}

	return j.store.DeleteTerminalOlderThan(ctx, cutoff)
}
