// Package dispatch is the Trigger Dispatcher (C4): a periodic scan of every
// active periodic pipeline that enqueues one new execution per eligible
// (pipeline, symbol) pair, enforcing single-flight so at most one
// non-terminal execution exists for a given pair at any instant
// (SPEC_FULL.md §4.4, §11 invariant 3). Grounded on the teacher's
// internal/work/triggers.go periodic-eligibility check for the per-ticker
// loop shape, and on a robfig/cron-driven tick (same library the rest of
// the pack's scheduler code uses) instead of a bespoke ticker goroutine.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/pipeline"
	"github.com/aristath/sentinel/internal/store"
	"github.com/aristath/sentinel/internal/utils"
	"github.com/aristath/sentinel/internal/worker"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Enqueuer is the narrow slice of worker.Pool the dispatcher needs to hand
// a freshly created execution off to run_execution.
type Enqueuer interface {
	Enqueue(task worker.Task)
}

// Dispatcher implements C4: one Tick scans every active periodic pipeline's
// static ticker universe, single-flight-checks each symbol against the
// store, and creates+enqueues an Execution for every eligible pair.
type Dispatcher struct {
	store   *store.Store
	configs pipeline.ConfigProvider
	tasks   Enqueuer
	cron    *cron.Cron
	log     zerolog.Logger
}

// New wires a Dispatcher.
func New(st *store.Store, configs pipeline.ConfigProvider, tasks Enqueuer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		configs: configs,
		tasks:   tasks,
		log:     log.With().Str("component", "dispatch.Dispatcher").Logger(),
	}
}

// Start arms a cron job that calls Tick every interval and begins running
// it. Recommended interval per SPEC_FULL.md §4.4 is 60s.
func (d *Dispatcher) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	d.cron = cron.New()
	_, err := d.cron.AddFunc(fmt.Sprintf("@every %s", interval), d.tick)
	if err != nil {
		return fmt.Errorf("dispatch: schedule tick: %w", err)
	}
	d.cron.Start()
	return nil
}

// Stop halts the cron schedule, waiting for any in-flight tick to finish.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

func (d *Dispatcher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), worker.DefaultTimeout)
	defer cancel()
	if err := d.Tick(ctx); err != nil {
		d.log.Error().Err(err).Msg("dispatch tick failed")
	}
}

// Tick is the dispatcher's per-scan-cycle work, exposed directly so tests
// (and a manual "dispatch now" admin action) can invoke it without waiting
// on the cron schedule.
func (d *Dispatcher) Tick(ctx context.Context) error {
	pipelines, err := d.configs.ActivePeriodic(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: list active periodic pipelines: %w", err)
	}

	for _, cfg := range pipelines {
		tickers := utils.ParseCSV(cfg.Tickers)
		for _, symbol := range tickers {
			if err := d.dispatchOne(ctx, cfg, symbol, nil); err != nil {
				d.log.Error().Err(err).Str("pipeline_id", cfg.ID).Str("symbol", symbol).
					Msg("dispatch failed for (pipeline, symbol)")
			}
		}
	}
	return nil
}

// DispatchSignal is the signal-intake entry point (SPEC_FULL.md §4.4):
// signal-triggered pipelines bypass the periodic loop and arrive here
// directly with a symbol and the signal payload that triggered them, but
// share the exact same single-flight + create + enqueue contract.
func (d *Dispatcher) DispatchSignal(ctx context.Context, cfg pipeline.Config, symbol string, signalData map[string]any) error {
	return d.dispatchOne(ctx, cfg, symbol, signalData)
}

// dispatchOne enforces the per-(pipeline,symbol) single-flight lock
// (SPEC_FULL.md §11 invariant 3) purely through a state-store read, then
// creates a pending execution and enqueues its first run_execution task.
func (d *Dispatcher) dispatchOne(ctx context.Context, cfg pipeline.Config, symbol string, signalData map[string]any) error {
	existing, err := d.store.ListBy(ctx, store.ListFilter{
		PipelineID:      cfg.ID,
		Symbol:          symbol,
		NonTerminalOnly: true,
	})
	if err != nil {
		return fmt.Errorf("single-flight check: %w", err)
	}
	if len(existing) > 0 {
		d.log.Debug().Str("pipeline_id", cfg.ID).Str("symbol", symbol).
			Msg("skipping dispatch: non-terminal execution already in flight")
		return nil
	}

	exec := newExecution(cfg, symbol, signalData)
	if err := d.store.Create(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	d.log.Info().Str("execution_id", exec.ID).Str("pipeline_id", cfg.ID).Str("symbol", symbol).
		Msg("dispatched new execution")

	if d.tasks != nil {
		d.tasks.Enqueue(worker.Task{Type: worker.TaskRunExecution, Payload: exec.ID})
	}
	return nil
}

// newExecution builds the pending Execution + its initial PipelineState
// envelope for a freshly dispatched (pipeline, symbol) pair.
func newExecution(cfg pipeline.Config, symbol string, signalData map[string]any) *store.Execution {
	now := time.Now().UTC()
	mode := cfg.Mode
	if mode == "" {
		mode = store.ModePaper
	}
	// Minted here rather than left to Store.Create so PipelineState.ExecutionID
	// can satisfy Data Model invariant 2 (pipeline_state.execution_id ==
	// Execution.id) from the very first write.
	id := uuid.NewString()
	return &store.Execution{
		ID:         id,
		PipelineID: cfg.ID,
		UserID:     cfg.UserID,
		Symbol:     symbol,
		Mode:       mode,
		Status:     store.StatusPending,
		CreatedAt:  now,
		PipelineState: &store.PipelineState{
			PipelineID:  cfg.ID,
			ExecutionID: id,
			UserID:      cfg.UserID,
			Symbol:      symbol,
			Mode:        mode,
			SignalData:  signalData,
			StartedAt:   now,
			UpdatedAt:   now,
		},
	}
}
