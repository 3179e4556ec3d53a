// Package monitor is the Monitor Loop (C6): a self-rescheduling poll of open
// positions via the broker, grounded on the teacher's
// internal/clients/tradernet/websocket_client.go reconnect loop for its
// backoff shape and on original_source/backend/app/orchestration/tasks's
// monitor task for the classification table (still-open / closed /
// closed-externally / transient-error / retry-exhausted).
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/store"
	"github.com/aristath/sentinel/internal/worker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// MaxBrokerRetries bounds how many consecutive transient broker errors a
// monitored execution tolerates before the loop gives up polling and waits
// for manual reconciliation (SPEC_FULL.md §4.6).
const MaxBrokerRetries = 5

// Enqueuer is the slice of worker.Pool the loop needs to arm a monitor_poll
// task for each execution DuePolls turns up.
type Enqueuer interface {
	Enqueue(task worker.Task)
}

// StatusChecker reports whether a symbol's exchange is currently open.
// Satisfied by internal/marketstatus.Feed. Nil disables the optimization
// and the loop polls unconditionally on its configured cadence.
type StatusChecker interface {
	IsOpen(code string) bool
}

// closedMarketRecheck bounds how long a still-closed-market reschedule
// waits before checking again, independent of the execution's own
// monitor_interval_seconds.
const closedMarketRecheck = 5 * time.Minute

// Loop implements the poll-classify-reschedule cycle for one execution at a
// time; the worker pool calls Poll once per monitor_poll task.
type Loop struct {
	store      *store.Store
	broker     broker.Broker
	bus        *events.Bus
	tasks      Enqueuer
	cron       *cron.Cron
	statusFeed StatusChecker
	log        zerolog.Logger

	latMu     sync.Mutex
	latencies []float64 // rolling window, seconds, oldest first
}

// latencyWindowSize bounds the rolling window of poll latencies used to
// detect a broker that has gone slow-but-not-failing (SPEC_FULL.md §4.6).
const latencyWindowSize = 20

// latencyMinSamples is the smallest window gonum's stat functions are
// trusted to characterize meaningfully.
const latencyMinSamples = 5

// latencySlowFactor flags a poll as anomalously slow when it exceeds the
// window's mean by this many standard deviations.
const latencySlowFactor = 2.0

// New wires a Loop.
func New(st *store.Store, brk broker.Broker, bus *events.Bus, log zerolog.Logger) *Loop {
	return &Loop{store: st, broker: brk, bus: bus, log: log.With().Str("component", "monitor.Loop").Logger()}
}

// SetStatusFeed wires the optional market-status feed. Called once at
// startup when cmd/server has a feed URL configured; never touched from
// inside Poll/scan itself.
func (l *Loop) SetStatusFeed(feed StatusChecker) {
	l.statusFeed = feed
}

// Start arms a cron job that scans for due polls every interval and enqueues
// a monitor_poll task per execution, mirroring dispatch.Dispatcher.Start's
// scan-then-enqueue shape (C4 and C6 share the same self-rescheduling
// pattern over the worker pool).
func (l *Loop) Start(interval time.Duration, tasks Enqueuer) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	l.tasks = tasks
	l.cron = cron.New()
	_, err := l.cron.AddFunc(fmt.Sprintf("@every %s", interval), l.scan)
	if err != nil {
		return fmt.Errorf("monitor: schedule scan: %w", err)
	}
	l.cron.Start()
	return nil
}

// Stop halts the scan schedule, waiting for any in-flight scan to finish.
func (l *Loop) Stop() {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
}

func (l *Loop) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), worker.DefaultTimeout)
	defer cancel()

	due, err := l.DuePolls(ctx, time.Now().UTC())
	if err != nil {
		l.log.Error().Err(err).Msg("monitor scan failed")
		return
	}
	for _, exec := range due {
		if l.tasks != nil {
			l.tasks.Enqueue(worker.Task{Type: worker.TaskMonitorPoll, Payload: exec.ID})
		}
	}
}

// Poll is the monitor_poll task handler: load the execution, ask the broker
// for its position, classify the result, and either reschedule or finish.
func (l *Loop) Poll(ctx context.Context, executionID string) error {
	exec, err := l.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.StatusMonitoring && exec.Status != store.StatusCommunicationErr {
		// Already resolved by a racing poll or a janitor sweep.
		return nil
	}

	if exec.CancelRequested {
		return l.finishCancelled(ctx, exec)
	}

	if l.statusFeed != nil && !l.statusFeed.IsOpen(exec.Symbol) {
		return l.rescheduleClosedMarket(ctx, exec)
	}

	pollStart := time.Now()
	pos, err := l.broker.GetPosition(ctx, exec.Symbol)
	l.recordLatency(time.Since(pollStart), exec)
	if err != nil {
		return l.handleTransient(ctx, exec, err)
	}

	switch {
	case pos == nil || pos.ClosedExternally:
		return l.finishClosed(ctx, exec, pos, "closed externally")
	case stopOrTargetHit(pos):
		return l.finishClosed(ctx, exec, pos, "stop_or_target_hit")
	default:
		return l.reschedule(ctx, exec, pos)
	}
}

// recordLatency appends one poll's elapsed time to the rolling window and
// logs a warning when it's anomalously slow relative to the window's own
// history, ahead of the transient-error classification table that only
// fires on an outright broker failure — a broker that's merely getting slow
// should be visible before it starts timing out.
func (l *Loop) recordLatency(elapsed time.Duration, exec *store.Execution) {
	seconds := elapsed.Seconds()

	l.latMu.Lock()
	l.latencies = append(l.latencies, seconds)
	if len(l.latencies) > latencyWindowSize {
		l.latencies = l.latencies[len(l.latencies)-latencyWindowSize:]
	}
	window := append([]float64(nil), l.latencies...)
	l.latMu.Unlock()

	if len(window) < latencyMinSamples {
		return
	}
	mean, stddev := stat.MeanStdDev(window[:len(window)-1], nil)
	if stddev == 0 {
		return
	}
	if seconds > mean+latencySlowFactor*stddev {
		l.log.Warn().Str("execution_id", exec.ID).Str("symbol", exec.Symbol).
			Float64("latency_seconds", seconds).Float64("window_mean_seconds", mean).
			Float64("window_stddev_seconds", stddev).
			Msg("broker poll latency anomalously high, broker may be degrading")
	}
}

// stopOrTargetHit reports whether the broker's reported position has
// already crossed its bracket legs — i.e. the broker closed it itself and
// the zero quantity simply hasn't propagated to ClosedExternally yet. A
// genuinely still-open position reports a non-zero quantity.
func stopOrTargetHit(pos *broker.Position) bool {
	return pos.Quantity == 0
}

// rescheduleClosedMarket skips the broker round-trip entirely while the
// exchange is closed, per SPEC_FULL.md §4.6's market-status optimization —
// the position can't have moved, so there's nothing to poll for and no
// backoff cycle to burn.
func (l *Loop) rescheduleClosedMarket(ctx context.Context, exec *store.Execution) error {
	next := time.Now().UTC().Add(closedMarketRecheck)
	exec.NextCheckAt = &next
	if err := l.store.SaveWithRetry(ctx, exec); err != nil {
		return err
	}
	l.log.Debug().Str("execution_id", exec.ID).Str("symbol", exec.Symbol).
		Time("next_check_at", next).Msg("market closed, skipping poll")
	return nil
}

// reschedule persists the latest position metrics and re-arms the poll at
// now+monitor_interval, clearing any prior broker-error backoff.
func (l *Loop) reschedule(ctx context.Context, exec *store.Execution, pos *broker.Position) error {
	exec.BrokerErrorCount = 0
	exec.Status = store.StatusMonitoring
	next := time.Now().UTC().Add(time.Duration(exec.MonitorIntervalSeconds) * time.Second)
	exec.NextCheckAt = &next

	if exec.PipelineState != nil {
		exec.PipelineState.CurrentPosition = map[string]any{
			"symbol":          pos.Symbol,
			"quantity":        pos.Quantity,
			"avg_entry_price": pos.AvgEntryPrice,
			"current_price":   pos.CurrentPrice,
			"unrealized_pnl":  pos.UnrealizedPnL,
		}
		exec.PipelineState.UpdatedAt = time.Now().UTC()
	}

	if err := l.store.SaveWithRetry(ctx, exec); err != nil {
		return err
	}
	l.log.Info().Str("execution_id", exec.ID).Str("symbol", exec.Symbol).
		Float64("unrealized_pnl", pos.UnrealizedPnL).Msg("position still open")
	return nil
}

// finishClosed records the trade outcome and moves the execution to its
// terminal completed state, emitting position_closed.
func (l *Loop) finishClosed(ctx context.Context, exec *store.Execution, pos *broker.Position, exitReason string) error {
	now := time.Now().UTC()
	exec.Status = store.StatusCompleted
	exec.CompletedAt = &now
	exec.NextCheckAt = nil

	pnl := 0.0
	if pos != nil {
		pnl = pos.UnrealizedPnL
	}
	if exec.Result == nil {
		exec.Result = make(map[string]any)
	}
	exec.Result["exit_reason"] = exitReason
	exec.Result["pnl"] = pnl

	if exec.PipelineState != nil {
		exec.PipelineState.CompletedAt = &now
		exec.PipelineState.AppendLog("monitor: position closed (" + exitReason + ")")
	}

	if err := l.store.SaveWithRetry(ctx, exec); err != nil {
		return err
	}

	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type: events.PositionClosed, ExecutionID: exec.ID, UserID: exec.UserID, At: now,
			Data: &events.PositionClosedData{ExecutionID: exec.ID, Symbol: exec.Symbol, PnL: pnl, ExitReason: exitReason},
		})
		l.bus.Publish(events.Event{
			Type: events.ExecutionComplete, ExecutionID: exec.ID, UserID: exec.UserID, At: now,
			Data: &events.ExecutionCompleteData{ExecutionID: exec.ID, Status: string(exec.Status)},
		})
	}
	l.log.Info().Str("execution_id", exec.ID).Str("exit_reason", exitReason).Msg("position closed")
	return nil
}

// finishCancelled honors an out-of-band cancel request: it closes the open
// position on a best-effort basis (a close failure doesn't block the
// cancellation itself, since an orphaned position is a broker-side problem
// the execution record can't fix by staying in monitoring) and transitions
// the execution to cancelled.
func (l *Loop) finishCancelled(ctx context.Context, exec *store.Execution) error {
	now := time.Now().UTC()

	if _, err := l.broker.ClosePosition(ctx, exec.Symbol); err != nil {
		l.log.Warn().Str("execution_id", exec.ID).Err(err).
			Msg("best-effort close on cancel failed, cancelling execution anyway")
	}

	exec.Status = store.StatusCancelled
	exec.CompletedAt = &now
	exec.NextCheckAt = nil
	if exec.Result == nil {
		exec.Result = make(map[string]any)
	}
	exec.Result["exit_reason"] = "cancelled"

	if exec.PipelineState != nil {
		exec.PipelineState.CompletedAt = &now
		exec.PipelineState.AppendLog("monitor: execution cancelled on request")
	}

	if err := l.store.SaveWithRetry(ctx, exec); err != nil {
		return err
	}

	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type: events.ExecutionComplete, ExecutionID: exec.ID, UserID: exec.UserID, At: now,
			Data: &events.ExecutionCompleteData{ExecutionID: exec.ID, Status: string(exec.Status)},
		})
	}
	l.log.Info().Str("execution_id", exec.ID).Msg("execution cancelled")
	return nil
}

// handleTransient implements the transient-broker-error row of §4.6's
// classification table: increment the counter, back off, keep retrying
// within budget, and stop rescheduling (without failing the execution) once
// the budget's exhausted. It always returns nil to the caller — the retry
// schedule lives entirely in the persisted next_check_at, which the loop's
// own DuePolls scan re-arms as a fresh monitor_poll task; the
// worker pool's own immediate-retry-on-error would otherwise hammer the
// broker well before the intended backoff elapses.
func (l *Loop) handleTransient(ctx context.Context, exec *store.Execution, cause error) error {
	exec.BrokerErrorCount++
	exec.ErrorMessage = cause.Error()
	exec.Status = store.StatusCommunicationErr

	if exec.BrokerErrorCount > MaxBrokerRetries {
		exec.NextCheckAt = nil
		if err := l.store.SaveWithRetry(ctx, exec); err != nil {
			return err
		}
		if l.bus != nil {
			l.bus.Publish(events.Event{
				Type: events.MonitoringStalled, ExecutionID: exec.ID, UserID: exec.UserID, At: time.Now().UTC(),
				Data: &events.MonitoringStalledData{
					ExecutionID: exec.ID, Symbol: exec.Symbol,
					BrokerErrorCount: exec.BrokerErrorCount, LastError: cause.Error(),
				},
			})
		}
		l.log.Warn().Str("execution_id", exec.ID).Err(cause).
			Int("broker_error_count", exec.BrokerErrorCount).
			Msg("broker retry budget exhausted, awaiting manual reconciliation")
		return nil
	}

	next := time.Now().UTC().Add(calculateBackoff(exec.BrokerErrorCount))
	exec.NextCheckAt = &next
	if err := l.store.SaveWithRetry(ctx, exec); err != nil {
		return err
	}
	wrapped := &errs.BrokerTransientError{Cause: cause, RetryCount: exec.BrokerErrorCount}
	l.log.Warn().Str("execution_id", exec.ID).Err(wrapped).
		Int("broker_error_count", exec.BrokerErrorCount).Time("next_check_at", next).
		Msg("transient broker error, backing off")
	return nil
}

// DuePolls returns the executions whose next_check_at has arrived — the
// loop's scan enqueues a monitor_poll task for each.
func (l *Loop) DuePolls(ctx context.Context, now time.Time) ([]*store.Execution, error) {
	return l.store.DueForMonitorPoll(ctx, now)
}
