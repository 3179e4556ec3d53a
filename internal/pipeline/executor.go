package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/store"
	"github.com/aristath/sentinel/internal/utils"
	"github.com/aristath/sentinel/internal/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Enqueuer is the narrow slice of worker.Pool the executor needs to arm a
// follow-up task at a suspension point — the approval timeout, the resume,
// or the next monitor poll. Declared here rather than importing *worker.Pool
// directly so tests can supply a recording fake.
type Enqueuer interface {
	Enqueue(task worker.Task)
}

// BudgetGuard is the cost guard the executor consults before invoking a
// cost-bearing agent (one whose Metadata.IsFree is false). Grounded on
// SPEC_FULL.md §3's Budget expansion; satisfied by *store.BudgetStore.
type BudgetGuard interface {
	CheckAndReserve(ctx context.Context, userID string, estimatedCost float64) error
}

// Executor is the Executor (C3): linearizes a pipeline's agent graph and
// walks it against a PipelineState, persisting through the state store at
// every step boundary and suspending at the approval gate or the
// monitoring hand-off per SPEC_FULL.md §4.3.
type Executor struct {
	store    *store.Store
	registry *agent.Registry
	budget   BudgetGuard
	bus      *events.Bus
	tasks    Enqueuer
	log      zerolog.Logger
}

// NewExecutor wires an Executor. budget may be nil to disable the cost guard
// (used by tests that don't care about budgets).
func NewExecutor(st *store.Store, registry *agent.Registry, budget BudgetGuard, bus *events.Bus, tasks Enqueuer, log zerolog.Logger) *Executor {
	return &Executor{
		store:    st,
		registry: registry,
		budget:   budget,
		bus:      bus,
		tasks:    tasks,
		log:      log.With().Str("component", "pipeline.Executor").Logger(),
	}
}

// Start runs a brand-new (status=pending) execution from its first node.
func (e *Executor) Start(ctx context.Context, cfg Config, exec *store.Execution) error {
	ordered, err := Order(cfg.Nodes, e.registry)
	if err != nil {
		return e.finishFailed(ctx, exec, exec.PipelineState, fmt.Sprintf("pipeline ordering failed: %v", err))
	}

	if exec.Status == store.StatusPending {
		exec.Status = store.StatusRunning
		exec.StartedAt = timePtr(time.Now().UTC())
	}

	return e.walk(ctx, cfg, exec, ordered, 0, false)
}

// Resume continues an execution from the first node not yet completed or
// skipped — the approval gate's (C5) entry point after an approve.
// Precondition: the caller has already set exec.ApprovalStatus = approved
// and exec.Status = running via the state store.
func (e *Executor) Resume(ctx context.Context, cfg Config, exec *store.Execution) error {
	ordered, err := Order(cfg.Nodes, e.registry)
	if err != nil {
		return e.finishFailed(ctx, exec, exec.PipelineState, fmt.Sprintf("pipeline ordering failed: %v", err))
	}
	startIdx := firstIncompleteIndex(ordered, exec)
	return e.walk(ctx, cfg, exec, ordered, startIdx, true)
}

// firstIncompleteIndex finds the first node in ordered whose agent_states
// entry isn't yet completed or skipped.
func firstIncompleteIndex(ordered []NodeConfig, exec *store.Execution) int {
	for i, n := range ordered {
		st, ok := exec.AgentStates[n.ID]
		if !ok || (st.Status != "completed" && st.Status != "skipped") {
			return i
		}
	}
	return len(ordered)
}

// walk is the per-step loop described in SPEC_FULL.md §4.3. resuming is true
// only for the call made from Resume, and only suppresses the approval
// suspension check on the very first node visited (the one the approval
// gate just cleared) — any later approval-gated node still suspends
// normally.
func (e *Executor) walk(ctx context.Context, cfg Config, exec *store.Execution, ordered []NodeConfig, startIdx int, resuming bool) error {
	state := exec.PipelineState
	if state == nil {
		return e.finishFailed(ctx, exec, state, "pipeline_state missing at executor entry")
	}

	riskRejected := false

	for i := startIdx; i < len(ordered); i++ {
		node := ordered[i]

		if exec.CancelRequested {
			return e.finishCancelled(ctx, exec, state)
		}

		meta, known := e.registry.Metadata(node.AgentType)

		if riskRejected && known && meta.Category == agent.CategoryExecution {
			e.markAgentState(exec, node.ID, "skipped", "")
			continue
		}

		built, err := e.registry.Build(node.AgentType, node.ID, node.Config)
		if err != nil {
			return e.finishFailed(ctx, exec, state, fmt.Sprintf("agent %s (%s): %v", node.ID, node.AgentType, err))
		}

		if req, ok := built.(agent.ApprovalRequirer); ok {
			skipCheck := resuming && i == startIdx
			if !skipCheck && req.RequiresApproval(state) {
				return e.suspendForApproval(ctx, cfg, exec, state, node)
			}
		}

		if e.budget != nil && known && !meta.IsFree && meta.PricingRate > 0 {
			if err := e.budget.CheckAndReserve(ctx, exec.UserID, meta.PricingRate); err != nil {
				if errors.Is(err, errs.ErrBudgetExceeded) {
					e.markAgentState(exec, node.ID, "failed", err.Error())
					return e.finishFailed(ctx, exec, state, err.Error())
				}
				return e.finishFailed(ctx, exec, state, err.Error())
			}
		}

		e.markAgentState(exec, node.ID, "running", "")
		logBefore := len(state.ExecutionLog)

		timer := utils.NewTimer(node.AgentType, e.log)
		newState, perr := built.Process(ctx, state)
		timer.Stop()
		if newState != nil {
			state = newState
			exec.PipelineState = state
		}

		if perr != nil {
			outcome := classifyStepError(perr, node.AgentType)
			switch outcome {
			case outcomeSkip:
				reason := state.TriggerReason
				if reason == "" {
					reason = perr.Error()
				}
				e.markAgentState(exec, node.ID, "skipped", reason)
				return e.finishSkipped(ctx, exec, state, reason)
			case outcomeFail:
				e.markAgentState(exec, node.ID, "failed", perr.Error())
				return e.finishFailed(ctx, exec, state, perr.Error())
			default: // outcomeContinue: non-critical agent, record and move on
				e.markAgentState(exec, node.ID, "failed", perr.Error())
				agent.AddWarning(state, node.ID, "non-critical agent failed: "+perr.Error())
			}
		} else {
			e.markAgentState(exec, node.ID, "completed", "")
		}

		if err := e.persistStep(ctx, exec); err != nil {
			return err
		}
		e.emitStepEvents(exec, state, logBefore)

		if node.AgentType == "risk_manager_agent" && state.RiskAssessment != nil && !state.RiskAssessment.Approved {
			riskRejected = true
		}

		if mon, ok := built.(agent.MonitoringRequirer); ok && mon.RequiresMonitoring(state) {
			return e.suspendForMonitoring(ctx, cfg, exec, state)
		}
	}

	return e.finishCompleted(ctx, exec, state)
}

type classifyOutcome int

const (
	outcomeContinue classifyOutcome = iota
	outcomeSkip
	outcomeFail
)

// classifyStepError implements SPEC_FULL.md §4.3 step 4's failure
// classification: a trigger's "not now" is terminal-but-not-an-error; a
// missing required input or an exhausted budget is always fatal; anything
// else is fatal only when raised by a critical agent type.
func classifyStepError(err error, agentType string) classifyOutcome {
	if errors.Is(err, errs.ErrTriggerNotMet) {
		return outcomeSkip
	}
	if errors.Is(err, errs.ErrInsufficientData) || errors.Is(err, errs.ErrBudgetExceeded) {
		return outcomeFail
	}
	if agent.IsCritical(agentType) {
		return outcomeFail
	}
	return outcomeContinue
}

func (e *Executor) markAgentState(exec *store.Execution, nodeID, status, errMsg string) {
	if exec.AgentStates == nil {
		exec.AgentStates = make(map[string]store.AgentState)
	}
	now := time.Now().UTC()
	s := exec.AgentStates[nodeID]
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.Status = status
	s.Error = errMsg
	if status == "completed" || status == "failed" || status == "skipped" {
		s.EndedAt = now
	}
	exec.AgentStates[nodeID] = s
}

// syncDerivedMirrors enforces the Data Model contract that Result, Reports,
// Logs, AgentStates, CostBreakdown stay consistent with PipelineState at
// every persistence boundary. AgentStates is maintained directly by
// markAgentState, so it is left untouched here.
func syncDerivedMirrors(exec *store.Execution) {
	state := exec.PipelineState
	if state == nil {
		return
	}
	exec.Logs = state.ExecutionLog
	exec.Reports = state.AgentReports
	exec.CostBreakdown = state.AgentCosts
	exec.Result = map[string]any{
		"strategy":          state.Strategy,
		"risk_assessment":   state.RiskAssessment,
		"trade_execution":   state.TradeExecution,
		"current_position":  state.CurrentPosition,
		"trigger_met":       state.TriggerMet,
		"trigger_reason":    state.TriggerReason,
		"total_cost":        state.TotalCost,
		"errors":            state.Errors,
		"warnings":          state.Warnings,
	}
}

// persistStep saves exec through the store's shared bounded-retry helper,
// after syncing the derivative mirrors the Data Model requires stay
// consistent with PipelineState at every persistence boundary.
func (e *Executor) persistStep(ctx context.Context, exec *store.Execution) error {
	state := exec.PipelineState
	if state != nil {
		state.UpdatedAt = time.Now().UTC()
	}
	syncDerivedMirrors(exec)

	if err := e.store.SaveWithRetry(ctx, exec); err != nil {
		e.log.Error().Err(err).Str("execution_id", exec.ID).Msg("persist step failed")
		return err
	}
	return nil
}

func (e *Executor) emitStepEvents(exec *store.Execution, state *store.PipelineState, logBefore int) {
	if e.bus == nil {
		return
	}
	for _, line := range state.ExecutionLog[logBefore:] {
		e.bus.Publish(events.Event{
			Type:        events.ExecutionLog,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          time.Now().UTC(),
			Data:        &events.ExecutionLogData{ExecutionID: exec.ID, Message: line},
		})
	}
	e.bus.Publish(events.Event{
		Type:        events.ExecutionUpdate,
		ExecutionID: exec.ID,
		UserID:      exec.UserID,
		At:          time.Now().UTC(),
		Data: &events.ExecutionUpdateData{
			ExecutionID: exec.ID,
			PipelineID:  exec.PipelineID,
			Symbol:      exec.Symbol,
			Status:      string(exec.Status),
			Version:     exec.Version,
		},
	})
}

// suspendForApproval implements step 6: mint a token, arm a timeout task,
// emit approval_requested, and return without completing the execution.
func (e *Executor) suspendForApproval(ctx context.Context, cfg Config, exec *store.Execution, state *store.PipelineState, node NodeConfig) error {
	ttl := time.Duration(cfg.ApprovalTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	expires := time.Now().UTC().Add(ttl)

	exec.Status = store.StatusAwaitingApproval
	exec.ApprovalStatus = store.ApprovalPending
	exec.ApprovalToken = uuid.NewString()
	exec.ApprovalExpires = &expires
	agent.Log(state, node.ID, "suspended: awaiting human approval")

	if err := e.persistStep(ctx, exec); err != nil {
		return err
	}

	if e.tasks != nil {
		e.tasks.Enqueue(worker.Task{
			Type:    worker.TaskCheckApprovalTimeout,
			Payload: exec.ID,
			RunAt:   expires,
		})
	}

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.ApprovalRequested,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          time.Now().UTC(),
			Data: &events.ApprovalRequestedData{
				ExecutionID:   exec.ID,
				ApprovalToken: exec.ApprovalToken,
				Symbol:        exec.Symbol,
				ExpiresAt:     expires.Format(time.RFC3339),
			},
		})
	}
	return nil
}

// suspendForMonitoring implements step 7: hand the execution off to the
// monitor loop (C6) once the trade_manager has actually filled an order.
func (e *Executor) suspendForMonitoring(ctx context.Context, cfg Config, exec *store.Execution, state *store.PipelineState) error {
	interval := exec.MonitorIntervalSeconds
	if interval <= 0 {
		interval = cfg.MonitorIntervalSeconds
	}
	if interval <= 0 {
		interval = 300
	}
	next := time.Now().UTC().Add(time.Duration(interval) * time.Second)

	exec.Status = store.StatusMonitoring
	exec.ExecutionPhase = store.PhaseMonitoring
	exec.MonitorIntervalSeconds = interval
	exec.NextCheckAt = &next
	exec.BrokerErrorCount = 0

	if err := e.persistStep(ctx, exec); err != nil {
		return err
	}
	if e.tasks != nil {
		e.tasks.Enqueue(worker.Task{
			Type:    worker.TaskMonitorPoll,
			Payload: exec.ID,
			RunAt:   next,
		})
	}
	return nil
}

func (e *Executor) finishCompleted(ctx context.Context, exec *store.Execution, state *store.PipelineState) error {
	return e.finishTerminal(ctx, exec, state, store.StatusCompleted, "")
}

func (e *Executor) finishSkipped(ctx context.Context, exec *store.Execution, state *store.PipelineState, reason string) error {
	if state != nil {
		state.TriggerMet = false
		state.TriggerReason = reason
	}
	return e.finishTerminal(ctx, exec, state, store.StatusSkipped, "")
}

func (e *Executor) finishFailed(ctx context.Context, exec *store.Execution, state *store.PipelineState, reason string) error {
	err := e.finishTerminal(ctx, exec, state, store.StatusFailed, reason)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.PipelineFailed,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          time.Now().UTC(),
			Data:        &events.PipelineFailedData{ExecutionID: exec.ID, PipelineID: exec.PipelineID, Reason: reason},
		})
	}
	return err
}

func (e *Executor) finishCancelled(ctx context.Context, exec *store.Execution, state *store.PipelineState) error {
	return e.finishTerminal(ctx, exec, state, store.StatusCancelled, "cancelled on request")
}

func (e *Executor) finishTerminal(ctx context.Context, exec *store.Execution, state *store.PipelineState, status store.Status, errMsg string) error {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	exec.NextCheckAt = nil
	exec.ErrorMessage = errMsg
	if state != nil {
		state.CompletedAt = &now
	}

	if err := e.persistStep(ctx, exec); err != nil {
		return err
	}
	if e.bus != nil {
		totalCost := 0.0
		if state != nil {
			totalCost = state.TotalCost
		}
		e.bus.Publish(events.Event{
			Type:        events.ExecutionComplete,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          now,
			Data:        &events.ExecutionCompleteData{ExecutionID: exec.ID, Status: string(status), TotalCost: totalCost},
		})
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
