// Package approval is the Approval Gate (C5): the blocking checkpoint a
// suspended execution sits at until a human approves, rejects, or the
// approval_expires_at deadline passes. Grounded on
// original_source/backend/app/orchestration/tasks/approval.py's
// resume_approved / check_approval_timeout task pair, translated into two
// worker.TaskType handlers plus the REST-facing Approve/Reject calls.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/pipeline"
	"github.com/aristath/sentinel/internal/store"
	"github.com/aristath/sentinel/internal/worker"
	"github.com/rs/zerolog"
)

// Enqueuer is the slice of worker.Pool the gate needs to schedule a resume.
type Enqueuer interface {
	Enqueue(task worker.Task)
}

// Gate implements the approve/reject/timeout transitions of SPEC_FULL.md §4.5.
type Gate struct {
	store    *store.Store
	configs  pipeline.ConfigProvider
	executor *pipeline.Executor
	tasks    Enqueuer
	bus      *events.Bus
	log      zerolog.Logger
}

// NewGate wires a Gate.
func NewGate(st *store.Store, configs pipeline.ConfigProvider, executor *pipeline.Executor, tasks Enqueuer, bus *events.Bus, log zerolog.Logger) *Gate {
	return &Gate{
		store:    st,
		configs:  configs,
		executor: executor,
		tasks:    tasks,
		bus:      bus,
		log:      log.With().Str("component", "approval.Gate").Logger(),
	}
}

// pending asserts the precondition every approve/reject/timeout transition
// requires: status==awaiting_approval ∧ approval_status==pending ∧
// now<approval_expires_at.
func pending(exec *store.Execution) bool {
	if exec.Status != store.StatusAwaitingApproval {
		return false
	}
	if exec.ApprovalStatus != store.ApprovalPending {
		return false
	}
	if exec.ApprovalExpires != nil && time.Now().UTC().After(*exec.ApprovalExpires) {
		return false
	}
	return true
}

// ApproveByID resolves the precondition against execution id.
func (g *Gate) ApproveByID(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := g.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return g.approve(ctx, exec)
}

// ApproveByToken resolves the precondition against the out-of-band
// approval_token path.
func (g *Gate) ApproveByToken(ctx context.Context, token string) (*store.Execution, error) {
	exec, err := g.store.LoadByApprovalToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return g.approve(ctx, exec)
}

func (g *Gate) approve(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	if !pending(exec) {
		// Double-approve / already-resolved / expired: a no-op refusal that
		// returns the execution's current (already-terminal) answer rather
		// than erroring past it — SPEC_FULL.md §11's "double-approve is a
		// no-op" round-trip property.
		return exec, errs.ErrApprovalExpired
	}

	now := time.Now().UTC()
	exec.ApprovalStatus = store.ApprovalApproved
	exec.ApprovalRespond = &now
	exec.Status = store.StatusRunning

	if err := g.store.SaveWithRetry(ctx, exec); err != nil {
		return nil, err
	}

	if g.tasks != nil {
		g.tasks.Enqueue(worker.Task{Type: worker.TaskResumeApproved, Payload: exec.ID})
	}
	if g.bus != nil {
		g.bus.Publish(events.Event{
			Type:        events.ExecutionUpdate,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          now,
			Data: &events.ExecutionUpdateData{
				ExecutionID: exec.ID, PipelineID: exec.PipelineID, Symbol: exec.Symbol,
				Status: string(exec.Status), Version: exec.Version,
			},
		})
	}
	return exec, nil
}

// RejectByID resolves the precondition against execution id.
func (g *Gate) RejectByID(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	exec, err := g.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !pending(exec) {
		return exec, errs.ErrApprovalExpired
	}
	return g.resolveRejected(ctx, exec, store.ApprovalRejected, reason)
}

// RejectByToken resolves the precondition against the token-authenticated path.
func (g *Gate) RejectByToken(ctx context.Context, token, reason string) (*store.Execution, error) {
	exec, err := g.store.LoadByApprovalToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !pending(exec) {
		return exec, errs.ErrApprovalExpired
	}
	return g.resolveRejected(ctx, exec, store.ApprovalRejected, reason)
}

// HandleTimeout is the check_approval_timeout worker task, armed by the
// executor at suspension time with RunAt == approval_expires_at. Race-safe:
// a no-op if the execution was already resolved by a prior approve/reject.
func (g *Gate) HandleTimeout(ctx context.Context, executionID string) error {
	exec, err := g.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if !pending(exec) {
		return nil
	}
	_, err = g.resolveRejected(ctx, exec, store.ApprovalTimedOut, "Approval timed out")
	return err
}

// resolveRejected implements the shared reject/timeout transition: force
// status=completed, record the reason and a skipped trade_manager entry,
// emit execution_complete.
func (g *Gate) resolveRejected(ctx context.Context, exec *store.Execution, approvalStatus store.ApprovalStatus, reason string) (*store.Execution, error) {
	now := time.Now().UTC()
	exec.ApprovalStatus = approvalStatus
	exec.ApprovalRespond = &now
	exec.Status = store.StatusCompleted
	exec.CompletedAt = &now
	exec.NextCheckAt = nil

	if exec.AgentStates == nil {
		exec.AgentStates = make(map[string]store.AgentState)
	}
	exec.AgentStates["trade_manager_agent"] = store.AgentState{Status: "skipped", EndedAt: now, Error: reason}

	if exec.PipelineState != nil {
		agent.Log(exec.PipelineState, "trade_manager_agent", "skipped: "+reason)
		exec.PipelineState.CompletedAt = &now
		exec.Logs = exec.PipelineState.ExecutionLog
	}
	if exec.Result == nil {
		exec.Result = make(map[string]any)
	}
	exec.Result["exit_reason"] = reason

	if err := g.store.SaveWithRetry(ctx, exec); err != nil {
		return nil, err
	}

	if g.bus != nil {
		totalCost := 0.0
		if exec.PipelineState != nil {
			totalCost = exec.PipelineState.TotalCost
		}
		g.bus.Publish(events.Event{
			Type:        events.ExecutionComplete,
			ExecutionID: exec.ID,
			UserID:      exec.UserID,
			At:          now,
			Data:        &events.ExecutionCompleteData{ExecutionID: exec.ID, Status: string(exec.Status), TotalCost: totalCost},
		})
	}
	return exec, nil
}

// HandleResume is the resume_approved worker task: re-enter the executor at
// the trade_manager node once a human has approved the trade.
func (g *Gate) HandleResume(ctx context.Context, executionID string) error {
	exec, err := g.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.StatusRunning || exec.ApprovalStatus != store.ApprovalApproved {
		// Already moved on (a retry racing a completed resume) — nothing to do.
		return nil
	}
	cfg, ok := g.configs.Get(ctx, exec.PipelineID)
	if !ok {
		return fmt.Errorf("approval: unknown pipeline %q for execution %q", exec.PipelineID, exec.ID)
	}
	return g.executor.Resume(ctx, cfg, exec)
}
