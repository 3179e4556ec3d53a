package agent

import (
	"fmt"

	"github.com/aristath/sentinel/internal/store"
)

// Log appends a line to the state's execution log, prefixed with the
// emitting agent's id — the Go equivalent of BaseAgent.log in the original
// implementation, as a free function since Go agents don't inherit it.
func Log(state *store.PipelineState, agentID, message string) {
	state.AppendLog(fmt.Sprintf("[%s] %s", agentID, message))
}

// TrackCost records cost against agentID and recalculates the state's total,
// enforcing the total_cost == sum(agent_costs) invariant on every call.
func TrackCost(state *store.PipelineState, agentID string, cost float64) {
	if state.AgentCosts == nil {
		state.AgentCosts = make(map[string]float64)
	}
	state.AgentCosts[agentID] += cost
	state.RecalculateTotalCost()
	Log(state, agentID, fmt.Sprintf("cost tracked: $%.4f", cost))
}

// AddError appends an agent-scoped error to the state's error list.
func AddError(state *store.PipelineState, agentID, message string) {
	state.Errors = append(state.Errors, fmt.Sprintf("%s: %s", agentID, message))
	Log(state, agentID, "error: "+message)
}

// AddWarning appends an agent-scoped warning to the state's warning list.
func AddWarning(state *store.PipelineState, agentID, message string) {
	state.Warnings = append(state.Warnings, fmt.Sprintf("%s: %s", agentID, message))
	Log(state, agentID, "warning: "+message)
}

// Report is a structured summary an agent leaves behind for the UI and for
// downstream agents that want to read a prior agent's findings without
// reaching into its private fields.
type Report struct {
	Title   string         `json:"title"`
	Summary string         `json:"summary"`
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
}

// RecordReport stores a Report under agentID in the state's agent-reports map.
func RecordReport(state *store.PipelineState, agentID string, report Report) {
	if state.AgentReports == nil {
		state.AgentReports = make(map[string]any)
	}
	if report.Status == "" {
		report.Status = "completed"
	}
	state.AgentReports[agentID] = report
}
