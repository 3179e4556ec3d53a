package agent

import (
	"context"
	"fmt"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/store"
)

var tradeManagerAgentMetadata = Metadata{
	AgentType:   "trade_manager_agent",
	Name:        "Trade Manager Agent",
	Description: "The only agent capable of placing or closing orders at the broker. Executes the risk-approved strategy and hands the execution off to monitoring.",
	Category:    CategoryExecution,
	Version:     "1.0.0",
	IsFree:      true,
	ConfigSchema: ConfigSchema{
		Title: "Trade Manager Configuration",
		Properties: map[string]ConfigProperty{
			"require_approval": {Type: "boolean", Description: "Require human sign-off before this order is placed", Default: true},
			"order_type":       {Type: "string", Description: "market or limit", Default: "market"},
		},
	},
	CanInitiateTrades: true,
	CanClosePositions: true,
}

// tradeManagerBroker is wired by cmd/server the same way market_data_agent's
// provider is: a concrete adapter (paper.Adapter in paper/simulation mode)
// closes over process state the agent itself has no business constructing.
var tradeManagerBroker broker.Broker

// SetBroker wires the broker every trade_manager_agent instance places
// orders through. Must be called during process startup before any pipeline
// runs.
func SetBroker(b broker.Broker) {
	tradeManagerBroker = b
}

func init() {
	Default().Register(tradeManagerAgentMetadata, newTradeManagerAgent)
}

// tradeManagerAgent is authored fresh — no trade_manager_agent.py survived
// the distillation — against the contract spelled out in SPEC_FULL.md §4.2
// and §4.3: the only agent with CanInitiateTrades/CanClosePositions, and the
// node the executor inspects for the approval-suspension and
// monitoring-handoff decisions via the ApprovalRequirer interface below.
type tradeManagerAgent struct {
	id               string
	requireApproval  bool
	orderType        broker.OrderType
}

func newTradeManagerAgent(id string, config map[string]any) (Agent, error) {
	requireApproval := true
	if v, ok := config["require_approval"].(bool); ok {
		requireApproval = v
	}
	orderType := broker.OrderMarket
	if s, _ := config["order_type"].(string); s == "limit" {
		orderType = broker.OrderLimit
	}
	return &tradeManagerAgent{id: id, requireApproval: requireApproval, orderType: orderType}, nil
}

func (a *tradeManagerAgent) ID() string         { return a.id }
func (a *tradeManagerAgent) Metadata() Metadata { return tradeManagerAgentMetadata }

// RequiresApproval is read by the executor (C3) before invoking Process at
// this node: if it returns true the executor suspends with
// status=awaiting_approval rather than calling Process, and only calls it
// later from the approval-gate resume path (C5).
func (a *tradeManagerAgent) RequiresApproval(state *store.PipelineState) bool {
	if !a.requireApproval {
		return false
	}
	return tradeIsActionable(state)
}

func tradeIsActionable(state *store.PipelineState) bool {
	if state.RiskAssessment == nil || !state.RiskAssessment.Approved {
		return false
	}
	action, _ := state.Strategy["action"].(string)
	return action == "BUY" || action == "SELL"
}

func (a *tradeManagerAgent) Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error) {
	Log(state, a.id, "evaluating trade")

	if !tradeIsActionable(state) {
		reason := "no risk-approved actionable strategy"
		if state.RiskAssessment != nil && !state.RiskAssessment.Approved {
			reason = "risk manager rejected the trade"
		}
		state.TradeExecution = map[string]any{"action": "none", "reason": reason}
		Log(state, a.id, "no order placed: "+reason)
		TrackCost(state, a.id, 0.0)
		return state, nil
	}

	if tradeManagerBroker == nil {
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: fmt.Errorf("no broker wired")}
	}

	action, _ := state.Strategy["action"].(string)
	side := broker.SideBuy
	if action == "SELL" {
		side = broker.SideSell
	}
	qty := toFloat(state.RiskAssessment.PositionSize, 0)
	if qty <= 0 {
		state.TradeExecution = map[string]any{"action": "none", "reason": "position size resolved to zero"}
		Log(state, a.id, "no order placed: position size resolved to zero")
		TrackCost(state, a.id, 0.0)
		return state, nil
	}

	limits := broker.Limits{
		StopLoss:   toFloat(state.Strategy["stop_loss"], 0),
		TakeProfit: toFloat(state.Strategy["take_profit"], 0),
	}
	if a.orderType == broker.OrderLimit {
		limits.LimitPrice = toFloat(state.Strategy["entry_price"], 0)
	}

	result, err := tradeManagerBroker.PlaceOrder(ctx, state.Symbol, side, qty, a.orderType, limits)
	if err != nil {
		AddError(state, a.id, "order placement failed: "+err.Error())
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: err}
	}

	state.TradeExecution = map[string]any{
		"action":       action,
		"order_id":     result.OrderID,
		"status":       result.Status,
		"filled_price": result.FilledPrice,
		"filled_qty":   result.FilledQty,
		"timestamp":    result.Timestamp,
	}
	state.CurrentPosition = map[string]any{
		"symbol":      state.Symbol,
		"quantity":    result.FilledQty,
		"entry_price": result.FilledPrice,
		"stop_loss":   limits.StopLoss,
		"take_profit": limits.TakeProfit,
	}

	Log(state, a.id, fmt.Sprintf("order filled: %s %.2f %s @ %.2f", action, result.FilledQty, state.Symbol, result.FilledPrice))
	RecordReport(state, a.id, Report{
		Title:   "Trade executed",
		Summary: fmt.Sprintf("%s %.2f %s @ %.2f", action, result.FilledQty, state.Symbol, result.FilledPrice),
		Data:    state.TradeExecution,
	})
	TrackCost(state, a.id, 0.0)

	return state, nil
}

// RequiresMonitoring reports whether the executor should hand this execution
// off to the monitor loop (C6) after this step rather than complete it — true
// whenever an order was actually placed.
func (a *tradeManagerAgent) RequiresMonitoring(state *store.PipelineState) bool {
	if state.TradeExecution == nil {
		return false
	}
	action, _ := state.TradeExecution["action"].(string)
	return action == "BUY" || action == "SELL"
}
