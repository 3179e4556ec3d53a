package agent

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/marketdata"
	"github.com/aristath/sentinel/internal/store"
)

var strategyAgentMetadata = Metadata{
	AgentType:   "strategy_agent",
	Name:        "Strategy Agent",
	Description: "Derives a BUY/SELL/HOLD proposal with entry/stop/target levels from the fetched market data and any upstream bias inputs.",
	Category:    CategoryAnalysis,
	Version:     "1.0.0",
	IsFree:      true,
	ConfigSchema: ConfigSchema{
		Title: "Strategy Configuration",
		Properties: map[string]ConfigProperty{
			"action":                {Type: "string", Description: "Forced action for deterministic pipelines (buy, sell, hold); empty means infer from momentum", Default: ""},
			"stop_loss_percent":     {Type: "number", Description: "Stop-loss distance from entry as a fraction", Default: 0.02},
			"take_profit_percent":   {Type: "number", Description: "Take-profit distance from entry as a fraction", Default: 0.04},
			"confidence":            {Type: "number", Description: "Static confidence score attached to the proposal", Default: 0.7},
		},
	},
	RequiresMarketData: true,
}

func init() {
	Default().Register(strategyAgentMetadata, newStrategyAgent)
}

// strategyAgent is grounded on original_source's RiskAssessment/Strategy
// contract (risk_manager_agent.py reads strategy.action/entry_price/
// stop_loss/take_profit/confidence) — no strategy_agent.py survived the
// distillation, so this is authored fresh to produce exactly the fields risk
// management consumes, using a simple deterministic rule (configured action,
// or momentum sign of the latest two 1d candles) rather than indicator
// computation, which is an explicit Non-goal.
type strategyAgent struct {
	id                string
	forcedAction      string
	stopLossPercent   float64
	takeProfitPercent float64
	confidence        float64
}

func newStrategyAgent(id string, config map[string]any) (Agent, error) {
	action, _ := config["action"].(string)
	slPct := toFloat(config["stop_loss_percent"], 0.02)
	tpPct := toFloat(config["take_profit_percent"], 0.04)
	confidence := toFloat(config["confidence"], 0.7)
	return &strategyAgent{id: id, forcedAction: action, stopLossPercent: slPct, takeProfitPercent: tpPct, confidence: confidence}, nil
}

func (a *strategyAgent) ID() string         { return a.id }
func (a *strategyAgent) Metadata() Metadata { return strategyAgentMetadata }

func (a *strategyAgent) Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error) {
	Log(state, a.id, "deriving strategy")

	if state.MarketData == nil {
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: errs.ErrInsufficientData}
	}
	price, ok := state.MarketData["current_price"].(float64)
	if !ok || price <= 0 {
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: fmt.Errorf("market data missing current_price")}
	}

	action := a.forcedAction
	if action == "" {
		action = a.inferAction(state)
	}

	strategy := map[string]any{
		"action":        action,
		"confidence":    a.confidence,
		"entry_price":   price,
		"position_size": 0.0,
	}

	if action == "buy" || action == "BUY" {
		strategy["action"] = "BUY"
		strategy["stop_loss"] = price * (1 - a.stopLossPercent)
		strategy["take_profit"] = price * (1 + a.takeProfitPercent)
	} else if action == "sell" || action == "SELL" {
		strategy["action"] = "SELL"
		strategy["stop_loss"] = price * (1 + a.stopLossPercent)
		strategy["take_profit"] = price * (1 - a.takeProfitPercent)
	} else {
		strategy["action"] = "HOLD"
	}

	state.Strategy = strategy
	Log(state, a.id, fmt.Sprintf("strategy: %s @ %.2f", strategy["action"], price))
	RecordReport(state, a.id, Report{
		Title:   "Strategy proposal",
		Summary: fmt.Sprintf("%s proposed at %.2f", strategy["action"], price),
		Data:    strategy,
	})
	TrackCost(state, a.id, 0.0)

	return state, nil
}

// inferAction uses the simplest possible momentum signal: the direction of
// the last two 1d candle closes, if present. Not an indicator computation —
// no lookback window, smoothing, or parameterized signal generation, which
// stay an explicit Non-goal (SPEC_FULL.md §1).
func (a *strategyAgent) inferAction(state *store.PipelineState) string {
	timeframes, ok := state.MarketData["timeframes"].(map[string]any)
	if !ok {
		return "HOLD"
	}
	lastClose, prevClose, ok := lastTwoCloses(timeframes["1d"])
	if !ok {
		return "HOLD"
	}
	if math.Abs(lastClose-prevClose)/prevClose < 0.0005 {
		return "HOLD"
	}
	if lastClose > prevClose {
		return "BUY"
	}
	return "SELL"
}

// lastTwoCloses reads the last two closes out of a timeframe's candle slice.
// Within a single in-process pipeline run market_data_agent stores the
// concrete []marketdata.Candle it fetched; once a PipelineState has been
// through a JSON round-trip (store persistence, Clone) the same data comes
// back as []any of map[string]any with Go's default capitalized field names.
// Both shapes are handled so strategy inference is correct regardless of
// where in the pipeline it runs.
func lastTwoCloses(v any) (last, prev float64, ok bool) {
	switch candles := v.(type) {
	case []marketdata.Candle:
		if len(candles) < 2 {
			return 0, 0, false
		}
		return candles[len(candles)-1].Close, candles[len(candles)-2].Close, true
	case []any:
		if len(candles) < 2 {
			return 0, 0, false
		}
		lastRow, lok := candles[len(candles)-1].(map[string]any)
		prevRow, pok := candles[len(candles)-2].(map[string]any)
		if !lok || !pok {
			return 0, 0, false
		}
		lastClose := toFloat(lastRow["Close"], 0)
		prevClose := toFloat(prevRow["Close"], 0)
		if lastClose == 0 || prevClose == 0 {
			return 0, 0, false
		}
		return lastClose, prevClose, true
	default:
		return 0, 0, false
	}
}

func toFloat(v any, def float64) float64 {
	switch tv := v.(type) {
	case float64:
		return tv
	case float32:
		return float64(tv)
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	default:
		return def
	}
}
