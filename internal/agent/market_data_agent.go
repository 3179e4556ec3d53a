package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/marketdata"
	"github.com/aristath/sentinel/internal/store"
)

var marketDataAgentMetadata = Metadata{
	AgentType:   "market_data_agent",
	Name:        "Market Data Agent",
	Description: "Fetches current price and historical candles from the cached market data provider. Free: no LLM calls.",
	Category:    CategoryData,
	Version:     "2.0.0",
	IsFree:      true,
	ConfigSchema: ConfigSchema{
		Title: "Market Data Configuration",
		Properties: map[string]ConfigProperty{
			"timeframes":       {Type: "array", Description: "Timeframes to fetch", Default: []string{"5m", "1h", "4h", "1d"}},
			"lookback_periods": {Type: "integer", Description: "Historical periods per timeframe", Default: 100},
		},
		Required: []string{"timeframes"},
	},
}

// marketDataProvider is set by the process entrypoint (cmd/server) once
// the concrete marketdata.Provider (cache-wrapped live or static) is built —
// built-in agents don't reach into global state, so the provider comes in
// through this registration hook instead of package-level wiring.
var marketDataProvider marketdata.Provider

// SetMarketDataProvider wires the provider every market_data_agent instance
// will use. Must be called during process startup before any pipeline runs.
func SetMarketDataProvider(p marketdata.Provider) {
	marketDataProvider = p
}

func init() {
	Default().Register(marketDataAgentMetadata, newMarketDataAgent)
}

type marketDataAgent struct {
	id              string
	timeframes      []string
	lookbackPeriods int
}

func newMarketDataAgent(id string, config map[string]any) (Agent, error) {
	timeframes := toStringSlice(config["timeframes"])
	lookback := toInt(config["lookback_periods"], 100)
	return &marketDataAgent{id: id, timeframes: timeframes, lookbackPeriods: lookback}, nil
}

func (a *marketDataAgent) ID() string         { return a.id }
func (a *marketDataAgent) Metadata() Metadata { return marketDataAgentMetadata }

func (a *marketDataAgent) Process(ctx context.Context, state *store.PipelineState) (*store.PipelineState, error) {
	Log(state, a.id, "fetching market data")

	if state.Symbol == "" {
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: errs.ErrInsufficientData}
	}
	if marketDataProvider == nil {
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: fmt.Errorf("no market data provider wired")}
	}

	quote, err := marketDataProvider.Quote(ctx, state.Symbol)
	if err != nil {
		AddError(state, a.id, "quote fetch failed: "+err.Error())
		return state, &errs.AgentProcessingError{AgentType: a.id, Cause: err}
	}

	timeframesData := make(map[string]any, len(a.timeframes))
	totalCandles := 0
	for _, tf := range a.timeframes {
		candles, err := marketDataProvider.Candles(ctx, state.Symbol, tf, a.lookbackPeriods)
		if err != nil {
			AddError(state, a.id, fmt.Sprintf("candles fetch failed for %s: %v", tf, err))
			return state, &errs.AgentProcessingError{AgentType: a.id, Cause: err}
		}
		timeframesData[tf] = candles
		totalCandles += len(candles)
	}

	state.MarketData = map[string]any{
		"symbol":         state.Symbol,
		"current_price":  quote.CurrentPrice,
		"bid":            quote.Bid,
		"ask":             quote.Ask,
		"timestamp":      quote.Timestamp,
		"timeframes":     timeframesData,
	}

	Log(state, a.id, fmt.Sprintf("market data fetched: price=%.2f candles=%d timeframes=%s",
		quote.CurrentPrice, totalCandles, strings.Join(a.timeframes, ",")))
	RecordReport(state, a.id, Report{
		Title:   "Market data refreshed",
		Summary: fmt.Sprintf("Fetched %d candles across %d timeframes", totalCandles, len(a.timeframes)),
		Data:    map[string]any{"timeframes": a.timeframes, "lookback_periods": a.lookbackPeriods},
	})
	TrackCost(state, a.id, 0.0)

	return state, nil
}

func toStringSlice(v any) []string {
	switch tv := v.(type) {
	case []string:
		return tv
	case []any:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.Split(tv, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

func toInt(v any, def int) int {
	switch tv := v.(type) {
	case int:
		return tv
	case int64:
		return int(tv)
	case float64:
		return int(tv)
	default:
		return def
	}
}
