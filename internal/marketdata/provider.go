// Package marketdata defines the quote/candle data surface the market_data
// agent (C2) depends on, plus a SQLite-backed cache in front of whatever
// concrete Provider is configured. Grounded on
// original_source/backend/app/agents/market_data_agent.py's Data Plane
// client contract (quote + per-timeframe candles), adapted from an HTTP
// fetch into a pluggable interface so paper/live providers can share one
// caching layer.
package marketdata

import "context"

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp int64   `msgpack:"t"`
	Open      float64 `msgpack:"o"`
	High      float64 `msgpack:"h"`
	Low       float64 `msgpack:"l"`
	Close     float64 `msgpack:"c"`
	Volume    float64 `msgpack:"v"`
}

// Quote is a point-in-time price snapshot.
type Quote struct {
	Symbol       string  `msgpack:"symbol"`
	CurrentPrice float64 `msgpack:"current_price"`
	Bid          float64 `msgpack:"bid,omitempty"`
	Ask          float64 `msgpack:"ask,omitempty"`
	Timestamp    int64   `msgpack:"timestamp"`
}

// Provider is the narrow upstream data source market_data_agent pulls from.
// Indicators is a closing-price statistic computed over the provider's own
// candles rather than a full technical-analysis library — see DESIGN.md for
// why go-talib was dropped; "sma" and "stddev" are computed with
// gonum.org/v1/gonum/stat, which the rest of the domain stack already pulls
// in for the monitor loop's latency window.
type Provider interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	Indicators(ctx context.Context, symbol, timeframe string, set []string, params map[string]any) (map[string]float64, error)
}
