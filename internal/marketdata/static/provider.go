// Package static is a deterministic Provider implementation for paper/
// simulation modes and for tests — it never calls an external service. A
// live deployment swaps this for a real broker-backed implementation behind
// the same marketdata.Provider interface.
package static

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/marketdata"
	"gonum.org/v1/gonum/stat"
)

// Provider serves a fixed, seedable price per symbol so pipeline runs in
// paper/simulation mode are reproducible.
type Provider struct {
	basePrice map[string]float64
}

// New builds a provider; basePrice maps symbol to the price it reports.
// Symbols not present default to 100.0.
func New(basePrice map[string]float64) *Provider {
	return &Provider{basePrice: basePrice}
}

func (p *Provider) price(symbol string) float64 {
	if v, ok := p.basePrice[symbol]; ok {
		return v
	}
	return 100.0
}

func (p *Provider) Quote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	price := p.price(symbol)
	return marketdata.Quote{
		Symbol:       symbol,
		CurrentPrice: price,
		Bid:          price - 0.01,
		Ask:          price + 0.01,
		Timestamp:    time.Now().Unix(),
	}, nil
}

func (p *Provider) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]marketdata.Candle, error) {
	interval, err := timeframeToDuration(timeframe)
	if err != nil {
		return nil, err
	}

	base := p.price(symbol)
	now := time.Now()
	candles := make([]marketdata.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		ts := now.Add(-time.Duration(i) * interval).Unix()
		candles = append(candles, marketdata.Candle{
			Timestamp: ts,
			Open:      base,
			High:      base * 1.002,
			Low:       base * 0.998,
			Close:     base,
			Volume:    1000,
		})
	}
	return candles, nil
}

// Indicators computes each requested statistic over the provider's own
// synthetic close series. Supported names: "sma" (mean close, window from
// params["window"], default len(closes)), "stddev" (sample, n-1, standard
// deviation of closes). Unknown names are skipped rather than erroring, so a
// caller asking for a broader set than this provider supports still gets
// back what it can compute.
func (p *Provider) Indicators(ctx context.Context, symbol, timeframe string, set []string, params map[string]any) (map[string]float64, error) {
	limit := 100
	if w, ok := params["window"].(int); ok && w > 0 {
		limit = w
	}
	candles, err := p.Candles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	out := make(map[string]float64, len(set))
	for _, name := range set {
		switch name {
		case "sma":
			out["sma"] = stat.Mean(closes, nil)
		case "stddev":
			_, std := stat.MeanStdDev(closes, nil)
			out["stddev"] = std
		}
	}
	return out, nil
}

func timeframeToDuration(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("marketdata: unsupported timeframe %q", timeframe)
	}
}
