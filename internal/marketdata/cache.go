package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/vmihailenco/msgpack/v5"
)

// CachingProvider wraps an upstream Provider with a SQLite-backed cache
// (key/value/expires_at, same shape as the teacher's internal/work/cache.go)
// keyed by quote/candle request. Values are msgpack-encoded — unlike the
// pipeline_state column, this data is ephemeral and re-fetchable, so the
// smaller binary encoding is the right tradeoff (see SPEC_FULL.md §6).
type CachingProvider struct {
	upstream Provider
	db       *database.DB
	ttl      time.Duration
}

// NewCachingProvider wraps upstream with a cache backed by db, entries
// expiring after ttl.
func NewCachingProvider(upstream Provider, db *database.DB, ttl time.Duration) *CachingProvider {
	return &CachingProvider{upstream: upstream, db: db, ttl: ttl}
}

func (c *CachingProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	key := "quote:" + symbol

	var cached Quote
	if err := c.getCached(ctx, key, &cached); err == nil {
		return cached, nil
	}

	quote, err := c.upstream.Quote(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	_ = c.setCached(ctx, key, quote)
	return quote, nil
}

func (c *CachingProvider) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	key := fmt.Sprintf("candles:%s:%s:%d", symbol, timeframe, limit)

	var cached []Candle
	if err := c.getCached(ctx, key, &cached); err == nil {
		return cached, nil
	}

	candles, err := c.upstream.Candles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	_ = c.setCached(ctx, key, candles)
	return candles, nil
}

// Indicators passes straight through to upstream — indicator sets are
// parameterized enough (window, custom params) that caching them alongside
// plain quote/candle keys isn't worth the key-space complexity.
func (c *CachingProvider) Indicators(ctx context.Context, symbol, timeframe string, set []string, params map[string]any) (map[string]float64, error) {
	return c.upstream.Indicators(ctx, symbol, timeframe, set, params)
}

func (c *CachingProvider) getCached(ctx context.Context, key string, dest any) error {
	var value []byte
	var expiresAt int64
	err := c.db.QueryRowContext(ctx, "SELECT value, expires_at FROM cache WHERE key = ?", key).Scan(&value, &expiresAt)
	if err != nil {
		return err
	}
	if time.Now().Unix() >= expiresAt {
		return sql.ErrNoRows
	}
	return msgpack.Unmarshal(value, dest)
}

func (c *CachingProvider) setCached(ctx context.Context, key string, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(c.ttl).Unix()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, data, expiresAt,
	)
	return err
}
