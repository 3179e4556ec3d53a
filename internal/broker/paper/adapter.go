// Package paper is a deterministic, in-memory Broker implementation for
// paper/simulation-mode executions and for tests — grounded on the teacher's
// adapter-wraps-SDK segregation pattern (internal/clients/tradernet/adapter.go),
// applied here in reverse: instead of wrapping a real SDK behind
// broker.Broker, this wraps a synthetic fill engine so the rest of the
// pipeline (risk sizing, trade_manager, the monitor loop) can run end-to-end
// without credentials.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/google/uuid"
)

// Adapter fills every order immediately at the last quoted price and tracks
// open positions in memory, keyed by symbol.
type Adapter struct {
	mu        sync.Mutex
	positions map[string]*broker.Position
	priceFn   func(symbol string) float64
	cash      float64
}

// New builds a paper Adapter. priceFn supplies the fill/mark price for a
// symbol (normally the same marketdata.Provider the pipeline's
// market_data_agent already uses, so paper fills stay consistent with what
// the pipeline observed).
func New(priceFn func(symbol string) float64, startingCash float64) *Adapter {
	return &Adapter{
		positions: make(map[string]*broker.Position),
		priceFn:   priceFn,
		cash:      startingCash,
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side broker.Side, qty float64, orderType broker.OrderType, limits broker.Limits) (*broker.OrderResult, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("paper broker: quantity must be positive, got %v", qty)
	}

	price := a.priceFn(symbol)
	if limits.LimitPrice > 0 {
		price = limits.LimitPrice
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	signedQty := qty
	if side == broker.SideSell {
		signedQty = -qty
	}

	pos, exists := a.positions[symbol]
	if !exists {
		pos = &broker.Position{Symbol: symbol}
		a.positions[symbol] = pos
	}
	newQty := pos.Quantity + signedQty
	if pos.Quantity != 0 && newQty != 0 {
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + price*signedQty) / newQty
	} else {
		pos.AvgEntryPrice = price
	}
	pos.Quantity = newQty
	pos.CurrentPrice = price
	pos.StopLoss = limits.StopLoss
	pos.TakeProfit = limits.TakeProfit
	if newQty == 0 {
		delete(a.positions, symbol)
	}

	return &broker.OrderResult{
		OrderID:     uuid.NewString(),
		Status:      "filled",
		FilledPrice: price,
		FilledQty:   qty,
		Timestamp:   time.Now().Unix(),
	}, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos, exists := a.positions[symbol]
	if !exists {
		return &broker.Position{Symbol: symbol, ClosedExternally: true}, nil
	}

	price := a.priceFn(symbol)
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Quantity

	// Evaluate bracket legs: a paper position "closes itself" once price
	// crosses its stop/take-profit, mirroring a real broker's bracket order.
	hitStop := pos.StopLoss > 0 && ((pos.Quantity > 0 && price <= pos.StopLoss) || (pos.Quantity < 0 && price >= pos.StopLoss))
	hitTarget := pos.TakeProfit > 0 && ((pos.Quantity > 0 && price >= pos.TakeProfit) || (pos.Quantity < 0 && price <= pos.TakeProfit))
	if hitStop || hitTarget {
		closed := *pos
		closed.Quantity = 0
		delete(a.positions, symbol)
		return &closed, nil
	}

	copy := *pos
	return &copy, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	a.mu.Lock()
	pos, exists := a.positions[symbol]
	a.mu.Unlock()
	if !exists || pos.Quantity == 0 {
		return &broker.OrderResult{Status: "filled", FilledPrice: a.priceFn(symbol), Timestamp: time.Now().Unix()}, nil
	}

	side := broker.SideSell
	qty := pos.Quantity
	if qty < 0 {
		side = broker.SideBuy
		qty = -qty
	}
	return a.PlaceOrder(ctx, symbol, side, qty, broker.OrderMarket, broker.Limits{})
}

func (a *Adapter) AccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &broker.AccountInfo{Equity: a.cash, Cash: a.cash, BuyingPower: a.cash}, nil
}
