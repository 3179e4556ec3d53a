package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/broker/paper"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "executions.db"),
		Profile: database.ProfileStandard,
		Name:    "executions",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return store.New(db, zerolog.Nop())
}

func fixedPrice(price float64) func(string) float64 {
	return func(string) float64 { return price }
}

func monitoringExecution(symbol string) *store.Execution {
	return &store.Execution{
		PipelineID:             "pipe_a",
		UserID:                 "user_1",
		Symbol:                 symbol,
		Mode:                   store.ModePaper,
		Status:                 store.StatusMonitoring,
		MonitorIntervalSeconds: 60,
		PipelineState: &store.PipelineState{
			PipelineID: "pipe_a", UserID: "user_1", Symbol: symbol, Mode: store.ModePaper,
		},
	}
}

func TestLoop_Poll_ReschedulesStillOpenPosition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	brk := paper.New(fixedPrice(100), 10000)
	_, err := brk.PlaceOrder(ctx, "AAPL", broker.SideBuy, 10, broker.OrderMarket, broker.Limits{StopLoss: 80, TakeProfit: 200})
	require.NoError(t, err)

	exec := monitoringExecution("AAPL")
	require.NoError(t, st.Create(ctx, exec))

	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusMonitoring, got.Status)
	require.NotNil(t, got.NextCheckAt)
	assert.True(t, got.NextCheckAt.After(time.Now().UTC()))
}

func TestLoop_Poll_FinishesWhenStopHit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := monitoringExecution("AAPL")
	require.NoError(t, st.Create(ctx, exec))

	// Price is already through the stop leg; the paper adapter auto-closes
	// the position the first time its state is queried.
	brk := paper.New(fixedPrice(70), 10000)
	_, err := brk.PlaceOrder(ctx, "AAPL", broker.SideBuy, 10, broker.OrderMarket, broker.Limits{StopLoss: 80, TakeProfit: 200})
	require.NoError(t, err)

	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Nil(t, got.NextCheckAt)
	assert.Equal(t, "stop_or_target_hit", got.Result["exit_reason"])
}

func TestLoop_Poll_FinishesWhenClosedExternally(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	brk := paper.New(fixedPrice(100), 10000)
	exec := monitoringExecution("AAPL") // broker has no position at all for AAPL
	require.NoError(t, st.Create(ctx, exec))

	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "closed externally", got.Result["exit_reason"])
}

type erroringBroker struct {
	broker.Broker
	err error
}

func (e *erroringBroker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	return nil, e.err
}

func TestLoop_Poll_BacksOffOnTransientBrokerError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := monitoringExecution("AAPL")
	require.NoError(t, st.Create(ctx, exec))

	brk := &erroringBroker{err: assertErr("broker unreachable")}
	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCommunicationErr, got.Status)
	assert.Equal(t, 1, got.BrokerErrorCount)
	require.NotNil(t, got.NextCheckAt)
}

func TestLoop_Poll_StallsAfterRetryBudgetExhausted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := monitoringExecution("AAPL")
	exec.Status = store.StatusCommunicationErr
	exec.BrokerErrorCount = MaxBrokerRetries
	next := time.Now().UTC()
	exec.NextCheckAt = &next
	require.NoError(t, st.Create(ctx, exec))

	brk := &erroringBroker{err: assertErr("broker unreachable")}
	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCommunicationErr, got.Status, "stalling is not the same as failing")
	assert.Nil(t, got.NextCheckAt, "no further polls are scheduled once the retry budget is exhausted")
}

func TestLoop_Poll_HonorsCancelRequest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	brk := paper.New(fixedPrice(100), 10000)
	_, err := brk.PlaceOrder(ctx, "AAPL", broker.SideBuy, 10, broker.OrderMarket, broker.Limits{})
	require.NoError(t, err)

	exec := monitoringExecution("AAPL")
	exec.CancelRequested = true
	require.NoError(t, st.Create(ctx, exec))

	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Nil(t, got.NextCheckAt)
	assert.Equal(t, "cancelled", got.Result["exit_reason"])

	pos, err := brk.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.ClosedExternally, "cancel must close the open position via the broker")
}

func TestLoop_Poll_CancelIsBestEffortOnBrokerError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := monitoringExecution("AAPL")
	exec.CancelRequested = true
	require.NoError(t, st.Create(ctx, exec))

	brk := &erroringCloseBroker{err: assertErr("broker unreachable")}
	l := New(st, brk, nil, zerolog.Nop())
	require.NoError(t, l.Poll(ctx, exec.ID))

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status, "cancellation proceeds even if the best-effort close fails")
}

type erroringCloseBroker struct {
	broker.Broker
	err error
}

func (e *erroringCloseBroker) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	return nil, e.err
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
