package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/pipeline"
	"github.com/aristath/sentinel/internal/store"
	"github.com/aristath/sentinel/internal/worker"
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

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []worker.Task
}

func (r *recordingEnqueuer) Enqueue(task worker.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func samplePipeline() pipeline.Config {
	return pipeline.Config{
		ID:          "pipe_momentum",
		UserID:      "user_1",
		Mode:        store.ModePaper,
		TriggerMode: pipeline.TriggerPeriodic,
		Tickers:     "AAPL,MSFT",
	}
}

func TestDispatcher_Tick_CreatesOneExecutionPerTicker(t *testing.T) {
	st := newTestStore(t)
	configs := pipeline.NewConfigRegistry()
	configs.Put(samplePipeline())
	tasks := &recordingEnqueuer{}

	d := New(st, configs, tasks, zerolog.Nop())
	require.NoError(t, d.Tick(context.Background()))

	execs, err := st.ListBy(context.Background(), store.ListFilter{PipelineID: "pipe_momentum"})
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	assert.Equal(t, 2, tasks.count())
}

func TestDispatcher_Tick_SingleFlightSkipsExistingNonTerminal(t *testing.T) {
	st := newTestStore(t)
	configs := pipeline.NewConfigRegistry()
	configs.Put(pipeline.Config{
		ID:          "pipe_momentum",
		UserID:      "user_1",
		TriggerMode: pipeline.TriggerPeriodic,
		Tickers:     "AAPL",
	})
	tasks := &recordingEnqueuer{}
	d := New(st, configs, tasks, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Tick(ctx))
	require.NoError(t, d.Tick(ctx))
	require.NoError(t, d.Tick(ctx))

	execs, err := st.ListBy(ctx, store.ListFilter{PipelineID: "pipe_momentum", Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Len(t, execs, 1, "single-flight must prevent duplicate non-terminal executions")
	assert.Equal(t, 1, tasks.count())
}

func TestDispatcher_Tick_DispatchesAgainAfterTerminal(t *testing.T) {
	st := newTestStore(t)
	configs := pipeline.NewConfigRegistry()
	configs.Put(pipeline.Config{
		ID:          "pipe_momentum",
		UserID:      "user_1",
		TriggerMode: pipeline.TriggerPeriodic,
		Tickers:     "AAPL",
	})
	tasks := &recordingEnqueuer{}
	d := New(st, configs, tasks, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))

	execs, err := st.ListBy(ctx, store.ListFilter{PipelineID: "pipe_momentum", Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	first := execs[0]
	first.Status = store.StatusCompleted
	require.NoError(t, st.SaveWithRetry(ctx, first))

	require.NoError(t, d.Tick(ctx))

	execs, err = st.ListBy(ctx, store.ListFilter{PipelineID: "pipe_momentum", Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Len(t, execs, 2, "a new execution should be dispatched once the prior one is terminal")
}

func TestDispatcher_DispatchSignal_SetsSignalData(t *testing.T) {
	st := newTestStore(t)
	configs := pipeline.NewConfigRegistry()
	tasks := &recordingEnqueuer{}
	d := New(st, configs, tasks, zerolog.Nop())

	cfg := pipeline.Config{ID: "pipe_breakout", UserID: "user_1", TriggerMode: pipeline.TriggerSignal, ScannerID: "scanner_1"}
	require.NoError(t, d.DispatchSignal(context.Background(), cfg, "TSLA", map[string]any{"reason": "breakout"}))

	execs, err := st.ListBy(context.Background(), store.ListFilter{PipelineID: "pipe_breakout", Symbol: "TSLA"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].PipelineState)
	assert.Equal(t, "breakout", execs[0].PipelineState.SignalData["reason"])
	assert.Equal(t, execs[0].ID, execs[0].PipelineState.ExecutionID)
}
