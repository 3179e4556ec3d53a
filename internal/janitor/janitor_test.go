package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func newTestBudgetStore(t *testing.T) (*store.BudgetStore, *database.DB) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "budgets.db"),
		Profile: database.ProfileStandard,
		Name:    "budgets",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return store.NewBudgetStore(db), db
}

func sampleExecution(pipelineID, symbol string) *store.Execution {
	return &store.Execution{
		PipelineID: pipelineID,
		UserID:     "user_1",
		Symbol:     symbol,
		Mode:       store.ModePaper,
		Status:     store.StatusRunning,
		PipelineState: &store.PipelineState{
			PipelineID: pipelineID,
			UserID:     "user_1",
			Symbol:     symbol,
			Mode:       store.ModePaper,
		},
	}
}

func TestJanitor_Sweep_FailsStaleRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	staleStart := time.Now().UTC().Add(-time.Hour)
	exec.StartedAt = &staleStart
	require.NoError(t, st.Create(ctx, exec))

	j := New(st, nil, nil, nil, DefaultConfig(), zerolog.Nop())
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleRunningFailed)

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Nil(t, got.NextCheckAt)
	assert.Equal(t, true, got.Result["stale_auto_failed"])
}

func TestJanitor_Sweep_LeavesFreshRunningAlone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	fresh := time.Now().UTC().Add(-time.Minute)
	exec.StartedAt = &fresh
	require.NoError(t, st.Create(ctx, exec))

	j := New(st, nil, nil, nil, DefaultConfig(), zerolog.Nop())
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StaleRunningFailed)

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestJanitor_Sweep_FailsStaleMonitoring(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	exec.Status = store.StatusMonitoring
	staleStart := time.Now().UTC().Add(-26 * time.Hour)
	exec.StartedAt = &staleStart
	next := time.Now().UTC().Add(time.Minute)
	exec.NextCheckAt = &next
	require.NoError(t, st.Create(ctx, exec))

	j := New(st, nil, nil, nil, DefaultConfig(), zerolog.Nop())
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleMonitoringFailed)

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Nil(t, got.NextCheckAt)
}

func TestJanitor_Sweep_FailsStaleCommunicationErrorWithRetriesLeft(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	exec.Status = store.StatusCommunicationErr
	staleStart := time.Now().UTC().Add(-26 * time.Hour)
	exec.StartedAt = &staleStart
	next := time.Now().UTC().Add(time.Minute)
	exec.NextCheckAt = &next
	require.NoError(t, st.Create(ctx, exec))

	j := New(st, nil, nil, nil, DefaultConfig(), zerolog.Nop())
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleMonitoringFailed)

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestJanitor_Sweep_SkipsCommunicationErrorWithNoScheduledRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	exec.Status = store.StatusCommunicationErr
	staleStart := time.Now().UTC().Add(-72 * time.Hour)
	exec.StartedAt = &staleStart
	exec.NextCheckAt = nil // retry budget exhausted, awaiting manual reconciliation

	require.NoError(t, st.Create(ctx, exec))

	j := New(st, nil, nil, nil, DefaultConfig(), zerolog.Nop())
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StaleMonitoringFailed)

	got, err := st.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCommunicationErr, got.Status, "a communication_error with no scheduled retry is left untouched")
}

func TestJanitor_Sweep_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	staleStart := time.Now().UTC().Add(-time.Hour)
	exec.StartedAt = &staleStart
	require.NoError(t, st.Create(ctx, exec))

	j := New(st, nil, nil, nil, DefaultConfig(), zerolog.Nop())

	res1, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res1.StaleRunningFailed)

	res2, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.StaleRunningFailed, "rerunning the sweep must not touch an execution it already failed")
}

func TestJanitor_Sweep_ResetsDueBudgets(t *testing.T) {
	st := newTestStore(t)
	budgets, budgetsDB := newTestBudgetStore(t)
	ctx := context.Background()

	_, err := budgets.EnsureBudget(ctx, "user_1", 10)
	require.NoError(t, err)
	require.NoError(t, budgets.CheckAndReserve(ctx, "user_1", 5))

	// Backdate daily_reset_at past the 24h window directly; EnsureBudget
	// always stamps "now" and ResetDue's own cutoff check would otherwise
	// never fire within a unit test's timeframe.
	stale := time.Now().UTC().Add(-25 * time.Hour).Format(time.RFC3339Nano)
	_, err = budgetsDB.ExecContext(ctx, `UPDATE budgets SET daily_reset_at = ? WHERE user_id = ?`, stale, "user_1")
	require.NoError(t, err)

	j := New(st, budgets, nil, nil, DefaultConfig(), zerolog.Nop())
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.BudgetsReset)

	got, err := budgets.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.DailySpent)
}

func TestJanitor_Sweep_KeepsTerminalExecutionsWithinRetention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	exec.Status = store.StatusCompleted
	require.NoError(t, st.Create(ctx, exec))

	cfg := DefaultConfig()
	cfg.RetentionDays = 30
	j := New(st, nil, nil, nil, cfg, zerolog.Nop())

	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RetentionDeleted, "a just-created completed execution is well within the retention window")

	_, err = st.Load(ctx, exec.ID)
	require.NoError(t, err, "execution must still exist")
}

type recordingArchiver struct {
	archived []*store.Execution
}

func (a *recordingArchiver) Archive(ctx context.Context, executions []*store.Execution) error {
	a.archived = append(a.archived, executions...)
	return nil
}

func TestJanitor_Sweep_ArchivesBeforeDeletingExpiredTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exec := sampleExecution("pipe_a", "AAPL")
	exec.Status = store.StatusCompleted
	require.NoError(t, st.Create(ctx, exec))

	exec.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, st.SaveWithRetry(ctx, exec))

	archiver := &recordingArchiver{}
	cfg := DefaultConfig()
	cfg.RetentionDays = 30
	j := New(st, nil, nil, archiver, cfg, zerolog.Nop())

	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RetentionDeleted)
	require.Len(t, archiver.archived, 1)
	assert.Equal(t, exec.ID, archiver.archived[0].ID)

	_, err = st.Load(ctx, exec.ID)
	assert.Error(t, err, "execution should have been deleted after archival")
}
