package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/errs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "executions.db"),
		Profile: database.ProfileStandard,
		Name:    "executions",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())
	return New(db, log)
}

func sampleExecution() *Execution {
	return &Execution{
		PipelineID: "pipe_momentum",
		UserID:     "user_1",
		Symbol:     "AAPL",
		Mode:       ModeLive,
		Status:     StatusPending,
		PipelineState: &PipelineState{
			PipelineID: "pipe_momentum",
			Symbol:     "AAPL",
			Mode:       ModeLive,
			StartedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
			AgentCosts: map[string]float64{"market_data_agent": 0.001},
		},
		CostBreakdown: map[string]float64{"market_data_agent": 0.001},
		AgentStates: map[string]AgentState{
			"market_data_agent": {Status: "completed"},
		},
	}
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleExecution()
	require.NoError(t, s.Create(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, int64(1), e.Version)

	loaded, err := s.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, loaded.ID)
	assert.Equal(t, e.PipelineID, loaded.PipelineID)
	assert.Equal(t, e.Symbol, loaded.Symbol)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, int64(1), loaded.Version)
	require.NotNil(t, loaded.PipelineState)
	assert.Equal(t, "AAPL", loaded.PipelineState.Symbol)
	assert.InDelta(t, 0.001, loaded.CostBreakdown["market_data_agent"], 0.0001)
	assert.Equal(t, "completed", loaded.AgentStates["market_data_agent"].Status)
}

func TestCompareAndSaveAdvancesVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleExecution()
	require.NoError(t, s.Create(ctx, e))

	e.Status = StatusRunning
	require.NoError(t, s.CompareAndSave(ctx, e, 1))
	assert.Equal(t, int64(2), e.Version)

	loaded, err := s.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, int64(2), loaded.Version)
}

func TestCompareAndSaveDetectsStaleWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleExecution()
	require.NoError(t, s.Create(ctx, e))

	// A concurrent writer commits version 2 first.
	winner := *e
	winner.Status = StatusRunning
	require.NoError(t, s.CompareAndSave(ctx, &winner, 1))

	// Our stale view still thinks the current version is 1.
	loser := *e
	loser.Status = StatusFailed
	err := s.CompareAndSave(ctx, &loser, 1)
	require.Error(t, err)
	assert.True(t, errs.IsStaleWrite(err))

	var staleErr *errs.StaleWriteError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, int64(1), staleErr.ExpectedVersion)
	assert.Equal(t, int64(2), staleErr.ActualVersion)
}

func TestListByFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := sampleExecution()
	e1.Symbol = "AAPL"
	require.NoError(t, s.Create(ctx, e1))

	e2 := sampleExecution()
	e2.Symbol = "MSFT"
	e2.Status = StatusCompleted
	require.NoError(t, s.Create(ctx, e2))

	results, err := s.ListBy(ctx, ListFilter{PipelineID: "pipe_momentum", NonTerminalOnly: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "AAPL", results[0].Symbol)

	all, err := s.ListBy(ctx, ListFilter{PipelineID: "pipe_momentum"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDueForMonitorPoll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	due := sampleExecution()
	due.Status = StatusMonitoring
	due.NextCheckAt = &past
	require.NoError(t, s.Create(ctx, due))

	notDue := sampleExecution()
	notDue.Symbol = "MSFT"
	notDue.Status = StatusMonitoring
	notDue.NextCheckAt = &future
	require.NoError(t, s.Create(ctx, notDue))

	results, err := s.DueForMonitorPoll(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, due.ID, results[0].ID)
}

func TestDeleteTerminalOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := sampleExecution()
	old.Status = StatusCompleted
	require.NoError(t, s.Create(ctx, old))

	cutoff := time.Now().UTC().Add(time.Hour)
	deleted, err := s.DeleteTerminalOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.Load(ctx, old.ID)
	assert.Error(t, err)
}

func TestPipelineStateCloneRoundTrip(t *testing.T) {
	original := &PipelineState{
		PipelineID: "pipe_momentum",
		Symbol:     "AAPL",
		AgentCosts: map[string]float64{"risk_manager_agent": 0.002},
		RiskAssessment: &RiskAssessment{
			Approved:        true,
			RewardRiskRatio: 2.5,
		},
	}
	original.RecalculateTotalCost()

	clone, err := original.Clone()
	require.NoError(t, err)
	assert.Equal(t, original.TotalCost, clone.TotalCost)
	assert.Equal(t, original.RiskAssessment.RewardRiskRatio, clone.RiskAssessment.RewardRiskRatio)

	clone.AgentCosts["risk_manager_agent"] = 99
	assert.NotEqual(t, original.AgentCosts["risk_manager_agent"], clone.AgentCosts["risk_manager_agent"])
}
