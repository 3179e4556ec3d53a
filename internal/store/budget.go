package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/errs"
)

// Budget is a user's daily cost ceiling (SPEC_FULL.md §3 expansion), checked
// by the cost guard before invoking cost-bearing agents and reset by the
// janitor every 24h. Grounded on
// original_source/backend/app/orchestration/tasks/maintenance.py's
// reset_daily_budgets.
type Budget struct {
	UserID       string
	DailyLimit   float64
	DailySpent   float64
	DailyResetAt time.Time
}

// BudgetStore persists per-user Budget rows.
type BudgetStore struct {
	db *database.DB
}

// NewBudgetStore wraps an already-migrated budgets database.
func NewBudgetStore(db *database.DB) *BudgetStore {
	return &BudgetStore{db: db}
}

// EnsureBudget fetches userID's budget row, creating one at defaultLimit if
// none exists yet. Mirrors the teacher's get-or-create-on-first-touch
// pattern used elsewhere for per-user settings rows.
func (s *BudgetStore) EnsureBudget(ctx context.Context, userID string, defaultLimit float64) (*Budget, error) {
	b, err := s.Get(ctx, userID)
	if err == nil {
		return b, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	b = &Budget{
		UserID:       userID,
		DailyLimit:   defaultLimit,
		DailySpent:   0,
		DailyResetAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budgets (user_id, daily_limit, daily_spent, daily_reset_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		b.UserID, b.DailyLimit, b.DailySpent, b.DailyResetAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}

// Get fetches userID's budget row. Returns sql.ErrNoRows if none exists.
func (s *BudgetStore) Get(ctx context.Context, userID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, daily_limit, daily_spent, daily_reset_at FROM budgets WHERE user_id = ?`, userID)
	return scanBudget(row)
}

// CheckAndReserve enforces the BudgetExceeded guard: returns *errs.ErrBudgetExceeded-
// wrapping error if daily_spent+estimatedCost would exceed daily_limit,
// otherwise atomically reserves estimatedCost against daily_spent.
func (s *BudgetStore) CheckAndReserve(ctx context.Context, userID string, estimatedCost float64) error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT user_id, daily_limit, daily_spent, daily_reset_at FROM budgets WHERE user_id = ?`, userID)
		b, err := scanBudget(row)
		if err != nil {
			return err
		}

		if b.DailySpent+estimatedCost > b.DailyLimit {
			return fmt.Errorf("user %s: %w (spent=%.4f limit=%.4f estimate=%.4f)",
				userID, errs.ErrBudgetExceeded, b.DailySpent, b.DailyLimit, estimatedCost)
		}

		_, err = tx.ExecContext(ctx, `UPDATE budgets SET daily_spent = daily_spent + ? WHERE user_id = ?`,
			estimatedCost, userID)
		return err
	})
}

// ResetDue resets daily_spent to 0 and daily_reset_at to now for every budget
// whose daily_reset_at is at least 24h old, returning how many rows were
// reset. Called by the janitor (C7) on its own sweep interval.
func (s *BudgetStore) ResetDue(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		UPDATE budgets SET daily_spent = 0, daily_reset_at = ?
		WHERE daily_reset_at <= ?`,
		now.UTC().Format(time.RFC3339Nano), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type budgetScanner interface {
	Scan(dest ...any) error
}

func scanBudget(r budgetScanner) (*Budget, error) {
	var (
		userID       string
		dailyLimit   float64
		dailySpent   float64
		dailyResetAt string
	)
	if err := r.Scan(&userID, &dailyLimit, &dailySpent, &dailyResetAt); err != nil {
		return nil, err
	}
	resetAt, err := time.Parse(time.RFC3339Nano, dailyResetAt)
	if err != nil {
		return nil, fmt.Errorf("parse daily_reset_at: %w", err)
	}
	return &Budget{
		UserID:       userID,
		DailyLimit:   dailyLimit,
		DailySpent:   dailySpent,
		DailyResetAt: resetAt,
	}, nil
}
