package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/errs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// executionColumns is the single source of truth for column order, shared by
// every INSERT/UPDATE/SELECT so they can never drift out of sync — the same
// columns-as-const discipline the teacher's domain repositories use.
const executionColumns = `
	id, pipeline_id, user_id, symbol, mode, status, execution_phase, version,
	approval_status, approval_token, approval_expires_at, approval_responded_at,
	next_check_at, monitor_interval_seconds, broker_error_count, cancel_requested,
	started_at, completed_at, created_at,
	pipeline_state, result, reports, logs, agent_states, cost_breakdown, error_message
`

// Store is the execution engine's State Store (C1).
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New wraps an already-migrated executions database.
func New(db *database.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}
}

// Create inserts a brand-new execution at version 1.
func (s *Store) Create(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ApprovalStatus == "" {
		e.ApprovalStatus = ApprovalNone
	}
	if e.ExecutionPhase == "" {
		e.ExecutionPhase = PhaseExecute
	}

	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		row, err := marshalRow(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO executions (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, executionColumns),
			row.args()...,
		)
		return err
	})
}

// Load fetches one execution by id.
func (s *Store) Load(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM executions WHERE id = ?`, executionColumns), id)
	return scanExecution(row)
}

// LoadByApprovalToken fetches the execution a token-authenticated request refers to.
func (s *Store) LoadByApprovalToken(ctx context.Context, token string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM executions WHERE approval_token = ?`, executionColumns), token)
	return scanExecution(row)
}

// CompareAndSave persists e, requiring the row's current version to equal
// expectedVersion; on success the row (and e.Version) moves to
// expectedVersion+1. On a version mismatch, returns *errs.StaleWriteError
// without modifying e.
func (s *Store) CompareAndSave(ctx context.Context, e *Execution, expectedVersion int64) error {
	newVersion := expectedVersion + 1
	prevVersion := e.Version
	e.Version = newVersion

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		row, err := marshalRow(e)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE executions SET
				pipeline_id=?, user_id=?, symbol=?, mode=?, status=?, execution_phase=?, version=?,
				approval_status=?, approval_token=?, approval_expires_at=?, approval_responded_at=?,
				next_check_at=?, monitor_interval_seconds=?, broker_error_count=?, cancel_requested=?,
				started_at=?, completed_at=?, created_at=?,
				pipeline_state=?, result=?, reports=?, logs=?, agent_states=?, cost_breakdown=?, error_message=?
			WHERE id = ? AND version = ?`,
			row.pipelineID, row.userID, row.symbol, row.mode, row.status, row.executionPhase, row.version,
			row.approvalStatus, row.approvalToken, row.approvalExpiresAt, row.approvalRespondedAt,
			row.nextCheckAt, row.monitorIntervalSeconds, row.brokerErrorCount, row.cancelRequested,
			row.startedAt, row.completedAt, row.createdAt,
			row.pipelineState, row.result, row.reports, row.logs, row.agentStates, row.costBreakdown, row.errorMessage,
			row.id, expectedVersion,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Find out whether the row is simply gone or genuinely stale.
			current, loadErr := s.Load(ctx, e.ID)
			actual := expectedVersion
			if loadErr == nil && current != nil {
				actual = current.Version
			}
			return &errs.StaleWriteError{ExecutionID: e.ID, ExpectedVersion: expectedVersion, ActualVersion: actual}
		}
		return nil
	})
	if err != nil {
		e.Version = prevVersion
	}
	return err
}

// SaveWithRetry persists e with a bounded compare-and-save retry (SPEC_FULL.md
// §5: "retry by re-reading, re-applying, re-saving — bounded (e.g. 3)").
// On a version conflict it adopts the actual version the store reports and
// retries; callers share this helper so every writer (executor, approval
// gate, monitor loop, janitor) applies the same bound.
func (s *Store) SaveWithRetry(ctx context.Context, e *Execution) error {
	expected := e.Version
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := s.CompareAndSave(ctx, e, expected)
		if err == nil {
			return nil
		}
		var sw *errs.StaleWriteError
		if !errors.As(err, &sw) {
			return err
		}
		expected = sw.ActualVersion
		lastErr = err
	}
	return lastErr
}

// ListFilter narrows ListBy's query.
type ListFilter struct {
	PipelineID string
	UserID     string
	Symbol     string
	Status     []Status
	// NonTerminalOnly restricts to executions not yet in a terminal status —
	// used by the dispatcher's single-flight check (SPEC_FULL.md §4.4).
	NonTerminalOnly bool
}

// ListBy returns executions matching filter, newest first.
func (s *Store) ListBy(ctx context.Context, f ListFilter) ([]*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM executions WHERE 1=1`, executionColumns)
	var args []any

	if f.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, f.PipelineID)
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if len(f.Status) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Status)) + `)`
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	if f.NonTerminalOnly {
		query += ` AND status NOT IN ('completed','failed','skipped','cancelled')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DueForMonitorPoll returns monitoring/communication_error executions whose
// next_check_at has passed — the query backing the monitor loop's dispatch.
func (s *Store) DueForMonitorPoll(ctx context.Context, now time.Time) ([]*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM executions
		WHERE status IN ('monitoring','communication_error')
		AND next_check_at IS NOT NULL AND next_check_at <= ?`, executionColumns)
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteTerminalOlderThan deletes terminal executions created before cutoff,
// returning how many rows were removed. Callers needing retention archival
// (internal/reliability) must archive before calling this.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE created_at < ? AND status IN ('completed','failed','skipped','cancelled')`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// row is the flat, nullable-aware representation of an Execution used for
// marshal/scan — keeps the JSON-encoding and NULL-handling logic in one place.
type row struct {
	id, pipelineID, userID, symbol, mode, status, executionPhase string
	version                                                       int64
	approvalStatus                                                string
	approvalToken                                                 sql.NullString
	approvalExpiresAt, approvalRespondedAt                        sql.NullString
	nextCheckAt                                                    sql.NullString
	monitorIntervalSeconds, brokerErrorCount                       int
	cancelRequested                                                bool
	startedAt, completedAt                                         sql.NullString
	createdAt                                                      string
	pipelineState, result, reports, logs, agentStates, costBreakdown sql.NullString
	errorMessage                                                   string
}

func (r row) args() []any {
	return []any{
		r.id, r.pipelineID, r.userID, r.symbol, r.mode, r.status, r.executionPhase, r.version,
		r.approvalStatus, r.approvalToken, r.approvalExpiresAt, r.approvalRespondedAt,
		r.nextCheckAt, r.monitorIntervalSeconds, r.brokerErrorCount, r.cancelRequested,
		r.startedAt, r.completedAt, r.createdAt,
		r.pipelineState, r.result, r.reports, r.logs, r.agentStates, r.costBreakdown, r.errorMessage,
	}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalRow(e *Execution) (row, error) {
	pipelineStateJSON, err := nullableJSON(e.PipelineState)
	if err != nil {
		return row{}, err
	}
	resultJSON, err := nullableJSON(e.Result)
	if err != nil {
		return row{}, err
	}
	reportsJSON, err := nullableJSON(e.Reports)
	if err != nil {
		return row{}, err
	}
	logsJSON, err := nullableJSON(e.Logs)
	if err != nil {
		return row{}, err
	}
	agentStatesJSON, err := nullableJSON(e.AgentStates)
	if err != nil {
		return row{}, err
	}
	costBreakdownJSON, err := nullableJSON(e.CostBreakdown)
	if err != nil {
		return row{}, err
	}

	return row{
		id:                     e.ID,
		pipelineID:             e.PipelineID,
		userID:                 e.UserID,
		symbol:                 e.Symbol,
		mode:                   string(e.Mode),
		status:                 string(e.Status),
		executionPhase:         string(e.ExecutionPhase),
		version:                e.Version,
		approvalStatus:         string(e.ApprovalStatus),
		approvalToken:          nullableString(e.ApprovalToken),
		approvalExpiresAt:      nullableTime(e.ApprovalExpires),
		approvalRespondedAt:    nullableTime(e.ApprovalRespond),
		nextCheckAt:            nullableTime(e.NextCheckAt),
		monitorIntervalSeconds: e.MonitorIntervalSeconds,
		brokerErrorCount:       e.BrokerErrorCount,
		cancelRequested:        e.CancelRequested,
		startedAt:              nullableTime(e.StartedAt),
		completedAt:            nullableTime(e.CompletedAt),
		createdAt:              e.CreatedAt.UTC().Format(time.RFC3339Nano),
		pipelineState:          pipelineStateJSON,
		result:                 resultJSON,
		reports:                reportsJSON,
		logs:                   logsJSON,
		agentStates:            agentStatesJSON,
		costBreakdown:          costBreakdownJSON,
		errorMessage:           e.ErrorMessage,
	}, nil
}

// scanner abstracts over *sql.Row and *sql.Rows, both of which implement Scan.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(r scanner) (*Execution, error) {
	return scanInto(r)
}

func scanExecutionRows(r *sql.Rows) (*Execution, error) {
	return scanInto(r)
}

func scanInto(r scanner) (*Execution, error) {
	var (
		id, pipelineID, userID, symbol, mode, status, executionPhase string
		version                                                       int64
		approvalStatus                                                string
		approvalToken                                                 sql.NullString
		approvalExpiresAt, approvalRespondedAt, nextCheckAt           sql.NullString
		monitorIntervalSeconds, brokerErrorCount                      int
		cancelRequested                                                bool
		startedAt, completedAt                                         sql.NullString
		createdAt                                                      string
		pipelineStateJSON, resultJSON, reportsJSON, logsJSON, agentStatesJSON, costBreakdownJSON sql.NullString
		errorMessage                                                   string
	)

	err := r.Scan(
		&id, &pipelineID, &userID, &symbol, &mode, &status, &executionPhase, &version,
		&approvalStatus, &approvalToken, &approvalExpiresAt, &approvalRespondedAt,
		&nextCheckAt, &monitorIntervalSeconds, &brokerErrorCount, &cancelRequested,
		&startedAt, &completedAt, &createdAt,
		&pipelineStateJSON, &resultJSON, &reportsJSON, &logsJSON, &agentStatesJSON, &costBreakdownJSON, &errorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	e := &Execution{
		ID: id, PipelineID: pipelineID, UserID: userID, Symbol: symbol,
		Mode: Mode(mode), Status: Status(status), ExecutionPhase: ExecutionPhase(executionPhase),
		Version: version, ApprovalStatus: ApprovalStatus(approvalStatus), ApprovalToken: approvalToken.String,
		MonitorIntervalSeconds: monitorIntervalSeconds, BrokerErrorCount: brokerErrorCount,
		CancelRequested: cancelRequested, ErrorMessage: errorMessage,
	}

	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	e.ApprovalExpires = parseNullableTime(approvalExpiresAt)
	e.ApprovalRespond = parseNullableTime(approvalRespondedAt)
	e.NextCheckAt = parseNullableTime(nextCheckAt)
	e.StartedAt = parseNullableTime(startedAt)
	e.CompletedAt = parseNullableTime(completedAt)

	if pipelineStateJSON.Valid {
		var ps PipelineState
		if err := json.Unmarshal([]byte(pipelineStateJSON.String), &ps); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline_state: %w", err)
		}
		e.PipelineState = &ps
	}
	if resultJSON.Valid {
		_ = json.Unmarshal([]byte(resultJSON.String), &e.Result)
	}
	if reportsJSON.Valid {
		_ = json.Unmarshal([]byte(reportsJSON.String), &e.Reports)
	}
	if logsJSON.Valid {
		_ = json.Unmarshal([]byte(logsJSON.String), &e.Logs)
	}
	if agentStatesJSON.Valid {
		_ = json.Unmarshal([]byte(agentStatesJSON.String), &e.AgentStates)
	}
	if costBreakdownJSON.Valid {
		_ = json.Unmarshal([]byte(costBreakdownJSON.String), &e.CostBreakdown)
	}

	// Legacy-fallback: reconstruct PipelineState from the derivative mirrors
	// when the blob column is absent (executions created before it existed).
	// This is the exact inverse of pipeline.syncDerivedMirrors, field for
	// field, since e.Result/e.Reports/... are that function's output.
	if e.PipelineState == nil && e.Result != nil {
		e.PipelineState = rebuildPipelineStateFromMirrors(e)
	}

	return e, nil
}

// rebuildPipelineStateFromMirrors inverts syncDerivedMirrors. e.Result's
// values came off a *PipelineState through a JSON round trip, so anything
// that was a struct (RiskAssessment) now sits in the map as
// map[string]interface{} and has to be re-decoded; everything else
// (map[string]any, bool, string, float64, []string) already has the shape
// the corresponding PipelineState field wants.
func rebuildPipelineStateFromMirrors(e *Execution) *PipelineState {
	ps := &PipelineState{
		PipelineID:   e.PipelineID,
		ExecutionID:  e.ID,
		UserID:       e.UserID,
		Symbol:       e.Symbol,
		Mode:         e.Mode,
		ExecutionLog: e.Logs,
		AgentReports: e.Reports,
		AgentCosts:   e.CostBreakdown,
		StartedAt:    e.CreatedAt,
		UpdatedAt:    e.CreatedAt,
		CompletedAt:  e.CompletedAt,
	}

	r := e.Result
	ps.Strategy = mirrorMap(r["strategy"])
	ps.TradeExecution = mirrorMap(r["trade_execution"])
	ps.CurrentPosition = mirrorMap(r["current_position"])
	ps.TriggerMet = mirrorBool(r["trigger_met"])
	ps.TriggerReason = mirrorString(r["trigger_reason"])
	ps.TotalCost = mirrorFloat64(r["total_cost"])
	ps.Errors = mirrorStringSlice(r["errors"])
	ps.Warnings = mirrorStringSlice(r["warnings"])

	if raw, ok := r["risk_assessment"]; ok && raw != nil {
		if data, err := json.Marshal(raw); err == nil {
			var ra RiskAssessment
			if json.Unmarshal(data, &ra) == nil {
				ps.RiskAssessment = &ra
			}
		}
	}

	ps.RecalculateTotalCost()
	return ps
}

func mirrorMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func mirrorBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func mirrorString(v any) string {
	s, _ := v.(string)
	return s
}

func mirrorFloat64(v any) float64 {
	f, _ := v.(float64)
	return f
}

func mirrorStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
