package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/sentinel/internal/errs"
	"github.com/aristath/sentinel/internal/store"
)

// handleListExecutions is the read-side listing SPEC_FULL.md §9 names:
// GET /executions?pipeline_id=&user_id=&symbol=&status=
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		PipelineID: q.Get("pipeline_id"),
		UserID:     q.Get("user_id"),
		Symbol:     q.Get("symbol"),
	}
	if statusParam := q.Get("status"); statusParam != "" {
		for _, part := range strings.Split(statusParam, ",") {
			filter.Status = append(filter.Status, store.Status(strings.TrimSpace(part)))
		}
	}

	execs, err := s.store.ListBy(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.writeNotFoundOrError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

// handlePreTradeReport returns the current pipeline_state materialized for
// human review ahead of an approve/reject decision.
func (s *Server) handlePreTradeReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.writeNotFoundOrError(w, err)
		return
	}
	if exec.PipelineState == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no pipeline state recorded for this execution yet"))
		return
	}
	s.writeJSON(w, http.StatusOK, exec.PipelineState)
}

type decisionBody struct {
	Reason string `json:"reason"`
}

func readDecisionReason(r *http.Request) string {
	var body decisionBody
	if r.Body == nil {
		return ""
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // absent/empty body is valid; reason stays ""
	return body.Reason
}

func (s *Server) handleApproveByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.approval.ApproveByID(r.Context(), id)
	s.respondDecision(w, exec, err)
}

func (s *Server) handleRejectByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.approval.RejectByID(r.Context(), id, readDecisionReason(r))
	s.respondDecision(w, exec, err)
}

func (s *Server) handleApproveByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	exec, err := s.approval.ApproveByToken(r.Context(), token)
	s.respondDecision(w, exec, err)
}

func (s *Server) handleRejectByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	exec, err := s.approval.RejectByToken(r.Context(), token, readDecisionReason(r))
	s.respondDecision(w, exec, err)
}

func (s *Server) handleGetByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	exec, err := s.store.LoadByApprovalToken(r.Context(), token)
	if err != nil {
		s.writeNotFoundOrError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

// handleCancel sets the out-of-band cancel flag the executor's step loop and
// the monitor loop both honor (SPEC_FULL.md §4.6). It never transitions the
// execution itself — that happens the next time either loop observes it.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.writeNotFoundOrError(w, err)
		return
	}
	if exec.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, errors.New("execution already terminal"))
		return
	}
	exec.CancelRequested = true
	if err := s.store.SaveWithRetry(r.Context(), exec); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) respondDecision(w http.ResponseWriter, exec *store.Execution, err error) {
	if err != nil {
		if errors.Is(err, errs.ErrApprovalExpired) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeNotFoundOrError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) writeNotFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNoRowsMarker) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	// sql.ErrNoRows surfaces straight from the store on a missing id/token.
	if strings.Contains(err.Error(), "no rows") {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

var errNoRowsMarker = errors.New("not found")
