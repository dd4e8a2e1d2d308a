package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/ringwatch/internal/database"
	"github.com/flowpbx/ringwatch/internal/database/models"
	"github.com/flowpbx/ringwatch/internal/tone"
	"github.com/go-chi/chi/v5"
)

// verdictResponse is the JSON representation of a stored verdict.
type verdictResponse struct {
	ID           int64  `json:"id"`
	SessionID    string `json:"session_id"`
	CallID       string `json:"call_id"`
	Tone         string `json:"tone"`
	FinishCause  string `json:"finish_cause"`
	ToneMs       int64  `json:"tone_ms"`
	SilenceMs    int64  `json:"silence_ms"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	HangupOnBusy bool   `json:"hangup_on_busy"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
}

// toVerdictResponse converts a models.Verdict to the API response.
func toVerdictResponse(v *models.Verdict) verdictResponse {
	return verdictResponse{
		ID:           v.ID,
		SessionID:    v.SessionID,
		CallID:       v.CallID,
		Tone:         v.Tone,
		FinishCause:  v.FinishCause,
		ToneMs:       v.ToneMs,
		SilenceMs:    v.SilenceMs,
		ElapsedMs:    v.ElapsedMs,
		HangupOnBusy: v.HangupOnBusy,
		StartedAt:    v.StartedAt.Format(time.RFC3339),
		FinishedAt:   v.FinishedAt.Format(time.RFC3339),
	}
}

// handleListVerdicts returns stored verdicts with pagination and optional
// filters. Query params: limit, offset, tone, call_id, start_date, end_date.
func (s *Server) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	toneFilter := q.Get("tone")
	if toneFilter != "" {
		valid := false
		for _, t := range []tone.Type{tone.Unknown, tone.Busy, tone.Ringback, tone.Congestion} {
			if toneFilter == t.String() {
				valid = true
				break
			}
		}
		if !valid {
			writeError(w, http.StatusBadRequest, "tone must be \"busy\", \"ringback\", \"congestion\", or \"unknown\"")
			return
		}
	}

	filter := database.VerdictListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Tone:      toneFilter,
		CallID:    q.Get("call_id"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	verdicts, total, err := s.verdicts.List(r.Context(), filter)
	if err != nil {
		slog.Error("list verdicts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]verdictResponse, len(verdicts))
	for i := range verdicts {
		items[i] = toVerdictResponse(&verdicts[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetVerdict returns a single stored verdict by session ID.
func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	v, err := s.verdicts.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		slog.Error("get verdict: failed to query", "error", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}

	writeJSON(w, http.StatusOK, toVerdictResponse(v))
}

// handleDeleteVerdict removes a stored verdict by session ID.
func (s *Server) handleDeleteVerdict(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	v, err := s.verdicts.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		slog.Error("delete verdict: failed to query", "error", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}

	if err := s.verdicts.Delete(r.Context(), sessionID); err != nil {
		slog.Error("delete verdict: failed to delete", "error", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("verdict deleted", "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": sessionID})
}
