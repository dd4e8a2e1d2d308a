package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/ringwatch/internal/media"
	"github.com/flowpbx/ringwatch/internal/tone"
	"github.com/go-chi/chi/v5"
)

// startDetectionRequest is the JSON body for POST /detections.
type startDetectionRequest struct {
	CallID        string `json:"call_id"`
	PayloadType   *int   `json:"payload_type"`
	MaxDetectSecs int    `json:"max_detect_secs"`
	HangupOnBusy  *bool  `json:"hangup_on_busy"`
}

// detectionResponse is the JSON representation of a detection session.
type detectionResponse struct {
	ID              string          `json:"id"`
	CallID          string          `json:"call_id"`
	Port            int             `json:"port"`
	PayloadType     int             `json:"payload_type"`
	State           string          `json:"state"`
	Provisional     string          `json:"provisional,omitempty"`
	Result          *resultResponse `json:"result,omitempty"`
	HangupOnBusy    bool            `json:"hangup_on_busy"`
	FramesProcessed uint64          `json:"frames_processed"`
	PacketsDropped  uint64          `json:"packets_dropped"`
	CreatedAt       string          `json:"created_at"`
}

// resultResponse is the JSON representation of a final classification.
type resultResponse struct {
	Tone        string `json:"tone"`
	FinishCause string `json:"finish_cause"`
	ToneMs      int64  `json:"tone_ms"`
	SilenceMs   int64  `json:"silence_ms"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// toDetectionResponse converts a media.Session to the API response.
func toDetectionResponse(s *media.Session) detectionResponse {
	resp := detectionResponse{
		ID:              s.ID,
		CallID:          s.CallID,
		Port:            s.Port,
		PayloadType:     s.PayloadType,
		State:           s.State().String(),
		HangupOnBusy:    s.HangupOnBusy,
		FramesProcessed: s.FramesProcessed(),
		PacketsDropped:  s.PacketsDropped(),
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
	}
	if p := s.Provisional(); p != tone.Unknown {
		resp.Provisional = p.String()
	}
	if v := s.Result(); v != nil {
		resp.Result = &resultResponse{
			Tone:        v.Tone.String(),
			FinishCause: v.Cause.String(),
			ToneMs:      v.ToneMs,
			SilenceMs:   v.SilenceMs,
			ElapsedMs:   v.ElapsedMs,
		}
	}
	return resp
}

// handleStartDetection allocates a listener port and begins classifying
// early media sent to it.
func (s *Server) handleStartDetection(w http.ResponseWriter, r *http.Request) {
	var req startDetectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}
	if req.MaxDetectSecs < 0 {
		writeError(w, http.StatusBadRequest, "max_detect_secs must be non-negative")
		return
	}

	opts := media.StartOptions{
		CallID:        req.CallID,
		PayloadType:   media.PayloadPCMU,
		MaxDetectTime: time.Duration(req.MaxDetectSecs) * time.Second,
		HangupOnBusy:  s.hangupDefault,
	}
	if req.PayloadType != nil {
		opts.PayloadType = *req.PayloadType
	}
	if req.HangupOnBusy != nil {
		opts.HangupOnBusy = *req.HangupOnBusy
	}

	sess, err := s.manager.Start(opts)
	if err != nil {
		if strings.Contains(err.Error(), "no listener ports") {
			slog.Error("start detection: port pool exhausted", "error", err)
			writeError(w, http.StatusServiceUnavailable, "no listener ports available")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("detection started",
		"session_id", sess.ID,
		"call_id", sess.CallID,
		"port", sess.Port,
	)
	writeJSON(w, http.StatusCreated, toDetectionResponse(sess))
}

// handleListDetections returns all known detection sessions.
func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	items := make([]detectionResponse, len(sessions))
	for i, sess := range sessions {
		items[i] = toDetectionResponse(sess)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetDetection returns the current state of a detection session.
func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := s.manager.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "detection not found")
		return
	}
	writeJSON(w, http.StatusOK, toDetectionResponse(sess))
}

// handleStopDetection stops a detection session before it produces a final
// verdict. Already-finished sessions are removed from the manager.
func (s *Server) handleStopDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := s.manager.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "detection not found")
		return
	}

	s.manager.Stop(id)
	s.manager.Remove(id)

	slog.Info("detection stopped", "session_id", id)
	writeJSON(w, http.StatusOK, toDetectionResponse(sess))
}
