package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/ringwatch/internal/media"
)

// VerdictEvent is the payload posted to the host's webhook endpoint for
// every provisional and final classification. The result/tone/finish_cause
// triple mirrors the channel variables PBX dialplans historically keyed on.
// hangup_on_busy echoes the policy the host asked for; acting on it (hanging
// up the leg) is entirely the host's decision.
type VerdictEvent struct {
	SessionID    string `json:"session_id"`
	CallID       string `json:"call_id"`
	Final        bool   `json:"final"`
	Result       string `json:"result"`
	Tone         string `json:"tone"`
	FinishCause  string `json:"finish_cause"`
	OnMs         int64  `json:"on_ms"`
	OffMs        int64  `json:"off_ms"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	HangupOnBusy bool   `json:"hangup_on_busy"`
}

// Webhook posts verdict events to a single configured endpoint. It
// implements media.Notifier.
type Webhook struct {
	httpClient *http.Client
	url        string
	authToken  string
	logger     *slog.Logger
}

// NewWebhook creates a webhook notifier. url is the host's endpoint;
// authToken, when non-empty, is sent as a bearer token.
func NewWebhook(url, authToken string, logger *slog.Logger) *Webhook {
	return &Webhook{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		authToken:  authToken,
		logger:     logger.With("subsystem", "webhook"),
	}
}

// Configured returns true if the notifier has an endpoint to post to.
func (w *Webhook) Configured() bool {
	return w.url != ""
}

// NotifyVerdict posts one verdict event. A non-2xx response is an error;
// the caller decides whether that matters (detection results are already
// persisted locally before notification).
func (w *Webhook) NotifyVerdict(ctx context.Context, rec media.VerdictRecord, final bool) error {
	event := VerdictEvent{
		SessionID:    rec.SessionID,
		CallID:       rec.CallID,
		Final:        final,
		Result:       rec.Tone,
		Tone:         rec.Tone,
		FinishCause:  rec.FinishCause,
		OnMs:         rec.ToneMs,
		OffMs:        rec.SilenceMs,
		ElapsedMs:    rec.ElapsedMs,
		HangupOnBusy: rec.HangupOnBusy,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshalling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: sending event: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}

	w.logger.Debug("verdict event delivered",
		"call_id", rec.CallID,
		"tone", rec.Tone,
		"final", final,
	)

	return nil
}
