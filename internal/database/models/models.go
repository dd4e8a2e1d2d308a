package models

import "time"

// Verdict is a persisted call-progress classification outcome.
type Verdict struct {
	ID           int64
	SessionID    string
	CallID       string
	Tone         string
	FinishCause  string
	ToneMs       int64
	SilenceMs    int64
	ElapsedMs    int64
	HangupOnBusy bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

// OperatorUser is an API user allowed to manage detections.
type OperatorUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
