package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/ringwatch/internal/database/models"
)

// verdictRepo implements VerdictRepository.
type verdictRepo struct {
	db *DB
}

// NewVerdictRepository creates a new VerdictRepository.
func NewVerdictRepository(db *DB) VerdictRepository {
	return &verdictRepo{db: db}
}

// Create inserts a new verdict record.
func (r *verdictRepo) Create(ctx context.Context, v *models.Verdict) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO verdicts (session_id, call_id, tone, finish_cause,
		 tone_ms, silence_ms, elapsed_ms, hangup_on_busy, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.CallID, v.Tone, v.FinishCause,
		v.ToneMs, v.SilenceMs, v.ElapsedMs, v.HangupOnBusy,
		v.StartedAt, v.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting verdict: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	v.ID = id
	return nil
}

// GetBySessionID returns a verdict by detection session ID, or nil when none
// has been recorded.
func (r *verdictRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Verdict, error) {
	var v models.Verdict
	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, call_id, tone, finish_cause,
		 tone_ms, silence_ms, elapsed_ms, hangup_on_busy, started_at, finished_at
		 FROM verdicts WHERE session_id = ?`, sessionID,
	).Scan(&v.ID, &v.SessionID, &v.CallID, &v.Tone, &v.FinishCause,
		&v.ToneMs, &v.SilenceMs, &v.ElapsedMs, &v.HangupOnBusy,
		&v.StartedAt, &v.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying verdict by session id: %w", err)
	}
	return &v, nil
}

// List returns verdicts matching the filter, along with the total count.
func (r *verdictRepo) List(ctx context.Context, filter VerdictListFilter) ([]models.Verdict, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Tone != "" {
		where += " AND tone = ?"
		args = append(args, filter.Tone)
	}
	if filter.CallID != "" {
		where += " AND call_id = ?"
		args = append(args, filter.CallID)
	}
	if filter.StartDate != "" {
		where += " AND finished_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND finished_at <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM verdicts WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting verdicts: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT id, session_id, call_id, tone, finish_cause,
		 tone_ms, silence_ms, elapsed_ms, hangup_on_busy, started_at, finished_at
		 FROM verdicts WHERE ` + where + ` ORDER BY finished_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []models.Verdict
	for rows.Next() {
		var v models.Verdict
		if err := rows.Scan(&v.ID, &v.SessionID, &v.CallID, &v.Tone, &v.FinishCause,
			&v.ToneMs, &v.SilenceMs, &v.ElapsedMs, &v.HangupOnBusy,
			&v.StartedAt, &v.FinishedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning verdict row: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating verdict rows: %w", err)
	}

	return verdicts, total, nil
}

// CountByTone returns the number of stored verdicts per tone label.
func (r *verdictRepo) CountByTone(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tone, COUNT(*) FROM verdicts GROUP BY tone`)
	if err != nil {
		return nil, fmt.Errorf("counting verdicts by tone: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var tone string
		var n int64
		if err := rows.Scan(&tone, &n); err != nil {
			return nil, fmt.Errorf("scanning tone count row: %w", err)
		}
		counts[tone] = n
	}
	return counts, rows.Err()
}

// Delete removes a verdict by session ID.
func (r *verdictRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM verdicts WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting verdict: %w", err)
	}
	return nil
}
