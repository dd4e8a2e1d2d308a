package database

import (
	"context"

	"github.com/flowpbx/ringwatch/internal/database/models"
)

// VerdictListFilter narrows and paginates verdict queries.
type VerdictListFilter struct {
	Tone      string
	CallID    string
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// VerdictRepository stores classification outcomes.
type VerdictRepository interface {
	Create(ctx context.Context, v *models.Verdict) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Verdict, error)
	List(ctx context.Context, filter VerdictListFilter) ([]models.Verdict, int, error)
	CountByTone(ctx context.Context) (map[string]int64, error)
	Delete(ctx context.Context, sessionID string) error
}

// OperatorUserRepository manages API users.
type OperatorUserRepository interface {
	Create(ctx context.Context, user *models.OperatorUser) error
	GetByID(ctx context.Context, id int64) (*models.OperatorUser, error)
	GetByUsername(ctx context.Context, username string) (*models.OperatorUser, error)
	Count(ctx context.Context) (int64, error)
}
