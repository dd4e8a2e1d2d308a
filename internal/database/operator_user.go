package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/ringwatch/internal/database/models"
)

// operatorUserRepo implements OperatorUserRepository.
type operatorUserRepo struct {
	db *DB
}

// NewOperatorUserRepository creates a new OperatorUserRepository.
func NewOperatorUserRepository(db *DB) OperatorUserRepository {
	return &operatorUserRepo{db: db}
}

// Create inserts a new operator user.
func (r *operatorUserRepo) Create(ctx context.Context, user *models.OperatorUser) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO operator_users (username, password_hash, created_at, updated_at)
		 VALUES (?, ?, datetime('now'), datetime('now'))`,
		user.Username, user.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting operator user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	user.ID = id
	return nil
}

// GetByID returns an operator user by ID.
func (r *operatorUserRepo) GetByID(ctx context.Context, id int64) (*models.OperatorUser, error) {
	var u models.OperatorUser
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM operator_users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator user by id: %w", err)
	}
	return &u, nil
}

// GetByUsername returns an operator user by username.
func (r *operatorUserRepo) GetByUsername(ctx context.Context, username string) (*models.OperatorUser, error) {
	var u models.OperatorUser
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM operator_users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator user by username: %w", err)
	}
	return &u, nil
}

// Count returns the number of operator users.
func (r *operatorUserRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operator_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting operator users: %w", err)
	}
	return count, nil
}
