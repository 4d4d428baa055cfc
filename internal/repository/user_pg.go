package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresUserRepo struct {
	db *sqlx.DB
}

func NewPostgresUserRepo(db *sqlx.DB) *PostgresUserRepo {
	repo := &PostgresUserRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresUserRepo) Create(ctx context.Context, u *model.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, api_key, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.Email, u.APIKey, u.CreatedAt)
	return err
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u,
		`SELECT id, email, api_key, created_at FROM users WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUserRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u,
		`SELECT id, email, api_key, created_at FROM users WHERE api_key = $1 LIMIT 1`, apiKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUserRepo) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(1) FROM users WHERE id = $1`, id); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PostgresUserRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT,
			api_key TEXT UNIQUE,
			created_at TIMESTAMPTZ
		)
	`)
	return err
}
