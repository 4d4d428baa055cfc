package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresConnectionRepo struct {
	db *sqlx.DB
}

func NewPostgresConnectionRepo(db *sqlx.DB) *PostgresConnectionRepo {
	repo := &PostgresConnectionRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

const connectionColumns = `id, user_id, broker, label, api_key_enc, api_secret_enc,
	access_token_enc, access_token_expires_at, is_active, is_authenticated, created_at, updated_at`

func (r *PostgresConnectionRepo) Create(ctx context.Context, c *model.BrokerConnection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO broker_connections (
			id, user_id, broker, label, api_key_enc, api_secret_enc,
			access_token_enc, access_token_expires_at, is_active, is_authenticated,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.UserID, c.Broker, c.Label, c.APIKeyEnc, c.APISecretEnc,
		c.AccessTokenEnc, c.AccessTokenExpiresAt, c.IsActive, c.IsAuthenticated,
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *PostgresConnectionRepo) GetByID(ctx context.Context, id string) (*model.BrokerConnection, error) {
	var c model.BrokerConnection
	err := r.db.GetContext(ctx, &c,
		`SELECT `+connectionColumns+` FROM broker_connections WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *PostgresConnectionRepo) ListByUser(ctx context.Context, userID string) ([]*model.BrokerConnection, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+connectionColumns+` FROM broker_connections WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]*model.BrokerConnection, 0)
	for rows.Next() {
		var c model.BrokerConnection
		if err := rows.StructScan(&c); err != nil {
			return nil, err
		}
		results = append(results, &c)
	}
	return results, rows.Err()
}

func (r *PostgresConnectionRepo) Update(ctx context.Context, c *model.BrokerConnection) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE broker_connections
		SET label = $2, api_key_enc = $3, api_secret_enc = $4, access_token_enc = $5,
		    access_token_expires_at = $6, is_active = $7, is_authenticated = $8, updated_at = $9
		WHERE id = $1
	`, c.ID, c.Label, c.APIKeyEnc, c.APISecretEnc, c.AccessTokenEnc,
		c.AccessTokenExpiresAt, c.IsActive, c.IsAuthenticated, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (r *PostgresConnectionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM broker_connections WHERE id = $1`, id)
	return err
}

func (r *PostgresConnectionRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS broker_connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			broker TEXT NOT NULL,
			label TEXT,
			api_key_enc TEXT,
			api_secret_enc TEXT,
			access_token_enc TEXT,
			access_token_expires_at BIGINT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_authenticated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_broker_connections_user ON broker_connections (user_id)`)
	return nil
}
