package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresOrderRepo struct {
	db *sqlx.DB
}

func NewPostgresOrderRepo(db *sqlx.DB) *PostgresOrderRepo {
	repo := &PostgresOrderRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

const orderColumns = `id, connection_id, broker_order_id, status, symbol, side,
	quantity, price, last_polled_at, created_at, updated_at`

func (r *PostgresOrderRepo) Create(ctx context.Context, o *model.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, connection_id, broker_order_id, status, symbol, side,
			quantity, price, last_polled_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, o.ID, o.ConnectionID, o.BrokerOrderID, o.Status, o.Symbol, o.Side,
		o.Quantity, o.Price, o.LastPolledAt, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *PostgresOrderRepo) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := r.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *PostgresOrderRepo) ListByConnection(ctx context.Context, connectionID string) ([]*model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE connection_id = $1 ORDER BY created_at`, connectionID)
}

func (r *PostgresOrderRepo) ListByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	return r.list(ctx, `
		SELECT o.id, o.connection_id, o.broker_order_id, o.status, o.symbol, o.side,
		       o.quantity, o.price, o.last_polled_at, o.created_at, o.updated_at
		FROM orders o
		JOIN broker_connections c ON c.id = o.connection_id
		WHERE c.user_id = $1
		ORDER BY o.created_at
	`, userID)
}

// ListOpen returns every OPEN order across all connections and users.
// The boot-time polling seed runs off this query.
func (r *PostgresOrderRepo) ListOpen(ctx context.Context) ([]*model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at`, model.OrderOpen)
}

// UpdateStatus writes a new status and the poll timestamp for one row.
// Status moves forward only: once a row is terminal it never changes
// again, even when a slow poll result lands after a stream push.
func (r *PostgresOrderRepo) UpdateStatus(ctx context.Context, id string, status model.OrderStatus, polledAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, last_polled_at = $3, updated_at = $3
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`, id, status, polledAt.UTC(), model.OrderComplete, model.OrderCancelled, model.OrderRejected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := r.db.GetContext(ctx, &current, `SELECT status FROM orders WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		return ErrOrderTerminal
	}
	return nil
}

func (r *PostgresOrderRepo) TouchPolled(ctx context.Context, id string, polledAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET last_polled_at = $2 WHERE id = $1`, id, polledAt.UTC())
	return err
}

func (r *PostgresOrderRepo) list(ctx context.Context, query string, args ...interface{}) ([]*model.Order, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]*model.Order, 0)
	for rows.Next() {
		var o model.Order
		if err := rows.StructScan(&o); err != nil {
			return nil, err
		}
		results = append(results, &o)
	}
	return results, rows.Err()
}

func (r *PostgresOrderRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			broker_order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			symbol TEXT,
			side TEXT,
			quantity NUMERIC,
			price NUMERIC,
			last_polled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_orders_connection ON orders (connection_id)`)
	_, _ = r.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`)
	return nil
}
