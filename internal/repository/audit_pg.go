package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresAuditRepo struct {
	db *sqlx.DB
}

func NewPostgresAuditRepo(db *sqlx.DB) *PostgresAuditRepo {
	repo := &PostgresAuditRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	contextJSON, _ := json.Marshal(entry.Context)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, kind, user_id, connection_id, order_id,
			method, path, ip, user_agent, request_body, response_body,
			status_code, latency_ms, context, created_at
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,$10,$11,
			$12,$13,$14,$15
		)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.Kind, entry.UserID, entry.ConnectionID, entry.OrderID,
		entry.Method, entry.Path, entry.IP, entry.UserAgent, entry.RequestBody, entry.ResponseBody,
		entry.StatusCode, entry.LatencyMs, contextJSON, entry.CreatedAt)
	return err
}

func (r *PostgresAuditRepo) List(ctx context.Context, userID string, limit int, from, to *time.Time) ([]*model.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, kind, user_id, connection_id, order_id, method, path, ip, user_agent,
		request_body, response_body, status_code, latency_ms, context, created_at FROM audit_logs`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if userID != "" {
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, userID)
		idx++
	}
	if from != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *to)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]*model.AuditLog, 0, limit)
	for rows.Next() {
		entry, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

func scanAuditRow(rows *sqlx.Rows) (*model.AuditLog, error) {
	var (
		entry       model.AuditLog
		contextJSON []byte
		userID      sql.NullString
		connID      sql.NullString
		orderID     sql.NullString
	)
	if err := rows.Scan(&entry.ID, &entry.Kind, &userID, &connID, &orderID,
		&entry.Method, &entry.Path, &entry.IP, &entry.UserAgent,
		&entry.RequestBody, &entry.ResponseBody, &entry.StatusCode,
		&entry.LatencyMs, &contextJSON, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.UserID = userID.String
	entry.ConnectionID = connID.String
	entry.OrderID = orderID.String
	if len(contextJSON) > 0 {
		_ = json.Unmarshal(contextJSON, &entry.Context)
	}
	return &entry, nil
}

func (r *PostgresAuditRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT,
			connection_id TEXT,
			order_id TEXT,
			method TEXT,
			path TEXT,
			ip TEXT,
			user_agent TEXT,
			request_body TEXT,
			response_body TEXT,
			status_code INT,
			latency_ms BIGINT,
			context JSONB,
			created_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs (user_id, created_at)`)
	return nil
}
