package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
)

// RedisAuditRepo keeps a bounded recent window of audit entries in a list.
// It is the fast path for the admin listing endpoint; Postgres (when
// configured) is the durable one.
type RedisAuditRepo struct {
	client  *RedisClient
	listKey string
	listMax int
}

func NewRedisAuditRepo(client *RedisClient, listKey string, listMax int) *RedisAuditRepo {
	if listKey == "" {
		listKey = "audit_logs"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisAuditRepo{
		client:  client,
		listKey: listKey,
		listMax: listMax,
	}
}

func (r *RedisAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := r.client.Client.LPush(ctx, r.listKey, payload).Err(); err != nil {
		return err
	}
	_ = r.client.Client.LTrim(ctx, r.listKey, 0, int64(r.listMax-1)).Err()
	return nil
}

func (r *RedisAuditRepo) List(ctx context.Context, userID string, limit int, from, to *time.Time) ([]*model.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	fetch := limit * 5
	if fetch < 100 {
		fetch = 100
	}
	if fetch > r.listMax {
		fetch = r.listMax
	}

	items, err := r.client.Client.LRange(ctx, r.listKey, 0, int64(fetch-1)).Result()
	if err != nil {
		return nil, err
	}

	results := make([]*model.AuditLog, 0, limit)
	for _, item := range items {
		var entry model.AuditLog
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if userID != "" && entry.UserID != userID {
			continue
		}
		if from != nil && entry.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && entry.CreatedAt.After(*to) {
			continue
		}
		results = append(results, &entry)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
