package service

import (
	"context"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
)

// Store contracts are declared here, on the consumer side. The Postgres
// and in-memory repositories satisfy them without referencing this package.

type ConnectionStore interface {
	Create(ctx context.Context, c *model.BrokerConnection) error
	GetByID(ctx context.Context, id string) (*model.BrokerConnection, error)
	ListByUser(ctx context.Context, userID string) ([]*model.BrokerConnection, error)
	Update(ctx context.Context, c *model.BrokerConnection) error
	Delete(ctx context.Context, id string) error
}

type OrderStore interface {
	Create(ctx context.Context, o *model.Order) error
	GetByID(ctx context.Context, id string) (*model.Order, error)
	ListByConnection(ctx context.Context, connectionID string) ([]*model.Order, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Order, error)
	ListOpen(ctx context.Context) ([]*model.Order, error)
	UpdateStatus(ctx context.Context, id string, status model.OrderStatus, polledAt time.Time) error
	TouchPolled(ctx context.Context, id string, polledAt time.Time) error
}

type AuditStore interface {
	Insert(ctx context.Context, entry *model.AuditLog) error
	List(ctx context.Context, userID string, limit int, from, to *time.Time) ([]*model.AuditLog, error)
}
