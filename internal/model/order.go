package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the normalized lifecycle state of a tracked order.
// OPEN is the only non-terminal status; a status never moves backwards.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderFailed    OrderStatus = "FAILED"
)

// IsTerminal reports whether no further state change or polling occurs.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderComplete, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Order tracks one broker order through its lifecycle. The broker order id
// is opaque; instrument metadata is carried for display and audit only.
type Order struct {
	ID            string          `db:"id" json:"id"`
	ConnectionID  string          `db:"connection_id" json:"connection_id"`
	BrokerOrderID string          `db:"broker_order_id" json:"broker_order_id"`
	Status        OrderStatus     `db:"status" json:"status"`
	Symbol        string          `db:"symbol" json:"symbol"`
	Side          string          `db:"side" json:"side"`
	Quantity      decimal.Decimal `db:"quantity" json:"quantity"`
	Price         decimal.Decimal `db:"price" json:"price"`
	LastPolledAt  *time.Time      `db:"last_polled_at" json:"last_polled_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Position is a normalized open position snapshot.
type Position struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	PnL          decimal.Decimal `json:"pnl"`
}

// Holding is a normalized long-term holding snapshot.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange,omitempty"`
	ISIN         string          `json:"isin,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	PnL          decimal.Decimal `json:"pnl"`
}
