package broker

import (
	"context"
	"errors"
	"time"

	alpaca "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
)

// AlpacaAdapter drives the Alpaca trading API. There is no session
// exchange: the API key pair is the long-lived credential, so
// Authenticate just proves the pair works and the resulting token never
// expires on a clock.
type AlpacaAdapter struct {
	sessions *manager.SessionManager
	baseURL  string
}

func NewAlpacaAdapter(sessions *manager.SessionManager, baseURL string) *AlpacaAdapter {
	return &AlpacaAdapter{sessions: sessions, baseURL: baseURL}
}

var _ Adapter = (*AlpacaAdapter)(nil)

func (a *AlpacaAdapter) Name() model.Broker { return model.BrokerAlpaca }

func (a *AlpacaAdapter) Authenticate(ctx context.Context, creds Credentials, _ AuthInput) (Session, error) {
	if err := a.sessions.Wait(ctx, model.BrokerAlpaca); err != nil {
		return Session{}, err
	}

	client := a.sessions.AlpacaClient(creds.APIKey, creds.APISecret, a.baseURL)
	start := time.Now()
	account, err := client.GetAccount()
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerAlpaca), "authenticate").Observe(time.Since(start).Seconds())
	if err != nil {
		return Session{}, mapAlpacaError("authenticate", err)
	}
	// The key pair itself is the session; record the account id as the
	// opaque token so the connection reads as authenticated.
	return Session{AccessToken: account.ID}, nil
}

func (a *AlpacaAdapter) Profile(ctx context.Context, creds Credentials) (*model.Profile, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	account, err := client.GetAccount()
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerAlpaca), "profile").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapAlpacaError("profile", err)
	}
	return &model.Profile{
		AccountID: account.AccountNumber,
		Name:      account.AccountNumber,
		Broker:    model.BrokerAlpaca,
	}, nil
}

func (a *AlpacaAdapter) OrderStatus(ctx context.Context, creds Credentials, brokerOrderID string) (model.OrderStatus, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return "", err
	}

	start := time.Now()
	order, err := client.GetOrder(brokerOrderID)
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerAlpaca), "order_status").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", mapAlpacaError("order_status", err)
	}
	return mapAlpacaOrderStatus(string(order.Status)), nil
}

func (a *AlpacaAdapter) Positions(ctx context.Context, creds Credentials) ([]model.Position, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	positions, err := client.GetPositions()
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerAlpaca), "positions").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapAlpacaError("positions", err)
	}

	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, model.Position{
			Symbol:       p.Symbol,
			Exchange:     p.Exchange,
			Quantity:     p.Qty,
			AveragePrice: p.AvgEntryPrice,
			LastPrice:    derefDecimal(p.CurrentPrice),
			PnL:          derefDecimal(p.UnrealizedPL),
		})
	}
	return out, nil
}

// Holdings maps to the same positions endpoint: Alpaca does not separate
// intraday positions from long-term holdings.
func (a *AlpacaAdapter) Holdings(ctx context.Context, creds Credentials) ([]model.Holding, error) {
	positions, err := a.Positions(ctx, creds)
	if err != nil {
		return nil, err
	}
	out := make([]model.Holding, 0, len(positions))
	for _, p := range positions {
		out = append(out, model.Holding{
			Symbol:       p.Symbol,
			Exchange:     p.Exchange,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
			PnL:          p.PnL,
		})
	}
	return out, nil
}

func (a *AlpacaAdapter) client(ctx context.Context, creds Credentials) (*alpaca.Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAlpaca), "client", apperrors.BrokerAuthExpired, "missing API key pair", nil)
	}
	if err := a.sessions.Wait(ctx, model.BrokerAlpaca); err != nil {
		return nil, err
	}
	return a.sessions.AlpacaClient(creds.APIKey, creds.APISecret, a.baseURL), nil
}

func mapAlpacaOrderStatus(status string) model.OrderStatus {
	switch status {
	case "filled":
		return model.OrderComplete
	case "canceled", "expired", "done_for_day":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	default:
		// new, accepted, partially_filled, pending_* stay open.
		return model.OrderOpen
	}
}

func mapAlpacaError(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		kind := apperrors.BrokerErrorFromStatus(apiErr.StatusCode)
		return apperrors.NewBrokerAPIError(string(model.BrokerAlpaca), op, kind, apiErr.Message, err)
	}
	return apperrors.NewBrokerAPIError(string(model.BrokerAlpaca), op, apperrors.BrokerUnknown, err.Error(), err)
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
