package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/shopspring/decimal"

	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
)

// kiteTokenCutoffHour: Kite access tokens are invalidated around 06:00 IST
// the next trading morning.
const kiteTokenCutoffHour = 6

// ZerodhaAdapter drives the Kite Connect API. Sessions come from the
// redirect flow: the user logs in on Kite's page and comes back with a
// request token that gets exchanged for an access token.
type ZerodhaAdapter struct {
	sessions *manager.SessionManager
}

func NewZerodhaAdapter(sessions *manager.SessionManager) *ZerodhaAdapter {
	return &ZerodhaAdapter{sessions: sessions}
}

var _ Adapter = (*ZerodhaAdapter)(nil)

func (a *ZerodhaAdapter) Name() model.Broker { return model.BrokerZerodha }

func (a *ZerodhaAdapter) Authenticate(ctx context.Context, creds Credentials, input AuthInput) (Session, error) {
	if input.RequestToken == "" {
		return Session{}, apperrors.NewInvalidRequest("request_token is required for zerodha")
	}
	if err := a.sessions.Wait(ctx, model.BrokerZerodha); err != nil {
		return Session{}, err
	}

	start := time.Now()
	client := kiteconnect.New(creds.APIKey)
	session, err := client.GenerateSession(input.RequestToken, creds.APISecret)
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerZerodha), "authenticate").Observe(time.Since(start).Seconds())
	if err != nil {
		return Session{}, mapKiteError("authenticate", err)
	}

	expiry := nextISTCutoff(time.Now(), kiteTokenCutoffHour)
	return Session{AccessToken: session.AccessToken, ExpiresAt: &expiry}, nil
}

func (a *ZerodhaAdapter) Profile(ctx context.Context, creds Credentials) (*model.Profile, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	profile, err := client.GetUserProfile()
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerZerodha), "profile").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapKiteError("profile", err)
	}
	return &model.Profile{
		AccountID: profile.UserID,
		Name:      profile.UserName,
		Email:     profile.Email,
		Broker:    model.BrokerZerodha,
	}, nil
}

func (a *ZerodhaAdapter) OrderStatus(ctx context.Context, creds Credentials, brokerOrderID string) (model.OrderStatus, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return "", err
	}

	start := time.Now()
	history, err := client.GetOrderHistory(brokerOrderID)
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerZerodha), "order_status").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", mapKiteError("order_status", err)
	}
	if len(history) == 0 {
		return "", apperrors.NewBrokerAPIError(string(model.BrokerZerodha), "order_status", apperrors.BrokerNotFound, "order "+brokerOrderID+" not found", nil)
	}
	// The history is ordered oldest first; the last entry is current.
	return mapKiteOrderStatus(history[len(history)-1].Status), nil
}

func (a *ZerodhaAdapter) Positions(ctx context.Context, creds Credentials) ([]model.Position, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	positions, err := client.GetPositions()
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerZerodha), "positions").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapKiteError("positions", err)
	}

	out := make([]model.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		out = append(out, model.Position{
			Symbol:       p.Tradingsymbol,
			Exchange:     p.Exchange,
			Quantity:     decimal.NewFromInt(int64(p.Quantity)),
			AveragePrice: decimal.NewFromFloat(p.AveragePrice),
			LastPrice:    decimal.NewFromFloat(p.LastPrice),
			PnL:          decimal.NewFromFloat(p.PnL),
		})
	}
	return out, nil
}

func (a *ZerodhaAdapter) Holdings(ctx context.Context, creds Credentials) ([]model.Holding, error) {
	client, err := a.client(ctx, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	holdings, err := client.GetHoldings()
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerZerodha), "holdings").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapKiteError("holdings", err)
	}

	out := make([]model.Holding, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, model.Holding{
			Symbol:       h.Tradingsymbol,
			Exchange:     h.Exchange,
			ISIN:         h.ISIN,
			Quantity:     decimal.NewFromInt(int64(h.Quantity)),
			AveragePrice: decimal.NewFromFloat(h.AveragePrice),
			LastPrice:    decimal.NewFromFloat(h.LastPrice),
			PnL:          decimal.NewFromFloat(h.PnL),
		})
	}
	return out, nil
}

func (a *ZerodhaAdapter) client(ctx context.Context, creds Credentials) (*kiteconnect.Client, error) {
	if creds.AccessToken == "" {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerZerodha), "client", apperrors.BrokerAuthExpired, "no access token", nil)
	}
	if err := a.sessions.Wait(ctx, model.BrokerZerodha); err != nil {
		return nil, err
	}
	return a.sessions.KiteClient(creds.APIKey, creds.AccessToken), nil
}

func mapKiteOrderStatus(status string) model.OrderStatus {
	switch status {
	case "COMPLETE":
		return model.OrderComplete
	case "CANCELLED", "CANCELLED AMO":
		return model.OrderCancelled
	case "REJECTED":
		return model.OrderRejected
	default:
		// OPEN, TRIGGER PENDING, AMO REQ RECEIVED and friends are all
		// still in flight from our perspective.
		return model.OrderOpen
	}
}

func mapKiteError(op string, err error) error {
	var kcErr kiteconnect.Error
	if errors.As(err, &kcErr) {
		kind := apperrors.BrokerUnknown
		switch {
		case kcErr.ErrorType == "TokenException":
			kind = apperrors.BrokerAuthExpired
		case kcErr.Code == http.StatusTooManyRequests:
			kind = apperrors.BrokerRateLimited
		case kcErr.Code == http.StatusNotFound:
			kind = apperrors.BrokerNotFound
		case kcErr.Code == http.StatusForbidden:
			kind = apperrors.BrokerAuthExpired
		}
		return apperrors.NewBrokerAPIError(string(model.BrokerZerodha), op, kind, kcErr.Message, err)
	}
	return apperrors.NewBrokerAPIError(string(model.BrokerZerodha), op, apperrors.BrokerUnknown, err.Error(), err)
}
