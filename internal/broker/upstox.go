package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
)

// Upstox access tokens are invalidated at 03:30 IST; rounding the cutoff
// down to 03:00 errs on the safe side.
const upstoxTokenCutoffHour = 3

// UpstoxAdapter drives the Upstox v2 REST API. Authentication is a plain
// OAuth code exchange against the token endpoint.
type UpstoxAdapter struct {
	sessions *manager.SessionManager
	baseURL  string
	http     *http.Client
}

func NewUpstoxAdapter(sessions *manager.SessionManager, baseURL string) *UpstoxAdapter {
	return &UpstoxAdapter{
		sessions: sessions,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     newHTTPClient(),
	}
}

var _ Adapter = (*UpstoxAdapter)(nil)

func (a *UpstoxAdapter) Name() model.Broker { return model.BrokerUpstox }

func (a *UpstoxAdapter) Authenticate(ctx context.Context, creds Credentials, input AuthInput) (Session, error) {
	if input.AuthCode == "" || input.RedirectURI == "" {
		return Session{}, apperrors.NewInvalidRequest("auth_code and redirect_uri are required for upstox")
	}
	if err := a.sessions.Wait(ctx, model.BrokerUpstox); err != nil {
		return Session{}, err
	}

	form := url.Values{}
	form.Set("code", input.AuthCode)
	form.Set("client_id", creds.APIKey)
	form.Set("client_secret", creds.APISecret)
	form.Set("redirect_uri", input.RedirectURI)
	form.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/login/authorization/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, apperrors.New(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerUpstox), "authenticate").Observe(time.Since(start).Seconds())
	if err != nil {
		return Session{}, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "authenticate", apperrors.BrokerUnknown, "token exchange failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Session{}, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "authenticate", apperrors.BrokerUnknown, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := apperrors.BrokerErrorFromStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusBadRequest {
			// A stale or reused auth code comes back as 400.
			kind = apperrors.BrokerAuthExpired
		}
		return Session{}, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "authenticate", kind, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &token); err != nil || token.AccessToken == "" {
		return Session{}, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "authenticate", apperrors.BrokerUnknown, "malformed token response", err)
	}

	expiry := nextISTCutoff(time.Now(), upstoxTokenCutoffHour)
	return Session{AccessToken: token.AccessToken, ExpiresAt: &expiry}, nil
}

func (a *UpstoxAdapter) Profile(ctx context.Context, creds Credentials) (*model.Profile, error) {
	data, err := a.call(ctx, creds, "profile", "/user/profile")
	if err != nil {
		return nil, err
	}

	var profile struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "profile", apperrors.BrokerUnknown, "malformed profile response", err)
	}
	return &model.Profile{
		AccountID: profile.UserID,
		Name:      profile.UserName,
		Email:     profile.Email,
		Broker:    model.BrokerUpstox,
	}, nil
}

func (a *UpstoxAdapter) OrderStatus(ctx context.Context, creds Credentials, brokerOrderID string) (model.OrderStatus, error) {
	data, err := a.call(ctx, creds, "order_status", "/order/details?order_id="+url.QueryEscape(brokerOrderID))
	if err != nil {
		return "", err
	}

	var order struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(data, &order); err != nil {
		return "", apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "order_status", apperrors.BrokerUnknown, "malformed order response", err)
	}
	return mapUpstoxOrderStatus(order.Status), nil
}

func (a *UpstoxAdapter) Positions(ctx context.Context, creds Credentials) ([]model.Position, error) {
	data, err := a.call(ctx, creds, "positions", "/portfolio/short-term-positions")
	if err != nil {
		return nil, err
	}

	var rows []upstoxInstrumentRow
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "positions", apperrors.BrokerUnknown, "malformed positions response", err)
		}
	}

	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Position{
			Symbol:       r.symbol(),
			Exchange:     r.Exchange,
			Quantity:     decimal.NewFromFloat(r.Quantity),
			AveragePrice: decimal.NewFromFloat(r.AveragePrice),
			LastPrice:    decimal.NewFromFloat(r.LastPrice),
			PnL:          decimal.NewFromFloat(r.PnL),
		})
	}
	return out, nil
}

func (a *UpstoxAdapter) Holdings(ctx context.Context, creds Credentials) ([]model.Holding, error) {
	data, err := a.call(ctx, creds, "holdings", "/portfolio/long-term-holdings")
	if err != nil {
		return nil, err
	}

	var rows []upstoxInstrumentRow
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), "holdings", apperrors.BrokerUnknown, "malformed holdings response", err)
		}
	}

	out := make([]model.Holding, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Holding{
			Symbol:       r.symbol(),
			Exchange:     r.Exchange,
			ISIN:         r.ISIN,
			Quantity:     decimal.NewFromFloat(r.Quantity),
			AveragePrice: decimal.NewFromFloat(r.AveragePrice),
			LastPrice:    decimal.NewFromFloat(r.LastPrice),
			PnL:          decimal.NewFromFloat(r.PnL),
		})
	}
	return out, nil
}

// upstoxInstrumentRow covers both the positions and holdings payloads;
// the API flips between trading_symbol and tradingsymbol across versions.
type upstoxInstrumentRow struct {
	TradingSymbol    string  `json:"trading_symbol"`
	TradingSymbolAlt string  `json:"tradingsymbol"`
	Exchange         string  `json:"exchange"`
	ISIN             string  `json:"isin"`
	Quantity         float64 `json:"quantity"`
	AveragePrice     float64 `json:"average_price"`
	LastPrice        float64 `json:"last_price"`
	PnL              float64 `json:"pnl"`
}

func (r upstoxInstrumentRow) symbol() string {
	if r.TradingSymbol != "" {
		return r.TradingSymbol
	}
	return r.TradingSymbolAlt
}

// call performs one authenticated GET and unwraps the v2 envelope.
func (a *UpstoxAdapter) call(ctx context.Context, creds Credentials, op, path string) (json.RawMessage, error) {
	if creds.AccessToken == "" {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), op, apperrors.BrokerAuthExpired, "no access token", nil)
	}
	if err := a.sessions.Wait(ctx, model.BrokerUpstox); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	start := time.Now()
	resp, err := a.http.Do(req)
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerUpstox), op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), op, apperrors.BrokerUnknown, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), op, apperrors.BrokerUnknown, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := apperrors.BrokerErrorFromStatus(resp.StatusCode)
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), op, kind, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), op, apperrors.BrokerUnknown, "malformed envelope", err)
	}
	if envelope.Status != "success" {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerUpstox), op, apperrors.BrokerUnknown, "upstream status "+envelope.Status, nil)
	}
	return envelope.Data, nil
}

func mapUpstoxOrderStatus(status string) model.OrderStatus {
	switch strings.ToLower(status) {
	case "complete":
		return model.OrderComplete
	case "cancelled", "cancelled after market order":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	default:
		return model.OrderOpen
	}
}
