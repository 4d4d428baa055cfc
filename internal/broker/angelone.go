package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
)

// SmartAPI session tokens lapse around 05:00 IST the next morning.
const angelTokenCutoffHour = 5

const (
	angelLoginPath     = "/rest/auth/angelbroking/user/v1/loginByPassword"
	angelProfilePath   = "/rest/secure/angelbroking/user/v1/getProfile"
	angelOrderBookPath = "/rest/secure/angelbroking/order/v1/getOrderBook"
	angelPositionPath  = "/rest/secure/angelbroking/order/v1/getPosition"
	angelHoldingPath   = "/rest/secure/angelbroking/portfolio/v1/getHolding"
)

// AngelOneAdapter drives the SmartAPI REST endpoints. Login is direct:
// client code, password and a generated TOTP code, no redirect leg.
type AngelOneAdapter struct {
	sessions *manager.SessionManager
	baseURL  string
	http     *http.Client
}

func NewAngelOneAdapter(sessions *manager.SessionManager, baseURL string) *AngelOneAdapter {
	return &AngelOneAdapter{
		sessions: sessions,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     newHTTPClient(),
	}
}

var _ Adapter = (*AngelOneAdapter)(nil)

func (a *AngelOneAdapter) Name() model.Broker { return model.BrokerAngelOne }

// angelEnvelope is the common SmartAPI response wrapper.
type angelEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (a *AngelOneAdapter) Authenticate(ctx context.Context, creds Credentials, input AuthInput) (Session, error) {
	if input.ClientCode == "" || input.Password == "" || input.TOTPSecret == "" {
		return Session{}, apperrors.NewInvalidRequest("client_code, password and totp_secret are required for angelone")
	}

	code, err := totp.GenerateCode(input.TOTPSecret, time.Now())
	if err != nil {
		return Session{}, apperrors.NewInvalidRequest("totp_secret is not a valid base32 seed")
	}

	body := map[string]string{
		"clientcode": input.ClientCode,
		"password":   input.Password,
		"totp":       code,
	}
	data, err := a.call(ctx, http.MethodPost, angelLoginPath, creds, "authenticate", body)
	if err != nil {
		return Session{}, err
	}

	var session struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "authenticate", apperrors.BrokerUnknown, "malformed login response", err)
	}
	if session.JWTToken == "" {
		return Session{}, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "authenticate", apperrors.BrokerAuthExpired, "login succeeded without a session token", nil)
	}

	expiry := nextISTCutoff(time.Now(), angelTokenCutoffHour)
	return Session{AccessToken: session.JWTToken, ExpiresAt: &expiry}, nil
}

func (a *AngelOneAdapter) Profile(ctx context.Context, creds Credentials) (*model.Profile, error) {
	data, err := a.call(ctx, http.MethodGet, angelProfilePath, creds, "profile", nil)
	if err != nil {
		return nil, err
	}

	var profile struct {
		ClientCode string `json:"clientcode"`
		Name       string `json:"name"`
		Email      string `json:"email"`
	}
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "profile", apperrors.BrokerUnknown, "malformed profile response", err)
	}
	return &model.Profile{
		AccountID: profile.ClientCode,
		Name:      profile.Name,
		Email:     profile.Email,
		Broker:    model.BrokerAngelOne,
	}, nil
}

func (a *AngelOneAdapter) OrderStatus(ctx context.Context, creds Credentials, brokerOrderID string) (model.OrderStatus, error) {
	// SmartAPI has no per-order endpoint; scan the day's order book.
	data, err := a.call(ctx, http.MethodGet, angelOrderBookPath, creds, "order_status", nil)
	if err != nil {
		return "", err
	}

	var orders []struct {
		OrderID string `json:"orderid"`
		Status  string `json:"status"`
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &orders); err != nil {
			return "", apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "order_status", apperrors.BrokerUnknown, "malformed order book", err)
		}
	}
	for _, o := range orders {
		if o.OrderID == brokerOrderID {
			return mapAngelOrderStatus(o.Status), nil
		}
	}
	return "", apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "order_status", apperrors.BrokerNotFound, "order "+brokerOrderID+" not in order book", nil)
}

func (a *AngelOneAdapter) Positions(ctx context.Context, creds Credentials) ([]model.Position, error) {
	data, err := a.call(ctx, http.MethodGet, angelPositionPath, creds, "positions", nil)
	if err != nil {
		return nil, err
	}

	// SmartAPI serializes numeric fields as strings.
	var rows []struct {
		TradingSymbol string `json:"tradingsymbol"`
		Exchange      string `json:"exchange"`
		NetQty        string `json:"netqty"`
		AvgNetPrice   string `json:"avgnetprice"`
		LTP           string `json:"ltp"`
		PnL           string `json:"pnl"`
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "positions", apperrors.BrokerUnknown, "malformed positions response", err)
		}
	}

	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Position{
			Symbol:       r.TradingSymbol,
			Exchange:     r.Exchange,
			Quantity:     parseAngelDecimal(r.NetQty),
			AveragePrice: parseAngelDecimal(r.AvgNetPrice),
			LastPrice:    parseAngelDecimal(r.LTP),
			PnL:          parseAngelDecimal(r.PnL),
		})
	}
	return out, nil
}

func (a *AngelOneAdapter) Holdings(ctx context.Context, creds Credentials) ([]model.Holding, error) {
	data, err := a.call(ctx, http.MethodGet, angelHoldingPath, creds, "holdings", nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		TradingSymbol string      `json:"tradingsymbol"`
		Exchange      string      `json:"exchange"`
		ISIN          string      `json:"isin"`
		Quantity      json.Number `json:"quantity"`
		AveragePrice  json.Number `json:"averageprice"`
		LTP           json.Number `json:"ltp"`
		PnL           json.Number `json:"profitandloss"`
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), "holdings", apperrors.BrokerUnknown, "malformed holdings response", err)
		}
	}

	out := make([]model.Holding, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Holding{
			Symbol:       r.TradingSymbol,
			Exchange:     r.Exchange,
			ISIN:         r.ISIN,
			Quantity:     parseAngelDecimal(r.Quantity.String()),
			AveragePrice: parseAngelDecimal(r.AveragePrice.String()),
			LastPrice:    parseAngelDecimal(r.LTP.String()),
			PnL:          parseAngelDecimal(r.PnL.String()),
		})
	}
	return out, nil
}

// call performs one SmartAPI request and unwraps the envelope.
func (a *AngelOneAdapter) call(ctx context.Context, method, path string, creds Credentials, op string, body interface{}) (json.RawMessage, error) {
	if path != angelLoginPath && creds.AccessToken == "" {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), op, apperrors.BrokerAuthExpired, "no access token", nil)
	}
	if err := a.sessions.Wait(ctx, model.BrokerAngelOne); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", creds.APIKey)
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}

	start := time.Now()
	resp, err := a.http.Do(req)
	metrics.BrokerAPILatency.WithLabelValues(string(model.BrokerAngelOne), op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), op, apperrors.BrokerUnknown, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), op, apperrors.BrokerUnknown, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := apperrors.BrokerErrorFromStatus(resp.StatusCode)
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), op, kind, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var envelope angelEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), op, apperrors.BrokerUnknown, "malformed envelope", err)
	}
	if !envelope.Status {
		kind := apperrors.BrokerUnknown
		// AG8001/AG8002/AG8003 are the invalid/expired token codes.
		if strings.HasPrefix(envelope.ErrorCode, "AG80") {
			kind = apperrors.BrokerAuthExpired
		}
		msg := envelope.Message
		if msg == "" {
			msg = "smartapi error " + envelope.ErrorCode
		}
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerAngelOne), op, kind, msg, nil)
	}
	return envelope.Data, nil
}

func mapAngelOrderStatus(status string) model.OrderStatus {
	switch strings.ToLower(status) {
	case "complete":
		return model.OrderComplete
	case "cancelled":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	default:
		return model.OrderOpen
	}
}

func parseAngelDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
