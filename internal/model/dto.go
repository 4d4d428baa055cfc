package model

import "time"

// CreateConnectionRequest is the incoming JSON body for linking an account.
// The API key/secret are the user's own broker app credentials; they are
// encrypted before they reach storage.
type CreateConnectionRequest struct {
	Broker    string `json:"broker" binding:"required"`
	Label     string `json:"label" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret,omitempty"`
}

// CompleteAuthRequest carries the flow-specific credentials for finishing a
// broker login. Exactly which fields apply depends on the broker:
// request_token (zerodha), auth_code + redirect_uri (upstox),
// client_code + password + totp_secret (angelone). Alpaca needs no extra
// input; its key pair is the token.
type CompleteAuthRequest struct {
	RequestToken string `json:"request_token,omitempty"`
	AuthCode     string `json:"auth_code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	ClientCode   string `json:"client_code,omitempty"`
	Password     string `json:"password,omitempty"`
	TOTPSecret   string `json:"totp_secret,omitempty"`
}

// RecordOrderRequest registers a broker-assigned order for tracking.
type RecordOrderRequest struct {
	ConnectionID  string `json:"connection_id" binding:"required"`
	BrokerOrderID string `json:"broker_order_id" binding:"required"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
}

// HealthState is the single-word verdict of the quick health check.
type HealthState string

const (
	HealthNotFound     HealthState = "not_found"
	HealthInactive     HealthState = "inactive"
	HealthNeedsAuth    HealthState = "needs_auth"
	HealthTokenExpired HealthState = "token_expired"
	HealthHealthy      HealthState = "healthy"
	HealthError        HealthState = "error"
)

// DiagnosticsStatus aggregates a pipeline run: error > warning > healthy.
type DiagnosticsStatus string

const (
	DiagnosticsHealthy DiagnosticsStatus = "healthy"
	DiagnosticsWarning DiagnosticsStatus = "warning"
	DiagnosticsError   DiagnosticsStatus = "error"
)

// DiagnosticsReport is the structured result of one connection's check
// battery. Diagnostics never raises; failures land in Issues or Warnings.
type DiagnosticsReport struct {
	ConnectionID string            `json:"connection_id"`
	Broker       Broker            `json:"broker"`
	Label        string            `json:"label"`
	Status       DiagnosticsStatus `json:"status"`
	Issues       []string          `json:"issues"`
	Warnings     []string          `json:"warnings"`
	CheckedAt    time.Time         `json:"checked_at"`
}
