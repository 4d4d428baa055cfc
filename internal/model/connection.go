package model

import (
	"fmt"
	"strings"
	"time"
)

// Broker identifies one of the supported brokerages. The set is closed:
// unknown values are rejected at connection creation, never at poll time.
type Broker string

const (
	BrokerZerodha  Broker = "zerodha"
	BrokerAngelOne Broker = "angelone"
	BrokerUpstox   Broker = "upstox"
	BrokerAlpaca   Broker = "alpaca"
)

// SupportedBrokers lists the closed broker set in a stable order.
func SupportedBrokers() []Broker {
	return []Broker{BrokerZerodha, BrokerAngelOne, BrokerUpstox, BrokerAlpaca}
}

// ParseBroker validates a broker name against the supported set.
func ParseBroker(s string) (Broker, error) {
	b := Broker(strings.ToLower(strings.TrimSpace(s)))
	switch b {
	case BrokerZerodha, BrokerAngelOne, BrokerUpstox, BrokerAlpaca:
		return b, nil
	}
	return "", fmt.Errorf("unsupported broker %q", s)
}

// RequiresAPISecret reports whether the broker's auth flow needs an API
// secret alongside the key. Angel One logs in with client code + TOTP only.
func (b Broker) RequiresAPISecret() bool {
	return b != BrokerAngelOne
}

// BrokerConnection links one user to one brokerage account. Credential
// fields hold vault ciphertext; plaintext never touches this struct.
type BrokerConnection struct {
	ID                   string    `db:"id" json:"id"`
	UserID               string    `db:"user_id" json:"user_id"`
	Broker               Broker    `db:"broker" json:"broker"`
	Label                string    `db:"label" json:"label"`
	APIKeyEnc            string    `db:"api_key_enc" json:"-"`
	APISecretEnc         string    `db:"api_secret_enc" json:"-"`
	AccessTokenEnc       string    `db:"access_token_enc" json:"-"`
	AccessTokenExpiresAt *int64    `db:"access_token_expires_at" json:"access_token_expires_at,omitempty"`
	IsActive             bool      `db:"is_active" json:"is_active"`
	IsAuthenticated      bool      `db:"is_authenticated" json:"is_authenticated"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// TokenExpired reports whether the recorded token expiry is in the past.
// A connection with an expired token is treated as expired regardless of
// the is_authenticated flag.
func (c *BrokerConnection) TokenExpired(now time.Time) bool {
	if c.AccessTokenExpiresAt == nil {
		return false
	}
	return *c.AccessTokenExpiresAt <= now.Unix()
}

// TokenExpiresWithin reports whether the token expires inside the window.
func (c *BrokerConnection) TokenExpiresWithin(now time.Time, window time.Duration) bool {
	if c.AccessTokenExpiresAt == nil {
		return false
	}
	exp := time.Unix(*c.AccessTokenExpiresAt, 0)
	return exp.After(now) && exp.Before(now.Add(window))
}

// Profile is the normalized account profile returned by every adapter.
type Profile struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Broker    Broker `json:"broker"`
}

// User owns connections. Authentication against the transport layer is by
// API key; the key is issued out of band.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	APIKey    string    `db:"api_key" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
