// Package broker normalizes the heterogeneous brokerage APIs behind one
// capability contract. The set of implementations is closed; resolution
// happens by validated broker name, never by arbitrary strings.
package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
)

// Credentials is the decrypted view of a connection's secrets. The caller
// obtains it through the Vault; adapters never persist any of it.
type Credentials struct {
	APIKey      string
	APISecret   string
	AccessToken string
}

// AuthInput carries the flow-specific user-supplied credentials for one
// login attempt. Which fields apply depends on the broker's flow.
type AuthInput struct {
	RequestToken string // zerodha: token from the redirect callback
	AuthCode     string // upstox: OAuth authorization code
	RedirectURI  string // upstox
	ClientCode   string // angelone
	Password     string // angelone
	TOTPSecret   string // angelone: base32 seed for the one-time code
}

// Session is the product of a successful authentication. ExpiresAt is nil
// for brokers whose tokens do not expire on a clock.
type Session struct {
	AccessToken string
	ExpiresAt   *time.Time
}

// Adapter is the uniform capability contract, one implementation per
// supported broker.
type Adapter interface {
	Name() model.Broker
	Authenticate(ctx context.Context, creds Credentials, input AuthInput) (Session, error)
	Profile(ctx context.Context, creds Credentials) (*model.Profile, error)
	OrderStatus(ctx context.Context, creds Credentials, brokerOrderID string) (model.OrderStatus, error)
	Positions(ctx context.Context, creds Credentials) ([]model.Position, error)
	Holdings(ctx context.Context, creds Credentials) ([]model.Holding, error)
}

// Registry resolves adapters from the closed broker set.
type Registry struct {
	adapters map[model.Broker]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Broker]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register replaces the adapter for its broker. Tests use this to install
// fakes behind the real contract.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Resolve(b model.Broker) (Adapter, error) {
	a, ok := r.adapters[b]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnsupportedBroker, "no adapter for broker "+string(b), nil)
	}
	return a, nil
}

// newHTTPClient builds the shared client for the REST adapters.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 10 * time.Second,
	}
}

// istZone is the exchange clock for the Indian brokers; their session
// tokens lapse at a fixed local hour the next morning.
var istZone = time.FixedZone("IST", 5*3600+1800)

// nextISTCutoff returns the next occurrence of the given IST hour.
func nextISTCutoff(now time.Time, hour int) time.Time {
	n := now.In(istZone)
	cutoff := time.Date(n.Year(), n.Month(), n.Day(), hour, 0, 0, 0, istZone)
	if !cutoff.After(n) {
		cutoff = cutoff.Add(24 * time.Hour)
	}
	return cutoff
}
