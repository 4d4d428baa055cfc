// Package manager caches per-connection SDK clients and meters outbound
// broker traffic. Building a Kite or Alpaca client on every poll tick is
// wasteful; reusing one across goroutines is safe as long as the access
// token it was built with has not rotated.
package manager

import (
	"context"
	"sync"

	alpaca "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/model"
)

type kiteEntry struct {
	client      *kiteconnect.Client
	accessToken string
}

type alpacaEntry struct {
	client    *alpaca.Client
	apiSecret string
}

// SessionManager hands out SDK clients keyed by API key and throttles
// calls per broker so one noisy connection cannot draw rate-limit bans on
// everyone sharing the gateway's egress IP.
type SessionManager struct {
	mu       sync.RWMutex
	kite     map[string]*kiteEntry
	alpaca   map[string]*alpacaEntry
	limiters map[model.Broker]*rate.Limiter
}

func NewSessionManager(cfg *config.Config) *SessionManager {
	qps := cfg.Brokers.QPS
	if qps <= 0 {
		qps = 5
	}
	burst := cfg.Brokers.Burst
	if burst <= 0 {
		burst = 10
	}

	limiters := make(map[model.Broker]*rate.Limiter, len(model.SupportedBrokers()))
	for _, b := range model.SupportedBrokers() {
		limiters[b] = rate.NewLimiter(rate.Limit(qps), burst)
	}

	return &SessionManager{
		kite:     make(map[string]*kiteEntry),
		alpaca:   make(map[string]*alpacaEntry),
		limiters: limiters,
	}
}

// Wait blocks until the broker's rate limiter admits one call or the
// context is cancelled.
func (m *SessionManager) Wait(ctx context.Context, b model.Broker) error {
	m.mu.RLock()
	lim := m.limiters[b]
	m.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// KiteClient returns a cached Kite Connect client for the API key,
// rebuilding it when the access token has changed.
func (m *SessionManager) KiteClient(apiKey, accessToken string) *kiteconnect.Client {
	m.mu.RLock()
	entry, ok := m.kite[apiKey]
	m.mu.RUnlock()
	if ok && entry.accessToken == accessToken {
		return entry.client
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.kite[apiKey]; ok && entry.accessToken == accessToken {
		return entry.client
	}
	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)
	m.kite[apiKey] = &kiteEntry{client: client, accessToken: accessToken}
	return client
}

// AlpacaClient returns a cached Alpaca client for the key pair.
func (m *SessionManager) AlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	m.mu.RLock()
	entry, ok := m.alpaca[apiKey]
	m.mu.RUnlock()
	if ok && entry.apiSecret == apiSecret {
		return entry.client
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.alpaca[apiKey]; ok && entry.apiSecret == apiSecret {
		return entry.client
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	m.alpaca[apiKey] = &alpacaEntry{client: client, apiSecret: apiSecret}
	return client
}

// Evict drops any cached clients built from the given API key. Called when
// a connection is re-authenticated or removed.
func (m *SessionManager) Evict(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kite, apiKey)
	delete(m.alpaca, apiKey)
}
