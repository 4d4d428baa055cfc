package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/broker"
	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/repository"
	"github.com/GoBrokerHub/brokergate/internal/vault"
)

// fakeAdapter satisfies the broker contract with programmable behavior.
type fakeAdapter struct {
	name model.Broker

	mu           sync.Mutex
	statusCalls  int
	profileCalls int

	statusFn  func() (model.OrderStatus, error)
	profileFn func() (*model.Profile, error)
	authFn    func() (broker.Session, error)
}

func (f *fakeAdapter) Name() model.Broker { return f.name }

func (f *fakeAdapter) Authenticate(ctx context.Context, creds broker.Credentials, input broker.AuthInput) (broker.Session, error) {
	if f.authFn != nil {
		return f.authFn()
	}
	return broker.Session{AccessToken: "fake-token"}, nil
}

func (f *fakeAdapter) Profile(ctx context.Context, creds broker.Credentials) (*model.Profile, error) {
	f.mu.Lock()
	f.profileCalls++
	f.mu.Unlock()
	if f.profileFn != nil {
		return f.profileFn()
	}
	return &model.Profile{AccountID: "ACC1", Name: "Fake", Broker: f.name}, nil
}

func (f *fakeAdapter) OrderStatus(ctx context.Context, creds broker.Credentials, brokerOrderID string) (model.OrderStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	if f.statusFn != nil {
		return f.statusFn()
	}
	return model.OrderOpen, nil
}

func (f *fakeAdapter) Positions(ctx context.Context, creds broker.Credentials) ([]model.Position, error) {
	return nil, nil
}

func (f *fakeAdapter) Holdings(ctx context.Context, creds broker.Credentials) ([]model.Holding, error) {
	return nil, nil
}

func (f *fakeAdapter) calls() (status, profile int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.profileCalls
}

type testEnv struct {
	conns    *repository.MemoryConnectionRepo
	orders   *repository.MemoryOrderRepo
	users    *repository.MemoryUserRepo
	vault    *vault.Vault
	registry *broker.Registry
	adapter  *fakeAdapter
	connSvc  *ConnectionService
	poller   *Poller
	diag     *DiagnosticsService
	audit    *AuditService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	v, err := vault.New("test-key-material")
	if err != nil {
		t.Fatalf("vault init: %v", err)
	}

	cfg := &config.Config{}
	cfg.Brokers.QPS = 1000
	cfg.Brokers.Burst = 1000

	conns := repository.NewMemoryConnectionRepo()
	orders := repository.NewMemoryOrderRepo(conns)
	users := repository.NewMemoryUserRepo()

	adapter := &fakeAdapter{name: model.BrokerZerodha}
	registry := broker.NewRegistry(adapter)
	sessions := manager.NewSessionManager(cfg)

	audit, err := NewAuditService(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("audit init: %v", err)
	}
	t.Cleanup(audit.Close)

	connSvc := NewConnectionService(conns, orders, v, registry, sessions, audit, cfg)
	poller := NewPoller(orders, connSvc, audit, cfg)
	// Tight timings so tests run in milliseconds.
	poller.interval = 10 * time.Millisecond
	poller.backoffBase = 5 * time.Millisecond
	poller.backoffMax = 20 * time.Millisecond
	poller.maxAttempts = 3
	poller.shutdownTO = time.Second
	connSvc.AttachPoller(poller)

	diag := NewDiagnosticsService(conns, users, v, connSvc, 30*time.Minute)

	return &testEnv{
		conns:    conns,
		orders:   orders,
		users:    users,
		vault:    v,
		registry: registry,
		adapter:  adapter,
		connSvc:  connSvc,
		poller:   poller,
		diag:     diag,
		audit:    audit,
	}
}

// seedConnection stores an authenticated zerodha connection for userID.
func (e *testEnv) seedConnection(t *testing.T, userID string) *model.BrokerConnection {
	t.Helper()
	ctx := context.Background()

	keyEnc, _ := e.vault.Encrypt("api-key")
	secretEnc, _ := e.vault.Encrypt("api-secret")
	tokenEnc, _ := e.vault.Encrypt("access-token")

	now := time.Now().UTC()
	conn := &model.BrokerConnection{
		ID:              "conn-" + userID,
		UserID:          userID,
		Broker:          model.BrokerZerodha,
		Label:           "test account",
		APIKeyEnc:       keyEnc,
		APISecretEnc:    secretEnc,
		AccessTokenEnc:  tokenEnc,
		IsActive:        true,
		IsAuthenticated: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.conns.Create(ctx, conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	_ = e.users.Create(ctx, &model.User{ID: userID, Email: userID + "@test", APIKey: "k-" + userID, CreatedAt: now})
	return conn
}

func (e *testEnv) seedOrder(t *testing.T, connID, orderID string) *model.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &model.Order{
		ID:            orderID,
		ConnectionID:  connID,
		BrokerOrderID: "B-" + orderID,
		Status:        model.OrderOpen,
		Symbol:        "INFY",
		Side:          "BUY",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.orders.Create(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
