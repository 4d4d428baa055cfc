package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GoBrokerHub/brokergate/internal/broker"
	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/middleware"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/repository"
	"github.com/GoBrokerHub/brokergate/internal/service"
	"github.com/GoBrokerHub/brokergate/internal/vault"
)

// stubAdapter never reaches a broker; handler tests only exercise state.
type stubAdapter struct{ name model.Broker }

func (s *stubAdapter) Name() model.Broker { return s.name }
func (s *stubAdapter) Authenticate(ctx context.Context, creds broker.Credentials, input broker.AuthInput) (broker.Session, error) {
	return broker.Session{AccessToken: "stub-token"}, nil
}
func (s *stubAdapter) Profile(ctx context.Context, creds broker.Credentials) (*model.Profile, error) {
	return &model.Profile{AccountID: "ACC1", Broker: s.name}, nil
}
func (s *stubAdapter) OrderStatus(ctx context.Context, creds broker.Credentials, brokerOrderID string) (model.OrderStatus, error) {
	return model.OrderOpen, nil
}
func (s *stubAdapter) Positions(ctx context.Context, creds broker.Credentials) ([]model.Position, error) {
	return nil, nil
}
func (s *stubAdapter) Holdings(ctx context.Context, creds broker.Credentials) ([]model.Holding, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *service.Poller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.RequireAPIKey = false
	cfg.RateLimit.QPS = 1000
	cfg.RateLimit.Burst = 1000

	v, err := vault.New("handler-test-key")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	conns := repository.NewMemoryConnectionRepo()
	orders := repository.NewMemoryOrderRepo(conns)
	users := repository.NewMemoryUserRepo()

	defaultUser := &model.User{ID: "default", Email: "t@test", APIKey: "k", CreatedAt: time.Now().UTC()}
	_ = users.Create(context.Background(), defaultUser)

	audit, err := service.NewAuditService(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(audit.Close)

	sessions := manager.NewSessionManager(cfg)
	registry := broker.NewRegistry(
		&stubAdapter{name: model.BrokerZerodha},
		&stubAdapter{name: model.BrokerAngelOne},
		&stubAdapter{name: model.BrokerUpstox},
		&stubAdapter{name: model.BrokerAlpaca},
	)

	connSvc := service.NewConnectionService(conns, orders, v, registry, sessions, audit, cfg)
	poller := service.NewPoller(orders, connSvc, audit, cfg)
	connSvc.AttachPoller(poller)
	diagSvc := service.NewDiagnosticsService(conns, users, v, connSvc, 30*time.Minute)

	connHandler := NewConnectionHandler(connSvc)
	orderHandler := NewOrderHandler(connSvc)
	diagHandler := NewDiagnosticsHandler(diagSvc)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, users, defaultUser))
	{
		v1.POST("/connections", connHandler.Create)
		v1.GET("/connections", connHandler.List)
		v1.GET("/connections/:id", connHandler.Get)
		v1.DELETE("/connections/:id", connHandler.Delete)
		v1.POST("/connections/:id/auth", connHandler.CompleteAuth)
		v1.GET("/connections/:id/health", diagHandler.QuickHealth)
		v1.GET("/connections/:id/diagnostics", diagHandler.Diagnose)
		v1.POST("/orders", orderHandler.Record)
		v1.GET("/orders", orderHandler.List)
	}
	return r, poller
}

func doJSON(r *gin.Engine, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestConnectionLifecycleOverHTTP(t *testing.T) {
	r, poller := newTestRouter(t)
	defer poller.StopAll()

	// Create.
	rec := doJSON(r, http.MethodPost, "/v1/connections", map[string]string{
		"broker":     "zerodha",
		"label":      "kite main",
		"api_key":    "k",
		"api_secret": "s",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", rec.Code, rec.Body.String())
	}
	var created model.BrokerConnection
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("create response: %v", err)
	}
	if created.ID == "" || created.IsAuthenticated {
		t.Fatalf("unexpected created connection: %+v", created)
	}

	// Unauthenticated connection reads needs_auth.
	rec = doJSON(r, http.MethodGet, "/v1/connections/"+created.ID+"/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
	var health map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if health["state"] != string(model.HealthNeedsAuth) {
		t.Fatalf("health state = %q, want needs_auth", health["state"])
	}

	// Complete auth via the stub adapter.
	rec = doJSON(r, http.MethodPost, "/v1/connections/"+created.ID+"/auth", map[string]string{
		"request_token": "rt",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("auth: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(r, http.MethodGet, "/v1/connections/"+created.ID+"/health", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if health["state"] != string(model.HealthHealthy) {
		t.Fatalf("health state = %q, want healthy", health["state"])
	}

	// Record an order against it.
	rec = doJSON(r, http.MethodPost, "/v1/orders", map[string]string{
		"connection_id":   created.ID,
		"broker_order_id": "B1",
		"symbol":          "INFY",
		"side":            "BUY",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record order: status %d, body %s", rec.Code, rec.Body.String())
	}

	// List.
	rec = doJSON(r, http.MethodGet, "/v1/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var listed []model.BrokerConnection
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 1 {
		t.Fatalf("listed %d connections, want 1", len(listed))
	}

	// Disconnect.
	rec = doJSON(r, http.MethodDelete, "/v1/connections/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect: status %d", rec.Code)
	}
	rec = doJSON(r, http.MethodGet, "/v1/connections/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after disconnect: status %d, want 404", rec.Code)
	}
}

func TestCreateConnectionRejectsUnknownBroker(t *testing.T) {
	r, poller := newTestRouter(t)
	defer poller.StopAll()

	rec := doJSON(r, http.MethodPost, "/v1/connections", map[string]string{
		"broker":     "robinhood",
		"label":      "nope",
		"api_key":    "k",
		"api_secret": "s",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400; body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["code"] != "UNSUPPORTED_BROKER" {
		t.Fatalf("error code = %v, want UNSUPPORTED_BROKER", resp["code"])
	}
}
