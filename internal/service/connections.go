package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoBrokerHub/brokergate/internal/broker"
	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
	"github.com/GoBrokerHub/brokergate/internal/repository"
	"github.com/GoBrokerHub/brokergate/internal/vault"
)

// ConnectionService owns the broker connection lifecycle: linking,
// authentication, credential handling, account data passthrough and
// order registration. Plaintext secrets exist only inside a call frame.
type ConnectionService struct {
	conns    ConnectionStore
	orders   OrderStore
	vault    *vault.Vault
	registry *broker.Registry
	sessions *manager.SessionManager
	audit    *AuditService
	cfg      *config.Config

	poller *Poller

	streamMu sync.Mutex
	streams  map[string]*broker.AlpacaTradeStream
}

func NewConnectionService(
	conns ConnectionStore,
	orders OrderStore,
	v *vault.Vault,
	registry *broker.Registry,
	sessions *manager.SessionManager,
	audit *AuditService,
	cfg *config.Config,
) *ConnectionService {
	return &ConnectionService{
		conns:    conns,
		orders:   orders,
		vault:    v,
		registry: registry,
		sessions: sessions,
		audit:    audit,
		cfg:      cfg,
		streams:  make(map[string]*broker.AlpacaTradeStream),
	}
}

// AttachPoller wires the scheduler in after construction; the poller and
// this service reference each other.
func (s *ConnectionService) AttachPoller(p *Poller) {
	s.poller = p
}

// Create links a new brokerage account. The connection starts active but
// unauthenticated; CompleteAuth runs the broker's login flow.
func (s *ConnectionService) Create(ctx context.Context, userID string, req model.CreateConnectionRequest) (*model.BrokerConnection, error) {
	b, err := model.ParseBroker(req.Broker)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUnsupportedBroker, err.Error(), nil)
	}
	if req.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrCredentialMissing, "api_key is required", nil)
	}
	if b.RequiresAPISecret() && req.APISecret == "" {
		return nil, apperrors.New(apperrors.ErrCredentialMissing, "api_secret is required for "+string(b), nil)
	}

	keyEnc, err := s.vault.Encrypt(req.APIKey)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "encrypt api key", err)
	}
	var secretEnc string
	if req.APISecret != "" {
		secretEnc, err = s.vault.Encrypt(req.APISecret)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "encrypt api secret", err)
		}
	}

	now := time.Now().UTC()
	conn := &model.BrokerConnection{
		ID:              uuid.New().String(),
		UserID:          userID,
		Broker:          b,
		Label:           req.Label,
		APIKeyEnc:       keyEnc,
		APISecretEnc:    secretEnc,
		IsActive:        true,
		IsAuthenticated: false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.conns.Create(ctx, conn); err != nil {
		return nil, apperrors.New(apperrors.ErrPersistence, "store connection", err)
	}

	s.audit.Event(model.AuditConnectionCreated, userID, conn.ID, "", map[string]interface{}{
		"broker": string(b),
		"label":  req.Label,
	})
	logger.Info("connection created", "connection_id", conn.ID, "broker", b, "user_id", userID)
	return conn, nil
}

// CompleteAuth finishes the broker-specific login flow and stores the
// resulting session token.
func (s *ConnectionService) CompleteAuth(ctx context.Context, userID, connID string, req model.CompleteAuthRequest) (*model.BrokerConnection, error) {
	conn, err := s.getOwned(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "connection is inactive", nil)
	}

	adapter, err := s.registry.Resolve(conn.Broker)
	if err != nil {
		return nil, err
	}
	creds, err := s.CredentialsFor(conn)
	if err != nil {
		return nil, err
	}

	session, err := adapter.Authenticate(ctx, creds, broker.AuthInput{
		RequestToken: req.RequestToken,
		AuthCode:     req.AuthCode,
		RedirectURI:  req.RedirectURI,
		ClientCode:   req.ClientCode,
		Password:     req.Password,
		TOTPSecret:   req.TOTPSecret,
	})
	if err != nil {
		if apperrors.IsBrokerError(err) {
			return nil, apperrors.New(apperrors.ErrAuthFailed, "broker login failed", err)
		}
		return nil, err
	}

	tokenEnc, err := s.vault.Encrypt(session.AccessToken)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "encrypt access token", err)
	}
	conn.AccessTokenEnc = tokenEnc
	conn.IsAuthenticated = true
	conn.AccessTokenExpiresAt = nil
	if session.ExpiresAt != nil {
		exp := session.ExpiresAt.Unix()
		conn.AccessTokenExpiresAt = &exp
	}
	if err := s.conns.Update(ctx, conn); err != nil {
		return nil, s.storeErr(err)
	}

	// Any client cached under the old token is stale now.
	s.sessions.Evict(creds.APIKey)

	s.audit.Event(model.AuditConnectionAuthed, userID, conn.ID, "", map[string]interface{}{
		"broker": string(conn.Broker),
	})
	logger.Info("connection authenticated", "connection_id", conn.ID, "broker", conn.Broker)

	s.maybeStartStream(conn, creds)
	return conn, nil
}

// Get returns one of the caller's connections.
func (s *ConnectionService) Get(ctx context.Context, userID, connID string) (*model.BrokerConnection, error) {
	return s.getOwned(ctx, userID, connID)
}

// List returns all of the caller's connections.
func (s *ConnectionService) List(ctx context.Context, userID string) ([]*model.BrokerConnection, error) {
	conns, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrPersistence, "list connections", err)
	}
	return conns, nil
}

// Profile fetches the live account profile from the broker.
func (s *ConnectionService) Profile(ctx context.Context, userID, connID string) (*model.Profile, error) {
	conn, adapter, creds, err := s.resolveAuthed(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	profile, err := adapter.Profile(ctx, creds)
	if err != nil {
		return nil, s.brokerErr(ctx, conn, err)
	}
	return profile, nil
}

// Positions fetches the live open positions from the broker.
func (s *ConnectionService) Positions(ctx context.Context, userID, connID string) ([]model.Position, error) {
	conn, adapter, creds, err := s.resolveAuthed(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	positions, err := adapter.Positions(ctx, creds)
	if err != nil {
		return nil, s.brokerErr(ctx, conn, err)
	}
	return positions, nil
}

// Holdings fetches the live holdings from the broker.
func (s *ConnectionService) Holdings(ctx context.Context, userID, connID string) ([]model.Holding, error) {
	conn, adapter, creds, err := s.resolveAuthed(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	holdings, err := adapter.Holdings(ctx, creds)
	if err != nil {
		return nil, s.brokerErr(ctx, conn, err)
	}
	return holdings, nil
}

// Disconnect stops all polling for the connection's orders, tears down
// any stream, and removes the connection and its stored secrets.
func (s *ConnectionService) Disconnect(ctx context.Context, userID, connID string) error {
	conn, err := s.getOwned(ctx, userID, connID)
	if err != nil {
		return err
	}

	if s.poller != nil {
		orders, err := s.orders.ListByConnection(ctx, connID)
		if err == nil {
			for _, o := range orders {
				s.poller.Stop(o.ID)
			}
		}
	}
	s.stopStream(connID)

	if creds, err := s.CredentialsFor(conn); err == nil {
		s.sessions.Evict(creds.APIKey)
	}
	if err := s.conns.Delete(ctx, connID); err != nil {
		return apperrors.New(apperrors.ErrPersistence, "delete connection", err)
	}

	s.audit.Event(model.AuditConnectionRemoved, userID, connID, "", map[string]interface{}{
		"broker": string(conn.Broker),
	})
	logger.Info("connection removed", "connection_id", connID, "broker", conn.Broker)
	return nil
}

// MarkUnauthenticated flips the auth flag after a broker rejected the
// token. Safe to call from poll goroutines; last write wins.
func (s *ConnectionService) MarkUnauthenticated(ctx context.Context, connID string) {
	conn, err := s.conns.GetByID(ctx, connID)
	if err != nil {
		return
	}
	if !conn.IsAuthenticated {
		return
	}
	conn.IsAuthenticated = false
	if err := s.conns.Update(ctx, conn); err != nil {
		logger.Error("failed to mark connection unauthenticated", "connection_id", connID, "error", err)
		return
	}
	metrics.AuthExpirations.WithLabelValues(string(conn.Broker)).Inc()
	s.audit.Event(model.AuditAuthExpired, conn.UserID, connID, "", nil)
	logger.Warn("connection token rejected by broker", "connection_id", connID, "broker", conn.Broker)
}

// RecordOrder registers a broker-assigned order for tracking and starts
// its polling task.
func (s *ConnectionService) RecordOrder(ctx context.Context, userID string, req model.RecordOrderRequest) (*model.Order, error) {
	conn, err := s.getOwned(ctx, userID, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "connection is inactive", nil)
	}
	if req.BrokerOrderID == "" {
		return nil, apperrors.NewInvalidRequest("broker_order_id is required")
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:            uuid.New().String(),
		ConnectionID:  conn.ID,
		BrokerOrderID: req.BrokerOrderID,
		Status:        model.OrderOpen,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      parseDecimal(req.Quantity),
		Price:         parseDecimal(req.Price),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, apperrors.New(apperrors.ErrPersistence, "store order", err)
	}

	if s.poller != nil {
		if err := s.poller.Start(order.ID); err != nil {
			logger.Warn("polling not started for new order", "order_id", order.ID, "error", err)
		}
	}
	logger.Info("order recorded", "order_id", order.ID, "connection_id", conn.ID, "broker_order_id", req.BrokerOrderID)
	return order, nil
}

// GetOrder returns one of the caller's orders.
func (s *ConnectionService) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if _, err := s.getOwned(ctx, userID, order.ConnectionID); err != nil {
		return nil, apperrors.New(apperrors.ErrOrderNotFound, "order not found", nil)
	}
	return order, nil
}

// ListOrders returns all orders across the caller's connections.
func (s *ConnectionService) ListOrders(ctx context.Context, userID string) ([]*model.Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrPersistence, "list orders", err)
	}
	return orders, nil
}

// CredentialsFor decrypts the connection's stored secrets. A missing API
// key is a hard error; secret and token may legitimately be absent.
func (s *ConnectionService) CredentialsFor(conn *model.BrokerConnection) (broker.Credentials, error) {
	var creds broker.Credentials

	if conn.APIKeyEnc == "" {
		return creds, apperrors.New(apperrors.ErrCredentialMissing, "connection has no stored API key", nil)
	}
	apiKey, err := s.vault.Decrypt(conn.APIKeyEnc)
	if err != nil {
		return creds, err
	}
	creds.APIKey = apiKey

	if conn.APISecretEnc != "" {
		secret, err := s.vault.Decrypt(conn.APISecretEnc)
		if err != nil {
			return creds, err
		}
		creds.APISecret = secret
	}
	if conn.AccessTokenEnc != "" {
		token, err := s.vault.Decrypt(conn.AccessTokenEnc)
		if err != nil {
			return creds, err
		}
		creds.AccessToken = token
	}
	return creds, nil
}

// resolveAuthed loads an owned connection and prepares everything an
// account data call needs.
func (s *ConnectionService) resolveAuthed(ctx context.Context, userID, connID string) (*model.BrokerConnection, broker.Adapter, broker.Credentials, error) {
	conn, err := s.getOwned(ctx, userID, connID)
	if err != nil {
		return nil, nil, broker.Credentials{}, err
	}
	if !conn.IsActive {
		return nil, nil, broker.Credentials{}, apperrors.New(apperrors.ErrInvalidRequest, "connection is inactive", nil)
	}
	if !conn.IsAuthenticated {
		return nil, nil, broker.Credentials{}, apperrors.New(apperrors.ErrAuthFailed, "connection is not authenticated", nil)
	}
	if conn.TokenExpired(time.Now()) {
		return nil, nil, broker.Credentials{}, apperrors.New(apperrors.ErrTokenExpired, "access token has expired", nil)
	}
	adapter, err := s.registry.Resolve(conn.Broker)
	if err != nil {
		return nil, nil, broker.Credentials{}, err
	}
	creds, err := s.CredentialsFor(conn)
	if err != nil {
		return nil, nil, broker.Credentials{}, err
	}
	return conn, adapter, creds, nil
}

// brokerErr translates an adapter failure and reacts to expired auth.
func (s *ConnectionService) brokerErr(ctx context.Context, conn *model.BrokerConnection, err error) error {
	if apperrors.BrokerKind(err) == apperrors.BrokerAuthExpired {
		s.MarkUnauthenticated(ctx, conn.ID)
		return apperrors.New(apperrors.ErrTokenExpired, "broker rejected the access token", err)
	}
	return apperrors.New(apperrors.ErrBrokerAPI, "broker call failed", err)
}

func (s *ConnectionService) getOwned(ctx context.Context, userID, connID string) (*model.BrokerConnection, error) {
	conn, err := s.conns.GetByID(ctx, connID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if conn.UserID != userID {
		// Do not leak other users' connection ids.
		return nil, apperrors.New(apperrors.ErrConnectionNotFound, "connection not found", nil)
	}
	return conn, nil
}

func (s *ConnectionService) storeErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrConnectionNotFound):
		return apperrors.New(apperrors.ErrConnectionNotFound, "connection not found", nil)
	case errors.Is(err, repository.ErrOrderNotFound):
		return apperrors.New(apperrors.ErrOrderNotFound, "order not found", nil)
	default:
		return apperrors.New(apperrors.ErrPersistence, "storage failure", err)
	}
}

// maybeStartStream launches the Alpaca trade update stream for a freshly
// authenticated connection when streaming is enabled.
func (s *ConnectionService) maybeStartStream(conn *model.BrokerConnection, creds broker.Credentials) {
	if conn.Broker != model.BrokerAlpaca || !s.cfg.Brokers.AlpacaStream {
		return
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if old, ok := s.streams[conn.ID]; ok {
		old.Stop()
	}
	stream := broker.NewAlpacaTradeStream(s.cfg.Brokers.AlpacaStreamURL, creds.APIKey, creds.APISecret, s.handleStreamUpdate)
	s.streams[conn.ID] = stream
	stream.Start()
	logger.Info("trade stream started", "connection_id", conn.ID)
}

func (s *ConnectionService) stopStream(connID string) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if stream, ok := s.streams[connID]; ok {
		stream.Stop()
		delete(s.streams, connID)
	}
}

// StopStreams tears down every trade stream. Called during shutdown.
func (s *ConnectionService) StopStreams() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	for id, stream := range s.streams {
		stream.Stop()
		delete(s.streams, id)
	}
}

// handleStreamUpdate applies a pushed status change ahead of the next
// poll tick. Polling remains authoritative; this only shortens latency.
func (s *ConnectionService) handleStreamUpdate(brokerOrderID string, status model.OrderStatus) {
	ctx := context.Background()
	open, err := s.orders.ListOpen(ctx)
	if err != nil {
		return
	}
	for _, o := range open {
		if o.BrokerOrderID != brokerOrderID {
			continue
		}
		if status == o.Status {
			return
		}
		if err := s.orders.UpdateStatus(ctx, o.ID, status, time.Now().UTC()); err != nil {
			if !errors.Is(err, repository.ErrOrderTerminal) {
				logger.Error("stream status update failed", "order_id", o.ID, "error", err)
			}
			return
		}
		logger.Info("order status updated from stream", "order_id", o.ID, "status", status)
		if status.IsTerminal() && s.poller != nil {
			s.poller.Stop(o.ID)
		}
		return
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
