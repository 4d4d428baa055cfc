package service

import (
	"context"
	"testing"

	"github.com/GoBrokerHub/brokergate/internal/broker"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
)

func TestCreateConnectionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.connSvc.Create(ctx, "u1", model.CreateConnectionRequest{
		Broker: "robinhood", Label: "x", APIKey: "k", APISecret: "s",
	})
	if !apperrors.Is(err, apperrors.ErrUnsupportedBroker) {
		t.Fatalf("unknown broker: got %v, want unsupported broker", err)
	}

	_, err = env.connSvc.Create(ctx, "u1", model.CreateConnectionRequest{
		Broker: "zerodha", Label: "x", APIKey: "k",
	})
	if !apperrors.Is(err, apperrors.ErrCredentialMissing) {
		t.Fatalf("missing secret: got %v, want credential missing", err)
	}

	// Angel One logs in without an API secret.
	conn, err := env.connSvc.Create(ctx, "u1", model.CreateConnectionRequest{
		Broker: "angelone", Label: "angel", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conn.IsAuthenticated {
		t.Fatal("new connection must start unauthenticated")
	}
	if conn.APIKeyEnc == "k" {
		t.Fatal("API key stored as plaintext")
	}
}

func TestCompleteAuthStoresEncryptedToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conn, err := env.connSvc.Create(ctx, "u1", model.CreateConnectionRequest{
		Broker: "zerodha", Label: "kite", APIKey: "k", APISecret: "s",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.adapter.authFn = func() (broker.Session, error) {
		return broker.Session{AccessToken: "fresh-token"}, nil
	}
	authed, err := env.connSvc.CompleteAuth(ctx, "u1", conn.ID, model.CompleteAuthRequest{RequestToken: "rt"})
	if err != nil {
		t.Fatalf("CompleteAuth: %v", err)
	}
	if !authed.IsAuthenticated {
		t.Fatal("connection not marked authenticated")
	}
	if authed.AccessTokenEnc == "fresh-token" {
		t.Fatal("access token stored as plaintext")
	}

	token, err := env.vault.Decrypt(authed.AccessTokenEnc)
	if err != nil || token != "fresh-token" {
		t.Fatalf("token round-trip: %q, %v", token, err)
	}
}

func TestCompleteAuthRejectsForeignConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")

	_, err := env.connSvc.CompleteAuth(context.Background(), "u2", conn.ID, model.CompleteAuthRequest{RequestToken: "rt"})
	if !apperrors.Is(err, apperrors.ErrConnectionNotFound) {
		t.Fatalf("foreign CompleteAuth: got %v, want connection not found", err)
	}
}

func TestRecordOrderStartsPolling(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")

	order, err := env.connSvc.RecordOrder(context.Background(), "u1", model.RecordOrderRequest{
		ConnectionID:  conn.ID,
		BrokerOrderID: "B123",
		Symbol:        "INFY",
		Side:          "BUY",
		Quantity:      "10",
		Price:         "1500.50",
	})
	if err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	if order.Status != model.OrderOpen {
		t.Fatalf("status = %s, want OPEN", order.Status)
	}
	if !env.poller.IsPolling(order.ID) {
		t.Fatal("polling not started for recorded order")
	}
	env.poller.StopAll()
}

func TestDisconnectStopsPollingAndDeletes(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")

	order, err := env.connSvc.RecordOrder(context.Background(), "u1", model.RecordOrderRequest{
		ConnectionID:  conn.ID,
		BrokerOrderID: "B123",
	})
	if err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}

	if err := env.connSvc.Disconnect(context.Background(), "u1", conn.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if env.poller.IsPolling(order.ID) {
		t.Fatal("polling still running after disconnect")
	}
	if _, err := env.connSvc.Get(context.Background(), "u1", conn.ID); !apperrors.Is(err, apperrors.ErrConnectionNotFound) {
		t.Fatalf("Get after disconnect: got %v, want connection not found", err)
	}
}

func TestProfileMarksUnauthenticatedOnAuthExpiry(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")

	env.adapter.profileFn = func() (*model.Profile, error) {
		return nil, apperrors.NewBrokerAPIError(string(model.BrokerZerodha), "profile", apperrors.BrokerAuthExpired, "token rejected", nil)
	}

	_, err := env.connSvc.Profile(context.Background(), "u1", conn.ID)
	if !apperrors.Is(err, apperrors.ErrTokenExpired) {
		t.Fatalf("Profile: got %v, want token expired", err)
	}

	got, _ := env.conns.GetByID(context.Background(), conn.ID)
	if got.IsAuthenticated {
		t.Fatal("connection still authenticated after broker rejected token")
	}
}
