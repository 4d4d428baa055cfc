package service

import (
	"context"
	"testing"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
)

func TestDiagnoseHealthyConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")

	report := env.diag.DiagnoseConnection(context.Background(), "u1", conn.ID)
	if report.Status != model.DiagnosticsHealthy {
		t.Fatalf("status = %s (issues=%v warnings=%v), want healthy", report.Status, report.Issues, report.Warnings)
	}
	if _, profiles := env.adapter.calls(); profiles != 1 {
		t.Fatalf("live probe ran %d times, want 1", profiles)
	}
}

func TestDiagnoseMissingAPIKeySkipsLiveProbe(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	conn.APIKeyEnc = ""
	if err := env.conns.Update(context.Background(), conn); err != nil {
		t.Fatalf("Update: %v", err)
	}

	report := env.diag.DiagnoseConnection(context.Background(), "u1", conn.ID)
	if report.Status != model.DiagnosticsError {
		t.Fatalf("status = %s, want error", report.Status)
	}
	if len(report.Issues) == 0 {
		t.Fatal("missing API key produced no issue")
	}
	if _, profiles := env.adapter.calls(); profiles != 0 {
		t.Fatalf("live probe ran %d times with known-bad credentials, want 0", profiles)
	}
}

func TestDiagnoseUnknownConnectionShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	report := env.diag.DiagnoseConnection(context.Background(), "u1", "nope")
	if report.Status != model.DiagnosticsError {
		t.Fatalf("status = %s, want error", report.Status)
	}
	if _, profiles := env.adapter.calls(); profiles != 0 {
		t.Fatal("live probe ran for a missing connection")
	}
}

func TestDiagnoseExpiredTokenIsIssue(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	exp := time.Now().Add(-10 * time.Second).Unix()
	conn.AccessTokenExpiresAt = &exp
	if err := env.conns.Update(context.Background(), conn); err != nil {
		t.Fatalf("Update: %v", err)
	}

	report := env.diag.DiagnoseConnection(context.Background(), "u1", conn.ID)
	if report.Status != model.DiagnosticsError {
		t.Fatalf("status = %s, want error", report.Status)
	}
}

func TestDiagnoseNearExpiryIsWarning(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	exp := time.Now().Add(5 * time.Minute).Unix()
	conn.AccessTokenExpiresAt = &exp
	if err := env.conns.Update(context.Background(), conn); err != nil {
		t.Fatalf("Update: %v", err)
	}

	report := env.diag.DiagnoseConnection(context.Background(), "u1", conn.ID)
	if report.Status != model.DiagnosticsWarning {
		t.Fatalf("status = %s (issues=%v warnings=%v), want warning", report.Status, report.Issues, report.Warnings)
	}
}

func TestDiagnoseAllIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)

	// Three connections; the adapter panics for the second one's probe.
	c1 := env.seedConnection(t, "u1")
	c2 := *c1
	c2.ID = "conn-2"
	c2.CreatedAt = c1.CreatedAt.Add(time.Second)
	if err := env.conns.Create(context.Background(), &c2); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c3 := *c1
	c3.ID = "conn-3"
	c3.CreatedAt = c1.CreatedAt.Add(2 * time.Second)
	if err := env.conns.Create(context.Background(), &c3); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var count int
	env.adapter.profileFn = func() (*model.Profile, error) {
		count++
		if count == 2 {
			panic("broker SDK exploded")
		}
		return &model.Profile{AccountID: "ACC1", Broker: model.BrokerZerodha}, nil
	}

	reports := env.diag.DiagnoseAll(context.Background(), "u1")
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}
	errors := 0
	for _, r := range reports {
		if r.Status == model.DiagnosticsError {
			errors++
		}
	}
	if errors != 1 {
		t.Fatalf("got %d error reports, want exactly 1", errors)
	}
}

func TestQuickHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.diag.QuickHealthCheck(ctx, "u1", "missing"); got != model.HealthNotFound {
		t.Fatalf("missing connection: got %s, want not_found", got)
	}

	conn := env.seedConnection(t, "u1")

	// Another user's id behaves like a missing connection.
	if got := env.diag.QuickHealthCheck(ctx, "u2", conn.ID); got != model.HealthNotFound {
		t.Fatalf("foreign connection: got %s, want not_found", got)
	}

	if got := env.diag.QuickHealthCheck(ctx, "u1", conn.ID); got != model.HealthHealthy {
		t.Fatalf("authenticated connection: got %s, want healthy", got)
	}

	conn.IsActive = false
	_ = env.conns.Update(ctx, conn)
	if got := env.diag.QuickHealthCheck(ctx, "u1", conn.ID); got != model.HealthInactive {
		t.Fatalf("inactive connection: got %s, want inactive", got)
	}
	conn.IsActive = true

	conn.AccessTokenEnc = ""
	conn.IsAuthenticated = false
	_ = env.conns.Update(ctx, conn)
	if got := env.diag.QuickHealthCheck(ctx, "u1", conn.ID); got != model.HealthNeedsAuth {
		t.Fatalf("no token: got %s, want needs_auth", got)
	}

	tokenEnc, _ := env.vault.Encrypt("T")
	conn.AccessTokenEnc = tokenEnc
	conn.IsAuthenticated = true
	exp := time.Now().Add(-10 * time.Second).Unix()
	conn.AccessTokenExpiresAt = &exp
	_ = env.conns.Update(ctx, conn)
	if got := env.diag.QuickHealthCheck(ctx, "u1", conn.ID); got != model.HealthTokenExpired {
		t.Fatalf("expired token: got %s, want token_expired", got)
	}
}
