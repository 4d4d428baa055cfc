package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
	"github.com/GoBrokerHub/brokergate/internal/repository"
	"github.com/GoBrokerHub/brokergate/internal/vault"
)

// UserStore is the slice of the user repository diagnostics relies on.
type UserStore interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// DiagnosticsService runs the fixed check battery against connections.
// It converts every failure into report content and never raises; a
// report always comes back, whatever state the connection is in.
type DiagnosticsService struct {
	conns   ConnectionStore
	users   UserStore
	vault   *vault.Vault
	connSvc *ConnectionService
	expWarn time.Duration
}

func NewDiagnosticsService(conns ConnectionStore, users UserStore, v *vault.Vault, connSvc *ConnectionService, expiryWarning time.Duration) *DiagnosticsService {
	if expiryWarning <= 0 {
		expiryWarning = 30 * time.Minute
	}
	return &DiagnosticsService{
		conns:   conns,
		users:   users,
		vault:   v,
		connSvc: connSvc,
		expWarn: expiryWarning,
	}
}

// DiagnoseConnection runs the ordered checks:
//
//	1. vault self-test
//	2. connection exists for this user (short-circuits everything else)
//	3. is_active flag
//	4. API key present and decryptable
//	5. token present, decryptable, not expired / near expiry
//	6. live profile probe, only when checks 2-5 raised no issue
//	7. owning user still exists
//
// Checks independent of earlier failures still run; only the live probe
// is gated, so known-bad credentials never hit an external API.
func (s *DiagnosticsService) DiagnoseConnection(ctx context.Context, userID, connID string) *model.DiagnosticsReport {
	report := &model.DiagnosticsReport{
		ConnectionID: connID,
		Issues:       []string{},
		Warnings:     []string{},
		CheckedAt:    time.Now().UTC(),
	}
	defer s.finish(report)

	// 1. Vault self-test.
	if !s.vault.SelfTest() {
		report.Issues = append(report.Issues, "vault self-test failed: encryption key is unusable")
	}

	// 2. Connection exists for this user.
	conn, err := s.conns.GetByID(ctx, connID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			report.Issues = append(report.Issues, "connection not found")
		} else {
			report.Issues = append(report.Issues, fmt.Sprintf("connection lookup failed: %v", err))
		}
		return report
	}
	if conn.UserID != userID {
		report.Issues = append(report.Issues, "connection not found")
		return report
	}
	report.Broker = conn.Broker
	report.Label = conn.Label

	blockingBefore := len(report.Issues)

	// 3. Active flag.
	if !conn.IsActive {
		report.Issues = append(report.Issues, "connection is inactive")
	}

	// 4. API key.
	if conn.APIKeyEnc == "" {
		report.Issues = append(report.Issues, "no API key stored")
	} else if _, err := s.vault.Decrypt(conn.APIKeyEnc); err != nil {
		report.Issues = append(report.Issues, "stored API key cannot be decrypted")
	}
	if conn.Broker.RequiresAPISecret() && conn.APISecretEnc == "" {
		report.Warnings = append(report.Warnings, "no API secret stored; re-authentication will fail")
	}

	// 5. Access token.
	now := time.Now()
	switch {
	case conn.AccessTokenEnc == "":
		report.Issues = append(report.Issues, "not authenticated: no access token")
	default:
		if _, err := s.vault.Decrypt(conn.AccessTokenEnc); err != nil {
			report.Issues = append(report.Issues, "stored access token cannot be decrypted")
		} else if conn.TokenExpired(now) {
			report.Issues = append(report.Issues, "access token has expired")
		} else if conn.TokenExpiresWithin(now, s.expWarn) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("access token expires within %s", s.expWarn))
		}
	}

	// 6. Live probe, only with clean credentials.
	if len(report.Issues) == blockingBefore {
		if _, err := s.connSvc.Profile(ctx, userID, connID); err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("broker reachability probe failed: %v", err))
		}
	}

	// 7. Owner referential check.
	if exists, err := s.users.Exists(ctx, conn.UserID); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("owner lookup failed: %v", err))
	} else if !exists {
		report.Issues = append(report.Issues, "owning user no longer exists")
	}

	return report
}

// DiagnoseAll runs the pipeline for each of the user's connections. One
// connection's failure, including a panic, never aborts the batch.
func (s *DiagnosticsService) DiagnoseAll(ctx context.Context, userID string) []*model.DiagnosticsReport {
	conns, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		logger.Error("diagnostics batch list failed", "user_id", userID, "error", err)
		return []*model.DiagnosticsReport{}
	}

	reports := make([]*model.DiagnosticsReport, 0, len(conns))
	for _, conn := range conns {
		reports = append(reports, s.diagnoseIsolated(ctx, userID, conn.ID))
	}
	return reports
}

func (s *DiagnosticsService) diagnoseIsolated(ctx context.Context, userID, connID string) (report *model.DiagnosticsReport) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("diagnostics pipeline panicked", "connection_id", connID, "panic", r)
			report = &model.DiagnosticsReport{
				ConnectionID: connID,
				Status:       model.DiagnosticsError,
				Issues:       []string{fmt.Sprintf("diagnostics failed: %v", r)},
				Warnings:     []string{},
				CheckedAt:    time.Now().UTC(),
			}
			metrics.DiagnosticsRuns.WithLabelValues(string(model.DiagnosticsError)).Inc()
		}
	}()
	return s.DiagnoseConnection(ctx, userID, connID)
}

// QuickHealthCheck is the cheap variant: local state only, no live probe.
func (s *DiagnosticsService) QuickHealthCheck(ctx context.Context, userID, connID string) model.HealthState {
	conn, err := s.conns.GetByID(ctx, connID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return model.HealthNotFound
		}
		return model.HealthError
	}
	if conn.UserID != userID {
		return model.HealthNotFound
	}
	if !conn.IsActive {
		return model.HealthInactive
	}
	if conn.AccessTokenEnc == "" || !conn.IsAuthenticated {
		if conn.AccessTokenEnc != "" && conn.TokenExpired(time.Now()) {
			return model.HealthTokenExpired
		}
		return model.HealthNeedsAuth
	}
	if conn.TokenExpired(time.Now()) {
		return model.HealthTokenExpired
	}
	return model.HealthHealthy
}

// finish computes the verdict and records the run.
func (s *DiagnosticsService) finish(report *model.DiagnosticsReport) {
	switch {
	case len(report.Issues) > 0:
		report.Status = model.DiagnosticsError
	case len(report.Warnings) > 0:
		report.Status = model.DiagnosticsWarning
	default:
		report.Status = model.DiagnosticsHealthy
	}
	metrics.DiagnosticsRuns.WithLabelValues(string(report.Status)).Inc()
}
