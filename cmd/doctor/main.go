// doctor runs the diagnostics pipeline from the command line against the
// configured storage, without going through the HTTP surface. Useful when
// the server itself will not come up.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/GoBrokerHub/brokergate/internal/broker"
	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
	"github.com/GoBrokerHub/brokergate/internal/repository"
	"github.com/GoBrokerHub/brokergate/internal/service"
	"github.com/GoBrokerHub/brokergate/internal/vault"
)

func main() {
	userID := flag.String("user", "default", "user id owning the connections")
	connID := flag.String("connection", "", "diagnose a single connection id")
	quick := flag.Bool("quick", false, "quick health check only (requires -connection)")
	flag.Parse()

	_ = godotenv.Load()
	logger.Init("error")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		log.Fatalf("failed to initialize vault: %v", err)
	}
	fmt.Printf("vault self-test: %v\n", v.SelfTest())

	if cfg.Database.DSN == "" {
		log.Fatal("doctor needs a database DSN; in-memory state is per-process")
	}
	db, err := repository.NewDB(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	connRepo := repository.NewPostgresConnectionRepo(db)
	orderRepo := repository.NewPostgresOrderRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)

	auditSvc, err := service.NewAuditService(cfg.Audit.Dir, nil)
	if err != nil {
		log.Fatalf("failed to initialize audit service: %v", err)
	}
	defer auditSvc.Close()

	sessions := manager.NewSessionManager(cfg)
	registry := broker.NewRegistry(
		broker.NewZerodhaAdapter(sessions),
		broker.NewAngelOneAdapter(sessions, cfg.Brokers.AngelOneBaseURL),
		broker.NewUpstoxAdapter(sessions, cfg.Brokers.UpstoxBaseURL),
		broker.NewAlpacaAdapter(sessions, cfg.Brokers.AlpacaBaseURL),
	)
	connSvc := service.NewConnectionService(connRepo, orderRepo, v, registry, sessions, auditSvc, cfg)
	diagSvc := service.NewDiagnosticsService(connRepo, userRepo, v, connSvc, cfg.Diagnostics.ExpiryWarning())

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch {
	case *quick:
		if *connID == "" {
			log.Fatal("-quick requires -connection")
		}
		fmt.Println(diagSvc.QuickHealthCheck(ctx, *userID, *connID))
	case *connID != "":
		_ = enc.Encode(diagSvc.DiagnoseConnection(ctx, *userID, *connID))
	default:
		_ = enc.Encode(diagSvc.DiagnoseAll(ctx, *userID))
	}
}
