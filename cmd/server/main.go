package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoBrokerHub/brokergate/internal/broker"
	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/handler"
	"github.com/GoBrokerHub/brokergate/internal/manager"
	"github.com/GoBrokerHub/brokergate/internal/middleware"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
	"github.com/GoBrokerHub/brokergate/internal/repository"
	"github.com/GoBrokerHub/brokergate/internal/service"
	"github.com/GoBrokerHub/brokergate/internal/vault"
)

func main() {
	_ = godotenv.Load()
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}
	if !v.SelfTest() {
		log.Fatalf("Vault self-test failed; refusing to start")
	}

	// Persistence: Postgres when a DSN is configured, memory otherwise.
	var (
		connRepo  service.ConnectionStore
		orderRepo service.OrderStore
		userRepo  userStore
		auditRepo service.AuditStore
	)
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		logger.Info("connected to PostgreSQL")
		connRepo = repository.NewPostgresConnectionRepo(db)
		orderRepo = repository.NewPostgresOrderRepo(db)
		userRepo = repository.NewPostgresUserRepo(db)
		auditRepo = repository.NewPostgresAuditRepo(db)
	} else {
		logger.Warn("no database DSN configured, using in-memory storage")
		memConns := repository.NewMemoryConnectionRepo()
		connRepo = memConns
		orderRepo = repository.NewMemoryOrderRepo(memConns)
		userRepo = repository.NewMemoryUserRepo()
		auditRepo = repository.NewMemoryAuditRepo(cfg.Redis.AuditListMax)
	}

	// Redis upgrades the idempotency store and, without Postgres, the
	// audit listing window.
	idempotencyStore := middleware.IdempotencyStore(middleware.NewInMemIdempotencyStore())
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory", "error", err)
		} else {
			logger.Info("connected to Redis")
			idempotencyStore = repository.NewRedisIdempotencyStore(redisClient, time.Duration(cfg.Redis.IdempotencyTTLSeconds)*time.Second)
			if cfg.Database.DSN == "" {
				auditRepo = repository.NewRedisAuditRepo(redisClient, cfg.Redis.AuditListKey, cfg.Redis.AuditListMax)
			}
		}
	}

	// Single-user mode: seed a default account when keys are not enforced.
	var defaultUser *model.User
	if !cfg.Auth.RequireAPIKey {
		defaultUser = &model.User{
			ID:        "default",
			Email:     "local@brokergate.dev",
			APIKey:    cfg.Auth.APIKey,
			CreatedAt: time.Now().UTC(),
		}
		if defaultUser.APIKey == "" {
			defaultUser.APIKey = uuid.New().String()
		}
		if err := userRepo.Create(context.Background(), defaultUser); err != nil {
			logger.Warn("default user seeding failed", "error", err)
		}
	}

	auditSvc, err := service.NewAuditService(cfg.Audit.Dir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	sessions := manager.NewSessionManager(cfg)
	registry := broker.NewRegistry(
		broker.NewZerodhaAdapter(sessions),
		broker.NewAngelOneAdapter(sessions, cfg.Brokers.AngelOneBaseURL),
		broker.NewUpstoxAdapter(sessions, cfg.Brokers.UpstoxBaseURL),
		broker.NewAlpacaAdapter(sessions, cfg.Brokers.AlpacaBaseURL),
	)

	connSvc := service.NewConnectionService(connRepo, orderRepo, v, registry, sessions, auditSvc, cfg)
	poller := service.NewPoller(orderRepo, connSvc, auditSvc, cfg)
	connSvc.AttachPoller(poller)
	diagSvc := service.NewDiagnosticsService(connRepo, userRepo, v, connSvc, cfg.Diagnostics.ExpiryWarning())

	connHandler := handler.NewConnectionHandler(connSvc)
	orderHandler := handler.NewOrderHandler(connSvc)
	diagHandler := handler.NewDiagnosticsHandler(diagSvc)
	adminHandler := handler.NewAdminHandler(poller, auditSvc)

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware(auditSvc))
	r.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "brokergate"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, userRepo, defaultUser))
	v1.Use(middleware.RateLimitMiddleware(cfg))
	v1.Use(middleware.IdempotencyMiddleware(idempotencyStore))
	{
		v1.POST("/connections", connHandler.Create)
		v1.GET("/connections", connHandler.List)
		v1.GET("/connections/:id", connHandler.Get)
		v1.DELETE("/connections/:id", connHandler.Delete)
		v1.POST("/connections/:id/auth", connHandler.CompleteAuth)
		v1.GET("/connections/:id/profile", connHandler.Profile)
		v1.GET("/connections/:id/positions", connHandler.Positions)
		v1.GET("/connections/:id/holdings", connHandler.Holdings)
		v1.GET("/connections/:id/diagnostics", diagHandler.Diagnose)
		v1.GET("/connections/:id/health", diagHandler.QuickHealth)
		v1.GET("/diagnostics", diagHandler.DiagnoseAll)

		v1.POST("/orders", orderHandler.Record)
		v1.GET("/orders", orderHandler.List)
		v1.GET("/orders/:id", orderHandler.Get)

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminMiddleware(cfg))
		{
			admin.POST("/polling/start", adminHandler.StartPolling)
			admin.POST("/polling/stop", adminHandler.StopPolling)
			admin.GET("/polling", adminHandler.PollingStatus)
			admin.POST("/polling/orders/:id/start", adminHandler.StartOrder)
			admin.POST("/polling/orders/:id/stop", adminHandler.StopOrder)
			admin.GET("/audit", adminHandler.ListAudit)
		}
	}

	// Seed polling before the listener accepts external triggers.
	if err := poller.StartPollingForOpenOrders(context.Background()); err != nil {
		log.Fatalf("Failed to seed polling for open orders: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("brokergate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	// Drain polling to completion before the process exits. The audit
	// trail closes last so in-flight requests can still log.
	poller.StopAll()
	connSvc.StopStreams()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	auditSvc.Close()
	logger.Info("server exiting")
}

// userStore is the union of what auth, seeding and diagnostics need from
// the user repository.
type userStore interface {
	middleware.UserSource
	Create(ctx context.Context, u *model.User) error
	Exists(ctx context.Context, id string) (bool, error)
}
