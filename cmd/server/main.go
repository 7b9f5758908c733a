package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// store is everything the services persist through.
type store interface {
	service.TemplateStore
	service.RequestStore
	service.UserDirectory
	service.NotificationStore
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Msg("Starting Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Initialize storage
	st, ready, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer closeStore()

	// Notification fan-out
	var publisher service.EventPublisher
	if cfg.NATS.Enabled {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer func() { _ = nc.Drain() }()
		publisher = client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log)
		log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS publisher enabled")
	}

	dispatcher := service.NewNotificationDispatcher(st, publisher, service.DispatcherConfig{
		BufferSize: cfg.Notifications.BufferSize,
		Workers:    cfg.Notifications.Workers,
	}, log.Component("notifications"), m)
	dispatcher.Start()
	defer dispatcher.Close()

	// Initialize services
	resolver := service.NewApproverResolver(st, st, log.Component("resolver"))
	templateService := service.NewTemplateService(st, log.Component("templates"))
	requestService := service.NewApprovalRequestService(st, st, resolver, dispatcher, log.Component("requests"), service.WithMetrics(m))
	notificationService := service.NewNotificationService(st, log.Component("notifications"))

	slaMonitor := service.NewSLAMonitor(st, resolver, dispatcher, log.Component("sla"), m, nil)
	if cfg.SLA.Enabled {
		if err := slaMonitor.Start(cfg.SLA.SweepSchedule); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.SLA.SweepSchedule).Msg("Failed to start SLA monitor")
		}
	}

	var oracle auth.PermissionOracle = auth.AllowAllOracle{}
	if len(cfg.Permissions) > 0 {
		oracle = auth.NewRolePermissionOracle(st, cfg.Permissions)
	} else {
		log.Warn().Msg("No permission table configured, every authenticated caller is allowed")
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if !verifier.Verifies() {
		log.Warn().Msg("No JWT secret configured, bearer tokens are trusted without signature checks")
	}

	api := handler.NewAPI(templateService, requestService, notificationService, oracle, log.Component("api"))

	// HTTP server
	httpHandler := handler.NewHTTPHandler(api, verifier, m, log.Component("http"), handler.WithReadiness(ready))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC server
	grpcServer, healthServer := handler.NewGRPCServer(handler.NewGRPCHandler(api, log), verifier, log.Component("grpc"))
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		slaMonitor.Stop(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Server stopped")
}

// openStore returns the configured store, a readiness probe for /health and
// a close function.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store, func() error, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		return memory.New(), nil, func() {}, nil
	}

	dbCfg := cfg.Database.Connection()
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(dbCfg, "up"); err != nil {
			return nil, nil, nil, err
		}
		log.Info().Msg("Database migrations applied")
	}

	db, err := database.New(ctx, dbCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Database connection established")

	ready := func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.Ping(pingCtx)
	}
	return repository.NewStore(db), ready, db.Close, nil
}
