// Supportdesk - post-purchase customer support chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/config"
	"github.com/ashureev/supportdesk/internal/events"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/middleware"
	"github.com/ashureev/supportdesk/internal/quickreply"
	"github.com/ashureev/supportdesk/internal/rpc"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/stream"
	"github.com/ashureev/supportdesk/internal/trigger"
	"github.com/ashureev/supportdesk/internal/worker"
)

const replayBufferSize = 100

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	bus := events.NewBus(0)
	if cfg.Redis.Addr != "" {
		relay, err := events.NewRedisRelay(ctx, events.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, bus)
		if err != nil {
			slog.Error("Failed to connect event relay", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := relay.Close(); closeErr != nil {
				slog.Warn("Failed to close event relay", "error", closeErr)
			}
		}()
		bus.SetForwarder(relay)
		go relay.Run(ctx)
		slog.Info("Event relay enabled", "addr", cfg.Redis.Addr, "instance_id", relay.InstanceID())
	}

	mgr := chat.NewManager(repo, bus, chat.Config{
		SessionTTL:          cfg.Chat.SessionTTL,
		DefaultMessageLimit: cfg.Chat.MessageLimitDefault,
		MaxMessageLimit:     cfg.Chat.MessageLimitMax,
		StrictLoadBalancing: cfg.Chat.StrictLoadBalancing,
	})

	replies := quickreply.NewService(repo)
	if cfg.QuickRepliesFile != "" {
		seed, err := quickreply.LoadSeed(cfg.QuickRepliesFile)
		if err != nil {
			slog.Error("Failed to load quick replies", "error", err)
			os.Exit(1)
		}
		if _, err := replies.Seed(ctx, seed); err != nil {
			slog.Error("Failed to seed quick replies", "error", err)
			os.Exit(1)
		}
	}

	hub := stream.NewHub(replayBufferSize)
	go hub.Run(ctx, bus)

	trig := trigger.New(repo, mgr, cfg.Trigger.AllowedStatuses)
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := trigger.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, trig)
		if err != nil {
			slog.Error("Failed to start order consumer", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := consumer.Close(); closeErr != nil {
				slog.Warn("Failed to close order consumer", "error", closeErr)
			}
		}()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("Order consumer stopped", "error", err)
			}
		}()
	}

	// Initialize handlers.
	secret := []byte(cfg.Agent.JWTSecret)
	healthHandler := api.NewHealthHandler(repo)
	chatHandler := api.NewChatHandler(mgr)
	agentHandler := api.NewAgentHandler(mgr, replies)
	wsHandler := stream.NewSocketHandler(mgr, hub.Sockets, cfg.FrontendURL, cfg.IsDevelopment())

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	limiter.StartEviction(ctx, time.Minute)
	perIP := middleware.RateLimit(limiter, identity.IPFromRequest)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(perIP)
		chatHandler.RegisterRoutes(r)
	})

	r.Route("/api/agent", func(r chi.Router) {
		r.Use(identity.AgentMiddleware(secret))
		agentHandler.RegisterRoutes(r)
		r.Get("/stream", hub.Feed.ServeHTTP)
	})

	if cfg.Trigger.Secret != "" {
		r.Route("/api/hooks/orders", trigger.NewHandler(trig, cfg.Trigger.Secret).RegisterRoutes)
	} else {
		slog.Info("Order webhook disabled (TRIGGER_SECRET not set)")
	}

	// WebSocket endpoints.
	r.With(perIP).Get("/ws/chat", wsHandler.ServeCustomer)
	r.With(identity.AgentMiddleware(secret)).Get("/ws/agent/sessions/{sessionID}", wsHandler.ServeAgent)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}
	srv.RegisterOnShutdown(hub.Feed.Close)
	srv.RegisterOnShutdown(hub.Sockets.CloseAll)

	// Start background workers.
	waitWorkers := worker.Start(ctx, mgr, worker.Config{
		ReaperInterval:    cfg.Workers.ReaperInterval,
		DispatchInterval:  cfg.Workers.DispatchInterval,
		HeartbeatTimeout:  cfg.Workers.HeartbeatTimeout,
		ReconcileInterval: cfg.Workers.ReconcileInterval,
	})

	// Start gRPC server.
	grpcServer, grpcHealth := rpc.NewGRPCServer(mgr, secret)
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC", "error", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("gRPC server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcHealth.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	select {
	case <-grpcDone:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	waitWorkers()
	slog.Info("Server stopped successfully")
}
