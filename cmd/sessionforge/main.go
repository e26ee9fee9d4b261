package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/SessionForge/internal/adapter/docker"
	sfhttp "github.com/Strob0t/SessionForge/internal/adapter/http"
	sfnats "github.com/Strob0t/SessionForge/internal/adapter/nats"
	"github.com/Strob0t/SessionForge/internal/adapter/natskv"
	otelx "github.com/Strob0t/SessionForge/internal/adapter/otel"
	"github.com/Strob0t/SessionForge/internal/adapter/postgres"
	"github.com/Strob0t/SessionForge/internal/adapter/ristretto"
	"github.com/Strob0t/SessionForge/internal/adapter/tiered"
	"github.com/Strob0t/SessionForge/internal/adapter/tokenhttp"
	"github.com/Strob0t/SessionForge/internal/adapter/ws"
	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/domain/session"
	"github.com/Strob0t/SessionForge/internal/logger"
	"github.com/Strob0t/SessionForge/internal/middleware"
	"github.com/Strob0t/SessionForge/internal/port/compute"
	"github.com/Strob0t/SessionForge/internal/port/tokenservice"
	"github.com/Strob0t/SessionForge/internal/service"
)

const serviceName = "sessionforge"

func main() {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrap)

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "admin: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, _, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"compute_provider", cfg.Compute.Provider,
	)

	ctx := context.Background()

	// --- Observability ---

	shutdownOtel, err := otelx.Setup(ctx, cfg.Otel, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := otelx.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS JetStream
	queue, err := sfnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	idemKV, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}
	snapKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("snapshot bucket: %w", err)
	}

	// Session snapshots: in-process ristretto in front of the replicated
	// JetStream KV bucket.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	snapshots := tiered.New(l1, natskv.New(snapKV), cfg.Cache.L2TTL)

	var provider compute.Provider
	switch cfg.Compute.Provider {
	case "docker":
		provider = docker.NewProvider(cfg.Compute)
	default:
		return fmt.Errorf("unknown compute provider %q", cfg.Compute.Provider)
	}

	// An empty URL leaves tokens nil and disables refresh.
	var tokens tokenservice.Service
	if cfg.TokenSvc.URL != "" {
		tokens = tokenhttp.NewClient(cfg.TokenSvc)
		slog.Info("repo token refresh enabled", "url", cfg.TokenSvc.URL)
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	callbacks := sfnats.NewCallbackQueue(queue, cfg.NATS.CallbackSubject)

	key := session.DeriveKey(cfg.Secrets.EncryptionKey)
	orch := service.NewOrchestrator(provider, tokens, cfg.Compute, cfg.Breaker, key)
	tickets := service.NewTicketService(cfg.Tickets)

	streamHub := ws.NewHub(tickets, events, cfg.Server.AllowedOrigins)

	registry := service.NewRegistry(store, events, snapshots, callbacks, streamHub, orch, tickets, metrics, cfg, key)
	ingestHub := ws.NewIngestHub(registry, registry)
	registry.SetCommandSender(ingestHub)
	registry.Start()
	defer registry.Close()

	dispatcher := service.NewDispatcher(queue, store, cfg.Callback)
	stopDispatch, err := dispatcher.Start(ctx)
	if err != nil {
		return fmt.Errorf("callback dispatcher: %w", err)
	}
	defer stopDispatch()

	if err := otelx.RegisterConnectionGauges(streamHub.ConnectionCount, ingestHub.ConnectionCount); err != nil {
		return fmt.Errorf("connection gauges: %w", err)
	}

	// --- HTTP ---

	handlers := &sfhttp.Handlers{
		Registry: registry,
		Orch:     orch,
		Tickets:  tickets,
		Events:   events,
		DB:       pool,
		Stream:   streamHub,
		Ingest:   ingestHub,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()

	// Middleware safe for every surface, WebSocket upgrades included. The
	// JSON-only stack (rate limits, idempotency, timeouts, body caps) is
	// passed to MountRoutes and applies under /api/v1 alone.
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(sfhttp.CORS(cfg.Server.AllowedOrigins))
	r.Use(sfhttp.SecurityHeaders)
	r.Use(sfhttp.Logger)
	r.Use(otelx.HTTPMiddleware(serviceName))

	sfhttp.MountRoutes(r, handlers,
		limiter.Handler,
		middleware.Idempotency(idemKV),
		chimw.Timeout(30*time.Second),
		chimw.RequestSize(cfg.Server.BodyLimit),
	)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
