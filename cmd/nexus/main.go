package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pysugar/diag-nexus/internal/auth/throttle"
	"github.com/pysugar/diag-nexus/internal/auth/token"
	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/pysugar/diag-nexus/internal/config"
	"github.com/pysugar/diag-nexus/internal/db"
	"github.com/pysugar/diag-nexus/internal/logging"
	"github.com/pysugar/diag-nexus/internal/metrics"
	"github.com/pysugar/diag-nexus/internal/proxy/handlers"
	"github.com/pysugar/diag-nexus/internal/proxy/middleware"
	"github.com/pysugar/diag-nexus/internal/proxy/monitor"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
	"github.com/pysugar/diag-nexus/internal/session"
	"github.com/pysugar/diag-nexus/internal/upstream"
	"github.com/pysugar/diag-nexus/internal/version"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Nexus stopped")
	}
}

func run() error {
	configPath := pflag.String("config", os.Getenv("NEXUS_CONFIG"), "path to a YAML config file")
	listen := pflag.String("listen", "", "listen address, overrides HOST/PORT")
	databaseURL := pflag.String("db", "", "sqlite path or postgres:// URL, overrides NEXUS_DATABASE_URL")
	logLevel := pflag.String("log-level", "", "log level, overrides NEXUS_LOG_LEVEL")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("nexus %s (%s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	clk := clock.Real()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	upstreamBreaker := breaker.New("upstream",
		breaker.Settings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		},
		breaker.WithClock(clk),
		breaker.OnStateChange(func(name string, from, to breaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("⚡ Circuit breaker state changed")
			collector.BreakerTransition(name, from, to)
		}),
	)
	requestQueue := queue.New(queue.Options{MinSpacing: cfg.Queue.MinSpacing, Clock: clk})
	collector.WatchBreaker(upstreamBreaker)
	collector.WatchQueue(requestQueue)

	store := session.NewStore(database, clk, cfg.Session.TTL)
	upstreamClient := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, cfg.Upstream.BlockedSentinel)

	tokenManager := token.NewManager(token.Options{
		Store:   store,
		Client:  upstreamClient,
		Breaker: upstreamBreaker,
		Queue:   requestQueue,
		Clock:   clk,
		Metrics: collector,
		ServiceCredentials: upstream.Credentials{
			Username:   cfg.Upstream.Username,
			Password:   cfg.Upstream.Password,
			PortalType: cfg.Upstream.PortalType,
			UserType:   cfg.Upstream.UserType,
		},
		ServiceAdminID: cfg.Upstream.ServiceAdminID,
		Location:       cfg.Upstream.Location(),
		MaxRetries:     cfg.Refresh.MaxRetries,
		BaseDelay:      cfg.Refresh.BaseDelay,
		Lookahead:      cfg.Refresh.Lookahead,
	})

	limiter := throttle.NewLimiter(throttle.Config{
		MaxAttempts: cfg.Login.MaxAttempts,
		Window:      cfg.Login.Window,
	}, clk)
	audit := monitor.NewAuditMonitor(database, cfg.AuditEnabled)
	gate := middleware.NewSessionGate(store, tokenManager, collector)
	adminAuth := middleware.AdminAuth(cfg.AdminPassword)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(logging.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthHandler())
	r.With(adminAuth).Handle("/metrics", metrics.Handler(registry))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", handlers.LoginHandler(tokenManager, limiter, collector))

		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(gate, audit))
			r.Get("/session", handlers.SessionHandler())
			r.Post("/session/refresh", handlers.RefreshHandler(tokenManager))
			r.Get("/status", handlers.StatusHandler(upstreamBreaker, requestQueue, store, audit))
			r.Get("/audit", handlers.AuditLogsHandler(audit))
			r.Handle("/provider/*", handlers.NewProviderProxy(upstreamClient, requestQueue, upstreamBreaker, tokenManager))
		})

		r.Group(func(r chi.Router) {
			r.Use(adminAuth)
			r.Delete("/audit", handlers.ClearAuditLogsHandler(audit))
			r.Put("/audit/recording", handlers.ToggleAuditHandler(audit))
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartSweepLoop(ctx, cfg.Session.SweepInterval)
	tokenManager.StartRefreshLoop(ctx, cfg.Refresh.Interval)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Listen).
			Str("version", version.Version).
			Str("upstream", upstreamClient.BaseURL()).
			Bool("service_credentials", tokenManager.HasServiceCredentials()).
			Msg("🚀 Diag-Nexus starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown incomplete")
	}
	requestQueue.Close()
	audit.Flush()
	limiter.Stop()

	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("👋 Bye")
	return nil
}
