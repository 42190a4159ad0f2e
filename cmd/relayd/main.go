package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/copychief/relay/internal/config"
	dbRedis "github.com/copychief/relay/internal/db/redis"
	logpkg "github.com/copychief/relay/internal/logger"
	"github.com/copychief/relay/internal/metrics"
	"github.com/copychief/relay/internal/notify"
	"github.com/copychief/relay/internal/relay"
	entitlementrepo "github.com/copychief/relay/internal/repository/entitlement"
	reservationrepo "github.com/copychief/relay/internal/repository/reservation"
	chiTransport "github.com/copychief/relay/internal/transport/chi"
	openaiProvider "github.com/copychief/relay/internal/transport/openai"
	healthuc "github.com/copychief/relay/internal/usecase/health"
	ledgeruc "github.com/copychief/relay/internal/usecase/ledger"
	"github.com/copychief/relay/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting relay server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("cache_addrs", cfg.Cache.Addrs),
		zap.String("provider_model", cfg.Provider.Model),
	)

	// Redis: reservation counters and balance read cache.
	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Cache.Addrs,
		Password: cfg.Cache.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create cache store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	readiness := time.Duration(cfg.Cache.ReadinessTimeout) * time.Second
	if readiness <= 0 {
		readiness = 10 * time.Second
	}
	if err := store.WaitForReady(ctx, readiness); err != nil {
		logger.Fatal("Cache store not ready", zap.Error(err))
	}
	logger.Info("Connected to cache store")

	// Postgres: balances, audit trail, usage records.
	ents, err := entitlementrepo.New(cfg.Entitlement.DSN, logger)
	if err != nil {
		logger.Fatal("Failed to connect entitlement store", zap.Error(err))
	}
	defer func() { _ = ents.Close() }()

	if err := ents.Migrate(ctx); err != nil {
		logger.Fatal("Entitlement store migration failed", zap.Error(err))
	}
	logger.Info("Connected to entitlement store")

	// Every account in the auth map gets a balance row with the default
	// allowance. Existing rows are untouched.
	for _, accountID := range cfg.Auth.APIKeys {
		if err := ents.CreateAccount(ctx, accountID, cfg.Entitlement.DefaultMonthlyAllowance); err != nil {
			logger.Fatal("Failed to provision account",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}

	// Register relay metrics explicitly (no init())
	metrics.RegisterRelayMetrics()

	// Ledger: reservations in Redis, commits in Postgres, balance read cache,
	// threshold watcher as observer.
	resv := reservationrepo.New(store, time.Duration(cfg.Relay.ReservationTTLSec)*time.Second)
	watcher := notify.NewWatcher(nil, logger)
	ledgerSvc := ledgeruc.New(ents, resv, logger).
		WithCache(store, time.Duration(cfg.Relay.BalanceCacheTTLSec)*time.Second).
		WithObserver(watcher).
		WithRetryPolicy(
			time.Duration(cfg.Relay.CommitRetryDelaySec)*time.Second,
			cfg.Relay.CommitRetryQueueSize,
		)
	ledgerSvc.Start(ctx)
	defer ledgerSvc.Stop()

	// Completion provider.
	provider := openaiProvider.NewCompleter(&openaiProvider.Config{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		Logger:    logger,
	})

	// Relay: connection registry plus the send state machine.
	registry := relay.NewRegistry(time.Duration(cfg.Relay.KeepAliveSec)*time.Second, logger)
	relaySvc := relay.New(registry, ledgerSvc, provider, logger)

	healthSvc := healthuc.New(ents, store, provider)

	server := chiTransport.NewServer(relaySvc, ledgerSvc, registry, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		// WriteTimeout must outlive the long-lived event streams.
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	// Closing the registry ends every event stream, which unblocks the SSE
	// handlers so Shutdown can finish within its window.
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error":   "INTERNAL_ERROR",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
