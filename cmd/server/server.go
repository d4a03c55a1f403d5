package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruralpay/ledgercore/internal/audit"
	"github.com/ruralpay/ledgercore/internal/config"
	"github.com/ruralpay/ledgercore/internal/database"
	"github.com/ruralpay/ledgercore/internal/handlers"
	mW "github.com/ruralpay/ledgercore/internal/middleware"
	"github.com/ruralpay/ledgercore/internal/ratelimit"
	"github.com/ruralpay/ledgercore/internal/security"
	"github.com/ruralpay/ledgercore/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg, a.log)
		},
	}
}

func policies(cfg config.RateLimitConfig) services.Policies {
	limit := func(p config.Policy) ratelimit.Limit {
		return ratelimit.Limit{Tokens: p.Tokens, Interval: p.Interval}
	}
	return services.Policies{
		services.OpTransfer:     limit(cfg.Transfer),
		services.OpTransferUser: limit(cfg.TransferUser),
		services.OpRegister:     limit(cfg.Register),
		services.OpAccountOpen:  limit(cfg.AccountOpen),
	}
}

// newLimiter returns the configured backend and a closer for it.
func newLimiter(ctx context.Context, cfg *config.Config, log *logrus.Entry) (ratelimit.Limiter, io.Closer, error) {
	if cfg.RateLimit.Backend == "redis" {
		client, err := database.OpenRedis(ctx, cfg.Redis, log)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.NewRedisLimiter(client), client, nil
	}

	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimit.IdleTTL)
	return limiter, limiter, nil
}

// clientAddress rewrites RemoteAddr from proxy headers only when a trusted
// proxy sets them. Otherwise the socket address is kept.
func clientAddress(trustProxyHeaders bool) func(http.Handler) http.Handler {
	if trustProxyHeaders {
		return middleware.RealIP
	}
	return func(next http.Handler) http.Handler { return next }
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	log := logger.WithField("component", "server")

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	limiter, closer, err := newLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	vault, err := security.NewVault(security.Config{
		Secret:        cfg.Security.EncryptionKey,
		Salt:          []byte(cfg.Security.EncryptionSalt),
		IndexSalt:     []byte(cfg.Security.IndexSalt),
		KDFIterations: cfg.Security.KDFIterations,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize field vault: %w", err)
	}

	limits := policies(cfg.RateLimit)
	auditLog := audit.NewLogger(logger)
	idempotency := services.NewIdempotencyStore(db, cfg.Idempotency.Retention, logger.WithField("component", "idempotency"))
	resolver := services.NewRecipientResolver(vault, services.DefaultAccountPolicies...)

	ledgerService := services.NewLedgerService(db, limiter, limits, idempotency, resolver, vault, auditLog, logger.WithField("component", "ledger"))
	accountService := services.NewAccountService(db, limiter, limits, vault, auditLog, cfg.Security.RoutingNumber, logger.WithField("component", "accounts"))
	userService := services.NewUserService(db, limiter, limits, vault, auditLog, logger.WithField("component", "users"))

	transferHandler := handlers.NewTransferHandler(ledgerService)
	accountHandler := handlers.NewAccountHandler(accountService)
	userHandler := handlers.NewUserHandler(userService)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(clientAddress(cfg.Server.TrustProxyHeaders))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.IdempotencyKeyHeader},
		ExposedHeaders:   []string{handlers.IdempotentReplayedHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	r.Use(mW.IPRateLimit(cfg.RateLimit.IPRate, cfg.RateLimit.IPBurst, cfg.RateLimit.IdleTTL))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", userHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(cfg.JWT.SecretKey))

			r.Get("/accounts", accountHandler.List)
			r.Post("/accounts", accountHandler.Open)
			r.Get("/accounts/{accountId}/transactions", accountHandler.Transactions)
			r.Get("/accounts/{accountId}/number", accountHandler.RevealNumber)

			r.Post("/transfers", transferHandler.TransferOwn)
			r.Post("/transfers/user", transferHandler.TransferToUser)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
