package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coparently/backend/internal/config"
	"github.com/coparently/backend/internal/handler"
	appMiddleware "github.com/coparently/backend/internal/middleware"
	"github.com/coparently/backend/internal/repository"
	"github.com/coparently/backend/internal/service"
	"github.com/coparently/backend/pkg/billing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if present (for local development)
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "entitlement").Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	ctx := context.Background()

	// Initialize database
	db, err := repository.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database error")
	}
	defer db.Close()

	// Run migrations
	if err := repository.RunMigrations(ctx, db); err != nil {
		logger.Fatal().Err(err).Msg("migration error")
	}
	logger.Info().Msg("database connected & migrated")

	// Billing provider client. Without credentials the mock keeps local
	// development working; checkout and refresh then answer from seeded data.
	var billingClient billing.Client
	if cfg.StripeSecretKey != "" {
		billingClient = billing.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
		logger.Info().Msg("stripe client configured")
	} else {
		billingClient = billing.NewMockClient()
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, using mock billing client")
	}

	// Repositories
	entRepo := repository.NewEntitlementRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)
	throttleRepo := repository.NewThrottleRepository(db)

	// Services
	authSvc := service.NewAuthService(cfg.JWTSecret)
	reconciler := service.NewReconciler(entRepo, billingClient, service.ReconcilerConfig{
		MaxCacheAge:     cfg.MaxCacheAge,
		GracePeriod:     cfg.GracePeriod,
		ApproachWindow:  cfg.ApproachWindow,
		ProviderTimeout: cfg.ProviderTimeout,
	}, logger)
	verifier := service.NewOwnershipVerifier(billingClient, logger)
	activationSvc := service.NewActivationService(entRepo, eventRepo, throttleRepo, billingClient, verifier, cfg.StripePriceID, logger)
	quota := service.NewQuotaEnforcer(reconciler, usageRepo, logger)
	auditor := service.NewAuditor(entRepo, reconciler, service.AuditorConfig{
		Freshness:   cfg.AuditFreshness,
		Concurrency: int64(cfg.AuditConcurrency),
		Schedule:    cfg.AuditSchedule,
	}, logger)

	if err := auditor.Start(); err != nil {
		logger.Fatal().Err(err).Msg("auditor schedule error")
	}
	defer auditor.Stop()

	// Handlers
	entitlementHandler := handler.NewEntitlementHandler(activationSvc, reconciler, logger)
	usageHandler := handler.NewUsageHandler(quota)
	auditHandler := handler.NewAuditHandler(auditor)
	healthHandler := handler.NewHealthHandler(db)

	// Build router
	r := chi.NewRouter()

	// Global middleware
	r.Use(appMiddleware.Recovery(logger))
	r.Use(appMiddleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature", appMiddleware.AuditSecretHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Global rate limiter (20 req/sec per IP, burst of 40)
	globalRL := appMiddleware.NewRateLimiter(20, 40)
	r.Use(globalRL.Middleware())

	// Health check and provider-signed webhook (no bearer auth; the webhook
	// signature is the trust anchor)
	r.Get("/health", healthHandler.Check)
	r.Post("/entitlement/webhook", entitlementHandler.Webhook)

	// Privileged operations, gated by pre-shared secret
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.AuditAuth(cfg.AuditSecret))
		r.Post("/audit/run", auditHandler.Run)
		r.Post("/admin/entitlement/activate", entitlementHandler.ActivateManual)
	})

	// Authenticated account routes
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Auth(authSvc))

		r.Post("/entitlement/checkout", entitlementHandler.CreateCheckout)
		// Activation takes a client-supplied session id; keep guessing slow.
		r.With(appMiddleware.StrictRateLimiter()).Post("/entitlement/activate", entitlementHandler.Activate)
		r.Post("/entitlement/cancel", entitlementHandler.Cancel)
		r.Get("/entitlement/status", entitlementHandler.Status)

		r.Get("/usage/limit", usageHandler.Limit)
		r.Post("/usage/consume", usageHandler.Consume)
	})

	// Start server
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info().Str("addr", addr).Msg("entitlement backend listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
}
