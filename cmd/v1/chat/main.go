package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/parlorhq/parlor/internal/v1/auth"
	"github.com/parlorhq/parlor/internal/v1/config"
	"github.com/parlorhq/parlor/internal/v1/health"
	"github.com/parlorhq/parlor/internal/v1/history"
	"github.com/parlorhq/parlor/internal/v1/hub"
	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/middleware"
	"github.com/parlorhq/parlor/internal/v1/ratelimit"
	"github.com/parlorhq/parlor/internal/v1/tracing"
	"github.com/parlorhq/parlor/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	// Exports spans only when a collector endpoint is configured.
	var tracerProvider interface {
		Shutdown(ctx context.Context) error
	}
	if collector := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collector != "" {
		tp, err := tracing.Init(context.Background(), "parlor-chat", collector)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			tracerProvider = tp
			slog.Info("✅ OTLP tracing initialized", "collector", collector)
		}
	}

	// --- Session Validator ---
	// Three paths: JWKS against an identity provider, HS256 against a shared
	// secret minted by the login service, or the development skip mode.
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.SessionHMACSecret == "" && cfg.SessionJWKSDomain == "" {
		if cfg.DevelopmentMode {
			slog.Warn("⚠️  Development Mode: session credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		} else {
			slog.Error("SESSION_HMAC_SECRET or SESSION_JWKS_DOMAIN must be set when SKIP_AUTH=false")
			return
		}
	}

	var validator types.TokenValidator
	switch {
	case skipAuth:
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	case cfg.SessionHMACSecret != "":
		hmacValidator, err := auth.NewHMACValidator(cfg.SessionHMACSecret)
		if err != nil {
			slog.Error("Failed to create HMAC validator", "error", err)
			return
		}
		validator = hmacValidator
		slog.Info("✅ HMAC session validator initialized")
	default:
		jwksValidator, err := auth.NewValidator(context.Background(), cfg.SessionJWKSDomain, cfg.SessionAudience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			return
		}
		validator = jwksValidator
		slog.Info("✅ JWKS session validator initialized", "domain", cfg.SessionJWKSDomain, "audience", cfg.SessionAudience)
	}

	// --- History Store ---
	store, err := history.Open(cfg.DatabasePath, cfg.HistoryRetentionTTL, cfg.HistoryRoomCap)
	if err != nil {
		slog.Error("Failed to open history store", "error", err, "path", cfg.DatabasePath)
		os.Exit(1)
	}
	slog.Info("✅ History store opened", "path", cfg.DatabasePath,
		"retention_ttl", cfg.HistoryRetentionTTL, "room_cap", cfg.HistoryRoomCap)

	sweeper := history.NewSweeper(store, cfg.SweepInterval)
	sweeper.Start()

	// --- Admission Controller ---
	admission := ratelimit.NewAdmission(cfg.RateLimitCapacity, cfg.RateLimitRefillPerSecond)

	// --- Connection Limiter ---
	connLimiter, err := ratelimit.NewConnLimiter(cfg.RateLimitWsIp)
	if err != nil {
		slog.Error("Invalid RATE_LIMIT_WS_IP rate", "error", err, "rate", cfg.RateLimitWsIp)
		os.Exit(1)
	}

	// --- Hub ---
	chatHub := hub.New(validator, store, admission, connLimiter, cfg)

	// --- Set up Server ---
	router := gin.Default()
	// Cors
	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// Error handling
	router.Use(gin.Recovery())

	// Correlation ids for request-scoped log lines
	router.Use(middleware.CorrelationID())

	if tracerProvider != nil {
		router.Use(otelgin.Middleware("parlor-chat"))
	}

	// Routing
	router.GET("/ws", chatHub.ServeWS)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(store)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Chat server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active WebSocket connections gracefully
	if err := chatHub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Stop background work after live traffic has drained
	sweeper.Stop()
	admission.Stop()

	if err := store.Close(); err != nil {
		slog.Error("Failed to close history store:", "error", err)
	} else {
		slog.Info("History store closed")
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer provider:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
