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
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/api"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/auth"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/authmetadata"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/config"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/health"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/middleware"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/ratelimit"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/store"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/tracing"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/voip"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/wellknown"
	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
)

const serviceName = "matrix-capabilities"

// envPaths locate the repository's .env from the module root (go run ./cmd/v1/capabilities)
// and from this directory (go run .).
var envPaths = []string{".env", "../../../.env"}

func main() {
	// Load .env file for local development.
	if path, ok := loadDotEnv(envPaths); ok {
		slog.Info("Loaded environment from", "path", path)
	} else {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	var shutdownTracer func(context.Context) error
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OtelCollectorAddr, cfg.OtelInsecureSkipVerify)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			shutdownTracer = tp.Shutdown
			logging.Info(ctx, "Tracing enabled", zap.String("collector", cfg.OtelCollectorAddr))
		}
	}

	// --- Homeserver clients ---
	hsClient, err := matrixhttp.NewClient(cfg.HomeserverURL, cfg.HTTPClientTimeout)
	if err != nil {
		logging.Fatal(ctx, "Invalid homeserver URL", zap.Error(err))
	}
	// Well-known files live on the user's server name, not on the homeserver.
	wkClient, err := matrixhttp.NewClient(cfg.HomeserverURL, cfg.HTTPClientTimeout,
		matrixhttp.WithBreaker(matrixhttp.NewBreaker("well-known")))
	if err != nil {
		logging.Fatal(ctx, "Invalid homeserver URL", zap.Error(err))
	}

	capsAPI := homeserver.NewHTTPCapabilitiesAPI(hsClient)
	metaClient := authmetadata.NewClient(hsClient)
	resolver := wellknown.NewResolver(wkClient)
	turnClient := voip.NewTurnClient(hsClient)

	// --- Token validation ---
	validator, err := newTokenValidator(ctx, cfg, metaClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create token validator", zap.Error(err))
	}

	// --- Record store: Redis when enabled, memory otherwise ---
	var recordStore store.Store
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
		} else {
			recordStore = rs
			redisClient = rs.Client()
			logging.Info(ctx, "Redis record store initialized", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}
	if recordStore == nil {
		recordStore = store.NewMemoryStore()
	}

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	task := homeserver.NewGetCapabilitiesTask(capsAPI, resolver, metaClient, recordStore, cfg.CapabilitiesMinRefresh)
	voipConfig := voip.NewConfig(cfg.VoipHandleAssertedIdentity).WithForceRelayOnlyMode(cfg.VoipForceRelayOnly)
	logging.Info(ctx, "VoIP configuration",
		zap.Bool("forceRelayOnlyMode", voipConfig.ForceRelayOnlyMode),
		zap.Bool("handleCallAssertedIdentityEvents", voipConfig.HandleCallAssertedIdentityEvents))

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	handler := api.NewHandler(recordStore, task, turnClient, voipConfig)
	live := api.NewLiveStream(recordStore, rl, allowedOrigins)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if shutdownTracer != nil {
		router.Use(otelgin.Middleware(serviceName))
	}
	router.Use(middleware.CorrelationID())

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AddAllowHeaders("Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	api.RegisterRoutes(router, handler, live, validator, rl)

	// Prometheus metrics endpoint
	router.GET("/metrics", rl.StandardMiddleware(), gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(recordStore, &health.VersionsChecker{API: capsAPI})
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", rl.StandardMiddleware(), healthHandler.Readiness)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := live.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during live stream shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if err := recordStore.Close(); err != nil {
		logging.Error(ctx, "Failed to close record store", zap.Error(err))
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logging.Error(ctx, "Failed to flush traces", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}

// newTokenValidator verifies tokens against the homeserver's authorization server. The issuer
// and JWKS location come from the auth metadata unless AUTH_ISSUER pins the issuer.
func newTokenValidator(ctx context.Context, cfg *config.Config, meta *authmetadata.Client) (auth.TokenValidator, error) {
	if cfg.SkipAuth {
		logging.Warn(ctx, "Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		return &auth.MockValidator{}, nil
	}

	issuer := cfg.AuthIssuer
	jwksURL := ""

	metaCtx, cancel := context.WithTimeout(ctx, cfg.HTTPClientTimeout)
	defer cancel()
	md, err := meta.Get(metaCtx)
	switch {
	case err == nil:
		if issuer == "" {
			issuer = md.Issuer
		}
		if md.JWKSURI != nil && issuer == md.Issuer {
			jwksURL = *md.JWKSURI
		}
	case issuer == "" && cfg.DevelopmentMode:
		logging.Warn(ctx, "Development Mode: homeserver has no auth metadata and AUTH_ISSUER is unset. Auto-enabling SKIP_AUTH.", zap.Error(err))
		return &auth.MockValidator{}, nil
	case issuer == "":
		return nil, err
	default:
		logging.Warn(ctx, "Auth metadata unavailable, using AUTH_ISSUER", zap.Error(err))
	}

	v, err := auth.NewValidator(ctx, issuer, jwksURL, cfg.AuthAudience)
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, "Token validator initialized", zap.String("issuer", issuer), zap.String("jwks", jwksURL))
	return v, nil
}

// loadDotEnv loads the first .env file found in paths. Variables already set in the
// environment are kept.
func loadDotEnv(paths []string) (string, bool) {
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path, true
		}
	}
	return "", false
}
