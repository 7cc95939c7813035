package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"saas-crm/internal/auth"
	"saas-crm/internal/config"
	"saas-crm/internal/db"
	"saas-crm/internal/mail"
	"saas-crm/internal/maintenance"
	"saas-crm/internal/observability"
	"saas-crm/internal/record"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Cleaner *maintenance.Cleaner
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLoggerWithOutput(os.Stdout, cfg.LogLevel)
	metrics := observability.NewMetrics()

	if err := observability.InitSentry(observability.SentryConfig{
		DSN:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     cfg.Release,
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := db.OpenPostgres(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("migrations_applied", map[string]any{"versions": applied})
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = db.OpenRedis(ctx, cfg.RedisURL, cfg.UpstreamTimeout)
		if err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	closeAll := func() error {
		observability.FlushSentry()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return database.Close()
	}

	key, err := signingKey(cfg)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	var (
		registry auth.RevocationRegistry
		throttle auth.AttemptThrottle
	)
	if redisClient != nil {
		registry = auth.NewRedisRegistry(redisClient, "crm:revoked")
		throttle = auth.NewRedisThrottle(redisClient, "crm:attempts", cfg.LoginMaxAttempts, cfg.LoginAttemptWindow)
		logger.Info("auth_state_backend", map[string]any{"backend": "redis"})
	} else {
		registry = auth.NewMemoryRegistry()
		throttle = auth.NewMemoryThrottle(cfg.LoginMaxAttempts, cfg.LoginAttemptWindow)
		logger.Info("auth_state_backend", map[string]any{"backend": "memory"})
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	authRepo := auth.NewRepository(database)
	hasher := auth.NewHasher(cfg.BcryptCost)
	tokens := auth.NewTokenService(key, registry, auth.TokenConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	authService := auth.NewService(authRepo, hasher, tokens, throttle, logger).WithMetrics(metrics)
	resets := auth.NewResetCoordinator(authRepo, hasher, mailer, logger, cfg.ResetURL, cfg.ResetTokenTTL).WithMetrics(metrics)
	gate := auth.NewGate(tokens, logger, metrics)
	authHandler := auth.NewHandler(authService, resets, logger)

	if err := authService.BootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	recordRepo := record.NewRepository(database)
	evaluator := auth.NewEvaluator(recordRepo, authRepo, cfg.PermissionCacheTTL).WithMetrics(metrics)
	recordHandler := record.NewHandler(recordRepo, evaluator)

	loginLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	cleaner := maintenance.NewCleaner(registry, throttle, loginLimiter.Sweep, authRepo, logger, metrics)
	cleanupHandler := maintenance.NewCleanupHandler(cleaner, logger, cfg.CronSecret)

	protected := gate.Authenticate
	manageUsers := func(h http.HandlerFunc) http.Handler {
		return gate.Authenticate(gate.RequireRole(auth.RoleAdmin)(gate.RequirePermission(evaluator, auth.PermUsersManage)(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/password/reset-request", authHandler.RequestReset)
	mux.HandleFunc("POST /auth/password/reset", authHandler.CompleteReset)
	mux.Handle("POST /auth/logout", protected(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /auth/me", protected(http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /auth/password/change", protected(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /auth/register", manageUsers(authHandler.Register))
	mux.Handle("GET /customers/{id}", protected(recordHandler.Get(auth.KindCustomer)))
	mux.Handle("GET /deals/{id}", protected(recordHandler.Get(auth.KindDeal)))
	mux.Handle("GET /tasks/{id}", protected(recordHandler.Get(auth.KindTask)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, metrics,
			deadlineMiddleware(cfg.UpstreamTimeout, mux)))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Cleaner: cleaner,
		Close:   closeAll,
	}, nil
}

func signingKey(cfg *config.Config) (auth.SigningKey, error) {
	if cfg.UsesKeyPair() {
		key, err := auth.KeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return auth.SigningKey{}, fmt.Errorf("load jwt key pair: %w", err)
		}
		return key, nil
	}
	return auth.HMACKey(cfg.JWTSecret)
}

func newMailer(cfg *config.Config, logger *observability.Logger) (auth.ResetMailer, error) {
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}), nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("SMTP_HOST must be set when APP_ENV=production")
	}
	logger.Warn("smtp_not_configured", map[string]any{"fallback": "log"})
	return mail.NewLogSender(logger), nil
}

// deadlineMiddleware bounds every request so store and cache calls give up
// instead of hanging.
func deadlineMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{"database": "ok"}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = "unreachable"
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				status = http.StatusServiceUnavailable
				checks["redis"] = "unreachable"
			}
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
