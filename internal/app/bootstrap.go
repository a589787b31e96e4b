package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"storefront-api/internal/auth"
	"storefront-api/internal/catalog"
	"storefront-api/internal/db"
	"storefront-api/internal/maintenance"
	"storefront-api/internal/observability"
	"storefront-api/internal/order"
	"storefront-api/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("ACCESS_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("REFRESH_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development"), os.Getenv("APP_VERSION")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	tokens := auth.NewTokenManager(
		accessSecret,
		refreshSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
	)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(
		authRepo,
		tokens,
		logger,
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 30*24),
	)
	authHandler := auth.NewHandler(authService)

	if err := authService.BootstrapAdmin(context.Background(), os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	var redisClient *redis.Client
	var counters ratelimit.CounterStore
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		counters = ratelimit.NewRedisStore(redisClient)
		logger.Info("rate_limit_store", map[string]any{"kind": "redis"})
	} else {
		// Per-process counters; accurate only when a single instance runs.
		counters = ratelimit.NewMemoryStore()
		logger.Info("rate_limit_store", map[string]any{"kind": "memory"})
	}

	guard := ratelimit.NewGuard(counters, map[ratelimit.Profile]ratelimit.Limit{
		ratelimit.ProfileLogin: {
			Max:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 5),
			Window: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		ratelimit.ProfileRefresh: {
			Max:    envIntOrDefault("REFRESH_RATE_LIMIT_MAX", 10),
			Window: envSecondsOrDefault("REFRESH_RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		ratelimit.ProfileRegistration: {
			Max:    envIntOrDefault("REGISTRATION_RATE_LIMIT_MAX", 3),
			Window: envSecondsOrDefault("REGISTRATION_RATE_LIMIT_WINDOW_SECONDS", 60),
		},
	})

	catalogRepo := catalog.NewRepository(database)
	catalogHandler := catalog.NewHandler(catalogRepo)

	orderRepo := order.NewRepository(database)
	orderHandler := order.NewHandler(orderRepo)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("REFRESH_TOKEN_RETENTION_DAYS", 14),
		envDaysOrDefault("LOGIN_HISTORY_RETENTION_DAYS", 90),
		envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
	)

	// Guard key scoping: login counts IP plus attempted identity so a shared
	// NAT does not lock out every account; refresh and registration count
	// IP only.
	loginGuard := guard.Middleware(ratelimit.ProfileLogin, logger, auth.LoginRateKey)
	refreshGuard := guard.Middleware(ratelimit.ProfileRefresh, logger, nil)
	registrationGuard := guard.Middleware(ratelimit.ProfileRegistration, logger, nil)

	requireAuth := func(next http.Handler) http.Handler {
		return auth.RequireAuth(tokens, next)
	}
	requireAdmin := func(next http.Handler) http.Handler {
		return requireAuth(auth.RequireRoles("admin")(next))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/registration", registrationGuard(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", loginGuard(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/refresh", refreshGuard(http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("DELETE /auth/logout", requireAuth(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("DELETE /auth/logout-all", requireAuth(http.HandlerFunc(authHandler.LogoutAll)))
	mux.Handle("PUT /auth/password", requireAuth(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("GET /auth/check", requireAuth(http.HandlerFunc(authHandler.Check)))
	mux.Handle("GET /auth/logins", requireAuth(http.HandlerFunc(authHandler.LoginHistory)))

	mux.Handle("PUT /admin/users/{id}/password", requireAdmin(http.HandlerFunc(authHandler.ResetPassword)))
	mux.Handle("GET /admin/logins", requireAdmin(http.HandlerFunc(authHandler.LoginsByIP)))

	mux.HandleFunc("GET /products", catalogHandler.ListProducts)
	mux.Handle("POST /products", requireAdmin(http.HandlerFunc(catalogHandler.CreateProduct)))
	mux.Handle("PUT /products/{id}", requireAdmin(http.HandlerFunc(catalogHandler.UpdateProduct)))
	mux.Handle("DELETE /products/{id}", requireAdmin(http.HandlerFunc(catalogHandler.DeleteProduct)))
	mux.HandleFunc("GET /categories", catalogHandler.ListCategories)
	mux.Handle("POST /categories", requireAdmin(http.HandlerFunc(catalogHandler.CreateCategory)))
	mux.Handle("DELETE /categories/{id}", requireAdmin(http.HandlerFunc(catalogHandler.DeleteCategory)))
	mux.HandleFunc("GET /brands", catalogHandler.ListBrands)
	mux.Handle("POST /brands", requireAdmin(http.HandlerFunc(catalogHandler.CreateBrand)))
	mux.Handle("DELETE /brands/{id}", requireAdmin(http.HandlerFunc(catalogHandler.DeleteBrand)))

	mux.Handle("GET /cart", requireAuth(http.HandlerFunc(orderHandler.ListCart)))
	mux.Handle("POST /cart/items", requireAuth(http.HandlerFunc(orderHandler.AddItem)))
	mux.Handle("DELETE /cart/items/{id}", requireAuth(http.HandlerFunc(orderHandler.RemoveItem)))
	mux.Handle("POST /orders", requireAuth(http.HandlerFunc(orderHandler.Checkout)))
	mux.Handle("GET /orders", requireAuth(http.HandlerFunc(orderHandler.ListOrders)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}
