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

	"zq-admin/internal/auth"
	"zq-admin/internal/db"
	"zq-admin/internal/observability"
	"zq-admin/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

// Runtime is the assembled gateway. API is the sub-mux behind the
// authentication gateway; the surrounding application registers its resource
// endpoints there.
type Runtime struct {
	Handler http.Handler
	API     *http.ServeMux
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
	redisURL, err := mustEnv("REDIS_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("JWT_ACCESS_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("JWT_REFRESH_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOptions)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	repo := auth.NewRepository(database)
	blacklist := token.NewBlacklist(rdb)

	refreshTTL := envMinutesOrDefault("REFRESH_TOKEN_TTL_MINUTES", 7*24*60)
	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte(accessSecret),
		RefreshSecret: []byte(refreshSecret),
		Algorithm:     envOrDefault("JWT_ALGORITHM", "HS256"),
		AccessTTL:     envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 0),
		RefreshTTL:    envMinutesOrDefault("REFRESH_TOKEN_TTL_MINUTES", 0),
	}, repo, blacklist)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	guard := auth.NewLoginGuard(rdb, auth.GuardConfig{
		FailedAttemptLimit: envIntOrDefault("LOGIN_FAILED_ATTEMPT_LIMIT", 15),
		AttemptWindow:      envMinutesOrDefault("LOGIN_ATTEMPT_WINDOW_MINUTES", 5),
		IPLockoutDuration:  envMinutesOrDefault("LOGIN_IP_LOCKOUT_MINUTES", 15),
	})

	whitelist := auth.NewWhitelist(rdb, splitPatterns(os.Getenv("API_WHITE_LIST")))

	service := auth.NewService(repo, guard, codec, blacklist)
	service.WithRevokeHorizon(refreshTTL)
	handler := auth.NewHandler(service)

	gateway := auth.NewGateway(codec, repo, whitelist, auth.GatewayConfig{
		DemoMode:           EnvBoolOrDefault("IS_DEMO", false),
		ModuleGatePrefixes: splitPatterns(envOrDefault("MODULE_GATE_PREFIXES", "/api/crm")),
	}, logger)

	if err := auth.BootstrapAdmin(context.Background(), repo, os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	api := http.NewServeMux()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", handler.Login)
	mux.HandleFunc("POST /api/auth/refresh", handler.Refresh)
	mux.Handle("POST /api/auth/logout", gateway.Middleware(http.HandlerFunc(handler.Logout)))
	mux.Handle("POST /api/auth/password", gateway.Middleware(http.HandlerFunc(handler.ChangePassword)))
	mux.HandleFunc("GET /health", healthHandler(database, rdb))
	mux.Handle("/api/system/file_manager/stream/", gateway.StreamMiddleware(api))
	mux.Handle("/api/", gateway.Middleware(api))

	root := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: root,
		API:     api,
		Close: func() error {
			observability.FlushSentry()
			_ = rdb.Close()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		state := "ok"
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			state = "degraded"
		} else if err := rdb.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": state,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func splitPatterns(value string) []string {
	patterns := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns
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

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
