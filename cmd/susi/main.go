// Command susi serves the authentication endpoints over HTTP, configured from
// SUSI_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lborres/susi"
	fiberadapter "github.com/lborres/susi/adapters/fiber"
	"github.com/lborres/susi/adapters/google"
	pgxadapter "github.com/lborres/susi/adapters/pgx"
	redisstore "github.com/lborres/susi/adapters/redis"
	"github.com/lborres/susi/adapters/sqlite"
	"github.com/lborres/susi/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("susi stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func accessLogFormat() string {
	format := []string{
		"${time}|${status}|${latency}",
		"${ip}",
		"${method}|${path}",
		"${error}",
	}
	return strings.Join(format, "|") + "\n"
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	database, closeDB, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	app := fiber.New(fiber.Config{AppName: "susi"})
	app.Use(recoverer.New())
	app.Use(logger.New(logger.Config{
		Format:     accessLogFormat(),
		TimeFormat: "2006/01/02 15:04:05",
		TimeZone:   "UTC",
	}))

	susiConfig := susi.Config{
		Secret:        cfg.JWTSecret,
		Database:      database,
		BasePath:      cfg.BasePath,
		Tokens:        cfg.TokenConfig(),
		DisableCache:  cfg.DisableCache,
		SweepInterval: cfg.SweepInterval,
		Logger:        log,
		HTTP: fiberadapter.New(app, fiberadapter.Config{
			FrontendURL:   cfg.FrontendURL,
			SecureCookies: cfg.CookieSecure,
			Logger:        log,
		}),
	}
	if !cfg.DisableCache {
		susiConfig.CacheAdapter = susi.NewInMemoryCache(susi.CacheConfig{TTL: cfg.CacheTTL, MaxSize: cfg.CacheSize})
	}

	if cfg.RedisEnabled() {
		store, err := connectRedis(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()
		susiConfig.RefreshTokens = store
		susiConfig.ExchangeCodes = store
	}

	if cfg.GoogleEnabled() {
		provider, err := google.New(ctx, google.Config{
			ClientID:             cfg.GoogleClientID,
			ClientSecret:         cfg.GoogleClientSecret,
			RedirectURL:          cfg.GoogleRedirectURL,
			AllowUnverifiedEmail: cfg.GoogleAllowUnverifiedEmail,
		})
		if err != nil {
			return fmt.Errorf("google provider: %w", err)
		}
		susiConfig.Providers = append(susiConfig.Providers, provider)
	}

	s, err := susi.New(susiConfig)
	if err != nil {
		return fmt.Errorf("could not create susi instance: %w", err)
	}

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	go s.Janitor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "base_path", s.BasePath)
		errCh <- app.Listen(cfg.HTTPAddr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

func openDatabase(ctx context.Context, cfg *config.Config) (susi.AuthStorage, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		db, err := pgxadapter.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

// connectRedis retries the initial ping so the server can start alongside
// its Redis container.
func connectRedis(ctx context.Context, cfg *config.Config, log *slog.Logger) (*redisstore.Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := redisstore.New(client, cfg.RedisPrefix)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, store.Ping(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(6),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("redis not ready", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		_ = store.Close()
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return store, nil
}
