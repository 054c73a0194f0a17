package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/progress-engine/internal/api"
	"github.com/terra-clan/progress-engine/internal/auth"
	"github.com/terra-clan/progress-engine/internal/catalog"
	"github.com/terra-clan/progress-engine/internal/cleanup"
	"github.com/terra-clan/progress-engine/internal/config"
	"github.com/terra-clan/progress-engine/internal/health"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
	"github.com/terra-clan/progress-engine/internal/tracker"
	"github.com/terra-clan/progress-engine/migrations"
)

func main() {
	// Load configuration
	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting progress-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"store", cfg.Database.Store,
		"feed", cfg.Realtime.Feed,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Change feed
	feed, redisClient, err := newFeed(initCtx, cfg)
	if err != nil {
		slog.Error("failed to create change feed", "error", err)
		os.Exit(1)
	}

	// Store
	repo, err := newStore(initCtx, cfg, feed)
	if err != nil {
		slog.Error("failed to create store", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relay row notifications from Postgres into the feed
	var listener *realtime.PGListener
	if cfg.Database.Store == config.StorePostgres && cfg.Realtime.PGListen {
		listener, err = realtime.NewPGListener(cfg.Database.DSN, feed)
		if err != nil {
			slog.Error("failed to start postgres listener", "error", err)
			os.Exit(1)
		}
		listener.Start(ctx)
	} else if cfg.Database.Store == config.StorePostgres {
		slog.Warn("postgres listener disabled, trackers only see their own writes")
	}

	// Load challenge catalog
	challenges := catalog.NewLoader()
	if cfg.Catalog.Dir != "" {
		if err := challenges.LoadFromDir(cfg.Catalog.Dir); err != nil {
			slog.Warn("failed to load challenges from dir", "dir", cfg.Catalog.Dir, "error", err)
		}
		if cfg.Catalog.Sync {
			if err := challenges.SyncToRepository(initCtx, repo); err != nil {
				slog.Error("failed to sync challenge catalog", "error", err)
				os.Exit(1)
			}
		}
	} else if err := challenges.LoadFromRepository(initCtx, repo); err != nil {
		slog.Warn("failed to load challenges from store", "error", err)
	}

	// Trackers
	broadcaster := tracker.NewBroadcaster()
	registry := tracker.NewRegistry(repo, challenges, feed, broadcaster)

	// Initialize cleanup worker
	cleaner := cleanup.NewCleaner(registry, cfg.Cleanup.Interval, cfg.Cleanup.IdleTTL)
	cleaner.Start(ctx)

	// Readiness checks beyond the store
	checks := health.NewRegistry()

	// Optional view rate limit
	var viewLimiter *api.RateLimiter
	if redisClient != nil {
		checks.Register("redis", health.CheckerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
		if cfg.Redis.ViewsPerMinute > 0 {
			viewLimiter = api.NewRateLimiter(api.NewRedisCounter(redisClient), "views", cfg.Redis.ViewsPerMinute, time.Minute)
		}
	}

	// Setup HTTP server
	server := api.NewServer(cfg.Server, api.Dependencies{
		Repo:        repo,
		Catalog:     challenges,
		CatalogDir:  cfg.Catalog.Dir,
		Registry:    registry,
		Broadcaster: broadcaster,
		Feed:        feed,
		Tokens:      auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		Health:      checks,
		ViewLimiter: viewLimiter,
	})
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     server.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Tear down tracker sessions before their feed goes away
	registry.Close()

	if listener != nil {
		if err := listener.Close(); err != nil {
			slog.Error("postgres listener close error", "error", err)
		}
	}
	if err := feed.Close(); err != nil {
		slog.Error("feed close error", "error", err)
	}
	if redisClient != nil && cfg.Realtime.Feed != config.FeedRedis {
		redisClient.Close()
	}
	if err := repo.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("progress-engine stopped")
}

// newFeed builds the configured change feed. The returned Redis client, when
// not nil, is shared with the view rate limiter.
func newFeed(ctx context.Context, cfg *config.Config) (realtime.Feed, *redis.Client, error) {
	if cfg.Realtime.Feed == config.FeedRedis {
		feed, err := realtime.NewRedisFeed(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return feed, feed.Client(), nil
	}

	hub := realtime.NewHub()
	if cfg.Redis.ViewsPerMinute <= 0 || cfg.Redis.Address == "" {
		return hub, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, view rate limit disabled", "address", cfg.Redis.Address, "error", err)
		client.Close()
		return hub, nil, nil
	}
	return hub, client, nil
}

// newStore opens the configured repository, migrating Postgres first
func newStore(ctx context.Context, cfg *config.Config, feed realtime.Feed) (storage.Repository, error) {
	if cfg.Database.Store == config.StoreMemory {
		slog.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryRepository(feed), nil
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("database connected successfully")

	if cfg.Database.AutoMigrate {
		var source fs.FS = migrations.FS
		if cfg.Database.MigrationsDir != "" {
			source = os.DirFS(cfg.Database.MigrationsDir)
		}
		slog.Info("running database migrations", "dir", cfg.Database.MigrationsDir)
		if err := storage.RunMigrations(ctx, repo.Pool(), source); err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return repo, nil
}
