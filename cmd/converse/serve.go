package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/converse/internal/cache"
	"github.com/szaher/converse/internal/config"
	"github.com/szaher/converse/internal/llm"
	"github.com/szaher/converse/internal/quota"
	"github.com/szaher/converse/internal/server"
	"github.com/szaher/converse/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return telemetry.NewLogger(os.Stdout, level)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()
	metrics := telemetry.NewMetrics()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conversations, closeCache, err := buildCache(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer closeCache()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithAPIKey(cfg.Server.APIKey),
		server.WithStorageTimeout(cfg.Server.StorageTimeout.Std()),
		server.WithProviderName(cfg.LLM.Provider),
	}

	var scheduler *quota.Scheduler
	if len(cfg.Quota.Limiters) > 0 {
		pool, err := pgxpool.New(ctx, cfg.Quota.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("connect quota storage: %w", err)
		}
		defer pool.Close()

		limiters := make([]*quota.Limiter, 0, len(cfg.Quota.Limiters))
		for _, lc := range cfg.QuotaLimiterConfigs() {
			limiter, err := quota.NewLimiter(ctx, pool, lc)
			if err != nil {
				return err
			}
			limiters = append(limiters, limiter)
		}
		usage, err := quota.NewUsageHistory(ctx, pool)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithLimiters(limiters...), server.WithUsageHistory(usage))
		scheduler = quota.NewScheduler(pool, cfg.QuotaLimiterConfigs(), cfg.Quota.Scheduler.TickInterval.Std(), logger)
	}

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}

	srv := server.New(conversations, llmClient, server.ModelSettings{
		Model:          cfg.LLM.Model,
		System:         cfg.LLM.System,
		ContextWindow:  cfg.LLM.ContextWindow,
		ResponseTokens: cfg.LLM.ResponseTokens,
	}, opts...)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.ListenAndServe(cfg.Server.Addr)
	})
	if scheduler != nil {
		group.Go(func() error {
			return scheduler.Run(gctx)
		})
	}
	group.Go(func() error {
		return config.Watch(gctx, configPath, logger)
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// A clean shutdown surfaces as ErrServerClosed from the listener and
	// context.Canceled from the workers; anything else is a real failure
	// and must reach main for a nonzero exit.
	if err := group.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildCache(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case config.BackendRelational:
		pool, err := pgxpool.New(ctx, cfg.Cache.Postgres.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("connect cache storage: %w", err)
		}
		pg, err := cache.NewPostgresCache(ctx, pool, cfg.Cache.Capacity)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg.OnEvict(func(_, _ string) { metrics.CacheEviction() })
		return pg, pool.Close, nil
	default:
		mem := cache.NewMemoryCache(cfg.Cache.Capacity)
		mem.OnEvict(func(_, _ string) { metrics.CacheEviction() })
		return mem, func() {}, nil
	}
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		if cfg.LLM.APIKey != "" {
			return llm.NewAnthropicClientWithKey(cfg.LLM.APIKey), nil
		}
		return llm.NewAnthropicClient(), nil
	case "mock":
		return llm.NewMockClient(llm.MockResponse{Content: "mock response"}), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLM.Provider)
	}
}
