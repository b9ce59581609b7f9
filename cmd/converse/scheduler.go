package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/szaher/converse/internal/config"
	"github.com/szaher/converse/internal/quota"
)

func newQuotaSchedulerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "quota-scheduler",
		Short: "Run the periodic quota adjustment scheduler",
		Long: `Runs the quota scheduler as a standalone process. Multiple replicas may
run against the same storage; conditional updates keyed on the period
boundary guarantee each adjustment is applied exactly once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaScheduler(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Perform a single sync pass and exit")
	return cmd
}

func runQuotaScheduler(parent context.Context, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Quota.Limiters) == 0 {
		return fmt.Errorf("no quota limiters configured")
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Quota.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connect quota storage: %w", err)
	}
	defer pool.Close()

	// Table creation is idempotent; the scheduler may start before the
	// service ever consumed quota.
	for _, lc := range cfg.QuotaLimiterConfigs() {
		if _, err := quota.NewLimiter(ctx, pool, lc); err != nil {
			return err
		}
	}

	scheduler := quota.NewScheduler(pool, cfg.QuotaLimiterConfigs(), cfg.Quota.Scheduler.TickInterval.Std(), logger)
	if once {
		return scheduler.RunOnce(ctx)
	}
	if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
