package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"
)

const (
	selectDueRecords = `
		SELECT subject_id, next_boundary
		  FROM quota_limits
		 WHERE limiter_name = $1 AND next_boundary <= $2`

	// Both the quota adjustment and the boundary advance are applied in
	// one statement guarded by the previously read boundary, so a replica
	// working from a stale read matches zero rows and adjusts nothing.
	increaseDueQuota = `
		UPDATE quota_limits
		   SET available = available + $4,
		       quota_limit = quota_limit + $4,
		       next_boundary = $5
		 WHERE limiter_name = $1 AND subject_id = $2 AND next_boundary = $3`

	resetDueQuota = `
		UPDATE quota_limits
		   SET available = $4,
		       next_boundary = $5
		 WHERE limiter_name = $1 AND subject_id = $2 AND next_boundary = $3`

	// Applied when initial_quota changes in configuration: shift the
	// remaining budget by the delta so prior consumption is preserved.
	// Only reset-mode limiters are reconciled this way; in increase mode
	// quota_limit accrues by design and is not a config mirror.
	reconcileQuotaLimit = `
		UPDATE quota_limits
		   SET available = available + ($2 - quota_limit),
		       quota_limit = $2
		 WHERE limiter_name = $1 AND quota_limit <> $2`
)

// Scheduler applies periodic quota adjustments for all configured limiters.
// It runs off the request path on a fixed tick, independent of any limiter's
// period; due work is derived from wall-clock deltas, not tick counts, so
// missed ticks and restarts self-correct.
type Scheduler struct {
	db       DB
	limiters []LimiterConfig
	tick     time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// NewScheduler creates a scheduler for the given limiter configurations.
func NewScheduler(db DB, limiters []LimiterConfig, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:       db,
		limiters: limiters,
		tick:     tick,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. Errors are logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(cron.Every(s.tick), cron.FuncJob(func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("quota scheduler tick failed", "error", err)
		}
	}))

	s.logger.Info("quota scheduler started", "tick", s.tick, "limiters", len(s.limiters))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("quota scheduler stopped")
	return ctx.Err()
}

// RunOnce performs one sync pass over all limiters.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, cfg := range s.limiters {
		if err := s.reconcileLimits(ctx, cfg); err != nil {
			s.logger.Error("quota limit reconciliation failed", "limiter", cfg.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.adjustDue(ctx, cfg); err != nil {
			s.logger.Error("quota adjustment failed", "limiter", cfg.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// adjustDue advances every record of the limiter whose boundary has passed,
// catching up all whole periods elapsed since the stored boundary.
func (s *Scheduler) adjustDue(ctx context.Context, cfg LimiterConfig) error {
	now := s.now()

	rows, err := s.db.Query(ctx, selectDueRecords, cfg.Name, now)
	if err != nil {
		return wrapUnavailable("select due quota records", err)
	}
	defer rows.Close()

	type due struct {
		subject  string
		boundary time.Time
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.subject, &d.boundary); err != nil {
			return wrapUnavailable("scan due quota record", err)
		}
		dues = append(dues, d)
	}
	if err := rows.Err(); err != nil {
		return wrapUnavailable("select due quota records", err)
	}

	for _, d := range dues {
		periods := elapsedPeriods(d.boundary, now, cfg.Period)
		if periods == 0 {
			continue
		}
		next := d.boundary.Add(time.Duration(periods) * cfg.Period)

		var tag pgconn.CommandTag
		if cfg.QuotaIncrease != nil {
			tag, err = s.db.Exec(ctx, increaseDueQuota,
				cfg.Name, d.subject, d.boundary, *cfg.QuotaIncrease*periods, next)
		} else {
			tag, err = s.db.Exec(ctx, resetDueQuota,
				cfg.Name, d.subject, d.boundary, cfg.InitialQuota, next)
		}
		if err != nil {
			return wrapUnavailable(fmt.Sprintf("adjust quota for subject %q", d.subject), err)
		}
		if tag.RowsAffected() == 0 {
			// Another replica advanced this record first.
			s.logger.Debug("quota record already adjusted", "limiter", cfg.Name, "subject", d.subject)
			continue
		}
		s.logger.Info("quota adjusted",
			"limiter", cfg.Name, "subject", d.subject, "periods", periods, "next_boundary", next)
	}
	return nil
}

func (s *Scheduler) reconcileLimits(ctx context.Context, cfg LimiterConfig) error {
	if cfg.QuotaIncrease != nil {
		return nil
	}
	tag, err := s.db.Exec(ctx, reconcileQuotaLimit, cfg.Name, cfg.InitialQuota)
	if err != nil {
		return wrapUnavailable("reconcile quota limits", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("quota limits reconciled with configuration", "limiter", cfg.Name, "records", n)
	}
	return nil
}

// elapsedPeriods returns the number of whole periods due for a record whose
// boundary has passed: one for reaching the boundary plus one per full
// period since.
func elapsedPeriods(boundary, now time.Time, period time.Duration) int64 {
	if now.Before(boundary) {
		return 0
	}
	return 1 + int64(now.Sub(boundary)/period)
}
