// Package quota implements per-subject token budgets with periodic
// replenishment, backed by Postgres.
//
// The consume path is a single conditional UPDATE so that concurrent callers
// across process replicas cannot jointly overdraw; the scheduler applies
// periodic adjustments with conditional updates keyed on the previous period
// boundary so replicas racing on the same record adjust it exactly once.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Scope selects whose budget a limiter tracks.
type Scope string

const (
	// ScopePerUser keys quota records by the requesting user.
	ScopePerUser Scope = "per_user"
	// ScopeCluster tracks one shared budget for the whole deployment.
	ScopeCluster Scope = "cluster_wide"
)

// LimiterConfig describes one configured limiter. Immutable after load.
type LimiterConfig struct {
	Name         string
	Scope        Scope
	InitialQuota int64
	// QuotaIncrease, when set, is added to the budget each period. When
	// nil the budget is instead reset to InitialQuota at each boundary.
	QuotaIncrease *int64
	Period        time.Duration
}

// Validate checks the limiter configuration.
func (c LimiterConfig) Validate() error {
	if c.Name == "" {
		return errors.New("limiter name must not be empty")
	}
	if c.Scope != ScopePerUser && c.Scope != ScopeCluster {
		return fmt.Errorf("limiter %q: unknown scope %q", c.Name, c.Scope)
	}
	if c.InitialQuota < 0 {
		return fmt.Errorf("limiter %q: initial quota must not be negative", c.Name)
	}
	if c.QuotaIncrease != nil && *c.QuotaIncrease <= 0 {
		return fmt.Errorf("limiter %q: quota increase must be positive", c.Name)
	}
	if c.Period <= 0 {
		return fmt.Errorf("limiter %q: period must be positive", c.Name)
	}
	return nil
}

// ErrBackendUnavailable indicates quota storage could not be reached.
// Consumption fails closed on it: the request is denied.
var ErrBackendUnavailable = errors.New("quota backend unavailable")

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// DB is the subset of pgxpool.Pool the quota subsystem uses. All operations
// are single statements; no transactions are held across calls.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const (
	createQuotaTable = `
		CREATE TABLE IF NOT EXISTS quota_limits (
			limiter_name  text NOT NULL,
			subject_id    text NOT NULL,
			quota_limit   bigint NOT NULL,
			available     bigint NOT NULL,
			next_boundary timestamp with time zone NOT NULL,
			PRIMARY KEY (limiter_name, subject_id)
		)`

	initQuotaRecord = `
		INSERT INTO quota_limits (limiter_name, subject_id, quota_limit, available, next_boundary)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (limiter_name, subject_id) DO NOTHING`

	selectAvailable = `
		SELECT available
		  FROM quota_limits
		 WHERE limiter_name = $1 AND subject_id = $2`

	// The decrement-with-floor: only rows with enough budget match, so a
	// denied consume leaves available untouched and it can never go
	// negative.
	consumeQuota = `
		UPDATE quota_limits
		   SET available = available - $3
		 WHERE limiter_name = $1 AND subject_id = $2 AND available >= $3`

	// Credits from reconciliation never push available past the accrued
	// ceiling tracked in quota_limit.
	creditQuota = `
		UPDATE quota_limits
		   SET available = LEAST(available + $3, quota_limit)
		 WHERE limiter_name = $1 AND subject_id = $2`

	debitQuota = `
		UPDATE quota_limits
		   SET available = GREATEST(available - $3, 0)
		 WHERE limiter_name = $1 AND subject_id = $2`
)

// Limiter enforces one configured quota against the shared store.
type Limiter struct {
	db  DB
	cfg LimiterConfig

	now func() time.Time
}

// NewLimiter creates a limiter and initializes its table.
func NewLimiter(ctx context.Context, db DB, cfg LimiterConfig) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(ctx, createQuotaTable); err != nil {
		return nil, fmt.Errorf("create quota_limits table: %w", err)
	}
	return &Limiter{db: db, cfg: cfg, now: time.Now}, nil
}

// Name returns the limiter's configured name.
func (l *Limiter) Name() string { return l.cfg.Name }

// subject maps a caller-supplied subject ID onto the record key. Cluster
// limiters share a single record under the empty subject.
func (l *Limiter) subject(subjectID string) string {
	if l.cfg.Scope == ScopeCluster {
		return ""
	}
	return subjectID
}

func (l *Limiter) initRecord(ctx context.Context, subject string) error {
	boundary := l.now().Add(l.cfg.Period)
	if _, err := l.db.Exec(ctx, initQuotaRecord, l.cfg.Name, subject, l.cfg.InitialQuota, boundary); err != nil {
		return wrapUnavailable("init quota record", err)
	}
	return nil
}

// Consume atomically authorizes and deducts tokens. It returns false with a
// nil error when the subject's remaining budget is insufficient; storage
// failures return false with ErrBackendUnavailable (fail closed).
func (l *Limiter) Consume(ctx context.Context, subjectID string, tokens int64) (bool, error) {
	if tokens < 0 {
		return false, fmt.Errorf("consume %d tokens: negative amount", tokens)
	}
	subject := l.subject(subjectID)

	tag, err := l.db.Exec(ctx, consumeQuota, l.cfg.Name, subject, tokens)
	if err != nil {
		return false, wrapUnavailable("consume quota", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Either the record does not exist yet or the budget is exhausted.
	// Initialize lazily and retry once; a second miss is a denial.
	if err := l.initRecord(ctx, subject); err != nil {
		return false, err
	}
	tag, err = l.db.Exec(ctx, consumeQuota, l.cfg.Name, subject, tokens)
	if err != nil {
		return false, wrapUnavailable("consume quota", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Reconcile settles the difference between a pre-reserved estimate and the
// actual usage reported by the provider. Over-reservation is credited back,
// capped at the accrued ceiling; under-reservation is debited with a floor
// of zero.
func (l *Limiter) Reconcile(ctx context.Context, subjectID string, actualTokens, reservedTokens int64) error {
	delta := reservedTokens - actualTokens
	if delta == 0 {
		return nil
	}
	subject := l.subject(subjectID)

	stmt := creditQuota
	if delta < 0 {
		stmt = debitQuota
		delta = -delta
	}
	if _, err := l.db.Exec(ctx, stmt, l.cfg.Name, subject, delta); err != nil {
		return wrapUnavailable("reconcile quota", err)
	}
	return nil
}

// Available returns the subject's remaining budget, initializing the record
// on first touch.
func (l *Limiter) Available(ctx context.Context, subjectID string) (int64, error) {
	subject := l.subject(subjectID)

	var available int64
	err := l.db.QueryRow(ctx, selectAvailable, l.cfg.Name, subject).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := l.initRecord(ctx, subject); err != nil {
			return 0, err
		}
		return l.cfg.InitialQuota, nil
	}
	if err != nil {
		return 0, wrapUnavailable("read quota", err)
	}
	return available, nil
}
