package quota

import (
	"context"
	"fmt"
)

const (
	createUsageTable = `
		CREATE TABLE IF NOT EXISTS token_usage (
			subject_id    text NOT NULL,
			provider      text NOT NULL,
			model         text NOT NULL,
			input_tokens  bigint NOT NULL DEFAULT 0,
			output_tokens bigint NOT NULL DEFAULT 0,
			updated_at    timestamp with time zone NOT NULL,
			PRIMARY KEY (subject_id, provider, model)
		)`

	recordUsage = `
		INSERT INTO token_usage (subject_id, provider, model, input_tokens, output_tokens, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (subject_id, provider, model)
		DO UPDATE SET input_tokens = token_usage.input_tokens + EXCLUDED.input_tokens,
		              output_tokens = token_usage.output_tokens + EXCLUDED.output_tokens,
		              updated_at = now()`
)

// UsageHistory accumulates per-subject token consumption broken down by
// provider and model. It is bookkeeping only; enforcement lives in Limiter.
type UsageHistory struct {
	db DB
}

// NewUsageHistory creates the usage history store and initializes its table.
func NewUsageHistory(ctx context.Context, db DB) (*UsageHistory, error) {
	if _, err := db.Exec(ctx, createUsageTable); err != nil {
		return nil, fmt.Errorf("create token_usage table: %w", err)
	}
	return &UsageHistory{db: db}, nil
}

// Record adds one call's usage to the subject's running totals.
func (h *UsageHistory) Record(ctx context.Context, subjectID, provider, model string, inputTokens, outputTokens int64) error {
	if _, err := h.db.Exec(ctx, recordUsage, subjectID, provider, model, inputTokens, outputTokens); err != nil {
		return wrapUnavailable("record token usage", err)
	}
	return nil
}
