package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Budget records ---

func (s *Store) GetBudgetRecord(ctx context.Context, identity string) (BudgetRecord, error) {
	var r BudgetRecord
	var windowStart, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, tier, tokens_used, window_start, updated_at
		FROM budget_records WHERE identity = ?`, identity,
	).Scan(&r.Identity, &r.Tier, &r.TokensUsed, &windowStart, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BudgetRecord{}, ErrNotFound
	}
	if err != nil {
		return BudgetRecord{}, err
	}
	if r.WindowStart, err = parseTime(windowStart); err != nil {
		return BudgetRecord{}, fmt.Errorf("parsing window_start: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return BudgetRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// DebitBudget records amount tokens against identity in one statement.
// A missing record is created with window_start = now. A record whose window
// started more than window before now is reset to (amount, now); otherwise
// tokens_used is incremented in place by the database.
func (s *Store) DebitBudget(ctx context.Context, identity, tier string, amount int64, now time.Time, window time.Duration) error {
	cutoff := formatTime(now.Add(-window))
	ts := formatTime(now)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_records (identity, tier, tokens_used, window_start, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			tokens_used = CASE WHEN budget_records.window_start < ?
				THEN excluded.tokens_used
				ELSE budget_records.tokens_used + excluded.tokens_used END,
			window_start = CASE WHEN budget_records.window_start < ?
				THEN excluded.window_start
				ELSE budget_records.window_start END,
			tier = excluded.tier,
			updated_at = excluded.updated_at`,
		identity, tier, amount, ts, ts, cutoff, cutoff,
	)
	if err != nil {
		return fmt.Errorf("debiting budget for %s: %w", identity, err)
	}
	return nil
}
