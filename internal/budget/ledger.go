// Package budget tracks per-identity token consumption in a rolling window
// and gates completion calls on it.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/storage"
)

// Tier selects the token cap applied to an identity.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierVerified  Tier = "verified"
)

// Limits are the per-tier caps. Both tiers share one window length.
type Limits struct {
	Window       time.Duration
	AnonymousMax int64
	VerifiedMax  int64
}

// DefaultLimits returns the caps used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{Window: 24 * time.Hour, AnonymousMax: 20000, VerifiedMax: 200000}
}

// Max returns the token cap for tier.
func (l Limits) Max(tier Tier) int64 {
	if tier == TierVerified {
		return l.VerifiedMax
	}
	return l.AnonymousMax
}

// Store is the persistence the ledger needs.
type Store interface {
	GetBudgetRecord(ctx context.Context, identity string) (storage.BudgetRecord, error)
	DebitBudget(ctx context.Context, identity, tier string, amount int64, now time.Time, window time.Duration) error
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Identity   string    `json:"identity"`
	Tier       Tier      `json:"tier"`
	TokensUsed int64     `json:"tokens_used"`
	MaxTokens  int64     `json:"max_tokens"`
	Remaining  int64     `json:"remaining"`
	ResetsAt   time.Time `json:"resets_at"`
}

// ExceededError is returned when a check denies admission.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded for %s: %d remaining, resets at %s",
		e.Decision.Identity, e.Decision.Remaining, e.Decision.ResetsAt.UTC().Format(time.RFC3339))
}

// IsExceeded reports whether err carries an ExceededError.
func IsExceeded(err error) (*ExceededError, bool) {
	var e *ExceededError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Ledger reads and debits budget records.
type Ledger struct {
	store  Store
	limits Limits
	now    func() time.Time
}

func NewLedger(store Store, limits Limits) *Ledger {
	return &Ledger{store: store, limits: limits, now: time.Now}
}

// Limits returns the configured caps.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Usage returns the current standing of identity without admitting anything.
// An expired window counts as zero; nothing is written.
func (l *Ledger) Usage(ctx context.Context, identity string, tier Tier) (Decision, error) {
	now := l.now()
	d := Decision{
		Identity:  identity,
		Tier:      tier,
		MaxTokens: l.limits.Max(tier),
		ResetsAt:  now.Add(l.limits.Window),
	}

	rec, err := l.store.GetBudgetRecord(ctx, identity)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Decision{}, fmt.Errorf("reading budget for %s: %w", identity, err)
	case now.Sub(rec.WindowStart) > l.limits.Window:
		// Expired: the next debit materialises the reset.
	default:
		d.TokensUsed = rec.TokensUsed
		d.ResetsAt = rec.WindowStart.Add(l.limits.Window)
	}

	d.Remaining = d.MaxTokens - d.TokensUsed
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Allowed = d.Remaining > 0
	return d, nil
}

// CheckBudget admits a call estimated at estimate tokens. A denial is
// returned as *ExceededError carrying the full decision. The read may race
// with concurrent debits; slight over-admission is accepted.
func (l *Ledger) CheckBudget(ctx context.Context, identity string, tier Tier, estimate int64) (Decision, error) {
	d, err := l.Usage(ctx, identity, tier)
	if err != nil {
		return Decision{}, err
	}
	if estimate < 0 {
		estimate = 0
	}
	d.Allowed = d.Remaining > 0 && estimate <= d.Remaining
	if !d.Allowed {
		metrics.BudgetDecisions.WithLabelValues(string(tier), "denied").Inc()
		return d, &ExceededError{Decision: d}
	}
	metrics.BudgetDecisions.WithLabelValues(string(tier), "allowed").Inc()
	return d, nil
}

// Debit records actual tokens against identity. The reset of an expired
// window and the increment happen in the same database statement.
func (l *Ledger) Debit(ctx context.Context, identity string, tier Tier, actual int64) error {
	if actual <= 0 {
		return nil
	}
	if err := l.store.DebitBudget(ctx, identity, string(tier), actual, l.now(), l.limits.Window); err != nil {
		return err
	}
	metrics.TokensDebited.WithLabelValues(string(tier)).Add(float64(actual))
	return nil
}
