package budget

import (
	"context"
	"log/slog"

	"github.com/kalambet/quadsearch/internal/completion"
)

// Gate wraps completion calls with a budget check before and a debit after.
type Gate struct {
	ledger  *Ledger
	next    completion.Completer
	reserve int64
	logger  *slog.Logger
}

// NewGate returns a gate over next. reserve is added to the prompt estimate
// to cover the completion's own output.
func NewGate(ledger *Ledger, next completion.Completer, reserve int64, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: ledger, next: next, reserve: reserve, logger: logger}
}

// Ledger returns the ledger the gate charges.
func (g *Gate) Ledger() *Ledger {
	return g.ledger
}

// Precheck admits identity for a call of unknown size, using only the
// completion reserve as the estimate.
func (g *Gate) Precheck(ctx context.Context, id Identity) (Decision, error) {
	return g.ledger.CheckBudget(ctx, id.Key, id.Tier, g.reserve)
}

// For returns a Completer that charges id.
func (g *Gate) For(id Identity) completion.Completer {
	return &gated{gate: g, id: id}
}

type gated struct {
	gate *Gate
	id   Identity
}

// Complete estimates, checks, calls and debits. The debit uses the tokens
// the service reports, never the estimate. Nothing is debited when the call
// fails.
func (c *gated) Complete(ctx context.Context, req completion.Request) (completion.Response, error) {
	g := c.gate
	estimate := int64(completion.EstimateRequest(req)) + g.reserve
	if _, err := g.ledger.CheckBudget(ctx, c.id.Key, c.id.Tier, estimate); err != nil {
		return completion.Response{}, err
	}

	resp, err := g.next.Complete(ctx, req)
	if err != nil {
		return completion.Response{}, err
	}

	if err := g.ledger.Debit(ctx, c.id.Key, c.id.Tier, int64(resp.TokensConsumed)); err != nil {
		// The answer is still returned when the debit fails.
		g.logger.Error("budget debit failed", "identity", c.id.Key, "tokens", resp.TokensConsumed, "error", err)
	}
	return resp, nil
}
