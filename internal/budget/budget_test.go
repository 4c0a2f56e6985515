package budget

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kalambet/quadsearch/internal/completion"
	"github.com/kalambet/quadsearch/internal/storage"
)

func newTestLedger(t *testing.T, now time.Time) (*Ledger, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	l := NewLedger(s, Limits{Window: 24 * time.Hour, AnonymousMax: 1000, VerifiedMax: 5000})
	l.now = func() time.Time { return now }
	return l, s
}

type mockCompleter struct {
	completeFn func(ctx context.Context, req completion.Request) (completion.Response, error)
	calls      int
}

func (m *mockCompleter) Complete(ctx context.Context, req completion.Request) (completion.Response, error) {
	m.calls++
	return m.completeFn(ctx, req)
}

func TestCheckBudget_FreshIdentity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, now)

	d, err := l.CheckBudget(context.Background(), "ip:1.2.3.4", TierAnonymous, 100)
	if err != nil {
		t.Fatalf("CheckBudget: %v", err)
	}
	if !d.Allowed || d.Remaining != 1000 || d.TokensUsed != 0 || d.MaxTokens != 1000 {
		t.Errorf("decision = %+v", d)
	}
	if !d.ResetsAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("ResetsAt = %v", d.ResetsAt)
	}
}

func TestCheckBudget_AtCapDenies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, s := newTestLedger(t, now)
	ctx := context.Background()

	start := now.Add(-time.Hour)
	if err := s.DebitBudget(ctx, "user:7", string(TierVerified), 5000, start, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}

	for _, estimate := range []int64{1, 50, 5000} {
		d, err := l.CheckBudget(ctx, "user:7", TierVerified, estimate)
		exceeded, ok := IsExceeded(err)
		if !ok {
			t.Fatalf("estimate %d: err = %v, want ExceededError", estimate, err)
		}
		if d.Allowed || d.Remaining != 0 {
			t.Errorf("estimate %d: decision = %+v", estimate, d)
		}
		if !exceeded.Decision.ResetsAt.After(now) {
			t.Errorf("ResetsAt = %v, want after %v", exceeded.Decision.ResetsAt, now)
		}
		if !exceeded.Decision.ResetsAt.Equal(start.Add(24 * time.Hour)) {
			t.Errorf("ResetsAt = %v, want window end %v", exceeded.Decision.ResetsAt, start.Add(24*time.Hour))
		}
	}
}

func TestCheckBudget_EstimateAboveRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, s := newTestLedger(t, now)
	ctx := context.Background()

	if err := s.DebitBudget(ctx, "device:abc", string(TierAnonymous), 900, now.Add(-time.Minute), 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}
	if _, err := l.CheckBudget(ctx, "device:abc", TierAnonymous, 100); err != nil {
		t.Errorf("estimate == remaining denied: %v", err)
	}
	if _, err := l.CheckBudget(ctx, "device:abc", TierAnonymous, 101); err == nil {
		t.Error("estimate above remaining admitted")
	}
}

func TestRollover_ExpiredWindowCountsAsZeroWithoutWriting(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	l, s := newTestLedger(t, now)
	ctx := context.Background()

	old := now.Add(-25 * time.Hour)
	if err := s.DebitBudget(ctx, "ip:9.9.9.9", string(TierAnonymous), 1000, old, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}

	d, err := l.CheckBudget(ctx, "ip:9.9.9.9", TierAnonymous, 500)
	if err != nil {
		t.Fatalf("CheckBudget after expiry: %v", err)
	}
	if d.TokensUsed != 0 || d.Remaining != 1000 {
		t.Errorf("decision = %+v, want usage treated as zero", d)
	}

	rec, err := s.GetBudgetRecord(ctx, "ip:9.9.9.9")
	if err != nil {
		t.Fatalf("GetBudgetRecord: %v", err)
	}
	if rec.TokensUsed != 1000 || !rec.WindowStart.Equal(old) {
		t.Errorf("check wrote to the record: %+v", rec)
	}

	if err := l.Debit(ctx, "ip:9.9.9.9", TierAnonymous, 40); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	rec, err = s.GetBudgetRecord(ctx, "ip:9.9.9.9")
	if err != nil {
		t.Fatalf("GetBudgetRecord: %v", err)
	}
	if rec.TokensUsed != 40 {
		t.Errorf("TokensUsed = %d, want 40 after reset", rec.TokensUsed)
	}
	if !rec.WindowStart.Equal(now) {
		t.Errorf("WindowStart = %v, want %v", rec.WindowStart, now)
	}
}

func TestDebit_IgnoresNonPositive(t *testing.T) {
	l, s := newTestLedger(t, time.Now())
	if err := l.Debit(context.Background(), "ip:x", TierAnonymous, 0); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := s.GetBudgetRecord(context.Background(), "ip:x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("zero debit created a record: %v", err)
	}
}

func TestGate_DebitsActualTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, s := newTestLedger(t, now)
	next := &mockCompleter{completeFn: func(_ context.Context, _ completion.Request) (completion.Response, error) {
		return completion.Response{Text: "answer", TokensConsumed: 237}, nil
	}}
	g := NewGate(l, next, 100, nil)
	id := Identity{Key: "user:42", Tier: TierVerified}

	resp, err := g.For(id).Complete(context.Background(), completion.Request{SystemPrompt: "sys", UserContent: "a fairly long user question"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "answer" {
		t.Errorf("Text = %q", resp.Text)
	}
	rec, err := s.GetBudgetRecord(context.Background(), "user:42")
	if err != nil {
		t.Fatalf("GetBudgetRecord: %v", err)
	}
	if rec.TokensUsed != 237 {
		t.Errorf("TokensUsed = %d, want actual 237", rec.TokensUsed)
	}
	if rec.Tier != string(TierVerified) {
		t.Errorf("Tier = %q", rec.Tier)
	}
}

func TestGate_DeniedDoesNotCallService(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, s := newTestLedger(t, now)
	if err := s.DebitBudget(context.Background(), "ip:1.1.1.1", string(TierAnonymous), 1000, now, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}
	next := &mockCompleter{completeFn: func(_ context.Context, _ completion.Request) (completion.Response, error) {
		return completion.Response{TokensConsumed: 1}, nil
	}}
	g := NewGate(l, next, 10, nil)

	_, err := g.For(Identity{Key: "ip:1.1.1.1", Tier: TierAnonymous}).Complete(context.Background(), completion.Request{UserContent: "q"})
	if _, ok := IsExceeded(err); !ok {
		t.Fatalf("err = %v, want ExceededError", err)
	}
	if next.calls != 0 {
		t.Errorf("completion called %d times after denial", next.calls)
	}
}

func TestGate_FailedCallNotDebited(t *testing.T) {
	l, s := newTestLedger(t, time.Now())
	next := &mockCompleter{completeFn: func(_ context.Context, _ completion.Request) (completion.Response, error) {
		return completion.Response{}, errors.New("upstream 500")
	}}
	g := NewGate(l, next, 10, nil)

	if _, err := g.For(Identity{Key: "ip:2.2.2.2", Tier: TierAnonymous}).Complete(context.Background(), completion.Request{UserContent: "q"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := s.GetBudgetRecord(context.Background(), "ip:2.2.2.2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("failed call debited: %v", err)
	}
}

func TestGate_Precheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, s := newTestLedger(t, now)
	g := NewGate(l, nil, 200, nil)
	id := Identity{Key: "device:d1", Tier: TierAnonymous}

	if _, err := g.Precheck(context.Background(), id); err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if err := s.DebitBudget(context.Background(), id.Key, string(id.Tier), 850, now, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}
	if _, err := g.Precheck(context.Background(), id); err == nil {
		t.Error("Precheck admitted with 150 remaining and a 200 reserve")
	}
}

func TestResolveIdentity(t *testing.T) {
	tests := []struct {
		name                 string
		user, fp, remoteAddr string
		want                 Identity
	}{
		{"user wins", "42", "fp-1", "10.0.0.1:5555", Identity{Key: "user:42", Tier: TierVerified}},
		{"fingerprint before ip", "", "fp-1", "10.0.0.1:5555", Identity{Key: "device:fp-1", Tier: TierAnonymous}},
		{"ip with port", "", "", "10.0.0.1:5555", Identity{Key: "ip:10.0.0.1", Tier: TierAnonymous}},
		{"ipv6", "", "", "[::1]:80", Identity{Key: "ip:::1", Tier: TierAnonymous}},
		{"bare ip", "", "  ", "192.168.1.9", Identity{Key: "ip:192.168.1.9", Tier: TierAnonymous}},
		{"nothing", "", "", "", Identity{Key: "ip:unknown", Tier: TierAnonymous}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveIdentity(tt.user, tt.fp, tt.remoteAddr); got != tt.want {
				t.Errorf("ResolveIdentity = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveIdentity_TruncatesFingerprintOnRuneBoundary(t *testing.T) {
	ascii := ResolveIdentity("", strings.Repeat("x", 300), "")
	if got := len(strings.TrimPrefix(ascii.Key, "device:")); got != maxFingerprintLen {
		t.Errorf("ascii fingerprint length = %d, want %d", got, maxFingerprintLen)
	}

	// "é" is two bytes, so byte 128 falls inside a rune.
	id := ResolveIdentity("", "a"+strings.Repeat("é", 100), "")
	fp := strings.TrimPrefix(id.Key, "device:")
	if !utf8.ValidString(fp) {
		t.Fatalf("fingerprint %q is not valid UTF-8", fp)
	}
	if len(fp) != maxFingerprintLen-1 {
		t.Errorf("fingerprint length = %d, want %d", len(fp), maxFingerprintLen-1)
	}
}

func TestIdentityFromKey(t *testing.T) {
	for key, want := range map[string]Tier{
		"user:42":     TierVerified,
		"mcp:local":   TierVerified,
		"device:abc":  TierAnonymous,
		"ip:10.0.0.1": TierAnonymous,
		"unprefixed":  TierAnonymous,
	} {
		if got := IdentityFromKey(key); got.Tier != want || got.Key != key {
			t.Errorf("IdentityFromKey(%q) = %+v, want tier %s", key, got, want)
		}
	}
}
