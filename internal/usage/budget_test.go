package usage

import (
	"path/filepath"
	"testing"

	"github.com/nugget/aegis/internal/config"
)

func newTestBudgetStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.EnsureBudgetSchema(10.0); err != nil {
		t.Fatalf("EnsureBudgetSchema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var pricing = map[string]config.PricingEntry{
	"claude-premium": {InputPerMillion: 3, OutputPerMillion: 15},
}

func TestChargeAccountingDelta(t *testing.T) {
	s := newTestBudgetStore(t)
	if err := s.RegisterProvider(Provider{Name: "claude-premium", Tier: TierPaid, Currency: "USD"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	before, err := s.GetProvider("claude-premium")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}

	result, err := s.Charge("claude-premium", 1000, 500, pricing)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	after, err := s.GetProvider("claude-premium")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}

	delta := after.SpentTracked - before.SpentTracked
	if delta != result.Cost {
		t.Errorf("spent_tracked delta = %v, want charge cost %v", delta, result.Cost)
	}
}

func TestChargeNonMonetaryAddsOnePerRequest(t *testing.T) {
	s := newTestBudgetStore(t)
	if err := s.RegisterProvider(Provider{Name: "local-ollama", Tier: TierFree, Currency: "requests"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	if _, err := s.Charge("local-ollama", 500, 500, pricing); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	p, err := s.GetProvider("local-ollama")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if p.SpentTracked != 1 {
		t.Errorf("spent_tracked = %v, want 1", p.SpentTracked)
	}
}

func TestOverCapDegradesCanAfford(t *testing.T) {
	s := newTestBudgetStore(t)
	if err := s.RegisterProvider(Provider{Name: "claude-premium", Tier: TierPaid, Currency: "USD"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if err := s.SetMonthlyCap(1.0); err != nil {
		t.Fatalf("SetMonthlyCap: %v", err)
	}

	// One very large call should exceed the $1 cap and report OverCap.
	result, err := s.Charge("claude-premium", 1_000_000, 1_000_000, pricing)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !result.OverCap {
		t.Fatalf("expected OverCap, got cost=%v overCap=false", result.Cost)
	}

	canAfford, err := s.CanAfford("claude-premium", 0.01)
	if err != nil {
		t.Fatalf("CanAfford: %v", err)
	}
	if canAfford {
		t.Error("CanAfford = true after exceeding monthly cap, want false")
	}
}

func TestResetMonthZeroesMonetaryOnly(t *testing.T) {
	s := newTestBudgetStore(t)
	if err := s.RegisterProvider(Provider{Name: "claude-premium", Tier: TierPaid, Currency: "USD"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if err := s.RegisterProvider(Provider{Name: "local-ollama", Tier: TierFree, Currency: "requests"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	if _, err := s.Charge("claude-premium", 1000, 500, pricing); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if _, err := s.Charge("local-ollama", 100, 100, pricing); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if err := s.ResetMonth(); err != nil {
		t.Fatalf("ResetMonth: %v", err)
	}

	paid, err := s.GetProvider("claude-premium")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if paid.SpentTracked != 0 {
		t.Errorf("paid provider spent_tracked = %v after reset, want 0", paid.SpentTracked)
	}

	free, err := s.GetProvider("local-ollama")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if free.SpentTracked != 1 {
		t.Errorf("non-monetary provider spent_tracked = %v after month reset, want unchanged 1", free.SpentTracked)
	}
}

func TestSetKnownBalanceResetsSpentTracked(t *testing.T) {
	s := newTestBudgetStore(t)
	if err := s.RegisterProvider(Provider{Name: "claude-premium", Tier: TierPaid, Currency: "USD"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if _, err := s.Charge("claude-premium", 1000, 500, pricing); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if err := s.SetKnownBalance("claude-premium", 25.0); err != nil {
		t.Fatalf("SetKnownBalance: %v", err)
	}

	p, err := s.GetProvider("claude-premium")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if p.SpentTracked != 0 {
		t.Errorf("spent_tracked = %v after SetKnownBalance, want 0", p.SpentTracked)
	}
	remaining, bounded := p.EstimatedRemaining()
	if !bounded || remaining != 25.0 {
		t.Errorf("EstimatedRemaining = %v, %v; want 25.0, true", remaining, bounded)
	}
}
