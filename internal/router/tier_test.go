package router

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/aegis/internal/config"
)

func testTiersConfig() config.TiersConfig {
	return config.TiersConfig{
		Level1: []config.TierEntry{
			{Provider: "claude-premium", Model: "claude-opus-4"},
			{Provider: "claude-secondary", Model: "claude-sonnet-4"},
		},
		Level2: []config.TierEntry{
			{Provider: "claude-level2", Model: "claude-sonnet-3.7"},
		},
		Level3: []config.TierEntry{
			{Provider: "claude-level3", Model: "claude-haiku"},
		},
		LocalOnly:     config.TierEntry{Provider: "ollama", Model: "qwen3:4b"},
		MaxFallback:   3,
		CooldownSec:   600,
		FailureWindow: 3,
	}
}

type fakeBudget struct {
	afford map[string]bool
}

func (f fakeBudget) CanAfford(provider string, estimatedCost float64) (bool, error) {
	if f.afford == nil {
		return true, nil
	}
	return f.afford[provider], nil
}

func TestSelectReturnsFirstHealthyAffordableProvider(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), nil)
	sel, err := r.Select(TierLevel1, 0.10)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude-premium" {
		t.Errorf("Provider = %q, want claude-premium", sel.Provider)
	}
}

func TestSelectFallsThroughOnCooldown(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), nil)
	for i := 0; i < 3; i++ {
		r.RecordFailure("claude-premium")
	}
	sel, err := r.Select(TierLevel1, 0.10)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude-secondary" {
		t.Errorf("Provider = %q, want claude-secondary", sel.Provider)
	}
	if len(sel.Skipped) == 0 {
		t.Error("expected claude-premium to be recorded as skipped")
	}
}

func TestRecordSuccessClearsCooldown(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), nil)
	for i := 0; i < 3; i++ {
		r.RecordFailure("claude-premium")
	}
	r.RecordSuccess("claude-premium")
	sel, err := r.Select(TierLevel1, 0.10)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude-premium" {
		t.Errorf("Provider = %q, want claude-premium after cooldown cleared", sel.Provider)
	}
}

func TestSelectDegradesToLocalOnlyWhenUnaffordable(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), fakeBudget{afford: map[string]bool{
		"claude-premium":   false,
		"claude-secondary": false,
	}})
	sel, err := r.Select(TierLevel1, 100.0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "ollama" {
		t.Errorf("Provider = %q, want ollama (local_only floor)", sel.Provider)
	}
}

func TestSelectLocalOnlyTierIgnoresBudget(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), fakeBudget{afford: map[string]bool{}})
	sel, err := r.Select(TierLocalOnly, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "ollama" {
		t.Errorf("Provider = %q, want ollama", sel.Provider)
	}
}

func TestHealthSnapshotReflectsFailures(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), nil)
	r.RecordFailure("claude-premium")
	r.RecordFailure("claude-premium")
	snaps := r.HealthSnapshot()
	if len(snaps) != 1 || snaps[0].ConsecutiveFailures != 2 {
		t.Fatalf("HealthSnapshot = %+v, want one entry with 2 failures", snaps)
	}
}

func TestSelectDegradesAcrossTiersWhenLevel1Unhealthy(t *testing.T) {
	cfg := testTiersConfig()
	cfg.MaxFallback = 10 // don't let max_fallback mask the degrade chain under test
	r := NewTierRouter(cfg, nil)

	for _, p := range []string{"claude-premium", "claude-secondary"} {
		for i := 0; i < 3; i++ {
			r.RecordFailure(p)
		}
	}

	sel, err := r.Select(TierLevel1, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude-level2" {
		t.Errorf("Provider = %q, want claude-level2 (degraded from level1)", sel.Provider)
	}

	for i := 0; i < 3; i++ {
		r.RecordFailure("claude-level2")
	}
	sel, err = r.Select(TierLevel1, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude-level3" {
		t.Errorf("Provider = %q, want claude-level3 (degraded from level1->level2)", sel.Provider)
	}
}

func TestSelectWithRequestExcludesProviders(t *testing.T) {
	r := NewTierRouter(testTiersConfig(), nil)
	sel, err := r.SelectWithRequest(TierLevel1, 0, Request{}, "claude-premium")
	if err != nil {
		t.Fatalf("SelectWithRequest: %v", err)
	}
	if sel.Provider != "claude-secondary" {
		t.Errorf("Provider = %q, want claude-secondary when claude-premium excluded", sel.Provider)
	}
}

func TestChooserReordersWithinTierRung(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chooser := NewRouter(logger, Config{
		Models: []Model{
			{Name: "claude-opus-4", Provider: "claude-premium", Quality: 9, CostTier: 3, MinComplexity: ComplexitySimple},
			{Name: "claude-sonnet-4", Provider: "claude-secondary", Quality: 6, CostTier: 1, Speed: 9, MinComplexity: ComplexitySimple},
		},
	})

	r := NewTierRouter(testTiersConfig(), nil)
	r.SetChooser(chooser)

	sel, err := r.SelectWithRequest(TierLevel1, 0, Request{Query: "turn on the lights"})
	if err != nil {
		t.Fatalf("SelectWithRequest: %v", err)
	}
	if sel.Provider != "claude-secondary" {
		t.Errorf("Provider = %q, want claude-secondary (chooser should prefer the cheap/fast model for a simple query)", sel.Provider)
	}
}

func TestCooldownExpiresAfterDuration(t *testing.T) {
	r := NewTierRouter(config.TiersConfig{
		Level1:        []config.TierEntry{{Provider: "claude-premium", Model: "m"}},
		LocalOnly:     config.TierEntry{Provider: "ollama", Model: "qwen3:4b"},
		MaxFallback:   3,
		CooldownSec:   1,
		FailureWindow: 1,
	}, nil)
	now := time.Now()
	r.clock = func() time.Time { return now }
	r.RecordFailure("claude-premium")

	sel, _ := r.Select(TierLevel1, 0)
	if sel.Provider != "ollama" {
		t.Fatalf("expected cooldown to block claude-premium immediately, got %q", sel.Provider)
	}

	r.clock = func() time.Time { return now.Add(2 * time.Second) }
	sel, err := r.Select(TierLevel1, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude-premium" {
		t.Errorf("Provider = %q, want claude-premium after cooldown expiry", sel.Provider)
	}
}
