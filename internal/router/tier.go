package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/nugget/aegis/internal/config"
)

// TierName identifies one of the six LLM tiers plus the always-available
// local fallback.
type TierName string

const (
	TierLevel1       TierName = "level1"
	TierLevel2       TierName = "level2"
	TierLevel3       TierName = "level3"
	TierCodingLevel1 TierName = "coding_level1"
	TierCodingLevel2 TierName = "coding_level2"
	TierCodingLevel3 TierName = "coding_level3"
	TierLocalOnly    TierName = "local_only"
)

// BudgetChecker is the subset of internal/usage.Store the tier router
// needs to skip providers it cannot afford. Declared as an interface so
// this package doesn't import usage directly and router_test.go can
// supply a fake.
type BudgetChecker interface {
	CanAfford(provider string, estimatedCost float64) (bool, error)
}

// health tracks one provider's consecutive-failure count and any active
// cooldown, grounded on internal/scheduler's timer-driven re-arm idiom
// applied here to a per-provider cooldown clock instead of a task fire
// time.
type health struct {
	consecutiveFailures int
	cooldownUntil       time.Time
}

func (h health) onCooldown(now time.Time) bool {
	return !h.cooldownUntil.IsZero() && now.Before(h.cooldownUntil)
}

// TierRouter walks a configured tier ladder, skipping providers that are
// cooling down after repeated failures or that the budget tracker
// reports as unaffordable, and falls back to TierLocalOnly — which is
// never skipped — when every paid option is exhausted.
type TierRouter struct {
	cfg     config.TiersConfig
	budget  BudgetChecker
	clock   func() time.Time
	chooser *Router

	mu     sync.Mutex
	health map[string]*health
}

// NewTierRouter constructs a TierRouter. budget may be nil, in which
// case affordability is never consulted (useful for tests or a
// no-budget-tracking deployment).
func NewTierRouter(cfg config.TiersConfig, budget BudgetChecker) *TierRouter {
	return &TierRouter{
		cfg:    cfg,
		budget: budget,
		clock:  time.Now,
		health: make(map[string]*health),
	}
}

// ModelsFromConfig converts the capability metadata in
// config.ModelsConfig.Available into the Model list a within-tier
// Router chooser scores candidates against.
func ModelsFromConfig(available []config.ModelConfig) []Model {
	out := make([]Model, 0, len(available))
	for _, m := range available {
		out = append(out, Model{
			Name:          m.Name,
			Provider:      m.Provider,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
			Speed:         m.Speed,
			Quality:       m.Quality,
			CostTier:      m.CostTier,
			MinComplexity: parseComplexity(m.MinComplexity),
		})
	}
	return out
}

func parseComplexity(s string) Complexity {
	switch s {
	case "moderate":
		return ComplexityModerate
	case "complex":
		return ComplexityComplex
	default:
		return ComplexitySimple
	}
}

// SetChooser installs a Router to pick the preferred candidate within a
// single tier's rung (e.g. among several Level1 provider/model pairs)
// using its complexity/cost/hint scoring, instead of always trying a
// tier's entries in static config order. Pass nil to disable.
func (t *TierRouter) SetChooser(r *Router) {
	t.chooser = r
}

// degradeChain returns, for a requested tier, the ordered sequence of
// tier rungs it degrades through before reaching local_only. level1
// degrades level1->level2->level3->local_only; coding_level1
// degrades coding_level1->coding_level2->coding_level3->local_only;
// level2/level3 (and their coding equivalents) degrade through the
// remaining rungs above local_only.
func (t *TierRouter) degradeChain(tier TierName) [][]config.TierEntry {
	switch tier {
	case TierLevel1:
		return [][]config.TierEntry{t.cfg.Level1, t.cfg.Level2, t.cfg.Level3, {t.cfg.LocalOnly}}
	case TierLevel2:
		return [][]config.TierEntry{t.cfg.Level2, t.cfg.Level3, {t.cfg.LocalOnly}}
	case TierLevel3:
		return [][]config.TierEntry{t.cfg.Level3, {t.cfg.LocalOnly}}
	case TierCodingLevel1:
		return [][]config.TierEntry{t.cfg.CodingLevel1, t.cfg.CodingLevel2, t.cfg.CodingLevel3, {t.cfg.LocalOnly}}
	case TierCodingLevel2:
		return [][]config.TierEntry{t.cfg.CodingLevel2, t.cfg.CodingLevel3, {t.cfg.LocalOnly}}
	case TierCodingLevel3:
		return [][]config.TierEntry{t.cfg.CodingLevel3, {t.cfg.LocalOnly}}
	default: // TierLocalOnly
		return [][]config.TierEntry{{t.cfg.LocalOnly}}
	}
}

// ladder flattens degradeChain into the full ordered candidate list
// Select walks, reordering each rung's own entries by the chooser (when
// set) so the within-tier pick reflects req's complexity/cost/hint
// profile instead of static config order.
func (t *TierRouter) ladder(tier TierName, req Request) []config.TierEntry {
	var out []config.TierEntry
	for _, rung := range t.degradeChain(tier) {
		out = append(out, t.orderRung(rung, req)...)
	}
	return out
}

// orderRung moves the chooser's preferred model to the front of a
// single rung's candidates, leaving the rest in their configured order.
func (t *TierRouter) orderRung(entries []config.TierEntry, req Request) []config.TierEntry {
	if t.chooser == nil || len(entries) < 2 {
		return entries
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Model != "" {
			names = append(names, e.Model)
		}
	}
	chosen, _ := t.chooser.ChooseAmong(req, names)
	if chosen == "" {
		return entries
	}
	ordered := make([]config.TierEntry, 0, len(entries))
	var rest []config.TierEntry
	for _, e := range entries {
		if e.Model == chosen {
			ordered = append(ordered, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(ordered, rest...)
}

// Selection is the outcome of walking a tier ladder.
type Selection struct {
	Provider string
	Model    string
	Tier     TierName
	Skipped  []string // providers skipped, with reason, for blob/audit logging
}

// ErrLadderExhausted is returned only if local_only itself is
// unhealthy — the scheduler treats this as a hard stop, since
// local_only is the ladder's floor and has nowhere further to fall
// back to.
var ErrLadderExhausted = fmt.Errorf("router: every tier including local_only is unavailable")

// Select walks the ladder for the requested tier and returns the first
// provider that is both healthy (not cooling down) and, if a budget
// checker is configured, affordable at estimatedCost. local_only is
// never skipped for affordability since it is assumed free/local, but
// it is still skipped if it is itself cooling down from failures.
func (t *TierRouter) Select(tier TierName, estimatedCost float64) (Selection, error) {
	return t.SelectWithRequest(tier, estimatedCost, Request{})
}

// SelectWithRequest behaves like Select, but req is passed to the
// chooser (if one is installed via SetChooser) so within-tier candidate
// order reflects the request's complexity/cost/hint profile, and any
// provider named in exclude is skipped entirely — used by the Director
// to retry a retryable failure against the next candidate without
// trying the provider that just failed again.
func (t *TierRouter) SelectWithRequest(tier TierName, estimatedCost float64, req Request, exclude ...string) (Selection, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		excluded[p] = true
	}

	sel := Selection{Tier: tier}
	ladder := t.ladder(tier, req)
	maxFallback := t.cfg.MaxFallback
	if maxFallback <= 0 {
		maxFallback = len(ladder)
	}

	tried := 0
	for _, entry := range ladder {
		if entry.Provider == "" {
			continue
		}
		if excluded[entry.Provider] {
			sel.Skipped = append(sel.Skipped, entry.Provider+": excluded from this attempt")
			continue
		}
		if tried >= maxFallback && entry.Provider != t.cfg.LocalOnly.Provider {
			sel.Skipped = append(sel.Skipped, entry.Provider+": max_fallback reached")
			continue
		}
		tried++

		if t.isOnCooldown(entry.Provider) {
			sel.Skipped = append(sel.Skipped, entry.Provider+": cooling down after repeated failures")
			continue
		}

		if t.budget != nil && entry.Provider != t.cfg.LocalOnly.Provider {
			ok, err := t.budget.CanAfford(entry.Provider, estimatedCost)
			if err != nil {
				sel.Skipped = append(sel.Skipped, entry.Provider+": budget check error: "+err.Error())
				continue
			}
			if !ok {
				sel.Skipped = append(sel.Skipped, entry.Provider+": cannot afford estimated cost")
				continue
			}
		}

		sel.Provider = entry.Provider
		sel.Model = entry.Model
		return sel, nil
	}

	return sel, ErrLadderExhausted
}

func (t *TierRouter) isOnCooldown(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[provider]
	if !ok {
		return false
	}
	return h.onCooldown(t.clock())
}

// RecordFailure increments a provider's consecutive-failure counter and
// arms a cooldown once the configured failure window is reached. The
// cooldown duration is config.TiersConfig.CooldownSec, mirroring
// internal/scheduler's fixed re-arm delay rather than exponential
// backoff.
func (t *TierRouter) RecordFailure(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[provider]
	if !ok {
		h = &health{}
		t.health[provider] = h
	}
	h.consecutiveFailures++
	window := t.cfg.FailureWindow
	if window <= 0 {
		window = 3
	}
	if h.consecutiveFailures >= window {
		cooldown := time.Duration(t.cfg.CooldownSec) * time.Second
		if cooldown <= 0 {
			cooldown = 10 * time.Minute
		}
		h.cooldownUntil = t.clock().Add(cooldown)
	}
}

// RecordSuccess clears a provider's failure count and any active
// cooldown.
func (t *TierRouter) RecordSuccess(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.health, provider)
}

// ProviderHealthSnapshot is a read-only view of a provider's health, for
// the /providers HTTP surface.
type ProviderHealthSnapshot struct {
	Provider            string    `json:"provider"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

// HealthSnapshot returns the current health of every provider the
// router has ever recorded a failure for.
func (t *TierRouter) HealthSnapshot() []ProviderHealthSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProviderHealthSnapshot, 0, len(t.health))
	for name, h := range t.health {
		out = append(out, ProviderHealthSnapshot{
			Provider:            name,
			ConsecutiveFailures: h.consecutiveFailures,
			CooldownUntil:       h.cooldownUntil,
		})
	}
	return out
}
