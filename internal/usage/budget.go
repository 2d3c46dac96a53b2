package usage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aegis/internal/config"
)

// ErrOverCap is a sentinel for the monthly monetary cap being exceeded,
// for callers that classify errors with errors.Is. Charge does not
// return it; Charge reports the condition through ChargeResult.OverCap.
var ErrOverCap = errors.New("monthly budget cap exceeded")

// Tier classifies a provider's pricing relationship.
type Tier string

const (
	TierPaid    Tier = "paid"
	TierFree    Tier = "free"
	TierUnknown Tier = "unknown"
)

// monetaryCurrencies lists currencies whose spend aggregates into the
// month-wide spent_this_month_usd total. Non-monetary currencies
// (e.g. a free tier's request count) are tracked per-provider only.
var monetaryCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
}

// IsMonetary reports whether a currency code aggregates into the
// monthly cap.
func IsMonetary(currency string) bool {
	return monetaryCurrencies[strings.ToUpper(currency)]
}

// Provider is one budget-tracked provider record.
type Provider struct {
	Name             string
	Tier             Tier
	Currency         string
	KnownBalance     *float64
	BalanceUpdatedAt *time.Time
	SpentTracked     float64
	APIKeyRef        string
	Notes            string
}

// EstimatedRemaining returns KnownBalance - SpentTracked when a known
// balance is present, or (false) when unbounded.
func (p Provider) EstimatedRemaining() (float64, bool) {
	if p.KnownBalance == nil {
		return 0, false
	}
	return *p.KnownBalance - p.SpentTracked, true
}

// ChargeResult is the outcome of a Charge call.
type ChargeResult struct {
	OverCap bool
	Cost    float64
}

// budgetMigrate creates the budget-tracking tables alongside the
// existing usage_records table. Kept in this file (not store.go) so
// the budget tracker's schema additions read as a clearly separate
// extension of the original per-call usage store.
func (s *Store) budgetMigrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS budget_providers (
		name               TEXT PRIMARY KEY,
		tier               TEXT NOT NULL,
		currency           TEXT NOT NULL,
		known_balance      REAL,
		balance_updated_at TEXT,
		spent_tracked      REAL NOT NULL DEFAULT 0,
		api_key_ref        TEXT,
		notes              TEXT
	);

	CREATE TABLE IF NOT EXISTS budget_month (
		id                    INTEGER PRIMARY KEY CHECK (id = 1),
		month                 TEXT NOT NULL,
		monthly_cap_usd       REAL NOT NULL DEFAULT 0,
		spent_this_month_usd  REAL NOT NULL DEFAULT 0
	);
	`)
	return err
}

// EnsureBudgetSchema creates the budget tables if they don't already
// exist and seeds the current month row. Call once after NewStore.
func (s *Store) EnsureBudgetSchema(monthlyCapUSD float64) error {
	if err := s.budgetMigrate(); err != nil {
		return fmt.Errorf("migrate budget schema: %w", err)
	}
	month := time.Now().UTC().Format("2006-01")
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO budget_month (id, month, monthly_cap_usd, spent_this_month_usd)
		VALUES (1, ?, ?, 0)`, month, monthlyCapUSD)
	return err
}

// RegisterProvider creates or replaces a provider's static record
// (tier, currency, pricing identity). Known balance is left
// untouched if the provider already exists; use SetKnownBalance for
// balance updates.
func (s *Store) RegisterProvider(p Provider) error {
	_, err := s.db.Exec(`
		INSERT INTO budget_providers (name, tier, currency, api_key_ref, notes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tier = excluded.tier, currency = excluded.currency,
			api_key_ref = excluded.api_key_ref, notes = excluded.notes`,
		p.Name, string(p.Tier), p.Currency, p.APIKeyRef, p.Notes,
	)
	return err
}

// GetProvider loads a provider's current record.
func (s *Store) GetProvider(name string) (*Provider, error) {
	var p Provider
	var tier, balanceUpdated, apiKeyRef, notes sql.NullString
	var knownBalance sql.NullFloat64

	err := s.db.QueryRow(`
		SELECT name, tier, currency, known_balance, balance_updated_at, spent_tracked, api_key_ref, notes
		FROM budget_providers WHERE name = ?`, name,
	).Scan(&p.Name, &tier, &p.Currency, &knownBalance, &balanceUpdated, &p.SpentTracked, &apiKeyRef, &notes)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", name, err)
	}

	p.Tier = Tier(tier.String)
	p.APIKeyRef = apiKeyRef.String
	p.Notes = notes.String
	if knownBalance.Valid {
		v := knownBalance.Float64
		p.KnownBalance = &v
	}
	if balanceUpdated.Valid {
		t, _ := time.Parse(time.RFC3339, balanceUpdated.String)
		p.BalanceUpdatedAt = &t
	}
	return &p, nil
}

// SetKnownBalance records an out-of-band balance reading and resets
// spent_tracked for that provider, since the new balance reading
// already accounts for whatever was spent since the last one.
func (s *Store) SetKnownBalance(name string, value float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE budget_providers
		SET known_balance = ?, balance_updated_at = ?, spent_tracked = 0
		WHERE name = ?`, value, now, name)
	return err
}

// Estimate computes the projected cost of a call in the provider's
// currency: input tokens x input price + expected output tokens x
// output price.
func (s *Store) Estimate(provider string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	return ComputeCost(provider, inputTokens, outputTokens, pricing)
}

// CanAfford reports whether the estimated cost would keep the
// provider (and, for monetary currencies, the monthly cap) within
// budget. Free providers (tier free) never block on budget.
func (s *Store) CanAfford(name string, estimatedCost float64) (bool, error) {
	p, err := s.GetProvider(name)
	if err != nil {
		return false, err
	}
	if p.Tier == TierFree {
		return true, nil
	}

	if remaining, bounded := p.EstimatedRemaining(); bounded && estimatedCost > remaining {
		return false, nil
	}

	if IsMonetary(p.Currency) {
		var cap_, spent float64
		if err := s.db.QueryRow(`SELECT monthly_cap_usd, spent_this_month_usd FROM budget_month WHERE id = 1`).Scan(&cap_, &spent); err != nil {
			return false, fmt.Errorf("load budget month: %w", err)
		}
		if cap_ > 0 && spent+estimatedCost > cap_ {
			return false, nil
		}
	}
	return true, nil
}

// Charge records the actual cost of a completed call against a
// provider's spent_tracked and, for monetary currencies, the
// month-wide total. It always writes — every LLM call emits exactly
// one charge, including failures that consumed tokens — and reports
// OverCap rather than refusing the write.
func (s *Store) Charge(name string, actualIn, actualOut int, pricing map[string]config.PricingEntry) (ChargeResult, error) {
	p, err := s.GetProvider(name)
	if err != nil {
		return ChargeResult{}, err
	}

	var cost float64
	if IsMonetary(p.Currency) {
		cost = ComputeCost(name, actualIn, actualOut, pricing)
	} else {
		cost = 1 // non-monetary: 1 call = 1 unit of the provider's currency (e.g. "requests")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return ChargeResult{}, fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE budget_providers SET spent_tracked = spent_tracked + ? WHERE name = ?`, cost, name); err != nil {
		return ChargeResult{}, fmt.Errorf("charge provider: %w", err)
	}

	overCap := false
	if IsMonetary(p.Currency) {
		if _, err := tx.Exec(`UPDATE budget_month SET spent_this_month_usd = spent_this_month_usd + ? WHERE id = 1`, cost); err != nil {
			return ChargeResult{}, fmt.Errorf("charge month: %w", err)
		}
		var cap_, spent float64
		if err := tx.QueryRow(`SELECT monthly_cap_usd, spent_this_month_usd FROM budget_month WHERE id = 1`).Scan(&cap_, &spent); err != nil {
			return ChargeResult{}, fmt.Errorf("read budget month: %w", err)
		}
		overCap = cap_ > 0 && spent > cap_
	}

	if err := tx.Commit(); err != nil {
		return ChargeResult{}, fmt.Errorf("commit charge tx: %w", err)
	}

	return ChargeResult{OverCap: overCap, Cost: cost}, nil
}

// ResetMonth zeroes spent_this_month_usd and every monetary-currency
// provider's spent_tracked, triggered by a calendar-boundary check in
// the core loop.
func (s *Store) ResetMonth() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	month := time.Now().UTC().Format("2006-01")
	if _, err := tx.Exec(`UPDATE budget_month SET month = ?, spent_this_month_usd = 0 WHERE id = 1`, month); err != nil {
		return fmt.Errorf("reset month total: %w", err)
	}

	rows, err := tx.Query(`SELECT name, currency FROM budget_providers`)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	var monetary []string
	for rows.Next() {
		var name, currency string
		if err := rows.Scan(&name, &currency); err != nil {
			rows.Close()
			return err
		}
		if IsMonetary(currency) {
			monetary = append(monetary, name)
		}
	}
	rows.Close()

	for _, name := range monetary {
		if _, err := tx.Exec(`UPDATE budget_providers SET spent_tracked = 0 WHERE name = ?`, name); err != nil {
			return fmt.Errorf("reset provider spend: %w", err)
		}
	}

	return tx.Commit()
}

// SetMonthlyCap updates the monthly cap. Only the creator-authenticated
// HTTP path (POST /budget/override) may call this, enforcing safety
// rule 7 at the API layer.
func (s *Store) SetMonthlyCap(capUSD float64) error {
	_, err := s.db.Exec(`UPDATE budget_month SET monthly_cap_usd = ? WHERE id = 1`, capUSD)
	return err
}

// BudgetSummary reports the month-wide cap/spent plus every provider's
// row, for GET /budget.
type BudgetSummary struct {
	MonthlyCapUSD     float64
	SpentThisMonthUSD float64
	Providers         []Provider
}

// SeedProvidersFromConfig registers every provider declared in
// BudgetConfig and applies its known balance, if any. Called once at
// startup after EnsureBudgetSchema.
func (s *Store) SeedProvidersFromConfig(cfg config.BudgetConfig) error {
	if err := s.EnsureBudgetSchema(cfg.MonthlyCapUSD); err != nil {
		return err
	}
	for _, p := range cfg.Providers {
		if err := s.RegisterProvider(Provider{
			Name:      p.Name,
			Tier:      Tier(p.Tier),
			Currency:  p.Currency,
			APIKeyRef: p.APIKeyRef,
			Notes:     p.Notes,
		}); err != nil {
			return fmt.Errorf("register provider %s: %w", p.Name, err)
		}
		if p.KnownBalance != nil {
			if err := s.SetKnownBalance(p.Name, *p.KnownBalance); err != nil {
				return fmt.Errorf("set known balance for %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// GetBudgetSummary assembles the /budget response.
func (s *Store) GetBudgetSummary() (*BudgetSummary, error) {
	var sum BudgetSummary
	if err := s.db.QueryRow(`SELECT monthly_cap_usd, spent_this_month_usd FROM budget_month WHERE id = 1`).Scan(&sum.MonthlyCapUSD, &sum.SpentThisMonthUSD); err != nil {
		return nil, fmt.Errorf("read budget month: %w", err)
	}

	rows, err := s.db.Query(`SELECT name FROM budget_providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()

	for _, n := range names {
		p, err := s.GetProvider(n)
		if err != nil {
			return nil, err
		}
		sum.Providers = append(sum.Providers, *p)
	}
	return &sum, nil
}
