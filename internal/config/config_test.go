package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("homeassistant:\n  token: ${THANE_TEST_TOKEN}\n"), 0600)
	os.Setenv("THANE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("THANE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test-key")
	}
}

func TestApplyDefaults_Tiers(t *testing.T) {
	cfg := Default()
	if cfg.Tiers.MaxFallback != 3 {
		t.Errorf("max_fallback default = %d, want 3", cfg.Tiers.MaxFallback)
	}
	if cfg.Tiers.CooldownSec != 600 {
		t.Errorf("cooldown_seconds default = %d, want 600", cfg.Tiers.CooldownSec)
	}
	if cfg.Tiers.LocalOnly.Provider != "ollama" {
		t.Errorf("local_only provider default = %q, want ollama", cfg.Tiers.LocalOnly.Provider)
	}
}

func TestApplyDefaults_SelfUpdateAndAuth(t *testing.T) {
	cfg := Default()
	if cfg.SelfUpdate.HealthyAfterSec != 30 {
		t.Errorf("healthy_after_seconds default = %d, want 30", cfg.SelfUpdate.HealthyAfterSec)
	}
	if cfg.Auth.Mode != "off" {
		t.Errorf("auth.mode default = %q, want off", cfg.Auth.Mode)
	}
}

func TestValidate_RejectsUnknownAuthMode(t *testing.T) {
	cfg := Default()
	cfg.Auth.Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown auth.mode")
	}
}

func TestLoad_BudgetAndProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
budget:
  monthly_cap_usd: 25.0
  providers:
    - name: claude-premium
      tier: paid
      currency: USD
    - name: local-ollama
      tier: free
      currency: requests
`
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Budget.MonthlyCapUSD != 25.0 {
		t.Errorf("monthly_cap_usd = %v, want 25.0", cfg.Budget.MonthlyCapUSD)
	}
	if len(cfg.Budget.Providers) != 2 {
		t.Fatalf("providers = %v, want 2 entries", cfg.Budget.Providers)
	}
	if cfg.Budget.Providers[0].Name != "claude-premium" || cfg.Budget.Providers[0].Tier != "paid" {
		t.Errorf("providers[0] = %+v", cfg.Budget.Providers[0])
	}
}
