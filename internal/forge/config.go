package forge

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/aegis/internal/httpkit"
	"golang.org/x/oauth2"

	gogithub "github.com/google/go-github/v69/github"
)

// Config holds all forge account configurations. It is embedded in the
// top-level Thane config under the "forge" YAML key.
type Config struct {
	// Accounts lists the configured forge accounts.
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig describes a single forge account connection.
type AccountConfig struct {
	// Name is a short identifier used in tool parameters and logging
	// (e.g., "github-primary"). Required.
	Name string `yaml:"name"`

	// Provider identifies the forge type. Currently supported: "github".
	// "gitea" is reserved for future use.
	Provider string `yaml:"provider"`

	// Token is the personal access token or app installation token for
	// authenticating to the forge API. Required.
	Token string `yaml:"token"`

	// URL is the base API URL for self-hosted instances (e.g. Gitea).
	// For GitHub this defaults to https://api.github.com and may be
	// omitted.
	URL string `yaml:"url"`

	// Owner is the default repository owner (org or user) to use when
	// a repo is specified without an owner prefix. Optional.
	Owner string `yaml:"owner"`

	// Username is the authenticated user's login name. Used for
	// display and logging purposes.
	Username string `yaml:"username"`
}

// Configured reports whether at least one forge account is configured.
func (c Config) Configured() bool {
	return len(c.Accounts) > 0
}

// ApplyDefaults fills zero-value fields with sensible defaults.
// Called by the parent config's applyDefaults method.
func (c *Config) ApplyDefaults() {
	// No defaults required at this time.
}

// Validate checks that the forge configuration is internally consistent.
// Returns the first error found.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("forge.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("forge.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.Provider != "github" && a.Provider != "gitea" {
			return fmt.Errorf("forge.accounts[%d] (%s): provider must be \"github\" or \"gitea\"", i, a.Name)
		}
		if a.Token == "" {
			return fmt.Errorf("forge.accounts[%d] (%s): token is required", i, a.Name)
		}
	}
	return nil
}

// Manager holds the ForgeProvider instances indexed by account name.
// order preserves configuration order so the first account is the
// default.
type Manager struct {
	providers map[string]ForgeProvider
	configs   map[string]AccountConfig
	order     []string
	logger    *slog.Logger
}

// NewManager creates a Manager from the supplied configuration. logger
// receives a warning for each configured-but-not-yet-implemented
// provider (currently "gitea").
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	r := &Manager{
		providers: make(map[string]ForgeProvider, len(cfg.Accounts)),
		configs:   make(map[string]AccountConfig, len(cfg.Accounts)),
		logger:    logger,
	}

	for _, acfg := range cfg.Accounts {
		switch acfg.Provider {
		case "github":
			p, err := newGitHubProvider(acfg)
			if err != nil {
				return nil, fmt.Errorf("forge: initialising github account %q: %w", acfg.Name, err)
			}
			r.providers[acfg.Name] = p
			r.configs[acfg.Name] = acfg
			r.order = append(r.order, acfg.Name)
		case "gitea":
			if logger != nil {
				logger.Warn("forge: gitea provider not yet implemented, skipping", "account", acfg.Name)
			}
		default:
			return nil, fmt.Errorf("forge: account %q: unsupported provider %q", acfg.Name, acfg.Provider)
		}
	}

	return r, nil
}

// Account returns the provider for the named account. If name is empty
// the default (first configured) account is used.
func (r *Manager) Account(name string) (ForgeProvider, error) {
	cfg, err := r.AccountConfig(name)
	if err != nil {
		return nil, err
	}
	return r.providers[cfg.Name], nil
}

// AccountConfig returns the configuration for the named account. If
// name is empty the default account's configuration is returned.
func (r *Manager) AccountConfig(name string) (AccountConfig, error) {
	if name == "" {
		if len(r.order) == 0 {
			return AccountConfig{}, fmt.Errorf("forge: no forge accounts configured")
		}
		name = r.order[0]
	}
	cfg, ok := r.configs[name]
	if !ok {
		return AccountConfig{}, fmt.Errorf("forge: account %q not found", name)
	}
	return cfg, nil
}

// ResolveRepo resolves repo to "owner/repo" form for the named account
// (empty uses the default account). A repo already containing "/" is
// returned unchanged; a bare repo name is prefixed with the account's
// configured owner, erroring if none is set.
func (r *Manager) ResolveRepo(accountName, repo string) (string, error) {
	cfg, err := r.AccountConfig(accountName)
	if err != nil {
		return "", err
	}
	if idx := strings.Index(repo, "/"); idx >= 0 {
		return repo, nil
	}
	if cfg.Owner == "" {
		return "", fmt.Errorf("forge: repo %q has no owner and account %q has no default owner; bare repo names require an owner", repo, cfg.Name)
	}
	return cfg.Owner + "/" + repo, nil
}

// newGitHubProvider constructs a GitHub provider using an oauth2 transport
// layered on top of the shared httpkit base transport.
func newGitHubProvider(cfg AccountConfig) (*githubProvider, error) {
	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
		Base:   httpkit.NewTransport(),
	}
	ghClient := gogithub.NewClient(&http.Client{Transport: transport})
	return &githubProvider{client: ghClient, owner: cfg.Owner}, nil
}
