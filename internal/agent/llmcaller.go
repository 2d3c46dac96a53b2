package agent

import (
	"context"
	"fmt"

	"github.com/nugget/aegis/internal/config"
	"github.com/nugget/aegis/internal/llm"
	"github.com/nugget/aegis/internal/usage"
)

// LLMCaller implements PlanCaller by dispatching to one of several
// named llm.Client providers and charging the call against the budget
// tracker once the response comes back.
type LLMCaller struct {
	clients map[string]llm.Client
	budget  *usage.Store
	pricing map[string]config.PricingEntry
}

// NewLLMCaller builds an LLMCaller. clients maps a provider name (as
// used in TiersConfig entries and usage.Provider records) to the
// llm.Client that talks to it.
func NewLLMCaller(clients map[string]llm.Client, budget *usage.Store, pricing map[string]config.PricingEntry) *LLMCaller {
	return &LLMCaller{clients: clients, budget: budget, pricing: pricing}
}

var _ PlanCaller = (*LLMCaller)(nil)

// CallPlan sends prompt as the sole user message to the named
// provider/model, charges the call's actual token usage against the
// budget tracker, and returns the assistant's raw text content for
// the planner to parse.
func (c *LLMCaller) CallPlan(ctx context.Context, provider, model, prompt string) (string, error) {
	client, ok := c.clients[provider]
	if !ok {
		return "", fmt.Errorf("llmcaller: no client configured for provider %q", provider)
	}

	resp, err := client.Chat(ctx, model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return "", fmt.Errorf("llmcaller: %s/%s: %w", provider, model, err)
	}

	if c.budget != nil {
		if _, err := c.budget.Charge(provider, resp.InputTokens, resp.OutputTokens, c.pricing); err != nil {
			return resp.Message.Content, fmt.Errorf("llmcaller: charge %s: %w", provider, err)
		}
	}

	return resp.Message.Content, nil
}
