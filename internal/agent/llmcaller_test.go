package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nugget/aegis/internal/config"
	"github.com/nugget/aegis/internal/llm"
	"github.com/nugget/aegis/internal/usage"
)

type fakeLLMClient struct {
	reply        string
	inputTokens  int
	outputTokens int
	err          error
}

func (f fakeLLMClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: f.reply},
		InputTokens:  f.inputTokens,
		OutputTokens: f.outputTokens,
	}, nil
}

func (f fakeLLMClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f fakeLLMClient) Ping(ctx context.Context) error { return nil }

func newTestBudget(t *testing.T) *usage.Store {
	t.Helper()
	st, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureBudgetSchema(100); err != nil {
		t.Fatalf("EnsureBudgetSchema: %v", err)
	}
	if err := st.RegisterProvider(usage.Provider{Name: "anthropic", Tier: usage.TierPaid, Currency: "USD"}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	return st
}

func TestLLMCallerReturnsReplyAndChargesBudget(t *testing.T) {
	budget := newTestBudget(t)
	pricing := map[string]config.PricingEntry{"anthropic": {InputPerMillion: 3, OutputPerMillion: 15}}
	caller := NewLLMCaller(map[string]llm.Client{
		"anthropic": fakeLLMClient{reply: "hello", inputTokens: 1000, outputTokens: 500},
	}, budget, pricing)

	reply, err := caller.CallPlan(context.Background(), "anthropic", "claude-x", "plan this")
	if err != nil {
		t.Fatalf("CallPlan: %v", err)
	}
	if reply != "hello" {
		t.Errorf("reply = %q, want %q", reply, "hello")
	}

	provider, err := budget.GetProvider("anthropic")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if provider.SpentTracked <= 0 {
		t.Errorf("expected SpentTracked > 0 after a charge, got %v", provider.SpentTracked)
	}
}

func TestLLMCallerUnknownProviderErrors(t *testing.T) {
	caller := NewLLMCaller(map[string]llm.Client{}, nil, nil)
	if _, err := caller.CallPlan(context.Background(), "nonexistent", "model", "prompt"); err == nil {
		t.Fatal("expected an error for an unconfigured provider")
	}
}
