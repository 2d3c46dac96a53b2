// Package planner implements the context-assembly and Plan-parse half
// of the Director's iteration: building the bounded working context
// handed to the tier-1 model, and parsing its response into a typed
// Plan or a recorded parse failure.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// charsPerToken is a provider-agnostic token estimate.
const charsPerToken = 4

// Section numbers match the context budget's drop order exactly:
// section 1 (safety preamble + directive + goals) is never dropped.
const (
	sectionPreamble    = 1
	sectionVectorMem   = 2
	sectionShortTerm   = 3
	sectionChatHistory = 4
	sectionToolResults = 5
)

// dropOrder drops sections 4→5→3→2, tried in this order until the
// assembled context fits budget.
var dropOrder = []int{sectionChatHistory, sectionToolResults, sectionShortTerm, sectionVectorMem}

// VectorHit is the minimal shape the planner needs from a retrieved
// vector-memory entry.
type VectorHit struct {
	Content    string
	Similarity float32
}

// ShortTermNote mirrors internal/state.Note's fields the planner needs
// without importing internal/state, keeping this package free of a
// storage-layer dependency.
type ShortTermNote struct {
	Content   string
	CreatedAt time.Time
}

// ChatMessage is one turn of chat history.
type ChatMessage struct {
	Role    string // "creator" or "agent"
	Content string
}

// Input bundles everything the context-assembly algorithm needs.
type Input struct {
	Directive        string
	ShortTermGoals   []string
	MidTermGoals     []string
	LongTermGoals    []string
	VectorHits       []VectorHit
	ShortTermNotes   []ShortTermNote
	ChatHistory      []ChatMessage
	ToolSummaries    []string
	MaxContextTokens int
}

// section holds one numbered block's rendered text, kept separately so
// the token-budget trim (step 6) can drop whole sections by number
// without re-deriving their content.
type section struct {
	num  int
	text string
}

// Assemble builds the working context string section by section,
// dropping sections in dropOrder until it fits MaxContextTokens, and
// returns the final prompt text and, for observability, which section
// numbers were trimmed (empty if none).
func Assemble(in Input) (prompt string, trimmed []int) {
	sections := []section{
		{sectionPreamble, renderPreamble(in.Directive, in.ShortTermGoals, in.MidTermGoals, in.LongTermGoals)},
		{sectionVectorMem, renderVectorHits(in.VectorHits)},
		{sectionShortTerm, renderShortTermNotes(in.ShortTermNotes)},
		{sectionChatHistory, renderChatHistory(in.ChatHistory)},
		{sectionToolResults, renderToolSummaries(in.ToolSummaries)},
	}

	budget := in.MaxContextTokens
	if budget <= 0 {
		return render(sections), nil
	}

	for estimateTokens(render(sections)) > budget {
		dropped := false
		for _, target := range dropOrder {
			for i := range sections {
				if sections[i].num == target && sections[i].text != "" {
					sections[i].text = ""
					trimmed = append(trimmed, target)
					dropped = true
					break
				}
			}
			if dropped {
				break
			}
		}
		if !dropped {
			// Only section 1 remains and it alone still exceeds
			// budget; nothing further can be trimmed.
			break
		}
	}

	return render(sections), trimmed
}

func render(sections []section) string {
	var sb strings.Builder
	for _, s := range sections {
		if s.text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.text)
	}
	return sb.String()
}

func estimateTokens(text string) int {
	return len(text) / charsPerToken
}

func renderPreamble(directive string, short, mid, long []string) string {
	var sb strings.Builder
	sb.WriteString(safetyPreambleText)
	sb.WriteString("\n\n## Directive\n")
	sb.WriteString(directive)
	sb.WriteString("\n\n## Goals\n")
	sb.WriteString("Short-term: " + strings.Join(short, "; ") + "\n")
	sb.WriteString("Mid-term: " + strings.Join(mid, "; ") + "\n")
	sb.WriteString("Long-term: " + strings.Join(long, "; "))
	return sb.String()
}

// safetyPreambleText states the seven immutable rules by description
// rather than number, so the model sees them as operating constraints
// rather than citing internal/safety's rule constants.
const safetyPreambleText = `## Safety Rules (immutable, always in effect)
1. Never take an action that could harm your creator.
2. Never exfiltrate credentials; any leaked secret in tool output is redacted, not bypassed.
3. Never proceed without a working audit log.
4. Never modify the safety rules or the logging implementation.
5. Logging cannot be disabled.
6. Tool registration is append-only; no hidden subagents.
7. Budget overrides require explicit creator authorization.`

func renderVectorHits(hits []VectorHit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Retrieved Memories\n")
	for _, h := range hits {
		sb.WriteString(fmt.Sprintf("- (%.2f) %s\n", h.Similarity, h.Content))
	}
	return sb.String()
}

func renderShortTermNotes(notes []ShortTermNote) string {
	if len(notes) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Short-Term Notes\n")
	for _, n := range notes {
		sb.WriteString("- " + n.Content + "\n")
	}
	return sb.String()
}

func renderChatHistory(msgs []ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Recent Chat\n")
	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, m.Content))
	}
	return sb.String()
}

func renderToolSummaries(summaries []string) string {
	if len(summaries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Recent Tool Results\n")
	for _, s := range summaries {
		sb.WriteString("- " + s + "\n")
	}
	return sb.String()
}

// SynthesizedQuery builds the vector-retrieval query string per step 2:
// goals concatenated with the latest chat content.
func SynthesizedQuery(shortGoals, midGoals, longGoals []string, latestChat string) string {
	goals := strings.Join(append(append(append([]string{}, shortGoals...), midGoals...), longGoals...), " ")
	return strings.TrimSpace(goals + " " + latestChat)
}

// Action is one entry in a Plan's actions list. Tier is an optional
// per-action tier hint for tools themselves backed by an LLM call
// (e.g. a summarization tool) that want a cheaper or more capable tier
// than the iteration's own plan-step tier; most tools ignore it.
// HaltOnFailure stops the executor's sequential run early.
type Action struct {
	Tool          string         `json:"tool"`
	Tier          string         `json:"tier,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	HaltOnFailure bool           `json:"halt_on_failure,omitempty"`
}

// Plan is the structured response the tier-1 model must return for a
// successful parse. The three goal tiers are top-level optional keys,
// not a nested "goals" object — nil means "leave that tier unchanged",
// matching internal/state.Store.SetGoals's nil-means-unchanged
// convention.
type Plan struct {
	Thinking         string          `json:"thinking,omitempty"`
	StatusMessage    string          `json:"status_message"`
	Actions          []Action        `json:"actions"`
	ChatReply        string          `json:"chat_reply,omitempty"`
	ShortTermGoals   []string        `json:"short_term_goals,omitempty"`
	MidTermGoals     []string        `json:"mid_term_goals,omitempty"`
	LongTermGoals    []string        `json:"long_term_goals,omitempty"`
	MemoryConfig     json.RawMessage `json:"memory_config,omitempty"`
	NextSleepSeconds *int            `json:"next_sleep_seconds,omitempty"`
}

// ParseResult is the tagged-variant outcome of parsing a model
// response: exactly one of Plan or InvalidReason is set.
type ParseResult struct {
	Plan          *Plan
	InvalidReason string
}

// Valid reports whether parsing produced a usable Plan.
func (p ParseResult) Valid() bool { return p.Plan != nil }

// ParsePlan parses a model's raw text response into a Plan. Required
// fields are status_message and actions (actions may be an empty
// list, but the key must decode as a list when present — a model
// reply missing it entirely is still valid with zero actions since
// Go's zero value for a nil slice is acceptable here).
func ParsePlan(raw string) ParseResult {
	raw = extractJSONObject(raw)
	if raw == "" {
		return ParseResult{InvalidReason: "no JSON object found in response"}
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return ParseResult{InvalidReason: fmt.Sprintf("json parse error: %v", err)}
	}

	if strings.TrimSpace(plan.StatusMessage) == "" {
		return ParseResult{InvalidReason: "missing required field: status_message"}
	}

	return ParseResult{Plan: &plan}
}

// extractJSONObject pulls the first top-level {...} object out of a
// response, tolerating markdown code fences a model might wrap its
// JSON in.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return raw[start : end+1]
}
