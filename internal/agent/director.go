// Package agent contains the Director: the single-goroutine
// cooperative scheduler that drives the plan→execute→remember loop. It
// owns the iteration counter and the pause flag exclusively — every
// other component receives state by value or through an opaque
// handle, never a shared mutable pointer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aegis/internal/blob"
	"github.com/nugget/aegis/internal/executor"
	"github.com/nugget/aegis/internal/planner"
	"github.com/nugget/aegis/internal/router"
	"github.com/nugget/aegis/internal/safety"
	"github.com/nugget/aegis/internal/state"
	"github.com/nugget/aegis/internal/usage"
	"github.com/nugget/aegis/internal/vectormemory"
)

// defaultMinSleep/defaultMaxSleep bound the adaptive sleep heuristic
// when the planner proposes no next_sleep_seconds.
const (
	defaultMinSleep = 30 * time.Second
	defaultMaxSleep = time.Hour
	maintenanceEvery = 10
	chatDrainBatch   = 16
	chatQueueCap     = 256
)

// IncomingChat is one message waiting to be folded into the next
// iteration's working context.
type IncomingChat struct {
	Channel    string
	Role       string
	Content    string
	ReceivedAt time.Time
}

// ChatQueue is the bounded, thread-safe inbox external listeners
// enqueue onto and only the Director drains — listeners hold a
// producer-only handle, never a pointer into the Director itself.
type ChatQueue struct {
	mu  sync.Mutex
	buf []IncomingChat
	cap int

	notify chan struct{} // buffered(1); signals "something enqueued"
}

// NewChatQueue constructs a queue bounded at capacity cap.
func NewChatQueue(cap int) *ChatQueue {
	if cap <= 0 {
		cap = chatQueueCap
	}
	return &ChatQueue{cap: cap, notify: make(chan struct{}, 1)}
}

// Enqueue appends a message, dropping the oldest entry if the queue is
// at capacity (FIFO eviction, matching internal/state's short-term
// note cap behavior).
func (q *ChatQueue) Enqueue(msg IncomingChat) {
	q.mu.Lock()
	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns up to max queued messages, oldest first.
func (q *ChatQueue) Drain(max int) []IncomingChat {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.buf) {
		max = len(q.buf)
	}
	out := make([]IncomingChat, max)
	copy(out, q.buf[:max])
	q.buf = q.buf[max:]
	return out
}

// NotifyChannel returns the channel that receives a value whenever a
// message is enqueued, for the Director's interruptible sleep.
func (q *ChatQueue) NotifyChannel() <-chan struct{} { return q.notify }

// PlanCaller invokes the tier-1 model for one iteration and returns
// its raw text response, ready for planner.ParsePlan. The production
// implementation is LLMCaller (llmcaller.go); this interface keeps the
// Director free of any specific provider wire format.
type PlanCaller interface {
	CallPlan(ctx context.Context, provider, model, prompt string) (raw string, err error)
}

// ReplyDeliverer hands a chat_reply back out through the channel the
// triggering message arrived on. Implemented by internal/listeners.
type ReplyDeliverer interface {
	Deliver(channel, content string) error
}

// Broadcaster receives a per-iteration summary for the out-of-scope
// dashboard WebSocket to relay; nil is a valid no-op broadcaster.
type Broadcaster interface {
	Broadcast(summary IterationSummary)
}

// IterationSummary is the per-iteration broadcast payload.
type IterationSummary struct {
	Iteration     int
	StatusMessage string
	ActionsRun    int
	Errors        []string
	NextSleep     time.Duration
}

// Director wires every component the iteration algorithm touches.
type Director struct {
	state   *state.Store
	blobLog *blob.Log
	vecmem  *vectormemory.Store
	budget  *usage.Store
	tier    *router.TierRouter
	exec    *executor.Executor
	caller  PlanCaller
	chat    *ChatQueue
	deliver ReplyDeliverer
	bcast   Broadcaster
	logger  *slog.Logger

	minSleep, maxSleep time.Duration

	pauseMu sync.Mutex
	wake    chan struct{}

	consecutiveParseFailures int
	iterationsSinceChat      int

	ctxMu          sync.Mutex
	lastWorkingCtx string
}

// New constructs a Director. deliver and bcast may be nil.
func New(st *state.Store, blobLog *blob.Log, vecmem *vectormemory.Store, budget *usage.Store, tier *router.TierRouter, exec *executor.Executor, caller PlanCaller, chat *ChatQueue, deliver ReplyDeliverer, bcast Broadcaster, logger *slog.Logger) *Director {
	return &Director{
		state: st, blobLog: blobLog, vecmem: vecmem, budget: budget,
		tier: tier, exec: exec, caller: caller, chat: chat,
		deliver: deliver, bcast: bcast, logger: logger,
		minSleep: defaultMinSleep, maxSleep: defaultMaxSleep,
		wake: make(chan struct{}, 1),
	}
}

// Wake clears the sleep timer and makes the Director proceed
// immediately, bypassing whatever is left of the current sleep.
func (d *Director) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// WorkingContextSnapshot returns the prompt assembled by the most
// recently completed iteration, for GET /memory/working. Empty before
// the first iteration completes.
func (d *Director) WorkingContextSnapshot() string {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	return d.lastWorkingCtx
}

// Run drives iterations until ctx is cancelled. Pause halts execution
// at the start of the next iteration, after the previous sleep
// completes, never mid-iteration.
func (d *Director) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		paused, err := d.state.Paused()
		if err != nil {
			return fmt.Errorf("check pause flag: %w", err)
		}
		if paused {
			if err := d.sleepInterruptible(ctx, d.minSleep); err != nil {
				return err
			}
			continue
		}

		sleepFor, err := d.runIteration(ctx)
		if err != nil {
			d.logger.Error("iteration failed", "error", err)
			sleepFor = d.minSleep
		}

		if err := d.sleepInterruptible(ctx, sleepFor); err != nil {
			return err
		}
	}
}

// runIteration executes one full load-plan-execute-remember cycle and
// returns the next sleep duration.
func (d *Director) runIteration(ctx context.Context) (time.Duration, error) {
	// 1. Load
	snap, err := d.state.Load()
	if err != nil {
		return d.minSleep, fmt.Errorf("load state: %w", err)
	}

	// 2. Drain
	incoming := d.chat.Drain(chatDrainBatch)
	if len(incoming) > 0 {
		d.iterationsSinceChat = 0
	} else {
		d.iterationsSinceChat++
	}

	// 3. Build working context
	latestChat := ""
	var chatMsgs []planner.ChatMessage
	for _, m := range incoming {
		chatMsgs = append(chatMsgs, planner.ChatMessage{Role: m.Role, Content: m.Content})
		latestChat = m.Content
		d.recordEvent(blob.EventChatCreator, m.Content)
	}

	query := planner.SynthesizedQuery(snap.Goals.ShortTerm, snap.Goals.MidTerm, snap.Goals.LongTerm, latestChat)
	var hits []planner.VectorHit
	if d.vecmem != nil && query != "" {
		entries, err := d.vecmem.Retrieve(ctx, query, snap.MemoryConfig.RetrievalCount, snap.MemoryConfig.RelevanceThreshold)
		if err != nil {
			d.logger.Warn("vector retrieve failed", "error", err)
		}
		for _, e := range entries {
			hits = append(hits, planner.VectorHit{Content: e.Content, Similarity: e.Similarity})
		}
	}

	var notes []planner.ShortTermNote
	stored, err := d.state.ListNotes()
	if err != nil {
		d.logger.Warn("list short-term notes failed", "error", err)
	}
	for _, n := range stored {
		notes = append(notes, planner.ShortTermNote{Content: n.Content, CreatedAt: n.CreatedAt})
	}

	prompt, trimmed := planner.Assemble(planner.Input{
		Directive:        snap.Directive,
		ShortTermGoals:   snap.Goals.ShortTerm,
		MidTermGoals:     snap.Goals.MidTerm,
		LongTermGoals:    snap.Goals.LongTerm,
		VectorHits:       hits,
		ShortTermNotes:   notes,
		ChatHistory:      chatMsgs,
		MaxContextTokens: snap.MemoryConfig.MaxContextTokens,
	})
	if len(trimmed) > 0 {
		d.logger.Debug("working context trimmed", "sections", trimmed)
	}
	d.ctxMu.Lock()
	d.lastWorkingCtx = prompt
	d.ctxMu.Unlock()

	d.recordEvent(blob.EventPlanning, fmt.Sprintf("iteration %d context assembled", snap.Iteration))

	// 4. Plan
	tierName := router.TierLevel1
	if d.consecutiveParseFailures >= 3 {
		tierName = router.TierLevel2
	}
	req := router.Request{Query: prompt, ContextSize: len(prompt) / 4, Priority: router.PriorityBackground}

	d.recordEvent(blob.EventLLMRequest, prompt)
	raw, err := d.callPlanWithFallback(ctx, tierName, req, prompt)
	if err != nil {
		d.recordEvent(blob.EventError, fmt.Sprintf("llm call failed after fallback: %v", err))
		return d.minSleep, nil
	}
	d.recordEvent(blob.EventLLMResponse, raw)

	parsed := planner.ParsePlan(raw)
	if !parsed.Valid() {
		d.consecutiveParseFailures++
		d.recordEvent(blob.EventError, "plan parse failed: "+parsed.InvalidReason)
		if _, err := d.state.NextIteration(); err != nil {
			d.logger.Warn("advance iteration after parse failure failed", "error", err)
		}
		return d.minSleep, nil
	}
	d.consecutiveParseFailures = 0
	plan := parsed.Plan

	// 5 & 6. Validate and execute sequentially, honoring halt_on_failure.
	var results []executor.Result
	var errs []string
	for _, action := range plan.Actions {
		argsJSON, _ := marshalArgs(action.Parameters)
		res := d.exec.Execute(ctx, action.Tool, argsJSON)
		results = append(results, res)
		if !res.Success {
			errs = append(errs, fmt.Sprintf("%s: %s", action.Tool, res.Error))
			d.recordEvent(blob.EventToolResult, fmt.Sprintf("%s failed: %s", action.Tool, res.Error))
			if action.HaltOnFailure {
				break
			}
			continue
		}
		d.recordEvent(blob.EventToolResult, fmt.Sprintf("%s: %s", action.Tool, res.Output))
	}

	// 7. Record notable results
	if d.vecmem != nil {
		for i, res := range results {
			if res.Success && len(res.Output) > 0 {
				if _, err := d.vecmem.Remember(ctx, res.Output, 0.5, "tool:"+plan.Actions[i].Tool, false, 0); err != nil {
					d.logger.Warn("remember tool result failed", "error", err)
				}
			}
		}
	}
	if plan.StatusMessage != "" {
		if _, err := d.state.AddNote(plan.StatusMessage, snap.Iteration); err != nil {
			d.logger.Warn("add short-term note failed", "error", err)
		}
	}

	// 8. Update state
	if plan.ShortTermGoals != nil || plan.MidTermGoals != nil || plan.LongTermGoals != nil {
		if err := d.state.SetGoals(plan.ShortTermGoals, plan.MidTermGoals, plan.LongTermGoals); err != nil {
			d.logger.Warn("set goals failed", "error", err)
		}
	}
	if len(plan.MemoryConfig) > 0 {
		if err := d.applyMemoryConfig(plan.MemoryConfig); err != nil {
			d.logger.Warn("apply memory config failed", "error", err)
		}
	}
	if _, err := d.state.NextIteration(); err != nil {
		d.logger.Warn("advance iteration failed", "error", err)
	}

	if snap.Iteration%maintenanceEvery == 0 {
		d.runMaintenance()
	}

	// 9. Deliver chat_reply
	if plan.ChatReply != "" {
		d.recordEvent(blob.EventChatJarvis, plan.ChatReply)
		if d.deliver != nil && len(incoming) > 0 {
			channel := incoming[len(incoming)-1].Channel
			if err := d.deliver.Deliver(channel, plan.ChatReply); err != nil {
				d.logger.Warn("deliver chat reply failed", "error", err, "channel", channel)
			}
		}
	}

	// 10. Broadcast
	nextSleep := d.adaptiveSleep(plan, snap)
	if d.bcast != nil {
		d.bcast.Broadcast(IterationSummary{
			Iteration:     snap.Iteration,
			StatusMessage: plan.StatusMessage,
			ActionsRun:    len(results),
			Errors:        errs,
			NextSleep:     nextSleep,
		})
	}

	return nextSleep, nil
}

// maxPlanAttempts bounds how many providers/backoff rounds
// callPlanWithFallback tries for a single iteration's plan call before
// giving up.
const maxPlanAttempts = 3

// callPlanWithFallback selects a provider for tierName and calls it,
// retrying with exponential backoff against the next candidate (with
// the failed provider excluded) when the failure is classified as
// retryable (rate_limit or network), up to maxPlanAttempts. Auth,
// parse, budget, and cancellation failures are returned immediately
// without retrying, since another provider in the same tier won't fix
// them.
func (d *Director) callPlanWithFallback(ctx context.Context, tierName router.TierName, req router.Request, prompt string) (string, error) {
	var excluded []string
	var lastErr error

	for attempt := 0; attempt < maxPlanAttempts; attempt++ {
		sel, err := d.tier.SelectWithRequest(tierName, 0, req, excluded...)
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("tier select: %w (after: %v)", err, lastErr)
			}
			return "", fmt.Errorf("tier select: %w", err)
		}

		raw, err := d.caller.CallPlan(ctx, sel.Provider, sel.Model, prompt)
		if err == nil {
			d.tier.RecordSuccess(sel.Provider)
			return raw, nil
		}

		d.tier.RecordFailure(sel.Provider)
		kind := ClassifyLLMError(err)
		lastErr = fmt.Errorf("%s/%s: %s: %w", sel.Provider, sel.Model, kind, err)

		if !kind.Retryable() {
			return "", lastErr
		}

		excluded = append(excluded, sel.Provider)
		d.logger.Warn("llm call failed, falling through to next provider",
			"provider", sel.Provider, "model", sel.Model, "kind", kind, "attempt", attempt+1)

		if attempt < maxPlanAttempts-1 {
			backoff := time.Duration(1<<attempt) * time.Second
			if err := d.sleepInterruptible(ctx, backoff); err != nil {
				return "", fmt.Errorf("interrupted during retry backoff: %w", err)
			}
		}
	}

	return "", lastErr
}

// memoryConfigProposal mirrors the PUT /memory/config request shape so
// a plan's memory_config field is validated the same way regardless
// of whether it arrived over HTTP or from the planner.
type memoryConfigProposal struct {
	RetrievalCount     int     `json:"retrieval_count"`
	RelevanceThreshold float64 `json:"relevance_threshold"`
	DecayFactor        float64 `json:"decay_factor"`
	MaxContextTokens   int     `json:"max_context_tokens"`
}

// applyMemoryConfig parses a plan's proposed memory_config and, if it
// passes the same range checks the HTTP handler enforces, persists it
// to the State Store so the next iteration's retrieval actually uses
// it.
func (d *Director) applyMemoryConfig(raw json.RawMessage) error {
	var prop memoryConfigProposal
	if err := json.Unmarshal(raw, &prop); err != nil {
		return fmt.Errorf("parse memory_config: %w", err)
	}
	if prop.RetrievalCount < 1 || prop.RetrievalCount > 100 {
		return fmt.Errorf("memory_config.retrieval_count must be in [1,100], got %d", prop.RetrievalCount)
	}
	if prop.RelevanceThreshold < 0 || prop.RelevanceThreshold > 1 {
		return fmt.Errorf("memory_config.relevance_threshold must be in [0,1], got %v", prop.RelevanceThreshold)
	}
	if prop.DecayFactor < 0.5 || prop.DecayFactor > 1 {
		return fmt.Errorf("memory_config.decay_factor must be in [0.5,1], got %v", prop.DecayFactor)
	}
	return d.state.SetMemoryConfig(state.MemoryConfig{
		RetrievalCount:     prop.RetrievalCount,
		RelevanceThreshold: prop.RelevanceThreshold,
		DecayFactor:        prop.DecayFactor,
		MaxContextTokens:   prop.MaxContextTokens,
	})
}

// adaptiveSleep applies the planner's proposed next_sleep_seconds,
// clamped to [minSleep, maxSleep], or a chat-activity heuristic when
// the planner proposed none.
func (d *Director) adaptiveSleep(plan *planner.Plan, snap *state.Snapshot) time.Duration {
	if plan.NextSleepSeconds != nil {
		return clamp(time.Duration(*plan.NextSleepSeconds)*time.Second, d.minSleep, d.maxSleep)
	}
	if d.iterationsSinceChat == 0 {
		return d.minSleep
	}
	if d.iterationsSinceChat > maintenanceEvery {
		return d.maxSleep
	}
	return d.minSleep
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// sleepInterruptible blocks for d, waking early on ctx cancellation, a
// chat enqueue, or an explicit Wake call, grounded on
// internal/scheduler's timer/select idiom.
func (d *Director) sleepInterruptible(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-d.wake:
		return nil
	case <-d.chat.NotifyChannel():
		return nil
	}
}

func (d *Director) runMaintenance() {
	if d.vecmem != nil {
		decayed, deleted, err := d.vecmem.RunMaintenance(0.95, 0.1)
		if err != nil {
			d.logger.Warn("vector maintenance failed", "error", err)
		} else {
			d.logger.Info("vector maintenance", "decayed", decayed, "deleted", deleted)
		}
	}
	if n, err := d.state.ExpireOldNotes(); err != nil {
		d.logger.Warn("note expiry failed", "error", err)
	} else if n > 0 {
		d.logger.Info("expired short-term notes", "count", n)
	}
}

// marshalArgs encodes a plan action's parameters for executor.Execute,
// which takes tool arguments as a JSON string rather than a map, per
// internal/tools.Registry.Execute's own JSON-string calling convention.
func marshalArgs(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}", err
	}
	return string(b), nil
}

func (d *Director) recordEvent(evType blob.EventType, content string) {
	if d.blobLog == nil {
		return
	}
	if _, err := d.blobLog.Append(blob.Event{EventType: evType, Content: content, Timestamp: time.Now()}); err != nil {
		d.logger.Warn("blob append failed", "error", err)
	}
}

// CanAffordAdapter lets *usage.Store satisfy router.BudgetChecker
// without usage importing router.
type CanAffordAdapter struct{ Store *usage.Store }

func (a CanAffordAdapter) CanAfford(provider string, estimatedCost float64) (bool, error) {
	return a.Store.CanAfford(provider, estimatedCost)
}

// SafetyBlobAdapter lets *blob.Log satisfy safety.BlobAvailabilityChecker.
type SafetyBlobAdapter struct{ Log *blob.Log }

func (a SafetyBlobAdapter) Available() bool {
	return a.Log != nil && a.Log.Healthy()
}

var _ safety.BlobAvailabilityChecker = SafetyBlobAdapter{}
