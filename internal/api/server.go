// Package api exposes the JSON contract an external dashboard would
// consume — the dashboard/WebSocket frontend itself remains out of
// scope. Routing follows a Go 1.22+ ServeMux style (method-prefixed
// patterns, r.PathValue) with a withLogging middleware wrapper.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/aegis/internal/agent"
	"github.com/nugget/aegis/internal/blob"
	"github.com/nugget/aegis/internal/config"
	"github.com/nugget/aegis/internal/router"
	"github.com/nugget/aegis/internal/state"
	"github.com/nugget/aegis/internal/usage"
	"github.com/nugget/aegis/internal/vectormemory"
)

// chatReplyTimeout bounds how long POST /chat waits for the Director
// to produce a chat_reply before returning 504.
const chatReplyTimeout = 30 * time.Second

// httpChannelPrefix namespaces synchronous-chat waiters the same way
// internal/listeners namespaces Signal channels, so the Director's
// single ReplyDeliverer fan-out can tell them apart.
const httpChannelPrefix = "http:"

// writeJSON encodes v as JSON to w, logging any errors at debug level
// — these typically mean the client disconnected mid-response, which
// is not actionable but worth tracking.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, code int, message string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, logger)
}

// Server is the HTTP API surface.
type Server struct {
	addr   string
	port   int
	auth   config.AuthConfig
	logger *slog.Logger

	state   *state.Store
	blobLog *blob.Log
	vecmem  *vectormemory.Store
	budget  *usage.Store
	tier    *router.TierRouter
	chat    *agent.ChatQueue
	wake    func()

	workingContextFn func() string

	hub *Hub

	httpServer *http.Server

	pendingMu sync.Mutex
	pending   map[string]chan string
}

// NewServer constructs the API server. wake is called after a POST
// /control/wake or a /chat enqueue to interrupt the Director's sleep;
// it may be nil in tests that don't exercise wake semantics.
func NewServer(listen config.ListenConfig, auth config.AuthConfig, st *state.Store, blobLog *blob.Log, vecmem *vectormemory.Store, budget *usage.Store, tier *router.TierRouter, chat *agent.ChatQueue, wake func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr: listen.Address, port: listen.Port, auth: auth, logger: logger,
		state: st, blobLog: blobLog, vecmem: vecmem, budget: budget, tier: tier,
		chat: chat, wake: wake,
		hub:     newHub(logger),
		pending: make(map[string]chan string),
	}
}

// SetWorkingContextSource wires GET /memory/working to fn, typically
// *agent.Director.WorkingContextSnapshot. Left nil, the endpoint
// reports an empty string — useful in tests that construct a Server
// without a running Director.
func (s *Server) SetWorkingContextSource(fn func() string) {
	s.workingContextFn = fn
}

// Broadcast implements agent.Broadcaster by relaying to the server's
// WebSocket hub, letting main wire *Server directly as the Director's
// broadcaster without reaching into an unexported field.
func (s *Server) Broadcast(summary agent.IterationSummary) {
	s.hub.Broadcast(summary)
}

// Start begins serving and blocks until the listener errors or Shutdown
// is called (in which case it returns http.ErrServerClosed).
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /budget", s.handleBudget)
	mux.HandleFunc("POST /budget/override", s.requireCreator(s.handleBudgetOverride))

	mux.HandleFunc("GET /memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /memory/vector", s.handleMemoryVector)
	mux.HandleFunc("GET /memory/blob", s.handleMemoryBlob)
	mux.HandleFunc("GET /memory/working", s.handleMemoryWorking)
	mux.HandleFunc("GET /memory/short-term", s.handleMemoryShortTerm)
	mux.HandleFunc("PUT /memory/config", s.handleMemoryConfigUpdate)

	mux.HandleFunc("POST /directive", s.handleSetDirective)
	mux.HandleFunc("POST /goals", s.handleSetGoals)

	mux.HandleFunc("POST /control/pause", s.handleControlPause)
	mux.HandleFunc("POST /control/resume", s.handleControlResume)
	mux.HandleFunc("POST /control/wake", s.handleControlWake)

	mux.HandleFunc("GET /providers", s.handleProviderList)
	mux.HandleFunc("POST /providers", s.handleProviderRegister)
	mux.HandleFunc("PUT /providers/{name}", s.handleProviderAdjust)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /chat/history", s.handleChatHistory)

	mux.HandleFunc("GET /analytics", s.handleAnalytics)

	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.addr, s.port),
		Handler: s.withLogging(mux),
	}

	s.logger.Info("api server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx deadliner) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// deadliner is the subset of context.Context Shutdown needs, avoiding
// an import purely for the parameter type.
type deadliner interface {
	Done() <-chan struct{}
	Err() error
	Deadline() (time.Time, bool)
	Value(key any) any
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// requireCreator gates handlers behind creator authentication per
// safety rule 7 (only the budget-override path may raise the cap).
// OIDC verification itself is out of scope for this package; in
// "single-creator-oidc" mode, a configured PairingToken is compared
// against the request's bearer token, falling back to merely checking
// that an Authorization header was presented when no token is set yet
// (i.e. before the operator has run `aegis pair`).
func (s *Server) requireCreator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Mode == "off" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, s.logger, http.StatusUnauthorized, "creator authentication required")
			return
		}
		if s.auth.PairingToken != "" {
			if strings.TrimPrefix(header, "Bearer ") != s.auth.PairingToken {
				writeError(w, s.logger, http.StatusUnauthorized, "creator authentication failed")
				return
			}
		}
		next(w, r)
	}
}

// statusResponse is GET /status's body.
type statusResponse struct {
	Directive        string   `json:"directive"`
	ShortTermGoals   []string `json:"short_term_goals"`
	MidTermGoals     []string `json:"mid_term_goals"`
	LongTermGoals    []string `json:"long_term_goals"`
	Iteration        int      `json:"iteration"`
	Paused           bool     `json:"paused"`
	CurrentSleepSecs int      `json:"current_sleep_seconds,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.state.Load()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusResponse{
		Directive:      snap.Directive,
		ShortTermGoals: snap.Goals.ShortTerm,
		MidTermGoals:   snap.Goals.MidTerm,
		LongTermGoals:  snap.Goals.LongTerm,
		Iteration:      snap.Iteration,
		Paused:         snap.Paused,
	}, s.logger)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	summary, err := s.budget.GetBudgetSummary()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, summary, s.logger)
}

type budgetOverrideRequest struct {
	NewCapUSD float64 `json:"new_cap_usd"`
}

func (s *Server) handleBudgetOverride(w http.ResponseWriter, r *http.Request) {
	var req budgetOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.budget.SetMonthlyCap(req.NewCapUSD); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordSystemEvent(fmt.Sprintf("budget cap overridden to %.2f", req.NewCapUSD))
	writeJSON(w, map[string]float64{"new_cap_usd": req.NewCapUSD}, s.logger)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.vecmem.Count()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	noteCount, err := s.state.NoteCount()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]int{"vector_entries": count, "short_term_notes": noteCount}, s.logger)
}

func (s *Server) handleMemoryVector(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit := parseIntParam(r, "limit", 20)
	offset := parseIntParam(r, "offset", 0)

	hits, err := s.vecmem.Retrieve(r.Context(), query, limit+offset, 0)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	if offset >= len(hits) {
		writeJSON(w, []vectormemory.ScoredEntry{}, s.logger)
		return
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	writeJSON(w, hits[offset:end], s.logger)
}

func (s *Server) handleMemoryBlob(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	events, err := s.blobLog.ReadDay(date)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, events, s.logger)
}

func (s *Server) handleMemoryWorking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"working_context": s.workingContext()}, s.logger)
}

// workingContext returns the output of the function installed with
// SetWorkingContextSource, or "" when none has been set.
func (s *Server) workingContext() string {
	if s.workingContextFn != nil {
		return s.workingContextFn()
	}
	return ""
}

func (s *Server) handleMemoryShortTerm(w http.ResponseWriter, r *http.Request) {
	notes, err := s.state.ListNotes()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, notes, s.logger)
}

type memoryConfigRequest struct {
	RetrievalCount     int     `json:"retrieval_count"`
	RelevanceThreshold float64 `json:"relevance_threshold"`
	DecayFactor        float64 `json:"decay_factor"`
	MaxContextTokens   int     `json:"max_context_tokens"`
}

func (s *Server) handleMemoryConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req memoryConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RetrievalCount < 1 || req.RetrievalCount > 100 {
		writeError(w, s.logger, http.StatusBadRequest, "retrieval_count must be in [1,100]")
		return
	}
	if req.RelevanceThreshold < 0 || req.RelevanceThreshold > 1 {
		writeError(w, s.logger, http.StatusBadRequest, "relevance_threshold must be in [0,1]")
		return
	}
	if req.DecayFactor < 0.5 || req.DecayFactor > 1 {
		writeError(w, s.logger, http.StatusBadRequest, "decay_factor must be in [0.5,1]")
		return
	}
	cfg := state.MemoryConfig{
		RetrievalCount:     req.RetrievalCount,
		RelevanceThreshold: req.RelevanceThreshold,
		DecayFactor:        req.DecayFactor,
		MaxContextTokens:   req.MaxContextTokens,
	}
	if err := s.state.SetMemoryConfig(cfg); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, cfg, s.logger)
}

type directiveRequest struct {
	Directive string `json:"directive"`
}

func (s *Server) handleSetDirective(w http.ResponseWriter, r *http.Request) {
	var req directiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.state.SetDirective(req.Directive); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, req, s.logger)
}

type goalsRequest struct {
	ShortTerm []string `json:"short_term_goals"`
	MidTerm   []string `json:"mid_term_goals"`
	LongTerm  []string `json:"long_term_goals"`
}

func (s *Server) handleSetGoals(w http.ResponseWriter, r *http.Request) {
	var req goalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.state.SetGoals(req.ShortTerm, req.MidTerm, req.LongTerm); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, req, s.logger)
}

func (s *Server) handleControlPause(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Pause(); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"paused": true}, s.logger)
}

func (s *Server) handleControlResume(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Resume(); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"paused": false}, s.logger)
}

func (s *Server) handleControlWake(w http.ResponseWriter, r *http.Request) {
	if s.wake != nil {
		s.wake()
	}
	writeJSON(w, map[string]bool{"woken": true}, s.logger)
}

type providerRegisterRequest struct {
	Name         string   `json:"name"`
	Tier         string   `json:"tier"`
	Currency     string   `json:"currency"`
	KnownBalance *float64 `json:"known_balance,omitempty"`
	APIKeyRef    string   `json:"api_key_ref,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// providerView merges a provider's static/budget record with the tier
// router's live health, so a dashboard can show both in one call
// without separately polling /budget.
type providerView struct {
	usage.Provider
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	summary, err := s.budget.GetBudgetSummary()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	health := make(map[string]router.ProviderHealthSnapshot)
	for _, h := range s.tier.HealthSnapshot() {
		health[h.Provider] = h
	}
	views := make([]providerView, 0, len(summary.Providers))
	for _, p := range summary.Providers {
		v := providerView{Provider: p}
		if h, ok := health[p.Name]; ok {
			v.ConsecutiveFailures = h.ConsecutiveFailures
			v.CooldownUntil = h.CooldownUntil
		}
		views = append(views, v)
	}
	writeJSON(w, views, s.logger)
}

func (s *Server) handleProviderRegister(w http.ResponseWriter, r *http.Request) {
	var req providerRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, s.logger, http.StatusBadRequest, "name is required")
		return
	}
	p := usage.Provider{Name: req.Name, Tier: usage.Tier(req.Tier), Currency: req.Currency, APIKeyRef: req.APIKeyRef, Notes: req.Notes}
	if err := s.budget.RegisterProvider(p); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	if req.KnownBalance != nil {
		if err := s.budget.SetKnownBalance(req.Name, *req.KnownBalance); err != nil {
			writeError(w, s.logger, http.StatusInternalServerError, err.Error())
			return
		}
	}
	provider, err := s.budget.GetProvider(req.Name)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, provider, s.logger)
}

func (s *Server) handleProviderAdjust(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req providerRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	existing, err := s.budget.GetProvider(name)
	if err != nil {
		writeError(w, s.logger, http.StatusNotFound, "unknown provider")
		return
	}
	if req.Tier != "" {
		existing.Tier = usage.Tier(req.Tier)
	}
	if req.Currency != "" {
		existing.Currency = req.Currency
	}
	if req.APIKeyRef != "" {
		existing.APIKeyRef = req.APIKeyRef
	}
	if req.Notes != "" {
		existing.Notes = req.Notes
	}
	if err := s.budget.RegisterProvider(*existing); err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	if req.KnownBalance != nil {
		if err := s.budget.SetKnownBalance(name, *req.KnownBalance); err != nil {
			writeError(w, s.logger, http.StatusInternalServerError, err.Error())
			return
		}
	}
	provider, err := s.budget.GetProvider(name)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, provider, s.logger)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply      string `json:"reply"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// handleChat enqueues the message and awaits the Director's
// chat_reply on a per-request channel, up to chatReplyTimeout, as a
// synchronous convenience over the otherwise async chat queue.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, s.logger, http.StatusBadRequest, "message is required")
		return
	}

	channel := httpChannelPrefix + uuid.NewString()
	wait := make(chan string, 1)
	s.pendingMu.Lock()
	s.pending[channel] = wait
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, channel)
		s.pendingMu.Unlock()
	}()

	s.chat.Enqueue(agent.IncomingChat{
		Channel:    channel,
		Role:       "creator",
		Content:    req.Message,
		ReceivedAt: time.Now(),
	})
	if s.wake != nil {
		s.wake()
	}

	select {
	case reply := <-wait:
		writeJSON(w, chatResponse{Reply: reply}, s.logger)
	case <-time.After(chatReplyTimeout):
		writeError(w, s.logger, http.StatusGatewayTimeout, "timed out waiting for a reply")
	case <-r.Context().Done():
	}
}

// Deliver implements agent.ReplyDeliverer for the HTTP channel
// namespace, unblocking the matching handleChat call. Channels outside
// the http: prefix are silently ignored, letting the Director share
// one ReplyDeliverer fan-out across listeners that each own disjoint
// channel prefixes.
func (s *Server) Deliver(channel, content string) error {
	if !strings.HasPrefix(channel, httpChannelPrefix) {
		return nil
	}
	s.pendingMu.Lock()
	wait, ok := s.pending[channel]
	s.pendingMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case wait <- content:
	default:
	}
	return nil
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	events, err := s.blobLog.ReadDay(time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	var turns []blob.Event
	for _, ev := range events {
		if ev.EventType == blob.EventChatCreator || ev.EventType == blob.EventChatJarvis {
			turns = append(turns, ev)
		}
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	writeJSON(w, turns, s.logger)
}

// analyticsBucket is one time-bucketed row of the /analytics series.
type analyticsBucket struct {
	Date       string `json:"date"`
	ChatTurns  int    `json:"chat_turns"`
	ToolCalls  int    `json:"tool_calls"`
	LLMCalls   int    `json:"llm_calls"`
	ErrorCount int    `json:"error_count"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "range", 7)
	if days <= 0 {
		days = 7
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days+1)

	events, err := s.blobLog.ReadRange(start, end)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}

	buckets := make(map[string]*analyticsBucket)
	var order []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		buckets[key] = &analyticsBucket{Date: key}
		order = append(order, key)
	}
	for _, ev := range events {
		key := ev.Timestamp.UTC().Format("2006-01-02")
		b, ok := buckets[key]
		if !ok {
			continue
		}
		switch ev.EventType {
		case blob.EventChatCreator, blob.EventChatJarvis:
			b.ChatTurns++
		case blob.EventToolCall, blob.EventToolResult:
			b.ToolCalls++
		case blob.EventLLMRequest, blob.EventLLMResponse:
			b.LLMCalls++
		case blob.EventError:
			b.ErrorCount++
		}
	}

	out := make([]*analyticsBucket, 0, len(order))
	for _, key := range order {
		out = append(out, buckets[key])
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) recordSystemEvent(content string) {
	if s.blobLog == nil {
		return
	}
	if _, err := s.blobLog.Append(blob.Event{EventType: blob.EventSystem, Content: content, Timestamp: time.Now()}); err != nil {
		s.logger.Warn("blob append failed", "error", err)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
