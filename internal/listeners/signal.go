package listeners

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aegis/internal/agent"
	"github.com/nugget/aegis/internal/signal"
)

// signalRateWindow is the sliding window for per-sender rate limiting,
// matching cmd/thane/signalbridge.go's constant.
const signalRateWindow = time.Minute

// signalCleanupInterval controls how often stale rate-limit entries are
// evicted.
const signalCleanupInterval = 10 * time.Minute

// signalChannelPrefix namespaces Signal-origin channel identifiers
// passed to agent.ReplyDeliverer.Deliver, so the Director's delivery
// fan-out can route a reply back to the listener that can handle it.
const signalChannelPrefix = "signal:"

// SignalClient is the subset of *signal.Client a SignalListener needs,
// narrowed to an interface so tests substitute a fake the way
// signal.Bridge's own AgentRunner/ContactResolver do.
type SignalClient interface {
	Messages() <-chan *signal.Envelope
	Send(ctx context.Context, recipient, message string) (int64, error)
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
}

// SignalListener receives messages from a signal-cli JSON-RPC client
// and enqueues each as agent.IncomingChat, replacing
// cmd/thane/signalbridge.go's per-message agent-loop invocation with a
// producer-only handle onto the Director's chat queue — the agent
// loop itself has moved from "one Run call per inbound message" to the
// Director's single continuous iteration stream.
type SignalListener struct {
	client    SignalClient
	queue     ChatEnqueuer
	logger    *slog.Logger
	rateLimit int

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewSignalListener constructs a SignalListener. rateLimit is messages
// per sender per minute; 0 disables rate limiting.
func NewSignalListener(client SignalClient, queue ChatEnqueuer, rateLimit int, logger *slog.Logger) *SignalListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalListener{
		client:      client,
		queue:       queue,
		logger:      logger,
		rateLimit:   rateLimit,
		senderTimes: make(map[string][]time.Time),
	}
}

// Start consumes the client's message channel until ctx is cancelled or
// the channel closes. The signal-cli client's own Start must already be
// running to populate this channel.
func (l *SignalListener) Start(ctx context.Context) {
	l.logger.Info("signal listener started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("signal listener shutting down")
			return
		case env, ok := <-l.client.Messages():
			if !ok {
				l.logger.Info("signal listener: message channel closed")
				return
			}
			l.handle(ctx, env)
		}
	}
}

func (l *SignalListener) handle(ctx context.Context, env *signal.Envelope) {
	if env == nil || env.DataMessage == nil || env.DataMessage.Message == "" {
		return
	}
	sender := env.Source
	if sender == "" {
		sender = env.SourceNumber
	}
	if sender == "" {
		return
	}

	if !l.allowSender(sender) {
		l.logger.Warn("signal message rate-limited", "sender", sender)
		return
	}

	if ts := env.DataMessage.Timestamp; ts != 0 {
		if err := l.client.SendReceipt(ctx, sender, ts); err != nil {
			l.logger.Warn("signal read receipt failed", "sender", sender, "error", err)
		}
	}

	content := formatSignalMessage(sender, env.DataMessage.Message, groupName(env))
	l.queue.Enqueue(agent.IncomingChat{
		Channel:    signalChannelPrefix + sender,
		Role:       "creator",
		Content:    content,
		ReceivedAt: time.Now(),
	})
}

// Deliver implements agent.ReplyDeliverer for Signal-origin channels.
// Channels not carrying the Signal prefix are silently ignored so
// multiple listeners can share one Director without each needing to
// know which channels belong to the others.
func (l *SignalListener) Deliver(channel, content string) error {
	recipient, ok := strings.CutPrefix(channel, signalChannelPrefix)
	if !ok {
		return nil
	}
	_, err := l.client.Send(context.Background(), recipient, content)
	return err
}

func (l *SignalListener) allowSender(sender string) bool {
	if l.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-signalRateWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanupLocked(now)

	timestamps := l.senderTimes[sender]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= l.rateLimit {
		l.senderTimes[sender] = valid
		return false
	}
	l.senderTimes[sender] = append(valid, now)
	return true
}

func (l *SignalListener) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < signalCleanupInterval {
		return
	}
	l.lastCleanup = now

	cutoff := now.Add(-2 * signalRateWindow)
	for sender, timestamps := range l.senderTimes {
		if len(timestamps) == 0 {
			delete(l.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(l.senderTimes, sender)
		}
	}
}

func groupName(env *signal.Envelope) string {
	if env.DataMessage.GroupInfo == nil {
		return ""
	}
	return env.DataMessage.GroupInfo.GroupID
}

func formatSignalMessage(sender, message, group string) string {
	if group != "" {
		return fmt.Sprintf("Signal message from %s in group %s:\n\n%s", sender, group, message)
	}
	return fmt.Sprintf("Signal message from %s:\n\n%s", sender, message)
}
