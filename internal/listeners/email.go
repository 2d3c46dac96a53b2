package listeners

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/aegis/internal/agent"
)

// emailChannel is the synthetic chat channel new-mail notifications
// are enqueued under. Replies to email are sent through the email
// tool (internal/tools), not through agent.ReplyDeliverer — a mail
// listener has no single "sender" to route a chat_reply back to the
// way Signal does.
const emailChannel = "email"

// MailChecker abstracts email.Poller.CheckNewMessages so tests can
// substitute a fake instead of real IMAP accounts, the same narrow-
// interface pattern internal/signal uses for AgentRunner/ContactResolver.
type MailChecker interface {
	CheckNewMessages(ctx context.Context) (string, error)
}

// EmailListener polls configured IMAP accounts via a MailChecker
// (the real implementation is *email.Poller) and enqueues a synthetic
// chat message describing new mail, folding the inbox into the
// Director's working context exactly like an inbound chat message.
type EmailListener struct {
	poller   MailChecker
	queue    ChatEnqueuer
	interval time.Duration
	logger   *slog.Logger
}

// NewEmailListener constructs an EmailListener that checks for new mail
// every interval.
func NewEmailListener(poller MailChecker, queue ChatEnqueuer, interval time.Duration, logger *slog.Logger) *EmailListener {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &EmailListener{poller: poller, queue: queue, interval: interval, logger: logger}
}

// Start polls on a ticker until ctx is cancelled.
func (l *EmailListener) Start(ctx context.Context) {
	l.logger.Info("email listener started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("email listener shutting down")
			return
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *EmailListener) poll(ctx context.Context) {
	summary, err := l.poller.CheckNewMessages(ctx)
	if err != nil {
		l.logger.Warn("email poll failed", "error", err)
		return
	}
	if summary == "" {
		return
	}

	l.queue.Enqueue(agent.IncomingChat{
		Channel:    emailChannel,
		Role:       "creator",
		Content:    summary,
		ReceivedAt: time.Now(),
	})
}
