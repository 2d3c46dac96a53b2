// Package listeners adapts the external message sources — chat
// (Signal), email, and a non-chat sensor/automation trigger (MQTT) —
// onto the Director's agent.ChatQueue. Each listener holds only a
// producer-side handle to the queue (Enqueue) and never a pointer back
// into the Director itself: a listener enqueues and, for channels
// capable of a reply, implements agent.ReplyDeliverer to route a
// chat_reply back out.
package listeners

import "github.com/nugget/aegis/internal/agent"

// ChatEnqueuer is the narrow interface listeners depend on instead of
// agent.ChatQueue directly, matching the Director's own driver-
// interface discipline of never importing a concrete provider package
// directly.
type ChatEnqueuer interface {
	Enqueue(msg agent.IncomingChat)
}
