package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/aegis/internal/agent"
)

// wsPushMessage is the server-push payload broadcast to WebSocket
// subscribers after each iteration: type, status, timestamp,
// iteration, next_wake_seconds, and related fields below.
type wsPushMessage struct {
	Type            string    `json:"type"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	Iteration       int       `json:"iteration"`
	NextWakeSeconds int       `json:"next_wake_seconds"`
	ActionsRun      int       `json:"actions_run,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard frontend is out of scope; accepting any
	// origin here matches that — a same-origin policy would belong to
	// the external dashboard's deployment, not this core.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans iteration summaries out to every connected WebSocket
// client, implementing agent.Broadcaster. A client that can't keep up
// is dropped rather than allowed to block the broadcast — push is
// fire-and-forget.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan wsPushMessage
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*websocket.Conn]chan wsPushMessage)}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	outbox := make(chan wsPushMessage, 8)
	h.mu.Lock()
	h.clients[conn] = outbox
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain (and discard) client reads so ping/pong and close frames
	// are processed; this surface takes no client-initiated messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for msg := range outbox {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Broadcast implements agent.Broadcaster. A full client outbox drops
// the message for that client rather than blocking the Director.
func (h *Hub) Broadcast(summary agent.IterationSummary) {
	msg := wsPushMessage{
		Type:            "iteration",
		Status:          summary.StatusMessage,
		Timestamp:       time.Now(),
		Iteration:       summary.Iteration,
		NextWakeSeconds: int(summary.NextSleep.Seconds()),
		ActionsRun:      summary.ActionsRun,
		Errors:          summary.Errors,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, outbox := range h.clients {
		select {
		case outbox <- msg:
		default:
			h.logger.Debug("websocket client outbox full, dropping message")
		}
	}
}
