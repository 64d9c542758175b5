package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

// Event is the JSON frame pushed to operator consoles.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

type subscriber struct {
	conn *websocket.Conn
	msgs chan []byte
}

// Hub broadcasts notifications to connected operator consoles over WebSocket.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	origins     []string
}

// NewHub creates a hub accepting connections from the given origin patterns.
func NewHub(origins []string) *Hub {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		origins:     origins,
	}
}

// Subscribers returns the number of connected consoles.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Notify queues text for every connected console. Slow consoles whose queue
// is full miss the message. Returns ErrNoSubscribers if nobody received it.
func (h *Hub) Notify(_ context.Context, conversationID, text string) error {
	data, err := json.Marshal(Event{
		Type:           "notification",
		ConversationID: conversationID,
		Text:           text,
		At:             time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for sub := range h.subscribers {
		select {
		case sub.msgs <- data:
			queued++
		default:
			slog.Warn("Notification console queue full, dropping message", "conversation_id", conversationID)
		}
	}
	if queued == 0 {
		return ErrNoSubscribers
	}
	return nil
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
	slog.Info("Notification console connected", "subscribers", len(h.subscribers))
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		slog.Info("Notification console disconnected", "subscribers", len(h.subscribers))
	}
}

// Close disconnects every console.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.subscribers, sub)
	}
}

// ServeHTTP upgrades the request and streams notifications until the client
// goes away. Client frames are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub := &subscriber{conn: ws, msgs: make(chan []byte, subscriberBuffer)}
	h.register(sub)
	defer h.unregister(sub)

	// CloseRead discards client frames and cancels ctx once the peer closes.
	ctx := ws.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.msgs:
			if err := writeFrame(ctx, ws, msg); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					slog.Warn("Notification console write error", "error", err)
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, msg)
}
