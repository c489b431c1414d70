package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"label-print-service/internal/domain"
	"label-print-service/internal/store"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 50 * time.Second
	eventBuffer     = 32
)

// EventHub fans out appended log entries to websocket subscribers.
type EventHub struct {
	mu       sync.Mutex
	clients  map[*eventClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type eventClient struct {
	conn *websocket.Conn
	send chan domain.LogEntry
}

// NewEventHub returns an empty hub. Only same-origin browsers may subscribe.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients: make(map[*eventClient]struct{}),
		logger:  logger,
	}
}

// Publish queues entry for every subscriber. Clients that fall behind are dropped.
func (h *EventHub) Publish(entry domain.LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- entry:
		default:
			h.logger.Warn("dropping slow event subscriber", slog.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams log entries as JSON messages until the
// client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &eventClient{conn: conn, send: make(chan domain.LogEntry, eventBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only handles control frames; it returns when the peer closes.
func (h *EventHub) readLoop(c *eventClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(eventPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case entry, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(entry); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PublishingLog is an EventLogger that also publishes every stored entry to a hub.
type PublishingLog struct {
	store.EventLogger
	Hub *EventHub
}

func (l PublishingLog) Append(ctx context.Context, entry domain.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := l.EventLogger.Append(ctx, entry); err != nil {
		return err
	}
	if l.Hub != nil {
		l.Hub.Publish(entry)
	}
	return nil
}
