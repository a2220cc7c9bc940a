// Package events delivers live structured updates to connected clients.
// Delivery is best-effort: a slow or absent consumer never affects a job run.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/gorilla/websocket"
)

// Sink receives structured events from the engine, scheduler and
// orchestrator. Implementations must not block.
type Sink interface {
	Publish(event string, payload map[string]interface{})
}

type nopSink struct{}

func (nopSink) Publish(string, map[string]interface{}) {}

// Nop returns a sink that discards all events.
func Nop() Sink {
	return nopSink{}
}

// OrNop returns sink when non-nil, otherwise a no-op sink.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return Nop()
	}
	return sink
}

type envelope struct {
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub fans events out to websocket clients. Full client buffers drop events
// rather than block the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	closed  bool
}

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logging.OrNop(logger),
		clients: make(map[chan []byte]struct{}),
	}
}

func (h *Hub) Publish(event string, payload map[string]interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("events: marshal %q: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// Drop for slow clients
		}
	}
}

// Handle upgrades the request and streams events until the client goes away.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("events: upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 64)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	// Reader goroutine only detects disconnect; inbound payloads are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
	}
}
