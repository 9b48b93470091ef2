// ABOUTME: Fans events out to every connected WebSocket client with a global sequence
// ABOUTME: Frames are marshaled once; slow clients drop droppable frames or are closed

package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/protocol"
)

// Broadcaster owns the set of handshaken clients.
type Broadcaster struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	// mu serializes sequence assignment with delivery so every client sees
	// frames in seq order.
	mu      sync.Mutex
	seq     uint64
	clients map[string]*Client
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		metrics: m,
		logger:  logger.With("component", "broadcaster"),
		clients: make(map[string]*Client),
	}
}

// Add registers a client for broadcasts.
func (b *Broadcaster) Add(c *Client) {
	b.mu.Lock()
	b.clients[c.id] = c
	n := len(b.clients)
	b.mu.Unlock()
	b.metrics.SetClients(n)
}

// Remove unregisters a client. It reports false if the client was unknown.
func (b *Broadcaster) Remove(id string) bool {
	b.mu.Lock()
	_, ok := b.clients[id]
	delete(b.clients, id)
	n := len(b.clients)
	b.mu.Unlock()
	b.metrics.SetClients(n)
	return ok
}

// Count returns the number of registered clients.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Seq returns the sequence number of the last broadcast.
func (b *Broadcaster) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Broadcast sends one event frame to every client.
func (b *Broadcaster) Broadcast(event string, payload any, opts protocol.BroadcastOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	frame, err := json.Marshal(protocol.EventFrame{
		Type:         protocol.FrameEvent,
		Event:        event,
		Payload:      payload,
		Seq:          b.seq,
		StateVersion: opts.StateVersion,
	})
	if err != nil {
		b.logger.Error("encoding event", "event", event, "error", err)
		return
	}

	for _, c := range b.clients {
		switch c.enqueue(frame, opts.DropIfSlow) {
		case enqueued:
			b.metrics.EventSent(event)
		case dropped:
			b.metrics.EventDropped(event)
		case closedSlow:
			b.metrics.SlowConsumerClosed()
			b.logger.Warn("closing slow consumer",
				"conn_id", c.id,
				"event", event,
				"buffered_bytes", c.Buffered(),
			)
		}
	}
}

// Send delivers a frame to one client outside the broadcast sequence, for
// responses to that client's requests.
func (b *Broadcaster) Send(c *Client, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encoding frame", "conn_id", c.id, "error", err)
		return
	}
	if c.enqueue(frame, false) == closedSlow {
		b.metrics.SlowConsumerClosed()
		b.logger.Warn("closing slow consumer", "conn_id", c.id, "buffered_bytes", c.Buffered())
	}
}

// CloseAll closes every client after flushing its queue and returns them so
// the caller can wait for their writers.
func (b *Broadcaster) CloseAll(code websocket.StatusCode, reason string) []*Client {
	b.mu.Lock()
	out := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	b.mu.Unlock()

	for _, c := range out {
		c.Close(code, reason, true)
	}
	return out
}
