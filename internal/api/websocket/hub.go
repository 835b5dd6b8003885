// Package websocket fans the lifecycle event bus out to connected
// observers (dashboards, ops tooling). Losing an observer never affects
// the task path.
package websocket

import (
	"context"
	"sync"

	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/metrics"
)

// Hub is a plain fan-out: every observer receives every event, so there
// is no per-client routing state and no reason to serialize membership
// changes through channels. A mutex over the client set is the whole
// synchronization story.
type Hub struct {
	bus  events.Publisher
	stop sync.Once
	done chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(bus events.Publisher) *Hub {
	return &Hub{
		bus:     bus,
		done:    make(chan struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// Run drains the bus into the connected observers until the context
// ends or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	eventCh, err := h.bus.SubscribeAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to subscribe to event bus")
		return
	}
	logger.Info().Msg("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.detachAll()
			return
		case <-h.done:
			h.detachAll()
			return
		case event, ok := <-eventCh:
			if !ok {
				h.detachAll()
				return
			}
			h.fanOut(event)
		}
	}
}

// Stop disconnects every observer and ends Run.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		close(h.done)
		h.detachAll()
		logger.Info().Msg("websocket hub stopped")
	})
}

// fanOut serializes the event once and offers it to every observer.
// An observer whose buffer is full is disconnected rather than allowed
// to stall the rest; it can reconnect and resume from live traffic.
func (h *Hub) fanOut(event *events.Event) {
	data, err := event.ToJSON()
	if err != nil {
		logger.Error().Err(err).Msg("failed to serialize event")
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			logger.Debug().Str("client_id", c.ID).Msg("observer cannot keep up, disconnecting")
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.SetWebSocketConnections(float64(count))
}

// attach registers a freshly upgraded connection.
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.SetWebSocketConnections(float64(count))
}

// detach removes an observer; closing its send channel ends the write
// pump. Safe to call for a client fanOut already dropped.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.SetWebSocketConnections(float64(count))
	}
}

func (h *Hub) detachAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	metrics.SetWebSocketConnections(0)
}

// ClientCount reports the connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
