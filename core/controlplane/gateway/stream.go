package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/welcomecrm/cadence/core/cadence"
	"github.com/welcomecrm/cadence/core/infra/logging"
)

const (
	defaultClientBuffer = 100
	wsWriteTimeout      = 5 * time.Second
)

// Hub fans committed events out to websocket subscribers. Slow clients drop
// events rather than block the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	buffer  int
	closed  bool
}

type streamClient struct {
	ch         chan *cadence.Event
	instanceID string
	cardID     string
}

func (c *streamClient) wants(ev *cadence.Event) bool {
	if c.instanceID != "" && ev.InstanceID != c.instanceID {
		return false
	}
	if c.cardID != "" && ev.CardID != c.cardID {
		return false
	}
	return true
}

var _ cadence.EventSink = (*Hub)(nil)

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Hub{clients: make(map[*streamClient]struct{}), buffer: buffer}
}

// Publish implements cadence.EventSink.
func (h *Hub) Publish(_ context.Context, events []*cadence.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ev := range events {
		if ev == nil {
			continue
		}
		for c := range h.clients {
			if !c.wants(ev) {
				continue
			}
			select {
			case c.ch <- ev:
			default:
				logging.Debug(component, "stream client lagging, dropping event", "event_id", ev.ID)
			}
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.ch)
	}
}

func (h *Hub) register(instanceID, cardID string) *streamClient {
	c := &streamClient{ch: make(chan *cadence.Event, h.buffer), instanceID: instanceID, cardID: cardID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.ch)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.ch)
	}
}

// handleStream upgrades to a websocket and streams events, optionally
// filtered by instance_id or card_id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceID := strings.TrimSpace(q.Get("instance_id"))
	cardID := strings.TrimSpace(q.Get("card_id"))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(component, "ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	logging.Info(component, "ws connected", "remote", r.RemoteAddr, "instance_id", instanceID, "card_id", cardID)

	client := s.hub.register(instanceID, cardID)
	defer s.hub.unregister(client)

	// The read pump notices the peer going away; hijacked requests do not
	// cancel r.Context().
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-client.ch:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
