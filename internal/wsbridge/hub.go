// Package wsbridge exposes the shared state store over HTTP and
// WebSocket: snapshot/event endpoints for polling clients and a live
// stream fed by the store's broadcast hook.
package wsbridge

import (
	"encoding/json"
	"sync"

	"github.com/skybeam/groundstation/internal/debug"
	"github.com/skybeam/groundstation/internal/eventq"
	"github.com/skybeam/groundstation/internal/statestore"
)

// clientQueueSize bounds the per-client send queue. A slow consumer
// drops frames instead of stalling the store's mutation path.
const clientQueueSize = 256

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub fans broadcast frames out to connected WebSocket clients.
// Broadcast satisfies the store's hook signature, so mutations anywhere
// in the system surface on every open socket.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	frames *eventq.Queue[[]byte]
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Broadcast is registered as the store's broadcast hook. Must never
// block: delivery to each client is a non-blocking offer.
func (h *Hub) Broadcast(b statestore.Broadcast) {
	h.publish(b.Type, b.Event)
}

func (h *Hub) publish(typ string, data any) {
	frame, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		debug.LogKV("wsbridge", "marshal frame failed", "type", typ, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.frames.Offer(frame) {
			debug.LogKV("wsbridge", "client queue full, frame dropped",
				"type", typ, "dropped", c.frames.Dropped())
		}
	}
}

func (h *Hub) register() *hubClient {
	c := &hubClient{frames: eventq.New[[]byte](clientQueueSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount reports the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
