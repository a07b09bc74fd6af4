// Package broadcast fans push events out to websocket clients.
//
// Every frame is JSON {"type": <event>, "data": <payload>, "timestamp": ...}.
// There is no acknowledgement: a client that is disconnected, or too slow
// to drain its buffer, misses frames and resynchronizes over REST. The last
// frame of each replayable event is kept and sent to every newly connected
// client before any later frame, so late joiners start from current state.
package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/metrics"
	"tesa-overwatch/pkg/shared"
)

// Publisher emits a named event to every current subscriber. Implementations
// must not block the caller.
type Publisher interface {
	Broadcast(event string, payload interface{})
}

// Message is the frame written to clients.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type frame struct {
	event string
	data  []byte
}

// Hub owns the client set and the replay cache. All mutation happens on the
// Serve goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	replay     *LastValueCache
	replayable map[string]bool
	count      atomic.Int64
	log        zerolog.Logger
}

func NewHub() *Hub {
	replayable := make(map[string]bool, len(shared.ReplayableEvents))
	for _, e := range shared.ReplayableEvents {
		replayable[e] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		replay:     NewLastValueCache(),
		replayable: replayable,
		log:        logging.With("websocket-hub"),
	}
}

// Serve runs the hub until ctx is canceled. It satisfies suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// lifecycle events first so a client registered before a frame
		// was queued gets its replay ahead of that frame
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case f := <-h.broadcast:
			h.fanOut(f)
		}
	}
}

func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) add(c *Client) {
	h.clients[c] = true
	h.setCount()
	h.log.Info().Str("client", c.id).Int("total_clients", len(h.clients)).Msg("websocket client connected")

	for _, event := range shared.ReplayableEvents {
		data, ok := h.replay.Get(event)
		if !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.setCount()
	h.log.Info().Str("client", c.id).Int("total_clients", len(h.clients)).Msg("websocket client disconnected")
}

func (h *Hub) setCount() {
	h.count.Store(int64(len(h.clients)))
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// ClientCount is safe to call from any goroutine.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) fanOut(f frame) {
	if h.replayable[f.event] {
		h.replay.Record(f.event, f.data)
	}

	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- f.data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.log.Warn().Str("client", c.id).Msg("client send buffer full, disconnecting")
		h.remove(c)
	}
}

func (h *Hub) closeAll() {
	n := len(h.clients)
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.setCount()
	h.log.Info().Int("clients_closed", n).Msg("websocket hub stopped")
}

// Broadcast encodes payload and queues it for every client.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := gojson.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to encode broadcast payload")
		return
	}
	h.BroadcastRaw(event, data)
}

// BroadcastRaw queues an already encoded payload.
func (h *Hub) BroadcastRaw(event string, data json.RawMessage) {
	encoded, err := gojson.Marshal(Message{Type: event, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}

	select {
	case h.broadcast <- frame{event: event, data: encoded}:
		metrics.BroadcastsTotal.WithLabelValues(event).Inc()
	default:
		metrics.BroadcastsDropped.WithLabelValues(event).Inc()
		h.log.Warn().Str("event", event).Msg("broadcast channel full, dropping frame")
	}
}

// Latest returns the last frame recorded for a replayable event.
func (h *Hub) Latest(event string) ([]byte, bool) {
	return h.replay.Get(event)
}
