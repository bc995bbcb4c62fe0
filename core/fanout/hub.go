// Package fanout pushes named events to live subscriber connections. The
// hub keeps a registry of open connections, broadcasts to all of them
// without blocking the producer, prunes connections that fail to receive,
// and emits periodic heartbeats so intermediaries keep the channel alive.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/streamhaus/backbone/core/cache"
)

const (
	// EventConnected is sent to a connection right after it registers.
	EventConnected = "connected"
	// EventHeartbeat keeps idle connections open through proxy timeouts.
	EventHeartbeat = "heartbeat"
)

// Event is a single named push to subscribers.
type Event struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn is one open push connection. It is CLOSED on context cancel,
// send failure, or hub shutdown, after which Events() is closed.
type Conn struct {
	id   string
	ch   chan Event
	once sync.Once
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) Events() <-chan Event { return c.ch }
func (c *Conn) close()               { c.once.Do(func() { close(c.ch) }) }

// send attempts a non-blocking delivery. False means the connection's
// buffer is full or it is gone, which the hub treats as a dead peer.
func (c *Conn) send(e Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.ch <- e:
		return true
	default:
		return false
	}
}

type HubOpts struct {
	Log     *slog.Logger
	Metrics FanoutMetrics
	// SendBuffer is the per-connection channel depth. A connection that
	// falls this far behind is considered dead. Defaults to 64.
	SendBuffer int
	// RecentSize bounds the recent-event cache. Defaults to 1000.
	RecentSize int
	// RecentTTL expires cached events. Defaults to 5 minutes.
	RecentTTL time.Duration
	// HeartbeatInterval for Run. Defaults to 15 seconds.
	HeartbeatInterval time.Duration
}

// Hub is the live fan-out registry. Subscribe, Broadcast and Heartbeat
// are all safe to call concurrently; no lock is held across sends.
type Hub struct {
	log     *slog.Logger
	metrics FanoutMetrics

	sendBuffer int
	hbInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn

	recent    cache.Cache
	recentTTL time.Duration

	// ringMu guards the id ring used for ordered tail reads.
	ringMu  sync.Mutex
	ring    []string
	ringPos int
	ringLen int
}

func NewHub(opts HubOpts) *Hub {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopFanoutMetrics()
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	recentSize := opts.RecentSize
	if recentSize <= 0 {
		recentSize = 1000
	}
	recentTTL := opts.RecentTTL
	if recentTTL <= 0 {
		recentTTL = 5 * time.Minute
	}
	hbInterval := opts.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 15 * time.Second
	}
	return &Hub{
		log:        log.With(slog.String("component", "fanout")),
		metrics:    m,
		sendBuffer: sendBuffer,
		hbInterval: hbInterval,
		conns:      make(map[string]*Conn),
		recent:     cache.NewLRU(cache.LRUOpts{Size: recentSize}),
		recentTTL:  recentTTL,
		ring:       make([]string, recentSize),
	}
}

// Subscribe registers a new connection and immediately queues a
// "connected" acknowledgment on it. The connection deregisters itself
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) *Conn {
	c := &Conn{
		id: gonanoid.Must(8),
		ch: make(chan Event, h.sendBuffer),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.metrics.ConnectedCount(n)
	h.log.Debug("subscriber connected", slog.String("conn_id", c.id), slog.Int("connected", n))

	c.send(newEvent(EventConnected, nil))

	go func() {
		<-ctx.Done()
		h.remove(c, "context cancelled")
	}()

	return c
}

// Broadcast pushes a named event to every open connection. It never
// blocks on a slow subscriber; any connection whose send fails is closed
// and removed in the same pass. The event id and payload are cached for
// catch-up reads.
func (h *Hub) Broadcast(name string, data json.RawMessage) Event {
	e := newEvent(name, data)

	h.recent.Put(e.ID, e, cache.WithTTL(h.recentTTL))
	h.ringMu.Lock()
	h.ring[h.ringPos] = e.ID
	h.ringPos = (h.ringPos + 1) % len(h.ring)
	if h.ringLen < len(h.ring) {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.metrics.EventBroadcast(name)
	h.sendAll(e)
	return e
}

// Heartbeat sends one keepalive pass over the registry. Failures prune
// the connection exactly like a broadcast failure would.
func (h *Hub) Heartbeat() {
	h.metrics.HeartbeatSent()
	h.sendAll(newEvent(EventHeartbeat, nil))
}

// Run emits heartbeats on a fixed period until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.hbInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-t.C:
			h.Heartbeat()
		}
	}
}

// RecentEvents returns up to limit of the most recently broadcast events
// keyed by event id, newest portion of the cache only.
func (h *Hub) RecentEvents(limit int) map[string]Event {
	if limit <= 0 {
		return nil
	}

	h.ringMu.Lock()
	ids := make([]string, 0, limit)
	for i := 0; i < h.ringLen && len(ids) < limit; i++ {
		idx := h.ringPos - 1 - i
		if idx < 0 {
			idx += len(h.ring)
		}
		ids = append(ids, h.ring[idx])
	}
	h.ringMu.Unlock()

	out := make(map[string]Event, len(ids))
	for _, id := range ids {
		if v, ok := h.recent.Get(id); ok {
			out[id] = v.(Event)
		}
	}
	return out
}

// EventsSince returns the cached events broadcast after lastID, oldest
// first. An empty or unknown lastID yields everything still cached.
func (h *Hub) EventsSince(lastID string) []Event {
	h.ringMu.Lock()
	ids := make([]string, 0, h.ringLen)
	for i := range h.ringLen {
		idx := h.ringPos - h.ringLen + i
		if idx < 0 {
			idx += len(h.ring)
		}
		ids = append(ids, h.ring[idx])
	}
	h.ringMu.Unlock()

	after := 0
	for i, id := range ids {
		if id == lastID {
			after = i + 1
			break
		}
	}

	out := make([]Event, 0, len(ids)-after)
	for _, id := range ids[after:] {
		if v, ok := h.recent.Get(id); ok {
			out = append(out, v.(Event))
		}
	}
	return out
}

// ConnectedCount returns the current registry size.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.metrics.ConnectedCount(0)
}

// sendAll delivers e to a snapshot of the registry, removing failed
// connections afterwards. The registry lock is not held during sends.
func (h *Hub) sendAll(e Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.send(e) {
			h.remove(c, "send failed")
		}
	}
}

func (h *Hub) remove(c *Conn, reason string) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	if present {
		delete(h.conns, c.id)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if !present {
		return
	}

	c.close()
	h.metrics.ConnectionClosed()
	h.metrics.ConnectedCount(n)
	h.log.Debug("subscriber removed",
		slog.String("conn_id", c.id),
		slog.String("reason", reason),
		slog.Int("connected", n),
	)
}

func newEvent(name string, data json.RawMessage) Event {
	return Event{
		ID:   gonanoid.Must(12),
		Name: name,
		Time: time.Now().UTC(),
		Data: data,
	}
}
