// Package fanout delivers trip events to every connection subscribed to the
// trip. Subscriptions are keyed by topic (a trip id, or a mover topic) and
// are owned by the hub, so a connection can go away without involving the
// tracking session it was watching.
package fanout

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/trip-dispatch/internal/observability"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Conn is one subscriber connection. Enqueue must never block.
type Conn interface {
	ID() string
	Enqueue(ev Event) bool
	Dead() bool
	Close()
}

type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	topics map[string]map[string]struct{}
	joined map[string]map[string]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]Conn),
		topics: make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		logger: logger.With("component", "fanout"),
	}
}

// Register makes a connection addressable. Re-registering an id replaces the
// previous connection, which is closed.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	old, ok := h.conns[c.ID()]
	h.conns[c.ID()] = c
	if _, seen := h.joined[c.ID()]; !seen {
		h.joined[c.ID()] = make(map[string]struct{})
	}
	n := len(h.conns)
	h.mu.Unlock()
	if ok && old != c {
		old.Close()
	}
	observability.Connections.Set(float64(n))
}

// Subscribe is idempotent.
func (h *Hub) Subscribe(topic, connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return ErrUnknownConnection
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		h.topics[topic] = set
	}
	if _, ok := set[connID]; !ok {
		set[connID] = struct{}{}
		h.joined[connID][topic] = struct{}{}
		observability.Subscribers.Inc()
	}
	return nil
}

// Unsubscribe is idempotent. An empty topic is forgotten, nothing else.
func (h *Hub) Unsubscribe(topic, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(topic, connID)
}

func (h *Hub) leaveLocked(topic, connID string) {
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, ok := set[connID]; !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
	if j, ok := h.joined[connID]; ok {
		delete(j, topic)
	}
	observability.Subscribers.Dec()
}

// Publish hands ev to every live subscriber of topic and returns how many
// accepted it. Connections found dead are pruned after delivery; a
// connection that fails during this call is pruned on the next one.
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.RLock()
	set := h.topics[topic]
	targets := make([]Conn, 0, len(set))
	for id := range set {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	var dead []string
	for _, c := range targets {
		if c.Dead() {
			dead = append(dead, c.ID())
			continue
		}
		if c.Enqueue(ev) {
			delivered++
		}
	}
	observability.FanoutDelivered.WithLabelValues(ev.Type).Add(float64(delivered))
	if len(dead) > 0 {
		for _, id := range dead {
			h.drop(id)
		}
		observability.FanoutPruned.Add(float64(len(dead)))
		h.logger.Debug("pruned dead subscribers", "topic", topic, "count", len(dead))
	}
	return delivered
}

// Send delivers ev to a single connection.
func (h *Hub) Send(connID string, ev Event) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok || c.Dead() {
		return false
	}
	return c.Enqueue(ev)
}

// OnDisconnect removes the connection from every topic it joined. Safe to
// call more than once.
func (h *Hub) OnDisconnect(connID string) {
	h.drop(connID)
}

func (h *Hub) drop(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		for topic := range h.joined[connID] {
			h.leaveLocked(topic, connID)
		}
		delete(h.joined, connID)
		delete(h.conns, connID)
	}
	n := len(h.conns)
	h.mu.Unlock()
	if ok {
		c.Close()
		observability.Connections.Set(float64(n))
	}
}

// CloseTopic drops every subscription to topic and returns the connection
// ids that were subscribed. The connections themselves stay open.
func (h *Hub) CloseTopic(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.topics[topic]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.leaveLocked(topic, id)
	}
	return ids
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Topics returns the topics connID is subscribed to.
func (h *Hub) Topics(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.joined[connID]))
	for t := range h.joined[connID] {
		out = append(out, t)
	}
	return out
}

// CloseAll drops and closes every connection. Used on shutdown, where
// hijacked websocket connections are not closed by the HTTP server.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.drop(id)
	}
	return len(ids)
}
