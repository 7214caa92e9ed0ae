// Package fanout implements the FanoutHub: subscriber sets keyed by a
// stream address, broadcast to every live subscriber, and best-effort
// pruning of subscribers whose write fails. A single failing subscriber
// never blocks delivery to the others, and per-key broadcasts are
// serialized so that one subscriber never observes two broadcasts out
// of the order they were issued in.
package fanout

import (
	"strings"
	"sync"
)

// Kind identifies which channel a StreamKey belongs to.
type Kind string

const (
	KindTerminal  Kind = "terminal"
	KindRecording Kind = "recording"
	KindAgent     Kind = "agent"
)

// TerminalKey builds the StreamKey for a terminal session.
func TerminalKey(tunnelID, sessionID string) string {
	return tunnelID + ":" + sessionID
}

// RecordingKey builds the StreamKey for a recording session.
func RecordingKey(tunnelID, sessionID string) string {
	return tunnelID + ":" + sessionID + ":recording"
}

// AgentKey builds the StreamKey for an agent-event session.
func AgentKey(tunnelID, sessionID string) string {
	return tunnelID + ":" + sessionID + ":agent"
}

// Subscriber is a live consumer of one stream. Implementations translate
// a raw JSON payload into their transport's framing (a WebSocket text
// message, or an SSE "event:\ndata:\n\n" block).
type Subscriber interface {
	// Deliver writes payload to the subscriber. A non-nil error means the
	// subscriber is dead and will be pruned.
	Deliver(kind Kind, payload []byte) error
	// Close tears down the subscriber's transport.
	Close(code int, reason string)
}

// Observer receives fan-out lifecycle signals for metrics. Nil-safe via
// NoopObserver.
type Observer interface {
	SubscriberCount(n int)
	BroadcastFailure()
}

type noopObserver struct{}

func (noopObserver) SubscriberCount(int)  {}
func (noopObserver) BroadcastFailure()    {}

// NoopObserver discards all signals.
var NoopObserver Observer = noopObserver{}

type keySet struct {
	mu   sync.Mutex // serializes broadcasts to this key, in addition to guarding subs
	subs map[Subscriber]struct{}
}

// Hub holds subscriber sets for every (kind, streamKey) pair.
type Hub struct {
	obs Observer

	mu   sync.Mutex
	keys map[Kind]map[string]*keySet

	total int // live subscriber count across all keys, for the Observer
}

// New creates an empty FanoutHub.
func New(obs Observer) *Hub {
	if obs == nil {
		obs = NoopObserver
	}
	return &Hub{obs: obs, keys: make(map[Kind]map[string]*keySet)}
}

func (h *Hub) keySetLocked(kind Kind, streamKey string, create bool) *keySet {
	m, ok := h.keys[kind]
	if !ok {
		if !create {
			return nil
		}
		m = make(map[string]*keySet)
		h.keys[kind] = m
	}
	ks, ok := m[streamKey]
	if !ok {
		if !create {
			return nil
		}
		ks = &keySet{subs: make(map[Subscriber]struct{})}
		m[streamKey] = ks
	}
	return ks
}

// Subscribe adds sub to the subscriber set for (kind, streamKey). Calling
// Subscribe again with the same subscriber before an intervening
// Unsubscribe is a no-op (the set is idempotent).
func (h *Hub) Subscribe(kind Kind, streamKey string, sub Subscriber) {
	h.mu.Lock()
	ks := h.keySetLocked(kind, streamKey, true)
	h.mu.Unlock()

	ks.mu.Lock()
	_, already := ks.subs[sub]
	if !already {
		ks.subs[sub] = struct{}{}
	}
	ks.mu.Unlock()

	if !already {
		h.mu.Lock()
		h.total++
		n := h.total
		h.mu.Unlock()
		h.obs.SubscriberCount(n)
	}
}

// Unsubscribe removes sub from the set for (kind, streamKey). Once this
// returns, no future broadcast on that key reaches sub. If the set
// becomes empty, the key is removed entirely.
func (h *Hub) Unsubscribe(kind Kind, streamKey string, sub Subscriber) {
	h.mu.Lock()
	ks := h.keySetLocked(kind, streamKey, false)
	h.mu.Unlock()
	if ks == nil {
		return
	}

	ks.mu.Lock()
	_, existed := ks.subs[sub]
	delete(ks.subs, sub)
	empty := len(ks.subs) == 0
	ks.mu.Unlock()

	if empty {
		h.mu.Lock()
		if m := h.keys[kind]; m != nil {
			if cur := m[streamKey]; cur == ks {
				delete(m, streamKey)
			}
		}
		h.mu.Unlock()
	}
	if existed {
		h.mu.Lock()
		h.total--
		n := h.total
		h.mu.Unlock()
		h.obs.SubscriberCount(n)
	}
}

// Broadcast delivers payload to every live subscriber of (kind,
// streamKey). Broadcasts on the same key are serialized relative to each
// other; a failing subscriber is pruned and does not block delivery to
// the rest.
func (h *Hub) Broadcast(kind Kind, streamKey string, payload []byte) {
	h.mu.Lock()
	ks := h.keySetLocked(kind, streamKey, false)
	h.mu.Unlock()
	if ks == nil {
		return
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	snapshot := make([]Subscriber, 0, len(ks.subs))
	for s := range ks.subs {
		snapshot = append(snapshot, s)
	}

	var dead []Subscriber
	for _, s := range snapshot {
		if err := s.Deliver(kind, payload); err != nil {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}
	for _, s := range dead {
		delete(ks.subs, s)
		h.obs.BroadcastFailure()
	}
	if len(ks.subs) == 0 {
		h.mu.Lock()
		if m := h.keys[kind]; m != nil {
			if cur := m[streamKey]; cur == ks {
				delete(m, streamKey)
			}
		}
		h.mu.Unlock()
	}
	h.mu.Lock()
	h.total -= len(dead)
	n := h.total
	h.mu.Unlock()
	h.obs.SubscriberCount(n)
	for _, s := range dead {
		s.Close(1011, "write failed")
	}
}

// SubscriberCount reports the number of live subscribers for (kind,
// streamKey), used by the relay's status endpoint.
func (h *Hub) SubscriberCount(kind Kind, streamKey string) int {
	h.mu.Lock()
	ks := h.keySetLocked(kind, streamKey, false)
	h.mu.Unlock()
	if ks == nil {
		return 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.subs)
}

// CountByTunnel sums live subscriber counts across every StreamKey of kind
// that belongs to tunnelID, used by RelayCore's debug status endpoint.
func (h *Hub) CountByTunnel(kind Kind, tunnelID string) int {
	h.mu.Lock()
	m := h.keys[kind]
	keySets := make([]*keySet, 0, len(m))
	for key, ks := range m {
		if key == tunnelID || strings.HasPrefix(key, tunnelID+":") {
			keySets = append(keySets, ks)
		}
	}
	h.mu.Unlock()

	total := 0
	for _, ks := range keySets {
		ks.mu.Lock()
		total += len(ks.subs)
		ks.mu.Unlock()
	}
	return total
}

// Shutdown closes every live subscriber with close code 1001 and clears
// all subscriber sets.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	keys := h.keys
	h.keys = make(map[Kind]map[string]*keySet)
	h.total = 0
	h.mu.Unlock()

	for _, m := range keys {
		for _, ks := range m {
			ks.mu.Lock()
			for s := range ks.subs {
				s.Close(1001, "server shutting down")
			}
			ks.subs = nil
			ks.mu.Unlock()
		}
	}
	h.obs.SubscriberCount(0)
}
