// Package push carries best-effort "record changed" notices between the store
// and the signaling channels that watch it. Delivery is never guaranteed: a
// notice may be dropped, duplicated or reordered, and consumers must fall back
// to polling. Notices only shorten the time until a change is seen.
package push

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/record"
)

var log = logging.Logger("push")

// Origin tells bridges where a notice entered this process.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginWS     Origin = "ws"
	OriginPubSub Origin = "pubsub"
	OriginMongo  Origin = "mongo"
)

// Notice announces that record ID reached Revision. Record, when present, is
// the snapshot at that revision and saves the consumer a store read.
type Notice struct {
	ID       string         `json:"id"`
	Revision int64          `json:"revision"`
	Record   *record.Record `json:"record,omitempty"`
	Origin   Origin         `json:"-"`

	// via names the relay connection a notice arrived on, so it is not echoed back.
	via string
}

// FromStore reports whether n was raised by this process's own store, so its
// Record can stand in for a read. Relayed notices only hint that a read is due.
func (n Notice) FromStore() bool {
	return n.Origin == OriginLocal || n.Origin == OriginMongo
}

// Subscriber is the consuming side of a push source.
type Subscriber interface {
	Subscribe() (ch <-chan Notice, cancel func())
}

// Publisher is the producing side of a push source.
type Publisher interface {
	Publish(n Notice)
}

// listenerBuf bounds each subscriber's backlog. Overflow is dropped.
const listenerBuf = 64

// Hub is the in-process fan-out every other push transport plugs into.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Notice]struct{}
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[chan Notice]struct{})}
}

// Publish delivers n to every subscriber without blocking.
func (h *Hub) Publish(n Notice) {
	if n.Origin == "" {
		n.Origin = OriginLocal
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.listeners {
		select {
		case ch <- n:
		default:
			log.Debugf("listener backlog full, dropped notice %s@%d", n.ID, n.Revision)
		}
	}
}

// Subscribe returns a channel receiving every published notice.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, listenerBuf)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Close closes every subscriber channel. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
}
