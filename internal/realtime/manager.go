// Package realtime watches shared call records. A Channel follows one record
// and merges push notices with polling into one deduplicated stream; the
// Manager tracks open channels and discovers records addressed to this peer.
package realtime

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
)

var log = logging.Logger("realtime")

// Lister is the store surface incoming-call discovery needs.
type Lister interface {
	Reader
	ListActive(ctx context.Context, identity string) ([]*record.Record, error)
}

// Manager owns the channels of one participant.
type Manager struct {
	store  Lister
	sub    push.Subscriber
	selfID string
	opt    Options

	mu       sync.RWMutex
	channels map[string]*Channel // record id -> channel
}

// New creates a manager for selfID.
func New(store Lister, sub push.Subscriber, selfID string, opt Options) *Manager {
	return &Manager{
		store:    store,
		sub:      sub,
		selfID:   selfID,
		opt:      opt.withDefaults(),
		channels: make(map[string]*Channel),
	}
}

// Options returns the effective channel options.
func (m *Manager) Options() Options { return m.opt }

// OpenChannel starts watching record id. Opening an id twice returns the
// existing channel.
func (m *Manager) OpenChannel(ctx context.Context, id string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		return ch
	}
	ch := Open(ctx, m.store, m.sub, id, m.opt)
	m.channels[id] = ch
	log.Debugf("[%s] watching record", id)
	return ch
}

// CloseChannel stops watching id. Idempotent: both the session teardown and
// the manager shutdown may call it.
func (m *Manager) CloseChannel(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// GetChannel returns the channel watching id.
func (m *Manager) GetChannel(id string) (*Channel, bool) {
	m.mu.RLock()
	ch, ok := m.channels[id]
	m.mu.RUnlock()
	return ch, ok
}

// ListChannels returns every open channel.
func (m *Manager) ListChannels() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// WatchIncoming reports each ringing record in which this peer is the
// responder, once per record id. Notices give the fast path; a periodic
// ListActive catches anything the notices missed.
func (m *Manager) WatchIncoming(ctx context.Context) <-chan *record.Record {
	out := make(chan *record.Record, 16)

	var notices <-chan push.Notice
	unsubscribe := func() {}
	if m.sub != nil {
		notices, unsubscribe = m.sub.Subscribe()
	}
	ticker := m.opt.Clock.Ticker(m.opt.PollInterval)

	go func() {
		defer close(out)
		defer ticker.Stop()
		defer unsubscribe()

		seen := make(map[string]struct{})
		offer := func(rec *record.Record) {
			if rec.Status != record.StatusRinging || rec.Responder() != m.selfID {
				return
			}
			if _, ok := seen[rec.ID]; ok {
				return
			}
			seen[rec.ID] = struct{}{}
			select {
			case out <- rec.Clone():
			case <-ctx.Done():
			}
		}
		scan := func() {
			rctx, cancel := context.WithTimeout(ctx, m.opt.ReadTimeout)
			defer cancel()
			recs, err := m.store.ListActive(rctx, m.selfID)
			if err != nil {
				if ctx.Err() == nil {
					log.Debugf("incoming scan: %v", err)
				}
				return
			}
			for _, rec := range recs {
				offer(rec)
			}
		}

		scan()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notices:
				if !ok {
					notices = nil
					continue
				}
				if _, done := seen[n.ID]; done {
					continue
				}
				if n.FromStore() && n.Record != nil {
					offer(n.Record)
					continue
				}
				rctx, cancel := context.WithTimeout(ctx, m.opt.ReadTimeout)
				rec, err := m.store.Get(rctx, n.ID)
				cancel()
				if err == nil {
					offer(rec)
				}
			case <-ticker.C:
				scan()
			}
		}
	}()
	return out
}

// Close closes every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	chans := m.channels
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}
