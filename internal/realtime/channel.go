package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
)

// Source tells which path produced an event. Consumers should not need it;
// it is kept for logging and the debug endpoint.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Event is one newer snapshot of the watched record.
type Event struct {
	Record *record.Record
	Source Source
}

// Reader is the part of the store a channel needs.
type Reader interface {
	Get(ctx context.Context, id string) (*record.Record, error)
}

// Options tunes a channel. Zero values take the defaults.
type Options struct {
	// PollInterval bounds the latency of a change when no notice arrives.
	PollInterval time.Duration
	// ReadTimeout bounds every store read.
	ReadTimeout time.Duration
	Clock       clock.Clock
}

const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultReadTimeout  = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Channel watches one record and turns push notices and polls into a single
// stream of snapshots with strictly increasing revisions. Duplicates and
// stale snapshots are dropped; if the consumer falls behind, only the newest
// snapshot is kept.
type Channel struct {
	id    string
	store Reader
	sub   push.Subscriber
	opt   Options

	out     chan Event
	refresh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	revision int64
	pushes   int64
	polls    int64
}

// Open starts watching record id. sub may be nil; the channel then relies
// on polling alone.
func Open(ctx context.Context, store Reader, sub push.Subscriber, id string, opt Options) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		id:      id,
		store:   store,
		sub:     sub,
		opt:     opt.withDefaults(),
		out:     make(chan Event, 1),
		refresh: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	var notices <-chan push.Notice
	var unsubscribe func()
	if sub != nil {
		// Subscribe before the first read so no change slips between them.
		notices, unsubscribe = sub.Subscribe()
	}
	// Registered before returning so a mock clock sees it.
	ticker := c.opt.Clock.Ticker(c.opt.PollInterval)

	go c.run(ctx, notices, unsubscribe, ticker)
	return c
}

// ID returns the watched record id.
func (c *Channel) ID() string { return c.id }

// Events returns the snapshot stream. It is closed when the channel closes.
func (c *Channel) Events() <-chan Event { return c.out }

// Revision returns the newest revision delivered so far.
func (c *Channel) Revision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Stats returns how many snapshots each path delivered.
func (c *Channel) Stats() (pushes, polls int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes, c.polls
}

// Refresh asks for an immediate read, e.g. after a write was rejected as stale.
func (c *Channel) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Close stops watching. Idempotent.
func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context, notices <-chan push.Notice, unsubscribe func(), ticker *clock.Ticker) {
	defer close(c.done)
	defer close(c.out)
	defer ticker.Stop()
	if unsubscribe != nil {
		defer unsubscribe()
	}

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			if n.ID != c.id || n.Revision <= c.Revision() {
				continue
			}
			if n.FromStore() && n.Record != nil && n.Record.ID == c.id && n.Record.Revision == n.Revision {
				c.deliver(n.Record.Clone(), SourcePush)
				continue
			}
			c.poll(ctx)
		case <-ticker.C:
			c.poll(ctx)
		case <-c.refresh:
			c.poll(ctx)
		}
	}
}

func (c *Channel) poll(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, c.opt.ReadTimeout)
	defer cancel()
	rec, err := c.store.Get(rctx, c.id)
	if err != nil {
		if ctx.Err() == nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Debugf("[%s] record not visible yet", c.id)
			} else {
				log.Debugf("[%s] poll: %v", c.id, err)
			}
		}
		return
	}
	c.deliver(rec, SourcePoll)
}

// deliver forwards rec if it is newer than anything delivered before.
func (c *Channel) deliver(rec *record.Record, src Source) {
	c.mu.Lock()
	if rec.Revision <= c.revision {
		c.mu.Unlock()
		return
	}
	c.revision = rec.Revision
	if src == SourcePush {
		c.pushes++
	} else {
		c.polls++
	}
	c.mu.Unlock()

	ev := Event{Record: rec, Source: src}
	select {
	case c.out <- ev:
		return
	default:
	}
	// Consumer is behind: replace the pending snapshot with the newer one.
	select {
	case <-c.out:
	default:
	}
	c.out <- ev
}
