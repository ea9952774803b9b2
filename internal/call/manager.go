// Package call negotiates two-party calls through a shared record. Each call
// is a Session actor per participant; the Manager creates sessions, reports
// incoming calls and fans out status changes.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("call")

// Options configures a Manager.
type Options struct {
	// SelfID is this participant's identity.
	SelfID    string
	Store     storage.Store
	Channels  *realtime.Manager
	Transport TransportFactory
	Media     MediaSource
	Timing    Timing
	Clock     clock.Clock
}

// Manager owns the call sessions of one participant.
type Manager struct {
	opt Options

	timingMu sync.RWMutex
	timing   Timing

	mu        sync.RWMutex
	sessions  map[string]*Session
	accepting map[string]*pendingAccept

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	subsMu sync.Mutex
	subs   map[chan StatusUpdate]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager and starts watching for incoming calls.
func New(opt Options) (*Manager, error) {
	if opt.SelfID == "" {
		return nil, errors.New("call: self id is required")
	}
	if opt.Store == nil || opt.Channels == nil || opt.Transport == nil || opt.Media == nil {
		return nil, errors.New("call: store, channels, transport and media are required")
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opt:       opt,
		timing:    opt.Timing.withDefaults(),
		sessions:  make(map[string]*Session),
		accepting: make(map[string]*pendingAccept),
		subs:      make(map[chan StatusUpdate]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go m.dispatchLoop()
	return m, nil
}

// SelfID returns the identity this manager acts as.
func (m *Manager) SelfID() string { return m.opt.SelfID }

// SetTiming replaces the timing used by sessions created afterwards.
func (m *Manager) SetTiming(t Timing) {
	m.timingMu.Lock()
	m.timing = t.withDefaults()
	m.timingMu.Unlock()
}

// Timing returns the timing new sessions get.
func (m *Manager) Timing() Timing {
	m.timingMu.RLock()
	defer m.timingMu.RUnlock()
	return m.timing
}

// OnIncoming registers a callback fired once for each call addressed to
// this peer. Multiple handlers can be registered.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// SubscribeStatus returns a channel of status changes of every session.
func (m *Manager) SubscribeStatus() (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, 32)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) env() sessionEnv {
	return sessionEnv{
		self:     m.opt.SelfID,
		store:    m.opt.Store,
		channels: m.opt.Channels,
		timing:   m.Timing(),
		clk:      m.opt.Clock,
		onStatus: m.broadcast,
	}
}

// StartCall places a call to remote. Local media is acquired and the offer
// created before anything is written: a call that cannot carry media never
// rings.
func (m *Manager) StartCall(ctx context.Context, remote string) (*Session, error) {
	if remote == "" || remote == m.opt.SelfID {
		return nil, fmt.Errorf("call: invalid remote %q", remote)
	}
	select {
	case <-m.done:
		return nil, ErrSessionClosed
	default:
	}

	id := uuid.New().String()
	s := newSession(id, remote, true, m.env())
	if err := m.prepare(ctx, s); err != nil {
		return nil, err
	}

	offer, err := s.neg.CreateOffer()
	if err != nil {
		_ = s.teardown()
		return nil, err
	}

	rec := record.New(id, m.opt.SelfID, remote, m.opt.Clock.Now())
	rec.Offer = offer
	err = retryStore(ctx, m.opt.Clock, s.env.timing, func(ctx context.Context) error {
		_, err := m.opt.Store.Create(ctx, rec)
		return err
	})
	if err != nil {
		_ = s.teardown()
		return nil, fmt.Errorf("create call record: %w", err)
	}
	rec.Revision = 1

	m.track(s)
	s.startIdle()
	s.start(rec)
	log.Infof("[%s] calling %s", id, remote)
	return s, nil
}

// pendingAccept is an AcceptCall in progress. Concurrent accepts of the same
// call wait on it and share its result.
type pendingAccept struct {
	done chan struct{}
	s    *Session
	err  error
}

// AcceptCall answers the ringing call id. Accepting a call that is already
// accepted, or being accepted, returns that session.
func (m *Manager) AcceptCall(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && !s.initiator {
		m.mu.Unlock()
		return s, nil
	}
	if p, ok := m.accepting[id]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.s, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingAccept{done: make(chan struct{})}
	m.accepting[id] = p
	m.mu.Unlock()

	p.s, p.err = m.accept(ctx, id)

	m.mu.Lock()
	delete(m.accepting, id)
	m.mu.Unlock()
	close(p.done)
	return p.s, p.err
}

func (m *Manager) accept(ctx context.Context, id string) (*Session, error) {
	rec, err := m.ringingForMe(ctx, id)
	if err != nil {
		return nil, err
	}

	s := newSession(id, rec.Initiator(), false, m.env())
	if err := m.prepare(ctx, s); err != nil {
		return nil, err
	}
	m.track(s)
	s.startNegotiation()
	s.start(rec)
	log.Infof("[%s] accepted call from %s", id, rec.Initiator())
	return s, nil
}

// DeclineCall rejects the ringing call id without building a session.
func (m *Manager) DeclineCall(ctx context.Context, id string) error {
	if s, ok := m.GetSession(id); ok {
		return s.Decline()
	}
	if _, err := m.ringingForMe(ctx, id); err != nil {
		return err
	}
	p := record.Patch{
		Actor:  m.opt.SelfID,
		Status: record.StatusEnded,
		Reason: record.ReasonDeclined,
		At:     m.opt.Clock.Now(),
	}
	err := retryStore(ctx, m.opt.Clock, m.Timing(), func(ctx context.Context) error {
		_, err := m.opt.Store.Update(ctx, id, p, record.StatusRinging)
		return err
	})
	if err != nil {
		return fmt.Errorf("decline %s: %w", id, err)
	}
	log.Infof("[%s] declined", id)
	return nil
}

func (m *Manager) ringingForMe(ctx context.Context, id string) (*record.Record, error) {
	rctx, cancel := context.WithTimeout(ctx, m.Timing().StoreTimeout)
	defer cancel()
	rec, err := m.opt.Store.Get(rctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Responder() != m.opt.SelfID {
		return nil, ErrNotResponder
	}
	if rec.Status != record.StatusRinging {
		return nil, fmt.Errorf("%w: call is %s", ErrSessionClosed, rec.Status)
	}
	return rec, nil
}

// prepare acquires media and builds the transport for s.
func (m *Manager) prepare(ctx context.Context, s *Session) error {
	media, err := m.opt.Media.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoMediaSource) {
			err = fmt.Errorf("%w: %v", ErrNoMediaSource, err)
		}
		return err
	}
	tr, err := m.opt.Transport(s.id, s.handlers())
	if err != nil {
		media.Close()
		return fmt.Errorf("create transport: %w", err)
	}
	s.attach(tr, media)
	if err := tr.AttachMedia(media); err != nil {
		_ = s.teardown()
		return err
	}
	return nil
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	go func() {
		<-s.Done()
		m.removeSession(s.id)
	}()
}

// GetSession returns the live session for id, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// AllSessions returns every live session.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) broadcast(st Status) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- StatusUpdate{Status: st}:
		default:
		}
	}
}

// Close hangs up every session and stops incoming-call discovery.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.cancel()

	for _, s := range m.AllSessions() {
		if err := s.Hangup(); err != nil {
			log.Warnf("[%s] hangup on close: %v", s.id, err)
		}
		<-s.Done()
	}
}

// dispatchLoop turns incoming ringing records into IncomingCall callbacks.
func (m *Manager) dispatchLoop() {
	for rec := range m.opt.Channels.WatchIncoming(m.ctx) {
		m.dispatch(rec)
	}
}

func (m *Manager) dispatch(rec *record.Record) {
	id := rec.ID
	ic := &IncomingCall{
		ID:         id,
		RemotePeer: rec.Initiator(),
		CreatedAt:  rec.CreatedAt,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.AcceptCall(ctx, id)
		},
		Decline: func(ctx context.Context) error {
			return m.DeclineCall(ctx, id)
		},
	}
	log.Infof("[%s] incoming call from %s", id, ic.RemotePeer)

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}
