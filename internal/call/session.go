package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
)

// errInterrupted marks a store call abandoned because the session is being
// torn down.
var errInterrupted = errors.New("call: store call interrupted")

const (
	mailboxSize = 64
	updatesSize = 16
)

// sessionEnv is what a session borrows from its manager.
type sessionEnv struct {
	self     string
	store    storage.Store
	channels *realtime.Manager
	timing   Timing
	clk      clock.Clock
	onStatus func(Status)
}

// Session is one participant's side of one call. All negotiation state is
// owned by a single goroutine; transport callbacks, timers and user actions
// are posted into its mailbox. The session is the only writer of the
// record's status.
type Session struct {
	id        string
	remote    string
	initiator bool
	role      record.Role
	env       sessionEnv

	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan func()
	done    chan struct{}
	closing atomic.Bool

	tr    Transport
	media *LocalMedia
	neg   *Negotiator
	cands *CandidateSet
	mon   *Monitor
	ch    *realtime.Channel

	// Owned by the actor.
	state        State
	rec          *record.Record
	restarted    bool
	restarting   bool
	idleTimer    actorTimer
	negTimer     actorTimer
	restartTimer actorTimer

	opMu     sync.Mutex
	opCancel context.CancelFunc

	mu      sync.RWMutex
	status  Status
	failErr error
	updates chan Status

	teardownOnce sync.Once
	teardownErr  error
}

func newSession(id, remote string, initiator bool, env sessionEnv) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	a, _ := record.OrderPair(env.self, remote)
	role := record.RoleB
	if a == env.self {
		role = record.RoleA
	}
	s := &Session{
		id:        id,
		remote:    remote,
		initiator: initiator,
		role:      role,
		env:       env,
		ctx:       ctx,
		cancel:    cancel,
		mailbox:   make(chan func(), mailboxSize),
		done:      make(chan struct{}),
		updates:   make(chan Status, updatesSize),
		state:     StateRinging,
	}
	s.mon = NewMonitor(env.clk, s.postFn, s.onSignal, env.timing.MediaGrace, env.timing.DisconnectTimeout)
	s.status = Status{
		ID:          id,
		Remote:      remote,
		Initiator:   initiator,
		State:       StateRinging,
		Health:      HealthUnknown,
		Conn:        ConnNew,
		Negotiation: NegotiationNew,
		StartedAt:   env.clk.Now().UTC(),
	}
	return s
}

// handlers wires transport callbacks into the mailbox.
func (s *Session) handlers() TransportHandlers {
	return TransportHandlers{
		OnCandidate: func(c string) {
			s.post(func() { s.onLocalCandidate(c) })
		},
		OnConnState: func(st ConnState) {
			s.post(func() { s.onConnState(st) })
		},
		OnTrackActivity: func(trackID string, kind TrackKind, active bool) {
			s.post(func() { s.onTrackActivity(trackID, kind, active) })
		},
	}
}

// attach takes ownership of the transport and media. From here on teardown
// releases them.
func (s *Session) attach(tr Transport, m *LocalMedia) {
	s.tr = tr
	s.media = m
	s.neg = NewNegotiator(tr, s.initiator)
	s.cands = NewCandidateSet(tr)
}

// start opens the record channel and launches the actor.
func (s *Session) start(rec *record.Record) {
	s.rec = rec
	s.ch = s.env.channels.OpenChannel(s.ctx, s.id)
	s.publish()
	go s.run()
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Remote() string { return s.remote }

// Initiator reports whether this side placed the call.
func (s *Session) Initiator() bool { return s.initiator }

// Status returns the current snapshot.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.EndedAt != nil {
		t := *st.EndedAt
		st.EndedAt = &t
	}
	return st
}

// Updates delivers status snapshots. A slow reader only misses
// intermediate snapshots, never the latest.
func (s *Session) Updates() <-chan Status { return s.updates }

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.State != StateFailed {
		return nil
	}
	return &SessionError{Reason: s.status.Reason, Err: s.failErr}
}

// Hangup ends the call as Ended(hangup). Idempotent.
func (s *Session) Hangup() error {
	return s.terminate(StateEnded, record.ReasonHangup)
}

// Decline ends a call this side received as Ended(declined).
func (s *Session) Decline() error {
	if s.initiator {
		return ErrNotResponder
	}
	return s.terminate(StateEnded, record.ReasonDeclined)
}

// Resume acknowledges a media stall: the stall flag is cleared, the remote
// is asked for a keyframe, and stall detection starts over.
func (s *Session) Resume() error {
	return s.do(func() error {
		s.mon.Rearm()
		if s.tr != nil {
			s.tr.RequestKeyframe()
		}
		s.setStatus(func(st *Status) {
			st.Stalled = false
			st.Health = s.mon.Health()
		})
		return nil
	})
}

// Wait blocks until the session is done or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) terminate(state State, reason record.Reason) error {
	s.interrupt()
	err := s.do(func() error {
		return s.finish(state, reason, nil, true)
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// do runs fn on the actor and waits for its result.
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// post queues fn on the actor. It reports false once the session is done.
func (s *Session) post(fn func()) bool {
	if s.closing.Load() {
		return false
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	events := s.ch.Events()
	for !s.state.Terminal() {
		select {
		case fn := <-s.mailbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onRecord(ev.Record)
		}
	}
}

// onRecord reacts to a newer snapshot of the record.
func (s *Session) onRecord(rec *record.Record) {
	if rec == nil || (s.rec != nil && rec.Revision < s.rec.Revision) {
		return
	}
	s.rec = rec
	if rec.Status.Terminal() {
		state := StateEnded
		if rec.Status == record.StatusFailed {
			state = StateFailed
		}
		log.Infof("[%s] remote ended the call: %s(%s)", s.id, rec.Status, rec.Reason)
		_ = s.finish(state, rec.Reason, nil, false)
		return
	}

	if s.initiator {
		s.applyAnswer(rec)
	} else {
		s.applyOffer(rec)
	}
	if s.state.Terminal() {
		return
	}
	if n := s.cands.ApplyRemote(rec.Candidates(s.role.Other())); n > 0 {
		log.Debugf("[%s] applied %d remote candidates", s.id, n)
	}
	s.setStatus(func(st *Status) { st.Negotiation = s.neg.State() })
}

func (s *Session) applyAnswer(rec *record.Record) {
	ans := rec.CurrentAnswer()
	if ans == nil || s.neg.State() != NegotiationHaveLocalOffer {
		return
	}
	if err := s.neg.ApplyRemoteAnswer(ans); err != nil {
		if errors.Is(err, errStaleDescription) {
			return
		}
		s.negotiationFailed(err)
		return
	}
	s.cands.Ready()
	log.Infof("[%s] answer applied (epoch %d)", s.id, ans.Epoch)
	if s.state == StateRinging {
		s.idleTimer.disarm()
		s.enter(StateNegotiating)
		s.negTimer.arm(s.env.clk, s.postFn, s.env.timing.NegotiationTimeout, s.negotiationTimedOut)
	}
}

func (s *Session) applyOffer(rec *record.Record) {
	prev := s.neg.Epoch()
	applied, err := s.neg.ApplyRemoteOffer(rec.CurrentOffer())
	if err != nil {
		s.negotiationFailed(err)
		return
	}
	if !applied {
		return
	}
	epoch := s.neg.Epoch()
	if epoch != prev {
		log.Infof("[%s] ICE restart offer (epoch %d)", s.id, epoch)
		s.cands.Reset(epoch)
		s.mon.Reset()
		s.restarted = true
		s.restarting = true
		s.restartTimer.arm(s.env.clk, s.postFn, s.env.timing.RestartTimeout, s.restartTimedOut)
		s.enter(StateNegotiating)
	}
	s.cands.Ready()

	answer, err := s.neg.CreateAnswer()
	if err != nil {
		s.negotiationFailed(err)
		return
	}
	if _, err := s.write(record.Patch{Answer: answer}, record.StatusRinging, record.StatusActive); err != nil {
		s.storeFailed("publish answer", err)
		return
	}
	log.Infof("[%s] answer published (epoch %d)", s.id, epoch)
}

func (s *Session) onLocalCandidate(c string) {
	if s.state.Terminal() {
		return
	}
	enc, fresh := s.cands.AddLocal(c)
	if !fresh {
		return
	}
	if _, err := s.write(record.Patch{Candidates: []string{enc}}); err != nil {
		s.storeFailed("publish candidate", err)
	}
}

func (s *Session) onConnState(st ConnState) {
	if s.state.Terminal() {
		return
	}
	log.Debugf("[%s] transport %s", s.id, st)
	s.mon.OnConnState(st)
	s.setStatus(func(status *Status) {
		status.Conn = st
		status.Health = s.mon.Health()
	})
}

func (s *Session) onTrackActivity(trackID string, kind TrackKind, active bool) {
	if s.state.Terminal() {
		return
	}
	log.Debugf("[%s] inbound %s track %s active=%v", s.id, kind, trackID, active)
	s.mon.OnTrack(trackID, active)
	s.setStatus(func(st *Status) { st.Health = s.mon.Health() })
}

// onSignal runs on the actor, called by the monitor.
func (s *Session) onSignal(sig Signal) {
	if s.state.Terminal() {
		return
	}
	log.Debugf("[%s] signal %s", s.id, sig)
	switch sig {
	case SignalHealthy:
		s.setStatus(func(st *Status) { st.Stalled = false })
		s.becomeActive()
	case SignalMediaStalled:
		log.Warnf("[%s] connected but no inbound media", s.id)
		s.setStatus(func(st *Status) { st.Stalled = true })
		s.tr.RequestKeyframe()
		s.becomeActive()
	case SignalMediaResumed:
		s.setStatus(func(st *Status) { st.Stalled = false })
	case SignalConnectivityLost:
		s.connectivityLost()
	}
	s.setStatus(func(st *Status) { st.Health = s.mon.Health() })
}

func (s *Session) becomeActive() {
	if s.state != StateNegotiating && s.state != StateRinging {
		return
	}
	s.idleTimer.disarm()
	s.negTimer.disarm()
	s.restartTimer.disarm()
	s.restarting = false
	if _, err := s.write(record.Patch{Status: record.StatusActive}, record.StatusRinging, record.StatusActive); err != nil {
		s.storeFailed("mark active", err)
		return
	}
	if !s.state.Terminal() {
		s.enter(StateActive)
		log.Infof("[%s] call active", s.id)
	}
}

// connectivityLost allows one ICE restart per session, driven by the
// initiator. The responder waits for the new offer.
func (s *Session) connectivityLost() {
	if s.restarted {
		_ = s.finish(StateFailed, record.ReasonConnectivityLost, nil, true)
		return
	}
	s.restarted = true
	s.restarting = true
	s.restartTimer.arm(s.env.clk, s.postFn, s.env.timing.RestartTimeout, s.restartTimedOut)
	s.enter(StateNegotiating)
	s.setStatus(func(st *Status) { st.Restarted = true })
	if !s.initiator {
		log.Infof("[%s] connectivity lost, waiting for restart offer", s.id)
		return
	}

	epoch := s.neg.Restart()
	s.cands.Reset(epoch)
	s.mon.Reset()
	log.Infof("[%s] connectivity lost, ICE restart (epoch %d)", s.id, epoch)
	offer, err := s.neg.CreateOffer()
	if err != nil {
		_ = s.finish(StateFailed, record.ReasonConnectivityLost, err, true)
		return
	}
	if _, err := s.write(record.Patch{Offer: offer}, record.StatusRinging, record.StatusActive); err != nil {
		s.storeFailed("publish restart offer", err)
	}
}

func (s *Session) idleTimedOut() {
	if s.state != StateRinging {
		return
	}
	log.Infof("[%s] unanswered", s.id)
	p := record.Patch{Status: record.StatusFailed, Reason: record.ReasonTimeout, At: s.env.clk.Now()}
	rec, err := s.write(p, record.StatusRinging)
	switch {
	case errors.Is(err, storage.ErrStale):
		// Answered meanwhile: the reread snapshot drives the session on.
		return
	case err != nil:
		s.storeFailed("expire call", err)
		return
	}
	_ = s.adoptTerminal(rec, StateFailed, record.ReasonTimeout, nil)
}

func (s *Session) negotiationTimedOut() {
	if s.state != StateNegotiating || s.restarting {
		return
	}
	_ = s.finish(StateFailed, record.ReasonTimeout, nil, true)
}

func (s *Session) restartTimedOut() {
	if !s.restarting {
		return
	}
	_ = s.finish(StateFailed, record.ReasonConnectivityLost, nil, true)
}

// negotiationFailed handles a protocol error of the current attempt. It is
// recovered by a restart when one is still available.
func (s *Session) negotiationFailed(err error) {
	log.Warnf("[%s] negotiation: %v", s.id, err)
	if s.initiator && !s.restarted && s.state != StateRinging {
		s.connectivityLost()
		return
	}
	_ = s.finish(StateFailed, record.ReasonInternalError, err, true)
}

// storeFailed handles a write that could not be applied. A stale write means
// the record moved on; the reread snapshot decides what happens next.
func (s *Session) storeFailed(what string, err error) {
	switch {
	case errors.Is(err, errInterrupted):
		return
	case errors.Is(err, storage.ErrStale):
		log.Debugf("[%s] %s: %v", s.id, what, err)
		return
	}
	log.Errorf("[%s] %s: %v", s.id, what, err)
	_ = s.finish(StateFailed, reasonFor(err), err, true)
}

// write merges p into the record with retries. A stale rejection rereads the
// record and adopts it before returning the error.
func (s *Session) write(p record.Patch, expected ...record.Status) (*record.Record, error) {
	p.Actor = s.env.self
	ctx, cancel := context.WithCancel(s.ctx)
	s.opMu.Lock()
	s.opCancel = cancel
	s.opMu.Unlock()
	defer func() {
		s.opMu.Lock()
		s.opCancel = nil
		s.opMu.Unlock()
		cancel()
	}()

	var rec *record.Record
	err := retryStore(ctx, s.env.clk, s.env.timing, func(ctx context.Context) error {
		var err error
		rec, err = s.env.store.Update(ctx, s.id, p, expected...)
		return err
	})
	switch {
	case err == nil:
		if rec.Revision > s.rec.Revision {
			s.rec = rec
		}
		return rec, nil
	case errors.Is(err, context.Canceled) && s.ctx.Err() == nil:
		return nil, errInterrupted
	case errors.Is(err, storage.ErrStale):
		s.reread()
	}
	return nil, err
}

// reread fetches the record outside the channel and adopts it.
func (s *Session) reread() {
	ctx, cancel := context.WithTimeout(s.ctx, s.env.timing.StoreTimeout)
	defer cancel()
	rec, err := s.env.store.Get(ctx, s.id)
	if err != nil {
		log.Debugf("[%s] reread: %v", s.id, err)
		s.ch.Refresh()
		return
	}
	s.onRecord(rec)
}

// interrupt abandons the in-flight store call, if any.
func (s *Session) interrupt() {
	s.opMu.Lock()
	if s.opCancel != nil {
		s.opCancel()
	}
	s.opMu.Unlock()
}

// finish moves the session to a terminal state, optionally writing it to
// the record first, and releases everything. Idempotent.
func (s *Session) finish(state State, reason record.Reason, cause error, write bool) error {
	if s.state.Terminal() {
		return nil
	}
	var werr error
	rec := s.rec
	if write {
		status := record.StatusEnded
		if state == StateFailed {
			status = record.StatusFailed
		}
		p := record.Patch{Status: status, Reason: reason, At: s.env.clk.Now()}
		if r, err := s.write(p); err == nil {
			rec = r
		} else if !errors.Is(err, storage.ErrStale) {
			log.Warnf("[%s] writing %s(%s): %v", s.id, status, reason, err)
			werr = err
		}
		if s.state.Terminal() {
			// The reread after a stale write already adopted the remote end.
			return nil
		}
	}
	return multierr.Append(werr, s.adoptTerminal(rec, state, reason, cause))
}

// adoptTerminal settles on the record's terminal status when the record has
// one, so both sides report the same outcome.
func (s *Session) adoptTerminal(rec *record.Record, state State, reason record.Reason, cause error) error {
	if rec != nil && rec.Status.Terminal() {
		state = StateEnded
		if rec.Status == record.StatusFailed {
			state = StateFailed
		}
		reason = rec.Reason
	}
	s.state = state
	s.idleTimer.disarm()
	s.negTimer.disarm()
	s.restartTimer.disarm()
	s.mon.Stop()

	ended := s.env.clk.Now().UTC()
	if rec != nil && rec.EndedAt != nil {
		ended = *rec.EndedAt
	}
	s.setStatus(func(st *Status) {
		st.State = state
		st.Reason = reason
		st.EndedAt = &ended
		if cause != nil {
			st.Error = cause.Error()
			s.failErr = cause
		}
	})
	log.Infof("[%s] call %s (%s) after %s", s.id, state, reason, s.elapsed().Round(time.Millisecond))
	return s.teardown()
}

// teardown releases the channel, then the transport, then the media.
func (s *Session) teardown() error {
	s.teardownOnce.Do(func() {
		s.closing.Store(true)
		if s.ch != nil {
			s.env.channels.CloseChannel(s.id)
		}
		if s.tr != nil {
			s.teardownErr = multierr.Append(s.teardownErr, s.tr.Close())
		}
		s.media.Close()
		s.cancel()
		if s.teardownErr != nil {
			log.Warnf("[%s] teardown: %v", s.id, s.teardownErr)
		}
	})
	return s.teardownErr
}

func (s *Session) enter(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.setStatus(func(st *Status) { st.State = state })
}

// postFn adapts post for timers.
func (s *Session) postFn(fn func()) { s.post(fn) }

func (s *Session) setStatus(fn func(st *Status)) {
	s.mu.Lock()
	fn(&s.status)
	if s.neg != nil {
		s.status.Negotiation = s.neg.State()
		s.status.Epoch = s.neg.Epoch()
	}
	s.status.Restarted = s.restarted
	s.mu.Unlock()
	s.publish()
}

func (s *Session) publish() {
	st := s.Status()
	select {
	case s.updates <- st:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- st:
		default:
		}
	}
	if s.env.onStatus != nil {
		s.env.onStatus(st)
	}
}

// startIdle arms the unanswered-call timeout. Called before the actor runs.
func (s *Session) startIdle() {
	s.idleTimer.arm(s.env.clk, s.postFn, s.env.timing.IdleTimeout, s.idleTimedOut)
}

// startNegotiation arms the negotiation timeout for a just-accepted call.
func (s *Session) startNegotiation() {
	s.enter(StateNegotiating)
	s.negTimer.arm(s.env.clk, s.postFn, s.env.timing.NegotiationTimeout, s.negotiationTimedOut)
}

// elapsed is the time since the session started.
func (s *Session) elapsed() time.Duration {
	return s.env.clk.Since(s.Status().StartedAt)
}
