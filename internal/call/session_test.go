package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
)

func TestCallReachesActive(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy", autoConnect(true))
	bob := n.peer("bob", autoConnect(true))

	accepted := make(chan *Session, 1)
	bob.mgr.OnIncoming(func(ic *IncomingCall) {
		assert.Equal(t, "amy", ic.RemotePeer)
		s, err := ic.Accept(context.Background())
		if assert.NoError(t, err) {
			accepted <- s
		}
	})

	caller, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, StateRinging, caller.Status().State)

	var callee *Session
	select {
	case callee = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("bob never saw the call")
	}

	waitState(t, caller, StateActive)
	waitState(t, callee, StateActive)

	assert.Equal(t, NegotiationStable, caller.Status().Negotiation)
	assert.Equal(t, NegotiationStable, callee.Status().Negotiation)
	assert.Equal(t, HealthGood, caller.Status().Health)

	offers, restarts, answers, _ := amy.transport(t).counts()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 0, restarts)
	assert.Equal(t, 0, answers)
	offers, _, answers, _ = bob.transport(t).counts()
	assert.Equal(t, 0, offers)
	assert.Equal(t, 1, answers)

	waitFor(t, func() bool {
		rec := n.record(caller.ID())
		return len(rec.CandidatesA) >= 1 && len(rec.CandidatesB) >= 1
	}, "both sides should publish candidates")
	rec := n.record(caller.ID())
	assert.Equal(t, record.StatusActive, rec.Status)
	require.NotNil(t, rec.CurrentOffer())
	require.NotNil(t, rec.CurrentAnswer())
	// Duplicate local candidates are published once.
	assert.Len(t, rec.CandidatesA, 1)
	assert.Len(t, rec.CandidatesB, 1)

	require.NoError(t, caller.Hangup())
	waitState(t, callee, StateEnded)
	assert.Equal(t, record.ReasonHangup, callee.Status().Reason)
	<-caller.Done()
	<-callee.Done()
	assert.True(t, amy.transport(t).isClosed())
	assert.True(t, bob.transport(t).isClosed())
	assert.Equal(t, int32(1), amy.media.released.Load())
	assert.Equal(t, int32(1), bob.media.released.Load())
}

func TestNoMediaNeverRings(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	amy.media.kinds = nil

	_, err := amy.mgr.StartCall(context.Background(), "bob")
	require.ErrorIs(t, err, ErrNoMediaAttached)

	recs, err := n.store.ListActive(context.Background(), "amy")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int32(1), amy.media.released.Load())
	assert.True(t, amy.transport(t).isClosed())
	assert.Empty(t, amy.mgr.AllSessions())
}

func TestMediaSourceFailureNeverRings(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	amy.media.err = errors.New("camera busy")

	_, err := amy.mgr.StartCall(context.Background(), "bob")
	require.ErrorIs(t, err, ErrNoMediaSource)

	recs, err := n.store.ListActive(context.Background(), "amy")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMalformedOfferNeverRings(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy", func(f *fakeTransport) { f.omit = map[TrackKind]bool{KindVideo: true} })

	_, err := amy.mgr.StartCall(context.Background(), "bob")
	require.ErrorIs(t, err, ErrMalformedDescription)

	recs, err := n.store.ListActive(context.Background(), "amy")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	amy := n.peer("amy")

	s, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)

	clk.Add(n.timing.IdleTimeout)
	waitState(t, s, StateFailed)
	<-s.Done()

	st := s.Status()
	assert.Equal(t, record.ReasonTimeout, st.Reason)
	require.NotNil(t, st.EndedAt)
	var se *SessionError
	require.ErrorAs(t, s.Err(), &se)
	assert.Equal(t, record.ReasonTimeout, se.Reason)

	rec := n.record(s.ID())
	assert.Equal(t, record.StatusFailed, rec.Status)
	assert.Equal(t, record.ReasonTimeout, rec.Reason)
	require.NotNil(t, rec.EndedAt)

	_, err = n.store.Update(context.Background(), s.ID(), record.Patch{Actor: "bob", Candidates: []string{"late"}})
	assert.ErrorIs(t, err, storage.ErrRejected)
	_, err = n.store.Update(context.Background(), s.ID(), record.Patch{Actor: "amy", Status: record.StatusActive})
	assert.ErrorIs(t, err, storage.ErrRejected)
}

func connectedPair(t *testing.T, n *testNet, media bool) (amy, bob *peer, caller, callee *Session) {
	t.Helper()
	amy = n.peer("amy", autoConnect(media))
	bob = n.peer("bob", autoConnect(media))
	caller, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	callee, err = bob.mgr.AcceptCall(context.Background(), caller.ID())
	require.NoError(t, err)
	waitFor(t, func() bool {
		return caller.Status().Conn == ConnConnected && callee.Status().Conn == ConnConnected
	}, "transports never connected")
	return amy, bob, caller, callee
}

func TestStalledMediaStaysActive(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	amy, _, caller, callee := connectedPair(t, n, false)
	assert.Equal(t, StateNegotiating, caller.Status().State)

	clk.Add(n.timing.MediaGrace)
	waitFor(t, func() bool { return caller.Status().Stalled && callee.Status().Stalled }, "stall not reported")

	st := caller.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, HealthDegraded, st.Health)
	_, _, _, keyframes := amy.transport(t).counts()
	assert.GreaterOrEqual(t, keyframes, 1)
	assert.Equal(t, record.StatusActive, n.record(caller.ID()).Status)
	assert.False(t, amy.transport(t).isClosed())

	amy.transport(t).fireTrack("video-1", true)
	waitFor(t, func() bool { return !caller.Status().Stalled }, "resume not reported")
	assert.Equal(t, HealthGood, caller.Status().Health)
	assert.Equal(t, StateActive, caller.Status().State)

	require.NoError(t, callee.Resume())
	assert.False(t, callee.Status().Stalled)
}

func TestICERestartRecovers(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	amy, bob, caller, callee := connectedPair(t, n, true)
	waitState(t, caller, StateActive)
	waitState(t, callee, StateActive)

	amy.transport(t).fireConn(ConnFailed)
	waitFor(t, func() bool { return caller.Status().Restarted }, "restart not started")
	waitFor(t, func() bool {
		st := caller.Status()
		return st.State == StateActive && st.Epoch == 1
	}, "restart never recovered")
	waitFor(t, func() bool { return callee.Status().Epoch == 1 && callee.Status().State == StateActive }, "callee stuck")

	offers, restarts, _, _ := amy.transport(t).counts()
	assert.Equal(t, 2, offers)
	assert.Equal(t, 1, restarts)
	_, _, answers, _ := bob.transport(t).counts()
	assert.Equal(t, 2, answers)

	rec := n.record(caller.ID())
	assert.Equal(t, record.StatusActive, rec.Status)
	assert.Equal(t, 1, rec.Epoch)
	require.NotNil(t, rec.CurrentAnswer())
}

func TestResponderWaitsForRestartOffer(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	amy, bob, caller, callee := connectedPair(t, n, true)
	waitState(t, caller, StateActive)
	waitState(t, callee, StateActive)

	bob.transport(t).fireConn(ConnFailed)
	waitFor(t, func() bool { return callee.Status().Restarted }, "responder did not notice the loss")
	st := callee.Status()
	assert.Equal(t, StateNegotiating, st.State)
	assert.Equal(t, 0, st.Epoch)
	offers, _, _, _ := bob.transport(t).counts()
	assert.Zero(t, offers, "responder must not offer")
	assert.Equal(t, record.StatusActive, n.record(caller.ID()).Status)

	amy.transport(t).fireConn(ConnFailed)
	waitFor(t, func() bool {
		st := caller.Status()
		return st.State == StateActive && st.Epoch == 1
	}, "initiator never recovered")
	waitFor(t, func() bool {
		st := callee.Status()
		return st.State == StateActive && st.Epoch == 1
	}, "responder never recovered")

	_, restarts, _, _ := amy.transport(t).counts()
	assert.Equal(t, 1, restarts)
	offers, _, answers, _ := bob.transport(t).counts()
	assert.Zero(t, offers)
	assert.Equal(t, 2, answers)
	assert.Equal(t, 1, n.record(caller.ID()).Epoch)
}

func TestSecondConnectivityLossFails(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	amy, _, caller, callee := connectedPair(t, n, true)
	waitState(t, caller, StateActive)

	amy.transport(t).fireConn(ConnFailed)
	waitFor(t, func() bool { return caller.Status().Restarted }, "restart not started")
	amy.transport(t).fireConn(ConnFailed)

	waitState(t, caller, StateFailed)
	assert.Equal(t, record.ReasonConnectivityLost, caller.Status().Reason)
	_, restarts, _, _ := amy.transport(t).counts()
	assert.Equal(t, 1, restarts)

	waitState(t, callee, StateFailed)
	assert.Equal(t, record.ReasonConnectivityLost, callee.Status().Reason)
	assert.Equal(t, record.StatusFailed, n.record(caller.ID()).Status)
}

func TestRestartTimesOut(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	once := func(f *fakeTransport) { f.connectOnce = true }
	amy := n.peer("amy", autoConnect(true), once)
	bob := n.peer("bob", autoConnect(true), once)
	caller, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	callee, err := bob.mgr.AcceptCall(context.Background(), caller.ID())
	require.NoError(t, err)
	waitState(t, caller, StateActive)
	waitState(t, callee, StateActive)

	amy.transport(t).fireConn(ConnFailed)
	waitFor(t, func() bool { return callee.Status().Epoch == 1 }, "callee never saw the restart offer")

	clk.Add(n.timing.RestartTimeout)
	waitState(t, caller, StateFailed)
	waitState(t, callee, StateFailed)
	assert.Equal(t, record.ReasonConnectivityLost, caller.Status().Reason)
	assert.Equal(t, record.ReasonConnectivityLost, callee.Status().Reason)
}

func TestDisconnectRecoversWithoutRestart(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNet(t, clk, nil)
	amy, _, caller, _ := connectedPair(t, n, true)
	waitState(t, caller, StateActive)

	amy.transport(t).fireConn(ConnDisconnected)
	waitFor(t, func() bool { return caller.Status().Health == HealthDegraded }, "disconnect not seen")
	amy.transport(t).fireConn(ConnConnected)
	waitFor(t, func() bool { return caller.Status().Health == HealthGood }, "reconnect not seen")

	clk.Add(n.timing.DisconnectTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, caller.Status().Restarted)
	assert.Equal(t, StateActive, caller.Status().State)
}

func TestConcurrentHangupConverges(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	_, _, caller, callee := connectedPair(t, n, true)
	waitState(t, caller, StateActive)
	waitState(t, callee, StateActive)

	var wg sync.WaitGroup
	for _, s := range []*Session{caller, callee} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			assert.NoError(t, s.Hangup())
		}(s)
	}
	wg.Wait()
	<-caller.Done()
	<-callee.Done()

	rec := n.record(caller.ID())
	assert.Equal(t, record.StatusEnded, rec.Status)
	require.NotNil(t, rec.EndedAt)
	for _, s := range []*Session{caller, callee} {
		st := s.Status()
		assert.Equal(t, StateEnded, st.State)
		assert.Equal(t, rec.Reason, st.Reason)
		require.NotNil(t, st.EndedAt)
		assert.True(t, rec.EndedAt.Equal(*st.EndedAt))
	}

	// Hanging up again is a no-op.
	assert.NoError(t, caller.Hangup())
	assert.NoError(t, callee.Hangup())
}

func TestDeclinedCall(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	bob := n.peer("bob")
	bob.mgr.OnIncoming(func(ic *IncomingCall) {
		assert.NoError(t, ic.Decline(context.Background()))
	})

	s, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	waitState(t, s, StateEnded)
	assert.Equal(t, record.ReasonDeclined, s.Status().Reason)
	assert.Nil(t, s.Err())

	_, err = amy.mgr.AcceptCall(context.Background(), s.ID())
	assert.Error(t, err)
}

func TestAcceptRequiresResponder(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	n.peer("bob")

	s, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)

	other := n.peer("cat")
	_, err = other.mgr.AcceptCall(context.Background(), s.ID())
	assert.ErrorIs(t, err, ErrNotResponder)
	assert.ErrorIs(t, other.mgr.DeclineCall(context.Background(), s.ID()), ErrNotResponder)
	assert.ErrorIs(t, s.Decline(), ErrNotResponder)
}

func TestConcurrentAcceptsShareOneSession(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	bob := n.peer("bob")
	bob.media.delay = 50 * time.Millisecond

	caller, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)

	const accepts = 3
	got := make([]*Session, accepts)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := bob.mgr.AcceptCall(context.Background(), caller.ID())
			assert.NoError(t, err)
			got[i] = s
		}()
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, s := range got[1:] {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, int32(1), bob.media.acquired.Load())
	bob.mu.Lock()
	assert.Len(t, bob.transports, 1)
	bob.mu.Unlock()
	assert.Len(t, bob.mgr.AllSessions(), 1)
}

func TestSecondCallToSamePeerConflicts(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	bob := n.peer("bob")

	_, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	_, err = bob.mgr.StartCall(context.Background(), "amy")
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, int32(1), bob.media.released.Load())
}

// denyPolicy denies the first n creates, or every update once armed.
type denyPolicy struct {
	mu          sync.Mutex
	denyCreates int
	denyUpdates bool
	creates     int
}

func (p *denyPolicy) createCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

func (p *denyPolicy) AuthorizeCreate(actor string, rec *record.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.denyCreates > 0 {
		p.denyCreates--
		return record.ErrDenied
	}
	return record.ParticipantPolicy{}.AuthorizeCreate(actor, rec)
}

func (p *denyPolicy) AuthorizeUpdate(actor string, rec *record.Record, patch record.Patch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denyUpdates {
		return record.ErrDenied
	}
	return record.ParticipantPolicy{}.AuthorizeUpdate(actor, rec, patch)
}

func TestIntermittentDenialIsRetried(t *testing.T) {
	policy := &denyPolicy{denyCreates: 2}
	n := newTestNet(t, clock.New(), policy)
	amy := n.peer("amy")

	s, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, StateRinging, s.Status().State)
	assert.Equal(t, 3, policy.createCalls())
}

func TestPersistentDenialFails(t *testing.T) {
	policy := &denyPolicy{denyCreates: 100}
	n := newTestNet(t, clock.New(), policy)
	amy := n.peer("amy")

	_, err := amy.mgr.StartCall(context.Background(), "bob")
	require.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Equal(t, n.timing.StoreRetryAttempts, policy.createCalls())
}

func TestPersistentUpdateDenialFailsSession(t *testing.T) {
	policy := &denyPolicy{}
	n := newTestNet(t, clock.New(), policy)
	amy := n.peer("amy")
	policy.mu.Lock()
	policy.denyUpdates = true
	policy.mu.Unlock()

	// The first candidate write is denied on every attempt.
	s, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	waitState(t, s, StateFailed)
	assert.Equal(t, record.ReasonAuthorizationFailed, s.Status().Reason)
	assert.ErrorIs(t, s.Err(), ErrAuthorizationFailed)
}

func TestStatusSubscription(t *testing.T) {
	n := newTestNet(t, clock.New(), nil)
	amy := n.peer("amy")
	updates, cancel := amy.mgr.SubscribeStatus()
	defer cancel()

	s, err := amy.mgr.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	require.NoError(t, s.Hangup())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.ID == s.ID() && u.State == StateEnded {
				assert.Equal(t, record.ReasonHangup, u.Reason)
				return
			}
		case <-deadline:
			t.Fatal("no ended update")
		}
	}
}
