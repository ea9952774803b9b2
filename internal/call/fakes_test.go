package call

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
)

// fakeSDP renders a minimal description with one section per kind.
func fakeSDP(kinds []TrackKind, omit map[TrackKind]bool) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	for _, k := range kinds {
		if omit[k] {
			continue
		}
		pt := 111
		if k == KindVideo {
			pt = 96
		}
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF %d\r\nc=IN IP4 0.0.0.0\r\na=sendrecv\r\n", k, pt)
	}
	return b.String()
}

// fakeTransport stands in for a PeerConnection. With autoConnect it reports
// connected once both descriptions and one remote candidate are in; with
// autoMedia it then reports inbound media.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	h           TransportHandlers
	kinds       []TrackKind
	omit        map[TrackKind]bool
	autoConnect bool
	autoMedia   bool
	connectOnce bool
	connects    int
	offers      int
	restarts    int
	answers     int
	keyframes   int
	gathered    int
	local       bool
	remote      bool
	connected   bool
	closed      bool
	applied     map[string]int
}

func (f *fakeTransport) AttachMedia(m *LocalMedia) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = m.Kinds()
	return nil
}

func (f *fakeTransport) LocalTrackKinds() []TrackKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TrackKind(nil), f.kinds...)
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (string, error) {
	f.mu.Lock()
	f.offers++
	if iceRestart {
		f.restarts++
		f.remote = false
		f.connected = false
		f.applied = nil
	}
	f.local = true
	s := fakeSDP(f.kinds, f.omit)
	f.mu.Unlock()
	f.gather()
	return s, nil
}

func (f *fakeTransport) CreateAnswer() (string, error) {
	f.mu.Lock()
	if !f.remote {
		f.mu.Unlock()
		return "", errors.New("fake: answer without remote offer")
	}
	f.answers++
	f.local = true
	s := fakeSDP(f.kinds, f.omit)
	f.mu.Unlock()
	f.gather()
	f.maybeConnect()
	return s, nil
}

func (f *fakeTransport) SetRemoteDescription(typ record.DescriptionType, sdp string) error {
	if !strings.HasPrefix(sdp, "v=0") {
		return errors.New("fake: unparsable description")
	}
	f.mu.Lock()
	if typ == record.DescriptionOffer && f.remote {
		// Renegotiation: the previous path is gone.
		f.connected = false
		f.applied = nil
	}
	f.remote = true
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c string) error {
	f.mu.Lock()
	if !f.remote {
		f.mu.Unlock()
		return errors.New("fake: candidate before remote description")
	}
	if f.applied == nil {
		f.applied = make(map[string]int)
	}
	f.applied[c]++
	dup := f.applied[c] > 1
	f.mu.Unlock()
	if dup {
		return errors.New("fake: duplicate candidate")
	}
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) RequestKeyframe() {
	f.mu.Lock()
	f.keyframes++
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) gather() {
	f.mu.Lock()
	f.gathered++
	c := fmt.Sprintf("%s-candidate-%d", f.name, f.gathered)
	h := f.h
	f.mu.Unlock()
	if h.OnCandidate == nil {
		return
	}
	h.OnCandidate(c)
	// Transports sometimes surface the same candidate twice.
	h.OnCandidate(c)
}

// bareTransport is a fake with media attached and no handlers.
func bareTransport(kinds ...TrackKind) *fakeTransport {
	return &fakeTransport{name: "bare", kinds: kinds}
}

func (f *fakeTransport) maybeConnect() {
	f.mu.Lock()
	ok := f.autoConnect && !f.closed && !f.connected && f.local && f.remote && len(f.applied) > 0 &&
		!(f.connectOnce && f.connects > 0)
	if ok {
		f.connected = true
		f.connects++
	}
	media := f.autoMedia
	h := f.h
	f.mu.Unlock()
	if !ok {
		return
	}
	h.OnConnState(ConnChecking)
	h.OnConnState(ConnConnected)
	if media {
		h.OnTrackActivity(f.name+"-audio", KindAudio, true)
	}
}

func (f *fakeTransport) fireConn(s ConnState) {
	f.mu.Lock()
	h := f.h
	if !s.Up() {
		f.connected = false
	}
	f.mu.Unlock()
	h.OnConnState(s)
}

func (f *fakeTransport) fireTrack(id string, active bool) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnTrackActivity(id, KindVideo, active)
}

func (f *fakeTransport) counts() (offers, restarts, answers, keyframes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.restarts, f.answers, f.keyframes
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeMedia hands out static sample tracks of the configured kinds.
type fakeMedia struct {
	kinds    []TrackKind
	err      error
	delay    time.Duration
	acquired atomic.Int32
	released atomic.Int32
}

func (m *fakeMedia) Acquire(context.Context) (*LocalMedia, error) {
	if m.err != nil {
		return nil, m.err
	}
	time.Sleep(m.delay)
	var tracks []webrtc.TrackLocal
	for _, k := range m.kinds {
		mime := webrtc.MimeTypeOpus
		if k == KindVideo {
			mime = webrtc.MimeTypeVP8
		}
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(k), "test")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	m.acquired.Add(1)
	return NewLocalMedia(tracks, func() { m.released.Add(1) }), nil
}

// peer is one participant wired to a shared store.
type peer struct {
	id    string
	mgr   *Manager
	media *fakeMedia

	mu         sync.Mutex
	transports []*fakeTransport
}

func (p *peer) transport(t *testing.T) *fakeTransport {
	t.Helper()
	var tr *fakeTransport
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.transports) == 0 {
			return false
		}
		tr = p.transports[len(p.transports)-1]
		return true
	}, 2*time.Second, time.Millisecond)
	return tr
}

type peerOption func(*fakeTransport)

func autoConnect(media bool) peerOption {
	return func(f *fakeTransport) {
		f.autoConnect = true
		f.autoMedia = media
	}
}

// testNet is a shared store with any number of peers.
type testNet struct {
	t      *testing.T
	hub    *push.Hub
	store  storage.Store
	clk    clock.Clock
	timing Timing
}

func fastTiming() Timing {
	return Timing{
		IdleTimeout:        30 * time.Second,
		NegotiationTimeout: 20 * time.Second,
		MediaGrace:         2 * time.Second,
		DisconnectTimeout:  3 * time.Second,
		RestartTimeout:     10 * time.Second,
		StoreTimeout:       2 * time.Second,
		StoreRetryAttempts: 4,
		StoreRetryBackoff:  time.Millisecond,
	}
}

func newTestNet(t *testing.T, clk clock.Clock, policy record.Policy) *testNet {
	t.Helper()
	if policy == nil {
		policy = record.ParticipantPolicy{}
	}
	hub := push.NewHub()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"), hub, policy)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		hub.Close()
	})
	return &testNet{t: t, hub: hub, store: db, clk: clk, timing: fastTiming()}
}

func (n *testNet) peer(id string, opts ...peerOption) *peer {
	t := n.t
	t.Helper()
	p := &peer{id: id, media: &fakeMedia{kinds: []TrackKind{KindAudio, KindVideo}}}
	channels := realtime.New(n.store, n.hub, id, realtime.Options{Clock: n.clk, PollInterval: 200 * time.Millisecond})
	factory := func(sessionID string, h TransportHandlers) (Transport, error) {
		f := &fakeTransport{name: id, h: h}
		for _, o := range opts {
			o(f)
		}
		p.mu.Lock()
		p.transports = append(p.transports, f)
		p.mu.Unlock()
		return f, nil
	}
	mgr, err := New(Options{
		SelfID:    id,
		Store:     n.store,
		Channels:  channels,
		Transport: factory,
		Media:     p.media,
		Timing:    n.timing,
		Clock:     n.clk,
	})
	require.NoError(t, err)
	p.mgr = mgr
	t.Cleanup(func() {
		mgr.Close()
		channels.Close()
	})
	return p
}

func (n *testNet) record(id string) *record.Record {
	n.t.Helper()
	rec, err := n.store.Get(context.Background(), id)
	require.NoError(n.t, err)
	return rec
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want }, 5*time.Second, 2*time.Millisecond,
		"session %s never reached %s (at %s)", s.ID(), want, s.Status().State)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 2*time.Millisecond, msg)
}
