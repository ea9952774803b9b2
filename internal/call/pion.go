package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/record"
)

// PionConfig configures PeerConnections built by NewPionFactory.
type PionConfig struct {
	ICEServers []string
	// ICE agent timeouts. Generous values let a brief relay or NAT hiccup
	// recover before the connection is declared disconnected.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// MuteAfter is how long an inbound track may go without packets before
	// it counts as muted.
	MuteAfter time.Duration
}

// DefaultPionConfig returns the defaults used by the peer command.
func DefaultPionConfig() PionConfig {
	return PionConfig{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		MuteAfter:           time.Second,
	}
}

// NewPionFactory returns a TransportFactory backed by pion/webrtc. codecs,
// when non-nil, decides which codecs the MediaEngine registers.
func NewPionFactory(cfg PionConfig, codecs CodecConfigurer) TransportFactory {
	if cfg.MuteAfter <= 0 {
		cfg.MuteAfter = time.Second
	}
	return func(sessionID string, h TransportHandlers) (Transport, error) {
		return newPionTransport(sessionID, cfg, codecs, h)
	}
}

// PionTransport adapts a webrtc.PeerConnection to Transport.
type PionTransport struct {
	id  string
	pc  *webrtc.PeerConnection
	h   TransportHandlers
	cfg PionConfig

	mu      sync.Mutex
	kinds   []TrackKind
	remote  map[string]*inboundTrack
	closed  bool
	closeMu sync.Once
}

func newPionTransport(id string, cfg PionConfig, codecs CodecConfigurer, h TransportHandlers) (*PionTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	t := &PionTransport{id: id, pc: pc, h: h, cfg: cfg, remote: make(map[string]*inboundTrack)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		h.OnCandidate(string(b))
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("[%s] ICE %s", id, s)
		if h.OnConnState != nil {
			h.OnConnState(connStateOf(s))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Infof("[%s] remote %s track %s (%s)", id, track.Kind(), track.ID(), track.Codec().MimeType)
		go drainRTCP(recv)
		t.watchTrack(track)
	})
	return t, nil
}

func connStateOf(s webrtc.ICEConnectionState) ConnState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnClosed
	}
	return ConnNew
}

// drainRTCP keeps the interceptors fed; their reports are not used directly.
func drainRTCP(r interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}) {
	for {
		if _, _, err := r.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *PionTransport) AttachMedia(m *LocalMedia) error {
	if m == nil || len(m.Tracks) == 0 {
		return ErrNoMediaAttached
	}
	for _, track := range m.Tracks {
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	t.mu.Lock()
	t.kinds = m.Kinds()
	t.mu.Unlock()
	return nil
}

func (t *PionTransport) LocalTrackKinds() []TrackKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TrackKind(nil), t.kinds...)
}

func (t *PionTransport) CreateOffer(iceRestart bool) (string, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) CreateAnswer() (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) SetRemoteDescription(typ record.DescriptionType, sdp string) error {
	st := webrtc.SDPTypeOffer
	if typ == record.DescriptionAnswer {
		st = webrtc.SDPTypeAnswer
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: st, SDP: sdp})
}

func (t *PionTransport) AddRemoteCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

// RequestKeyframe sends a PLI for every inbound video track.
func (t *PionTransport) RequestKeyframe() {
	t.mu.Lock()
	var pkts []rtcp.Packet
	for _, in := range t.remote {
		if in.kind == KindVideo {
			pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: in.ssrc})
		}
	}
	t.mu.Unlock()
	if len(pkts) == 0 {
		return
	}
	if err := t.pc.WriteRTCP(pkts); err != nil {
		log.Debugf("[%s] keyframe request: %v", t.id, err)
	}
}

func (t *PionTransport) Close() error {
	var err error
	t.closeMu.Do(func() {
		t.mu.Lock()
		t.closed = true
		for _, in := range t.remote {
			in.stop()
		}
		t.mu.Unlock()
		err = t.pc.Close()
	})
	return err
}

// inboundTrack turns the packet flow of one remote track into muted and
// unmuted transitions.
type inboundTrack struct {
	id   string
	kind TrackKind
	ssrc uint32

	mu      sync.Mutex
	active  bool
	lastSeq uint16
	timer   *time.Timer
	stopped bool
}

func (in *inboundTrack) stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopped = true
	if in.timer != nil {
		in.timer.Stop()
	}
}

func (t *PionTransport) watchTrack(track *webrtc.TrackRemote) {
	in := &inboundTrack{
		id:   track.ID(),
		kind: TrackKind(track.Kind().String()),
		ssrc: uint32(track.SSRC()),
	}
	report := func(active bool) {
		if t.h.OnTrackActivity != nil {
			t.h.OnTrackActivity(in.id, in.kind, active)
		}
	}
	in.timer = time.AfterFunc(t.cfg.MuteAfter, func() {
		in.mu.Lock()
		wasActive := in.active && !in.stopped
		in.active = false
		in.mu.Unlock()
		if wasActive {
			report(false)
		}
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		in.stop()
		return
	}
	t.remote[in.id] = in
	t.mu.Unlock()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			in.stop()
			return
		}
		if in.observe(pkt, t.cfg.MuteAfter) {
			report(true)
		}
	}
}

// observe records one packet and reports whether the track just unmuted.
func (in *inboundTrack) observe(pkt *rtp.Packet, muteAfter time.Duration) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped || len(pkt.Payload) == 0 {
		return false
	}
	in.lastSeq = pkt.SequenceNumber
	in.timer.Reset(muteAfter)
	if in.active {
		return false
	}
	in.active = true
	return true
}
