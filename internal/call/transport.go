package call

import (
	"github.com/petervdpas/goopcall/internal/record"
)

// ConnState is the connectivity state reported by the transport.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnChecking     ConnState = "checking"
	ConnConnected    ConnState = "connected"
	ConnCompleted    ConnState = "completed"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Up reports whether the transport has a working path.
func (s ConnState) Up() bool { return s == ConnConnected || s == ConnCompleted }

// TrackKind is the media kind of a track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// TransportHandlers receive transport events. They may be called from any
// goroutine; the session posts each one into its own mailbox.
type TransportHandlers struct {
	// OnCandidate delivers a locally gathered candidate in the transport's
	// own opaque encoding.
	OnCandidate func(candidate string)
	// OnConnState reports connectivity changes.
	OnConnState func(state ConnState)
	// OnTrackActivity reports whether an inbound track is producing media.
	OnTrackActivity func(trackID string, kind TrackKind, active bool)
}

// Transport is the media transport a session drives. Descriptions and
// candidates are opaque strings.
type Transport interface {
	// AttachMedia adds the local tracks to be sent.
	AttachMedia(m *LocalMedia) error
	// LocalTrackKinds lists the kinds of the attached tracks.
	LocalTrackKinds() []TrackKind
	// CreateOffer creates and applies a local offer. iceRestart asks for
	// fresh ICE credentials.
	CreateOffer(iceRestart bool) (string, error)
	// CreateAnswer creates and applies a local answer to the applied offer.
	CreateAnswer() (string, error)
	// SetRemoteDescription applies the remote offer or answer.
	SetRemoteDescription(typ record.DescriptionType, sdp string) error
	// AddRemoteCandidate feeds one remote candidate.
	AddRemoteCandidate(candidate string) error
	// RequestKeyframe asks the remote side to resend a full picture, used to
	// recover stalled inbound video.
	RequestKeyframe()
	Close() error
}

// TransportFactory builds a transport wired to handlers.
type TransportFactory func(sessionID string, h TransportHandlers) (Transport, error)
