package call

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/record"
)

// State is the local lifecycle state of a session.
type State string

const (
	StateRinging     State = "ringing"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnded       State = "ended"
	StateFailed      State = "failed"
)

// Terminal reports whether the session is over.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Status is a point-in-time snapshot of a session, as surfaced to callers.
type Status struct {
	ID          string           `json:"id"`
	Remote      string           `json:"remote"`
	Initiator   bool             `json:"initiator"`
	State       State            `json:"state"`
	Reason      record.Reason    `json:"reason,omitempty"`
	Health      Health           `json:"health"`
	Stalled     bool             `json:"media_stalled"`
	Conn        ConnState        `json:"conn"`
	Negotiation NegotiationState `json:"negotiation"`
	Epoch       int              `json:"epoch"`
	Restarted   bool             `json:"restarted"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}

// StatusUpdate is a status change of any session owned by a Manager.
type StatusUpdate struct {
	Status
}

// IncomingCall is a ringing record addressed to this peer. Exactly one of
// Accept or Decline should be called.
type IncomingCall struct {
	ID         string    `json:"id"`
	RemotePeer string    `json:"remote_peer"`
	CreatedAt  time.Time `json:"created_at"`

	Accept  func(ctx context.Context) (*Session, error) `json:"-"`
	Decline func(ctx context.Context) error             `json:"-"`
}

// Timing bounds every wait of a session. Zero values take the defaults.
type Timing struct {
	// IdleTimeout ends an unanswered call as Failed(Timeout).
	IdleTimeout time.Duration
	// NegotiationTimeout bounds the time from answer to connectivity.
	NegotiationTimeout time.Duration
	// MediaGrace is how long a connected session waits for inbound media
	// before flagging MediaStalled.
	MediaGrace time.Duration
	// DisconnectTimeout is how long a disconnected transport may stay
	// disconnected before it counts as lost.
	DisconnectTimeout time.Duration
	// RestartTimeout bounds the single ICE restart.
	RestartTimeout time.Duration
	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration
	// StoreRetryAttempts and StoreRetryBackoff govern retries of rejected
	// or failed writes. The backoff doubles per attempt.
	StoreRetryAttempts int
	StoreRetryBackoff  time.Duration
}

// DefaultTiming returns the default timing.
func DefaultTiming() Timing {
	return Timing{
		IdleTimeout:        30 * time.Second,
		NegotiationTimeout: 20 * time.Second,
		MediaGrace:         4 * time.Second,
		DisconnectTimeout:  5 * time.Second,
		RestartTimeout:     15 * time.Second,
		StoreTimeout:       5 * time.Second,
		StoreRetryAttempts: 5,
		StoreRetryBackoff:  200 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = d.IdleTimeout
	}
	if t.NegotiationTimeout <= 0 {
		t.NegotiationTimeout = d.NegotiationTimeout
	}
	if t.MediaGrace <= 0 {
		t.MediaGrace = d.MediaGrace
	}
	if t.DisconnectTimeout <= 0 {
		t.DisconnectTimeout = d.DisconnectTimeout
	}
	if t.RestartTimeout <= 0 {
		t.RestartTimeout = d.RestartTimeout
	}
	if t.StoreTimeout <= 0 {
		t.StoreTimeout = d.StoreTimeout
	}
	if t.StoreRetryAttempts <= 0 {
		t.StoreRetryAttempts = d.StoreRetryAttempts
	}
	if t.StoreRetryBackoff <= 0 {
		t.StoreRetryBackoff = d.StoreRetryBackoff
	}
	return t
}
