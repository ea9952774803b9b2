package call

import (
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/record"
)

var (
	// ErrInvalidNegotiationState is returned when a description is created or
	// applied in a negotiation state that does not allow it.
	ErrInvalidNegotiationState = errors.New("call: invalid negotiation state")
	// ErrNoMediaAttached is returned when a description would carry no media.
	ErrNoMediaAttached = errors.New("call: no local media attached")
	// ErrMalformedDescription is returned when a description lacks the media
	// sections it must carry or cannot be parsed.
	ErrMalformedDescription = errors.New("call: malformed session description")
	// ErrNoMediaSource is returned when local tracks cannot be acquired.
	ErrNoMediaSource = errors.New("call: no media source")
	// ErrAuthorizationFailed is returned when the store keeps denying a write.
	ErrAuthorizationFailed = errors.New("call: authorization failed")
	// ErrSessionClosed is returned for operations on a session that ended.
	ErrSessionClosed = errors.New("call: session closed")
	// ErrNotResponder is returned when accepting or declining a call this
	// peer did not receive.
	ErrNotResponder = errors.New("call: not the responder of this call")

	// errStaleDescription marks a remote description from an older epoch.
	errStaleDescription = errors.New("call: stale description")
)

// SessionError is the terminal error of a failed session.
type SessionError struct {
	Reason record.Reason
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("call failed: %s", e.Reason)
	}
	return fmt.Sprintf("call failed: %s: %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// reasonFor maps an error to the reason surfaced for it.
func reasonFor(err error) record.Reason {
	var se *SessionError
	switch {
	case errors.As(err, &se):
		return se.Reason
	case errors.Is(err, ErrAuthorizationFailed), errors.Is(err, record.ErrDenied):
		return record.ReasonAuthorizationFailed
	}
	return record.ReasonInternalError
}
