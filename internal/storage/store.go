package storage

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
)

var log = logging.Logger("storage")

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned by Create when the pair already has a live record.
	ErrConflict = errors.New("storage: pair already has an active record")
	// ErrRejected is returned by Update for any write the store refused. It
	// always wraps either record.ErrDenied or ErrStale.
	ErrRejected = errors.New("storage: write rejected")
	// ErrStale marks a rejection caused by a precondition that no longer holds.
	ErrStale = errors.New("storage: stale precondition")
)

// Store is the shared mailbox both participants negotiate through. It keeps
// no session state of its own: every write is merged field by field with
// record.Merge and bumps the record revision only when something changed.
type Store interface {
	// Create inserts a new ringing record on behalf of its initiator.
	Create(ctx context.Context, rec *record.Record) (string, error)
	// Get returns the current snapshot of a record.
	Get(ctx context.Context, id string) (*record.Record, error)
	// Update merges p into the record. When expected is non-empty the write
	// only applies while the stored status is one of them.
	Update(ctx context.Context, id string, p record.Patch, expected ...record.Status) (*record.Record, error)
	// ListActive returns the non-terminal records identity participates in.
	ListActive(ctx context.Context, identity string) ([]*record.Record, error)

	push.Subscriber
	Close() error
}

// denied wraps a policy error as a rejection.
func denied(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// stale wraps a precondition failure as a rejection.
func stale(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrRejected, ErrStale, fmt.Sprintf(format, args...))
}

// mergeError classifies an error from record.Merge.
func mergeError(err error) error {
	switch {
	case errors.Is(err, record.ErrNotParticipant):
		return fmt.Errorf("%w: %w: %w", ErrRejected, record.ErrDenied, err)
	case errors.Is(err, record.ErrTerminal), errors.Is(err, record.ErrInvalidTransition):
		return fmt.Errorf("%w: %w: %w", ErrRejected, ErrStale, err)
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

func statusExpected(s record.Status, expected []record.Status) bool {
	if len(expected) == 0 {
		return true
	}
	for _, e := range expected {
		if s == e {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is worth retrying: policy denials and
// transient failures are, stale preconditions and missing records are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStale) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
