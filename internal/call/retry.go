package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
)

// retryStore runs op until it succeeds, fails with a non-retryable error,
// or the attempts run out. Each attempt gets its own StoreTimeout; the
// backoff doubles between attempts. A denial that persists is reported as
// ErrAuthorizationFailed.
func retryStore(ctx context.Context, clk clock.Clock, t Timing, op func(ctx context.Context) error) error {
	backoff := t.StoreRetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, t.StoreTimeout)
		err = op(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !storage.IsRetryable(err) || attempt >= t.StoreRetryAttempts {
			break
		}
		log.Debugf("store attempt %d/%d: %v", attempt, t.StoreRetryAttempts, err)
		timer := clk.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	if errors.Is(err, record.ErrDenied) {
		return fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}
	return err
}
