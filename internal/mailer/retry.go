package mailer

import (
	"context"
	"time"

	"edurelay/internal/logging"
	"edurelay/pkg/interfaces"
)

// sleepHook is used in tests to avoid sleeping for real
var sleepHook = time.Sleep

// Retrying wraps a mailer with bounded retries and exponential backoff.
type Retrying struct {
	next        interfaces.Mailer
	maxAttempts int
	baseBackoff time.Duration
}

// NewRetrying retries next up to maxAttempts times, doubling the wait after
// each failure starting from baseBackoff.
func NewRetrying(next interfaces.Mailer, maxAttempts int, baseBackoff time.Duration) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrying{next: next, maxAttempts: maxAttempts, baseBackoff: baseBackoff}
}

// Send returns the last error once every attempt has failed.
func (r *Retrying) Send(ctx context.Context, to, subject, body string) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.next.Send(ctx, to, subject, body)
		if err == nil {
			logging.Log.Debug().Str("to", to).Int("attempt", attempt).Msg("Email sent")
			return nil
		}
		lastErr = err
		logging.Log.Warn().Err(err).Str("to", to).Int("attempt", attempt).Msg("Email attempt failed")
		if attempt == r.maxAttempts {
			break
		}

		// context-aware sleep
		d := r.backoff(attempt)
		sleep := sleepHook
		slept := make(chan struct{})
		go func() {
			sleep(d)
			close(slept)
		}()
		select {
		case <-slept:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (r *Retrying) backoff(attempt int) time.Duration {
	return r.baseBackoff * time.Duration(1<<uint(attempt-1))
}
