// Package retry runs an operation a bounded number of times with a backoff
// schedule between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how many attempts to make and how long to wait between them.
type Policy struct {
	Attempts int
	// Backoff[i] is the wait after attempt i+1 fails. When the schedule is
	// shorter than Attempts-1 the last entry is reused.
	Backoff []time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DefaultPolicy is three attempts with 250ms, 500ms, 1s waits.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Backoff:  Exponential(250*time.Millisecond, 3),
	}
}

// Exponential builds a schedule starting at base and doubling n-1 times.
func Exponential(base time.Duration, n int) []time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << uint(n),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) wait(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt-1 < len(p.Backoff) {
		return p.Backoff[attempt-1]
	}
	return p.Backoff[len(p.Backoff)-1]
}

// schedule replays a Policy's fixed waits as a backoff.BackOff.
type schedule struct {
	p       Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.p.wait(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }

// Do calls fn until it succeeds, the attempts run out, the error is not
// retryable or ctx is done. It returns the number of calls made and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	calls := 0
	retryable := true
	op := func() error {
		calls++
		err := fn(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			retryable = false
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&schedule{p: p}, uint64(attempts-1)), ctx)
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return calls, nil
	case !retryable:
		return calls, err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return calls, fmt.Errorf("retry interrupted after %d attempts: %w", calls, err)
	default:
		return calls, fmt.Errorf("failed after %d attempts: %w", calls, err)
	}
}
