package fetcher

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy bounds the attempts made for one remote operation.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	BackoffMax  time.Duration
	// OnRetry is called before sleeping ahead of attempt n+1.
	OnRetry func(attempt int, err error)
}

// Delay returns the wait before the retry that follows attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := p.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	limit := p.BackoffMax
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		if delay > limit/2 {
			delay = limit
			break
		}
		delay *= 2
	}
	return min(delay, limit)
}

// Counted returns a copy of p that also counts every retry in m.
func (p RetryPolicy) Counted(m *Metrics) RetryPolicy {
	onRetry := p.OnRetry
	p.OnRetry = func(attempt int, err error) {
		m.IncRetries()
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return p
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether retrying err cannot succeed: explicit
// Permanent errors, 403 and 404 responses.
func IsPermanent(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	return hasKind(err, KindForbidden, KindNotFound)
}

// Retry runs op until it succeeds, fails permanently, ctx ends or the
// policy's attempts are used up. It returns the number of attempts made
// and the last error.
func Retry(ctx context.Context, p RetryPolicy, op func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}

		err = op(attempt)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || attempt == maxAttempts {
			return attempt, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
	return maxAttempts, err
}
