package resilience

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds the exponential backoff applied to transient faults.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
	Multiplier      float64
	// RandomizationFactor adds jitter so concurrent retries do not line up.
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxRetries:          4,
		Multiplier:          2.0,
		RandomizationFactor: 0.3,
	}
}

// Retry runs fn under the policy, retrying only transient faults. Business
// and constraint errors pass through on the first attempt.
func Retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = policy.RandomizationFactor
	b.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if logger != nil {
			logger.Warn("transient failure, will retry",
				"op", op, "attempt", attempt, "error", err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxRetries), ctx))
}

// Postgres SQLSTATE classes that are safe to retry: serialization failures,
// deadlocks, lock-wait timeouts, and connection-level faults.
var retryablePgCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryablePgCodes[pgErr.Code]; ok {
			return true
		}
		// Class 08: connection exceptions.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
