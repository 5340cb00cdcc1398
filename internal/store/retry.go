package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var retryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// IsRetryable classifies transient store failures: serialization failures,
// deadlocks, and connection-class errors. Context cancellation and deadline
// expiry are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001": // serialization_failure
			return true
		case pgErr.Code == "40P01": // deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// WithRetry runs fn, retrying transient store failures up to three times with
// backoff. Non-retryable errors and exhausted retries are returned as-is.
func WithRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt >= len(retryDelays) {
			return err
		}

		logger.Warn("retrying transient store error",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}
