package db

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/fleet-data/fleettrace/internal/monitoring"
)

// Attempt caps for the store retry policy. Opening the database gets more
// attempts than a single read or write because nothing else can proceed
// without it.
const (
	WriteAttempts = 5
	OpenAttempts  = 10

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// ErrStoreUnavailable marks a store operation that failed after exhausting
// its retries. Callers log it and keep deriving from in-memory state rather
// than stalling the pipeline.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrorCategory classifies a failure for retry decisions.
type ErrorCategory int

const (
	// CategoryTransient covers lock contention, timeouts and network
	// failures; retried in place.
	CategoryTransient ErrorCategory = iota
	// CategoryServer covers internal database errors; retried, but a caller
	// holding a connection should rebuild it first.
	CategoryServer
	// CategoryFatal covers constraint violations and bad inputs; never
	// retried.
	CategoryFatal
)

// Categorize maps an error to its retry category.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"):
		return CategoryTransient
	case strings.Contains(msg, "constraint"),
		strings.Contains(msg, "syntax"),
		strings.Contains(msg, "no such"):
		return CategoryFatal
	default:
		return CategoryServer
	}
}

// Retry runs fn up to attempts times with exponential backoff and jitter.
// Fatal errors abort immediately; context cancellation stops the backoff
// wait. When attempts are exhausted the last error is wrapped with
// ErrStoreUnavailable so callers can test for it with errors.Is.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if Categorize(lastErr) == CategoryFatal {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		// Full jitter keeps concurrent retriers from thundering together.
		sleep := time.Duration(rand.Int63n(int64(delay)) + 1)
		monitoring.Debugf("store retry %d/%d after %v: %v", attempt, attempts, sleep, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return errors.Join(ErrStoreUnavailable, lastErr)
}
