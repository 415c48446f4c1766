// Package retry retries transient database and storage failures with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Config controls the backoff between attempts.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor spreads each delay by up to +/- this fraction.
	JitterFactor float64
	// MaxSameErrorType gives up after this many consecutive failures of one
	// kind. 0 disables the check.
	MaxSameErrorType int
}

// DefaultConfig retries database writes: 3 retries from 100ms, doubling to at
// most 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	return time.Duration(float64(delay) * (1 + factor*(rand.Float64()*2-1)))
}

// DoIfRetryable runs fn, retrying errors IsRetryable accepts. A permanent
// error is returned at once. Waiting stops when ctx is done.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		delay    = cfg.InitialDelay
		lastKind string
		streak   int
	)
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) {
			return err
		}

		kind := classifyErrorType(err)
		if kind == lastKind {
			streak++
		} else {
			lastKind, streak = kind, 1
		}
		if cfg.MaxSameErrorType > 0 && streak >= cfg.MaxSameErrorType {
			return fmt.Errorf("repeated error (%d times, type=%s): %w", streak, kind, err)
		}
		if attempt >= cfg.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyJitter(delay, cfg.JitterFactor)):
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
}

// DoWithResult is DoIfRetryable for functions returning a value. The last
// result is returned alongside the last error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	var result T
	err := DoIfRetryable(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// RetryableError is implemented by errors that declare their retryability.
// apperrors.Error retries processing errors only.
type RetryableError interface {
	error
	IsRetryable() bool
}

// SQLSTATE codes outside class 08 worth retrying.
var retryablePgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
}

// transientMessages maps message fragments of transient failures to the
// kind used for the same-error streak.
var transientMessages = []struct{ fragment, kind string }{
	{"connection refused", "connection"},
	{"connection reset", "connection"},
	{"too many connections", "connection"},
	{"broken pipe", "broken_pipe"},
	{"deadlock", "deadlock"},
	{"timeout", "timeout"},
	{"timed out", "timeout"},
	{"no such host", "network"},
	{"network is unreachable", "network"},
	{"temporary failure", "network"},
	{"resource temporarily unavailable", "storage"},
	{"text file busy", "storage"},
}

func transientKind(err error) (string, bool) {
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m.fragment) {
			return m.kind, true
		}
	}
	return "", false
}

// IsRetryable reports whether err is transient. Context errors never are.
// An error declaring itself retryable still needs a transient cause when it
// wraps one. Postgres errors are judged by SQLSTATE, anything else by its
// message.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var declared RetryableError
	if errors.As(err, &declared) {
		if !declared.IsRetryable() {
			return false
		}
		if cause := errors.Unwrap(declared); cause != nil {
			return IsRetryable(cause)
		}
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}

	_, ok := transientKind(err)
	return ok
}

func classifyErrorType(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "pg_" + pgErr.Code
	}
	if kind, ok := transientKind(err); ok {
		return kind
	}
	return "unknown"
}
