package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress is returned when another process holds the run lock of a job.
var ErrRunInProgress = errors.New("run already in progress")

// RunLocker guards a pipeline job across processes sharing the database.
// The in-process queue already serializes jobs with the same key.
type RunLocker interface {
	// Obtain takes the lock for key until release is called or ttl elapses.
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

const runLockPrefix = "payroll:run:"

type redisRunLocker struct {
	locker *redislock.Client
}

// NewRedisRunLocker creates a RunLocker backed by Redis.
func NewRedisRunLocker(rdb *redis.Client) RunLocker {
	return &redisRunLocker{locker: redislock.New(rdb)}
}

func (l *redisRunLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.locker.Obtain(ctx, runLockPrefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}
	return func() {
		// Expiry frees the lock if this release fails.
		_ = lock.Release(context.Background())
	}, nil
}
