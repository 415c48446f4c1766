package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// ProgressStore holds the latest progress snapshot of a file or closure job.
// Snapshots expire after the store's TTL.
type ProgressStore interface {
	Set(ctx context.Context, key string, p models.Progress) error
	// Get returns nil when no snapshot exists or it has expired.
	Get(ctx context.Context, key string) (*models.Progress, error)
}

// FileProgressKey is the progress key of a source file job.
func FileProgressKey(fileID uuid.UUID) string {
	return "file:" + fileID.String()
}

// ClosureProgressKey is the progress key of a closure-level job.
func ClosureProgressKey(closureID uuid.UUID) string {
	return "closure:" + closureID.String()
}

// ============================================================================
// Redis
// ============================================================================

const redisProgressPrefix = "payroll:progress:"

type redisProgressStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProgressStore creates a progress store backed by Redis string keys
// with TTL.
func NewRedisProgressStore(client *redis.Client, ttl time.Duration) ProgressStore {
	return &redisProgressStore{client: client, ttl: ttl}
}

func (s *redisProgressStore) Set(ctx context.Context, key string, p models.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.client.Set(ctx, redisProgressPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	return nil
}

func (s *redisProgressStore) Get(ctx context.Context, key string) (*models.Progress, error) {
	data, err := s.client.Get(ctx, redisProgressPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	var p models.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}

// ============================================================================
// In-memory
// ============================================================================

type memoryProgressEntry struct {
	progress models.Progress
	expires  time.Time
}

// MemoryProgressStore keeps snapshots in process. Used when Redis is not
// configured and by payrollctl.
type MemoryProgressStore struct {
	mu      sync.Mutex
	entries map[string]memoryProgressEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryProgressStore creates an in-memory progress store.
func NewMemoryProgressStore(ttl time.Duration) *MemoryProgressStore {
	return &MemoryProgressStore{
		entries: make(map[string]memoryProgressEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

var _ ProgressStore = (*MemoryProgressStore)(nil)

func (s *MemoryProgressStore) Set(_ context.Context, key string, p models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Expired entries are dropped on write so the map stays bounded.
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryProgressEntry{progress: p, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryProgressStore) Get(_ context.Context, key string) (*models.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expires) {
		return nil, nil
	}
	p := e.progress
	return &p, nil
}

// ============================================================================
// Reporter
// ============================================================================

// progressWriteTimeout bounds a single progress write.
const progressWriteTimeout = 2 * time.Second

// ProgressReporter publishes progress without ever failing the caller.
// A nil reporter or a nil store discards updates.
type ProgressReporter struct {
	store  ProgressStore
	logger *zap.Logger
}

// NewProgressReporter creates a reporter writing to store.
func NewProgressReporter(store ProgressStore, logger *zap.Logger) *ProgressReporter {
	return &ProgressReporter{store: store, logger: logger.Named("progress")}
}

// Report stores p under key. Store failures are logged at debug level.
func (r *ProgressReporter) Report(ctx context.Context, key string, p models.Progress) {
	if r == nil || r.store == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressWriteTimeout)
	defer cancel()
	if err := r.store.Set(writeCtx, key, p); err != nil {
		r.logger.Debug("Failed to publish progress",
			zap.String("key", key),
			zap.String("stage", p.Stage),
			zap.Error(err))
	}
}

// Get reads the latest snapshot for key.
func (r *ProgressReporter) Get(ctx context.Context, key string) (*models.Progress, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.Get(ctx, key)
}
