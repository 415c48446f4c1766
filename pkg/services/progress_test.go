package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

func TestMemoryProgressStore_SetGetExpire(t *testing.T) {
	store := NewMemoryProgressStore(time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	key := FileProgressKey(uuid.New())
	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Set(context.Background(), key, models.Progress{
		Stage: models.StageIngestion, Percent: 40, ProcessedCount: 120,
	}))
	got, err = store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 40, got.Percent)
	assert.Equal(t, 120, got.ProcessedCount)

	now = now.Add(2 * time.Minute)
	got, err = store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryProgressStore_SetDropsExpiredEntries(t *testing.T) {
	store := NewMemoryProgressStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(context.Background(), "file:a", models.Progress{Stage: models.StageDone}))
	now = now.Add(time.Hour)
	require.NoError(t, store.Set(context.Background(), "file:b", models.Progress{Stage: models.StageHeaders}))

	assert.Len(t, store.entries, 1)
}

type failingProgressStore struct {
	calls int
}

func (s *failingProgressStore) Set(context.Context, string, models.Progress) error {
	s.calls++
	return errors.New("dial tcp: connection refused")
}

func (s *failingProgressStore) Get(context.Context, string) (*models.Progress, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestProgressReporter_StoreFailureIsSwallowed(t *testing.T) {
	store := &failingProgressStore{}
	reporter := NewProgressReporter(store, zap.NewNop())

	reporter.Report(context.Background(), "file:x", models.Progress{Stage: models.StageIngestion, Percent: 10})
	assert.Equal(t, 1, store.calls)
}

func TestProgressReporter_NilIsNoop(t *testing.T) {
	var reporter *ProgressReporter
	reporter.Report(context.Background(), "file:x", models.Progress{Stage: models.StageDone})

	got, err := reporter.Get(context.Background(), "file:x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProgressReporter_ReportsAfterCancel(t *testing.T) {
	store := NewMemoryProgressStore(time.Minute)
	reporter := NewProgressReporter(store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reporter.Report(ctx, "closure:x", models.Progress{Stage: models.StageFailed, Message: "cancelled"})

	got, err := reporter.Get(context.Background(), "closure:x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StageFailed, got.Stage)
}
