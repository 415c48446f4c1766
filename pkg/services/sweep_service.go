package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// UnscopedContextFunc acquires a connection without client context for
// cross-client maintenance. The cleanup function MUST be called.
type UnscopedContextFunc func(ctx context.Context) (context.Context, func(), error)

// SweepResult counts what one sweep moved to error.
type SweepResult struct {
	Files    int
	Closures int
}

// SweepService moves work abandoned by a crashed process to error, so a file
// or closure never stays processing forever.
type SweepService interface {
	// SweepStale marks files processing, and closures mid-reconciliation, for
	// longer than the hard timeout as error.
	SweepStale(ctx context.Context) (*SweepResult, error)

	// Start runs SweepStale on the cron schedule until Stop.
	Start(schedule string) error
	Stop()
}

type sweepService struct {
	files       repositories.SourceFileRepository
	closureRepo repositories.ClosureRepository
	closures    ClosureService
	unscoped    UnscopedContextFunc
	progress    *ProgressReporter
	hardTimeout time.Duration
	now         func() time.Time
	cron        *cron.Cron
	logger      *zap.Logger
}

// NewSweepService creates a sweep service. Work older than hardTimeout is
// considered abandoned.
func NewSweepService(
	files repositories.SourceFileRepository,
	closureRepo repositories.ClosureRepository,
	closures ClosureService,
	unscoped UnscopedContextFunc,
	progress *ProgressReporter,
	hardTimeout time.Duration,
	logger *zap.Logger,
) SweepService {
	return &sweepService{
		files:       files,
		closureRepo: closureRepo,
		closures:    closures,
		unscoped:    unscoped,
		progress:    progress,
		hardTimeout: hardTimeout,
		now:         time.Now,
		logger:      logger.Named("sweep"),
	}
}

var _ SweepService = (*sweepService)(nil)

func (s *sweepService) SweepStale(ctx context.Context) (*SweepResult, error) {
	ctx, cleanup, err := s.unscoped(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer cleanup()

	cutoff := s.now().Add(-s.hardTimeout)
	message := fmt.Sprintf("processing did not finish within %s", s.hardTimeout)
	result := &SweepResult{}

	files, err := s.files.MarkStaleAsError(ctx, cutoff, message)
	if err != nil {
		return nil, fmt.Errorf("mark stale files: %w", err)
	}
	for _, f := range files {
		s.progress.Report(ctx, FileProgressKey(f.ID), models.Progress{Stage: models.StageFailed, Message: message})
		s.logger.Warn("Stale file marked as error",
			zap.String("file_id", f.ID.String()),
			zap.String("closure_id", f.ClosureID.String()))
	}
	result.Files = len(files)

	// A reconciling closure that never set Reconciled is mid-run.
	closures, err := s.closureRepo.ListByState(ctx, models.ClosureStateReconciling)
	if err != nil {
		return result, fmt.Errorf("list reconciling closures: %w", err)
	}
	for _, c := range closures {
		if c.Reconciled || !c.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.closures.MarkError(ctx, c.ID, message); err != nil {
			s.logger.Error("Failed to mark stale closure",
				zap.String("closure_id", c.ID.String()),
				zap.Error(err))
			continue
		}
		s.progress.Report(ctx, ClosureProgressKey(c.ID), models.Progress{Stage: models.StageFailed, Message: message})
		result.Closures++
	}
	return result, nil
}

func (s *sweepService) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		res, err := s.SweepStale(ctx)
		if err != nil {
			s.logger.Error("Stale sweep failed", zap.Error(err))
			return
		}
		if res.Files > 0 || res.Closures > 0 {
			s.logger.Info("Stale sweep finished",
				zap.Int("files", res.Files),
				zap.Int("closures", res.Closures))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule stale sweep %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("Stale sweep scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *sweepService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
