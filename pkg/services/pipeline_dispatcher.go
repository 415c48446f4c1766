package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
	"github.com/ekaya-inc/payroll-engine/pkg/retry"
	"github.com/ekaya-inc/payroll-engine/pkg/services/workqueue"
)

// failureMarkTimeout bounds the writes that record a failed task.
const failureMarkTimeout = 30 * time.Second

var failureMarkRetry = &retry.Config{
	MaxRetries:   3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	JitterFactor: 0.1,
}

// DispatcherConfig controls how pipeline stages run in the background.
type DispatcherConfig struct {
	MaxConcurrent int
	Retry         workqueue.RetryConfig
	SoftTimeout   time.Duration
	HardTimeout   time.Duration
	// Strategy overrides the default keyed strategy bounded by MaxConcurrent.
	Strategy workqueue.ConcurrencyStrategy
}

// DispatcherDeps bundles the collaborators of the dispatcher.
type DispatcherDeps struct {
	Ingestion      IngestionService
	Reconciliation ReconciliationService
	Anomalies      AnomalyService
	Closures       ClosureService
	Files          repositories.SourceFileRepository
	ClientContext  ClientContextFunc
	// Locker guards stages across processes. Nil disables the guard.
	Locker   RunLocker
	Progress *ProgressReporter
}

// Dispatcher runs ingestion, reconciliation and anomaly detection as queued
// tasks. Tasks on the same file or closure never overlap.
type Dispatcher struct {
	queue          *workqueue.Queue
	ingestion      IngestionService
	reconciliation ReconciliationService
	anomalies      AnomalyService
	closures       ClosureService
	files          repositories.SourceFileRepository
	clientCtx      ClientContextFunc
	locker         RunLocker
	progress       *ProgressReporter
	cfg            DispatcherConfig
	logger         *zap.Logger
}

// NewDispatcher creates a dispatcher with its own work queue.
func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 15 * time.Minute
	}
	if cfg.SoftTimeout <= 0 || cfg.SoftTimeout >= cfg.HardTimeout {
		cfg.SoftTimeout = cfg.HardTimeout / 3
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = workqueue.NewKeyedStrategy(cfg.MaxConcurrent)
	}
	logger = logger.Named("dispatcher")
	return &Dispatcher{
		queue: workqueue.New(logger,
			workqueue.WithStrategy(strategy),
			workqueue.WithRetryConfig(cfg.Retry)),
		ingestion:      deps.Ingestion,
		reconciliation: deps.Reconciliation,
		anomalies:      deps.Anomalies,
		closures:       deps.Closures,
		files:          deps.Files,
		clientCtx:      deps.ClientContext,
		locker:         deps.Locker,
		progress:       deps.Progress,
		cfg:            cfg,
		logger:         logger,
	}
}

// EnqueueFile queues ingestion of a source file. A file that already has a
// pending or running task is not queued twice.
func (d *Dispatcher) EnqueueFile(clientID, fileID, userID uuid.UUID) bool {
	key := FileProgressKey(fileID)
	if d.queue.HasActive(key) {
		d.logger.Debug("File already queued", zap.String("file_id", fileID.String()))
		return false
	}
	d.progress.Report(context.Background(), key, models.Progress{Stage: models.StageHeaders, Message: "queued"})
	return d.queue.EnqueueUnique(&ingestFileTask{
		BaseTask: workqueue.NewBaseTask("Ingest file "+fileID.String(), key),
		d:        d,
		clientID: clientID,
		fileID:   fileID,
		userID:   userID,
	})
}

// EnqueueReconcile queues a reconciliation run of the closure.
func (d *Dispatcher) EnqueueReconcile(clientID, closureID, userID uuid.UUID) {
	d.enqueueClosure("Reconcile", closureID, clientID, userID, func(ctx context.Context) error {
		_, err := d.reconciliation.Reconcile(ctx, closureID)
		return err
	})
}

// EnqueueDetectAnomalies queues an anomaly detection run of the closure.
func (d *Dispatcher) EnqueueDetectAnomalies(clientID, closureID, userID uuid.UUID) {
	d.enqueueClosure("Detect anomalies", closureID, clientID, userID, func(ctx context.Context) error {
		_, err := d.anomalies.Detect(ctx, closureID)
		return err
	})
}

func (d *Dispatcher) enqueueClosure(stage string, closureID, clientID, userID uuid.UUID, run func(ctx context.Context) error) {
	key := ClosureProgressKey(closureID)
	d.queue.Enqueue(&closureStageTask{
		BaseTask:  workqueue.NewBaseTask(stage+" "+closureID.String(), key),
		d:         d,
		clientID:  clientID,
		closureID: closureID,
		userID:    userID,
		run:       run,
	})
}

// ResumePending queues the closure's current files still waiting for header
// classification. ctx must carry the client's scope.
func (d *Dispatcher) ResumePending(ctx context.Context, clientID, closureID, userID uuid.UUID) (int, error) {
	files, err := d.files.ListCurrent(ctx, closureID)
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	n := 0
	for _, f := range files {
		if f.Status == models.FileStatusPending && d.EnqueueFile(clientID, f.ID, userID) {
			n++
		}
	}
	return n, nil
}

// Tasks returns the retained task snapshots.
func (d *Dispatcher) Tasks() []workqueue.TaskSnapshot {
	return d.queue.GetTasks()
}

// Wait blocks until every queued task is done. Used by payrollctl and tests.
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.queue.Wait(ctx)
}

// Shutdown cancels running tasks and waits for them to return.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.queue.Shutdown(ctx)
}

// runStage wraps a stage with the hard and soft timeouts, the cross-process
// run guard and a client-scoped connection carrying pipeline provenance.
func (d *Dispatcher) runStage(ctx context.Context, key string, clientID, userID uuid.UUID, fn func(ctx context.Context) error) error {
	logger := d.logger.With(zap.String("key", key))
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HardTimeout)
	defer cancel()

	started := time.Now()
	soft := time.AfterFunc(d.cfg.SoftTimeout, func() {
		logger.Warn("Stage exceeded soft timeout",
			zap.Duration("soft_timeout", d.cfg.SoftTimeout),
			zap.Duration("hard_timeout", d.cfg.HardTimeout))
	})
	defer soft.Stop()

	if d.locker != nil {
		release, err := d.locker.Obtain(ctx, key, d.cfg.HardTimeout)
		switch {
		case errors.Is(err, ErrRunInProgress):
			logger.Info("Stage already running in another process, skipping")
			return nil
		case err != nil:
			logger.Warn("Run guard unavailable, continuing without it", zap.Error(err))
		default:
			defer release()
		}
	}

	scoped, cleanup, err := WithPipelineProvenanceWrapper(d.clientCtx, userID)(ctx, clientID)
	if err != nil {
		return fmt.Errorf("acquire client connection: %w", err)
	}
	defer cleanup()

	err = fn(scoped)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("stage exceeded the hard timeout of %s: %w", d.cfg.HardTimeout, err)
	}
	logger.Debug("Stage finished", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
	return err
}

// recordFailure runs mark with a fresh client-scoped context, since the
// task's own context may be cancelled or past its deadline.
func (d *Dispatcher) recordFailure(clientID uuid.UUID, key string, err error, mark func(ctx context.Context, message string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), failureMarkTimeout)
	defer cancel()

	message := failureMessage(err)
	d.progress.Report(ctx, key, models.Progress{Stage: models.StageFailed, Message: message})
	if mark == nil {
		return
	}

	scoped, cleanup, scopeErr := d.clientCtx(ctx, clientID)
	if scopeErr != nil {
		d.logger.Error("Failed to record task failure",
			zap.String("key", key), zap.Error(scopeErr))
		return
	}
	defer cleanup()
	markErr := retry.DoIfRetryable(ctx, failureMarkRetry, func() error {
		return mark(scoped, message)
	})
	if markErr != nil {
		d.logger.Error("Failed to record task failure",
			zap.String("key", key), zap.Error(markErr))
	}
}

func failureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "processing took too long and was stopped"
	}
	return userMessage(err)
}

// ============================================================================
// Tasks
// ============================================================================

type ingestFileTask struct {
	workqueue.BaseTask
	d        *Dispatcher
	clientID uuid.UUID
	fileID   uuid.UUID
	userID   uuid.UUID
}

func (t *ingestFileTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	return t.d.runStage(ctx, t.Key(), t.clientID, t.userID, func(ctx context.Context) error {
		res, err := t.d.ingestion.ProcessFile(ctx, t.fileID)
		if err != nil {
			return err
		}
		t.d.logger.Info("File ingested",
			zap.String("file_id", t.fileID.String()),
			zap.Int("rows", res.RowsProcessed),
			zap.Int("pending_headers", res.PendingHeaders))
		return nil
	})
}

// OnFailure marks the file as error unless ingestion already did.
func (t *ingestFileTask) OnFailure(err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		return
	}
	var mark func(ctx context.Context, message string) error
	if !apperrors.IsPermanent(err) {
		mark = func(ctx context.Context, message string) error {
			return t.d.files.MarkError(ctx, t.fileID, message)
		}
	}
	t.d.recordFailure(t.clientID, t.Key(), err, mark)
}

type closureStageTask struct {
	workqueue.BaseTask
	d         *Dispatcher
	clientID  uuid.UUID
	closureID uuid.UUID
	userID    uuid.UUID
	run       func(ctx context.Context) error
}

func (t *closureStageTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	return t.d.runStage(ctx, t.Key(), t.clientID, t.userID, t.run)
}

// OnFailure moves the closure to error. Rejected commands leave it unchanged.
func (t *closureStageTask) OnFailure(err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		return
	}
	var mark func(ctx context.Context, message string) error
	if !apperrors.IsPermanent(err) {
		mark = func(ctx context.Context, message string) error {
			return t.d.closures.MarkError(ctx, t.closureID, message)
		}
	}
	t.d.recordFailure(t.clientID, t.Key(), err, mark)
}
