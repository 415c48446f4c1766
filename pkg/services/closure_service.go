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
)

// ClosureService owns the closure state machine. Every state change goes
// through Transition, which checks the transition table, persists the closure
// optimistically and records an audit entry.
type ClosureService interface {
	Create(ctx context.Context, clientID uuid.UUID, period models.Period) (*models.Closure, error)
	Get(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)
	GetSummary(ctx context.Context, closureID uuid.UUID) (*models.ClosureSummary, error)
	List(ctx context.Context, clientID uuid.UUID) ([]*models.Closure, error)

	// Transition moves c to target, applying mutate to the copy that is
	// persisted. A transition to the current state only persists mutate.
	// On success c is updated in place.
	Transition(ctx context.Context, c *models.Closure, target models.ClosureState, mutate func(*models.Closure)) error

	// Recount refreshes the discrepancy and incidencia counters.
	Recount(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)

	// RefreshGates recomputes the classification and mapping gates and moves
	// a closure that is still collecting files to the state they imply.
	RefreshGates(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)

	// Consolidate computes the reporting rollups of a reconciled closure. A
	// first closure has nothing to compare against and is finalized at once.
	Consolidate(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)
	GetConsolidatedSummary(ctx context.Context, closureID uuid.UUID) (*models.ConsolidatedSummary, error)

	Finalize(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)
	Cancel(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)

	// MarkError moves a non-terminal closure to error. Terminal closures are
	// left untouched.
	MarkError(ctx context.Context, closureID uuid.UUID, message string) error
}

type closureService struct {
	closures       repositories.ClosureRepository
	classification repositories.ClassificationRepository
	mappings       repositories.MappingRepository
	payroll        repositories.PayrollRepository
	consolidation  repositories.ConsolidationRepository
	clientConfigs  repositories.ClientConfigRepository
	audit          AuditService
	logger         *zap.Logger
	now            func() time.Time
}

// ClosureServiceDeps bundles the repositories the closure service reads.
type ClosureServiceDeps struct {
	Closures       repositories.ClosureRepository
	Classification repositories.ClassificationRepository
	Mappings       repositories.MappingRepository
	Payroll        repositories.PayrollRepository
	Consolidation  repositories.ConsolidationRepository
	ClientConfigs  repositories.ClientConfigRepository
	Audit          AuditService
}

// NewClosureService creates a new closure service.
func NewClosureService(deps ClosureServiceDeps, logger *zap.Logger) ClosureService {
	return &closureService{
		closures:       deps.Closures,
		classification: deps.Classification,
		mappings:       deps.Mappings,
		payroll:        deps.Payroll,
		consolidation:  deps.Consolidation,
		clientConfigs:  deps.ClientConfigs,
		audit:          deps.Audit,
		logger:         logger.Named("closure-service"),
		now:            time.Now,
	}
}

var _ ClosureService = (*closureService)(nil)

func (s *closureService) Create(ctx context.Context, clientID uuid.UUID, period models.Period) (*models.Closure, error) {
	if _, err := models.ParsePeriod(string(period)); err != nil {
		return nil, apperrors.Validation(err, "invalid period")
	}

	prev, err := s.closures.GetPreviousFinalized(ctx, clientID, period)
	if err != nil {
		return nil, fmt.Errorf("look up previous closure: %w", err)
	}

	c := &models.Closure{
		ClientID:       clientID,
		Period:         period,
		State:          models.ClosureStateUploading,
		IsFirstClosure: prev == nil,
	}
	if err := s.closures.Create(ctx, c); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, apperrors.State(err, "a closure for %s already exists", period)
		}
		return nil, fmt.Errorf("create closure: %w", err)
	}

	s.logger.Info("Closure created",
		zap.String("client_id", clientID.String()),
		zap.String("closure_id", c.ID.String()),
		zap.String("period", period.String()),
		zap.Bool("first_closure", c.IsFirstClosure))

	if err := s.audit.LogCreate(ctx, clientID, models.AuditEntityClosure, c.ID); err != nil {
		s.logger.Warn("Failed to audit closure creation", zap.Error(err))
	}
	return c, nil
}

func (s *closureService) Get(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	return s.closures.GetByID(ctx, closureID)
}

func (s *closureService) GetSummary(ctx context.Context, closureID uuid.UUID) (*models.ClosureSummary, error) {
	c, err := s.closures.GetByID(ctx, closureID)
	if err != nil {
		return nil, err
	}
	return models.NewClosureSummary(c), nil
}

func (s *closureService) List(ctx context.Context, clientID uuid.UUID) ([]*models.Closure, error) {
	return s.closures.ListByClient(ctx, clientID)
}

func (s *closureService) Transition(ctx context.Context, c *models.Closure, target models.ClosureState, mutate func(*models.Closure)) error {
	from := c.State
	if from != target && !from.CanTransitionTo(target) {
		return apperrors.State(apperrors.ErrInvalidTransition,
			"closure cannot move from %s to %s", from, target)
	}
	if from == target && from.IsTerminal() {
		return apperrors.State(apperrors.ErrInvalidTransition, "closure is %s", from)
	}

	next := *c
	if mutate != nil {
		mutate(&next)
	}
	next.State = target

	if err := s.closures.Update(ctx, &next, from); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return apperrors.State(err, "closure changed state concurrently")
		}
		return fmt.Errorf("update closure: %w", err)
	}
	*c = next

	if from != target {
		s.logger.Info("Closure state changed",
			zap.String("closure_id", c.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)))
		if err := s.audit.LogTransition(ctx, c.ClientID, models.AuditEntityClosure, c.ID, string(from), string(target)); err != nil {
			s.logger.Warn("Failed to audit closure transition", zap.Error(err))
		}
	}
	return nil
}

func (s *closureService) Recount(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	c, err := s.closures.RecountRollups(ctx, closureID)
	if err != nil {
		return nil, fmt.Errorf("recount closure rollups: %w", err)
	}
	return c, nil
}

func (s *closureService) RefreshGates(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	c, err := s.closures.GetByID(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if c.State.IsTerminal() {
		return c, nil
	}

	cfg, err := s.clientConfigs.Get(ctx, c.ClientID)
	if err != nil {
		return nil, apperrors.Configuration(err, "client has no ERP configuration")
	}
	pendingClassification, err := s.classification.CountPending(ctx, c.ClientID, cfg.ERP)
	if err != nil {
		return nil, fmt.Errorf("count pending classifications: %w", err)
	}
	pendingMappings, err := s.mappings.CountPending(ctx, c.ClientID, cfg.ERP)
	if err != nil {
		return nil, fmt.Errorf("count pending mappings: %w", err)
	}

	needsClassification := pendingClassification > 0
	needsMapping := pendingMappings > 0

	target := c.State
	switch c.State {
	case models.ClosureStateUploading, models.ClosureStateClassifyingConcepts, models.ClosureStateMappingItems:
		switch {
		case needsClassification:
			target = models.ClosureStateClassifyingConcepts
		case needsMapping:
			target = models.ClosureStateMappingItems
		default:
			target = models.ClosureStateUploading
		}
	}

	if target == c.State && c.NeedsClassification == needsClassification && c.NeedsMapping == needsMapping {
		return c, nil
	}

	err = s.Transition(ctx, c, target, func(next *models.Closure) {
		next.NeedsClassification = needsClassification
		next.NeedsMapping = needsMapping
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *closureService) Consolidate(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	c, err := s.Recount(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if c.State != models.ClosureStateReconciling && c.State != models.ClosureStateHasDiscrepancies {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure in state %s cannot be consolidated", c.State)
	}
	if !c.Reconciled {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure has not finished reconciliation")
	}
	if n := c.UnresolvedDiscrepancies(); n > 0 {
		return nil, apperrors.State(apperrors.ErrUnresolvedDiscrepancies, "%d discrepancies are unresolved", n)
	}

	entries, err := s.payroll.ListLedgerEntries(ctx, closureID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	summary := BuildConsolidatedSummary(closureID, entries)
	if err := s.consolidation.Replace(ctx, summary); err != nil {
		return nil, fmt.Errorf("store consolidation: %w", err)
	}

	prev, err := s.closures.GetPreviousFinalized(ctx, c.ClientID, c.Period)
	if err != nil {
		return nil, fmt.Errorf("look up previous closure: %w", err)
	}
	first := prev == nil
	now := s.now()

	err = s.Transition(ctx, c, models.ClosureStateConsolidated, func(next *models.Closure) {
		next.IsFirstClosure = first
		next.ConsolidatedAt = &now
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Closure consolidated",
		zap.String("closure_id", closureID.String()),
		zap.Int("concepts", len(summary.Concepts)),
		zap.Int("categories", len(summary.Categories)))

	if first {
		err = s.Transition(ctx, c, models.ClosureStateFinalized, func(next *models.Closure) {
			next.FinalizedAt = &now
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *closureService) GetConsolidatedSummary(ctx context.Context, closureID uuid.UUID) (*models.ConsolidatedSummary, error) {
	c, err := s.closures.GetByID(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if c.ConsolidatedAt == nil {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure has not been consolidated")
	}
	return s.consolidation.Get(ctx, closureID)
}

func (s *closureService) Finalize(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	c, err := s.Recount(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if !c.CanFinalize() {
		if n := c.UnresolvedIncidencias(); n > 0 &&
			(c.State == models.ClosureStateDetectingAnomalies || c.State == models.ClosureStateInAnomalyReview) {
			return nil, apperrors.State(apperrors.ErrUnresolvedIncidencias, "%d incidencias are unresolved", n)
		}
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure in state %s cannot be finalized", c.State)
	}

	now := s.now()
	err = s.Transition(ctx, c, models.ClosureStateFinalized, func(next *models.Closure) {
		next.FinalizedAt = &now
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *closureService) Cancel(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	c, err := s.closures.GetByID(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if err := s.Transition(ctx, c, models.ClosureStateCancelled, nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *closureService) MarkError(ctx context.Context, closureID uuid.UUID, message string) error {
	c, err := s.closures.GetByID(ctx, closureID)
	if err != nil {
		return err
	}
	if c.State.IsTerminal() {
		return nil
	}
	return s.Transition(ctx, c, models.ClosureStateError, func(next *models.Closure) {
		next.ErrorMessage = message
	})
}
