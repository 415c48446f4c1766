package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// AuditService keeps the trail of who changed a closure or its review data.
// Source and user come from the provenance in ctx. A failed Log* call is
// logged by the caller as a warning since the change is already committed.
type AuditService interface {
	LogCreate(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID) error

	LogUpdate(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID, changes map[string]models.FieldChange) error

	LogDelete(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID) error

	// LogTransition records a state change as a "state" field change.
	LogTransition(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID, from, to string) error

	// History returns a client's audit entries, newest first.
	History(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

type auditService struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditService creates a new AuditService.
func NewAuditService(repo repositories.AuditRepository, logger *zap.Logger) AuditService {
	return &auditService{
		repo:   repo,
		logger: logger.Named("audit-service"),
	}
}

var _ AuditService = (*auditService)(nil)

func (s *auditService) LogCreate(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID) error {
	return s.record(ctx, clientID, entityType, entityID, models.AuditActionCreate, nil)
}

func (s *auditService) LogUpdate(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID, changes map[string]models.FieldChange) error {
	return s.record(ctx, clientID, entityType, entityID, models.AuditActionUpdate, changes)
}

func (s *auditService) LogDelete(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID) error {
	return s.record(ctx, clientID, entityType, entityID, models.AuditActionDelete, nil)
}

func (s *auditService) LogTransition(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID, from, to string) error {
	return s.record(ctx, clientID, entityType, entityID, models.AuditActionTransition,
		map[string]models.FieldChange{"state": {Old: from, New: to}})
}

func (s *auditService) record(ctx context.Context, clientID uuid.UUID, entityType string, entityID uuid.UUID, action string, changes map[string]models.FieldChange) error {
	prov, ok := models.GetProvenance(ctx)
	if !ok {
		s.logger.Warn("Skipping audit entry without provenance",
			zap.String("entity_type", entityType),
			zap.Stringer("entity_id", entityID),
			zap.String("action", action))
		return nil
	}

	entry := &models.AuditLogEntry{
		ClientID:      clientID,
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		Source:        prov.Source.String(),
		ChangedFields: changes,
	}
	if prov.HasUser() {
		userID := prov.UserID
		entry.UserID = &userID
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("record %s of %s %s: %w", action, entityType, entityID, err)
	}
	return nil
}

func (s *auditService) History(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	entries, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("read audit history: %w", err)
	}
	if entries == nil {
		entries = []*models.AuditLogEntry{}
	}
	return entries, nil
}
