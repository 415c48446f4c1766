package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// MappingService links client novelty headers to ledger concepts.
type MappingService interface {
	PendingMappings(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptMapping, error)
	ListMappings(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptMapping, error)

	// MapNoveltyHeader points a novelty header at a monetary ledger concept, or
	// marks it intentionally unmapped. A concept is the target of at most one
	// novelty header.
	MapNoveltyHeader(ctx context.Context, clientID uuid.UUID, a models.MappingAssignment) (*models.ConceptMapping, error)
}

type mappingService struct {
	mappings       repositories.MappingRepository
	classification repositories.ClassificationRepository
	clientConfigs  repositories.ClientConfigRepository
	audit          AuditService
	logger         *zap.Logger
}

// NewMappingService creates a new mapping service.
func NewMappingService(
	mappings repositories.MappingRepository,
	classification repositories.ClassificationRepository,
	clientConfigs repositories.ClientConfigRepository,
	audit AuditService,
	logger *zap.Logger,
) MappingService {
	return &mappingService{
		mappings:       mappings,
		classification: classification,
		clientConfigs:  clientConfigs,
		audit:          audit,
		logger:         logger.Named("mapping"),
	}
}

var _ MappingService = (*mappingService)(nil)

func (s *mappingService) PendingMappings(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptMapping, error) {
	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return nil, err
	}
	return s.mappings.ListPending(ctx, clientID, erpName)
}

func (s *mappingService) ListMappings(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptMapping, error) {
	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return nil, err
	}
	return s.mappings.ListByClientERP(ctx, clientID, erpName)
}

func (s *mappingService) MapNoveltyHeader(ctx context.Context, clientID uuid.UUID, a models.MappingAssignment) (*models.ConceptMapping, error) {
	if strings.TrimSpace(a.NoveltyHeader) == "" {
		return nil, apperrors.Validation(nil, "novelty header is required")
	}
	if (a.ClassificationID == nil) == !a.NoMapping {
		return nil, apperrors.Validation(nil, "set exactly one of classification_id or no_mapping")
	}

	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return nil, err
	}
	m, err := s.mappings.GetByHeader(ctx, clientID, erpName, a.NoveltyHeader)
	if err != nil {
		return nil, err
	}

	if a.ClassificationID != nil {
		target, err := s.classification.GetByID(ctx, *a.ClassificationID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Validation(err, "concept %s does not exist", *a.ClassificationID)
		}
		if err != nil {
			return nil, err
		}
		if target.ClientID != clientID || target.ERP != erpName {
			return nil, apperrors.Validation(nil, "concept %s does not belong to the client's %s ledger", target.ID, erpName)
		}
		if target.Category == nil || !target.Category.IsMonetary() {
			return nil, apperrors.Validation(nil, "concept %q is not a monetary concept", target.Header)
		}
	}

	old := mappingTarget(m)
	now := time.Now()
	m.ClassificationID = a.ClassificationID
	m.NoMapping = a.NoMapping
	m.MappedBy = actorID(ctx)
	m.MappedAt = &now

	if err := s.mappings.Assign(ctx, m); err != nil {
		if errors.Is(err, apperrors.ErrMappingTargetTaken) {
			return nil, apperrors.Validation(err, "concept is already mapped from another novelty header")
		}
		return nil, err
	}

	s.logger.Info("Novelty header mapped",
		zap.String("client_id", clientID.String()),
		zap.String("header", m.NoveltyHeader),
		zap.Bool("no_mapping", m.NoMapping))

	changes := map[string]models.FieldChange{"target": {Old: old, New: mappingTarget(m)}}
	if err := s.audit.LogUpdate(ctx, clientID, models.AuditEntityMapping, m.ID, changes); err != nil {
		s.logger.Warn("Failed to audit mapping", zap.Error(err))
	}
	return m, nil
}

// mappingTarget renders a mapping's target for the audit trail.
func mappingTarget(m *models.ConceptMapping) any {
	switch {
	case m.NoMapping:
		return "no_mapping"
	case m.ClassificationID != nil:
		return m.ClassificationID.String()
	default:
		return nil
	}
}
