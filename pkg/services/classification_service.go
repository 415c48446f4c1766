package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// ClassificationService manages the category of every ledger column seen for
// a client's active ERP.
type ClassificationService interface {
	PendingHeaders(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptClassification, error)
	ListClassifications(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptClassification, error)

	// Suggest proposes a category for each pending header from the categories
	// already chosen for the same header text. Headers never seen classified
	// get no suggestion.
	Suggest(ctx context.Context, clientID uuid.UUID) ([]models.CategorySuggestion, error)

	// ClassifyBulk applies every assignment or none.
	ClassifyBulk(ctx context.Context, clientID uuid.UUID, assignments []models.ClassificationAssignment) error

	// AcceptSuggestions classifies every pending header that has a suggestion
	// and returns how many were classified.
	AcceptSuggestions(ctx context.Context, clientID uuid.UUID) (int, error)
}

type classificationService struct {
	repo          repositories.ClassificationRepository
	clientConfigs repositories.ClientConfigRepository
	audit         AuditService
	logger        *zap.Logger
}

// NewClassificationService creates a new classification service.
func NewClassificationService(
	repo repositories.ClassificationRepository,
	clientConfigs repositories.ClientConfigRepository,
	audit AuditService,
	logger *zap.Logger,
) ClassificationService {
	return &classificationService{
		repo:          repo,
		clientConfigs: clientConfigs,
		audit:         audit,
		logger:        logger.Named("classification"),
	}
}

var _ ClassificationService = (*classificationService)(nil)

// clientERP returns the active ERP of a client.
func clientERP(ctx context.Context, configs repositories.ClientConfigRepository, clientID uuid.UUID) (string, error) {
	cfg, err := configs.Get(ctx, clientID)
	if err != nil {
		return "", apperrors.Configuration(err, "client has no ERP configuration")
	}
	return cfg.ERP, nil
}

func (s *classificationService) PendingHeaders(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptClassification, error) {
	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPending(ctx, clientID, erpName)
}

func (s *classificationService) ListClassifications(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptClassification, error) {
	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByClientERP(ctx, clientID, erpName)
}

func (s *classificationService) Suggest(ctx context.Context, clientID uuid.UUID) ([]models.CategorySuggestion, error) {
	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.ListByClientERP(ctx, clientID, erpName)
	if err != nil {
		return nil, err
	}
	return SuggestCategories(all), nil
}

// SuggestCategories picks, for every unclassified record, the category most
// often chosen for classified records with the same folded header text.
// Ties go to the category listed first in models.ValidCategories.
func SuggestCategories(records []*models.ConceptClassification) []models.CategorySuggestion {
	votes := make(map[string]map[models.Category]int)
	for _, r := range records {
		if !r.IsClassified() {
			continue
		}
		key := erp.FoldHeader(r.Header)
		if votes[key] == nil {
			votes[key] = make(map[models.Category]int)
		}
		votes[key][*r.Category]++
	}

	suggestions := make([]models.CategorySuggestion, 0)
	for _, r := range records {
		if r.IsClassified() {
			continue
		}
		counts := votes[erp.FoldHeader(r.Header)]
		if len(counts) == 0 {
			continue
		}
		var best models.Category
		bestVotes, total := 0, 0
		for _, cat := range models.ValidCategories {
			n := counts[cat]
			total += n
			if n > bestVotes {
				best, bestVotes = cat, n
			}
		}
		suggestions = append(suggestions, models.CategorySuggestion{
			ClassificationID: r.ID,
			Header:           r.Header,
			Occurrence:       r.Occurrence,
			Category:         best,
			Frequency:        bestVotes,
			Total:            total,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Header != suggestions[j].Header {
			return suggestions[i].Header < suggestions[j].Header
		}
		return suggestions[i].Occurrence < suggestions[j].Occurrence
	})
	return suggestions
}

func (s *classificationService) ClassifyBulk(ctx context.Context, clientID uuid.UUID, assignments []models.ClassificationAssignment) error {
	if len(assignments) == 0 {
		return apperrors.Validation(nil, "no classifications given")
	}
	seen := make(map[uuid.UUID]bool, len(assignments))
	for _, a := range assignments {
		if !a.Category.IsValid() {
			return apperrors.Validation(nil, "unknown category %q", a.Category)
		}
		if seen[a.ClassificationID] {
			return apperrors.Validation(nil, "classification %s given more than once", a.ClassificationID)
		}
		seen[a.ClassificationID] = true
	}

	erpName, err := clientERP(ctx, s.clientConfigs, clientID)
	if err != nil {
		return err
	}
	existing, err := s.repo.ListByClientERP(ctx, clientID, erpName)
	if err != nil {
		return err
	}
	before := make(map[uuid.UUID]*models.Category, len(existing))
	for _, r := range existing {
		before[r.ID] = r.Category
	}

	if err := s.repo.SetCategories(ctx, clientID, erpName, assignments, actorID(ctx)); err != nil {
		return fmt.Errorf("classify headers: %w", err)
	}

	s.logger.Info("Headers classified",
		zap.String("client_id", clientID.String()),
		zap.String("erp", erpName),
		zap.Int("count", len(assignments)))

	for _, a := range assignments {
		var old any
		if prev := before[a.ClassificationID]; prev != nil {
			old = string(*prev)
		}
		changes := map[string]models.FieldChange{"category": {Old: old, New: string(a.Category)}}
		if err := s.audit.LogUpdate(ctx, clientID, models.AuditEntityClassification, a.ClassificationID, changes); err != nil {
			s.logger.Warn("Failed to audit classification", zap.Error(err))
		}
	}
	return nil
}

func (s *classificationService) AcceptSuggestions(ctx context.Context, clientID uuid.UUID) (int, error) {
	suggestions, err := s.Suggest(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if len(suggestions) == 0 {
		return 0, nil
	}
	assignments := make([]models.ClassificationAssignment, len(suggestions))
	for i, sg := range suggestions {
		assignments[i] = models.ClassificationAssignment{ClassificationID: sg.ClassificationID, Category: sg.Category}
	}
	if err := s.ClassifyBulk(ctx, clientID, assignments); err != nil {
		return 0, err
	}
	return len(assignments), nil
}
