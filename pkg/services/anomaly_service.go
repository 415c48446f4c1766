package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// AnomalyService flags concepts whose totals moved sharply against the
// previous finalized closure and tracks their review.
type AnomalyService interface {
	// Validate checks that anomalies can be detected for the closure now and
	// returns the closure with the previous finalized closure it compares to.
	Validate(ctx context.Context, closureID uuid.UUID) (current, previous *models.Closure, err error)

	// Detect regenerates the closure's incidencias. Earlier reviews are discarded.
	Detect(ctx context.Context, closureID uuid.UUID) (*AnomalyResult, error)

	ListIncidencias(ctx context.Context, closureID uuid.UUID, filter models.IncidenciaFilter) (*models.PagedResult[*models.Incidencia], error)
	StartReview(ctx context.Context, closureID, incidenciaID uuid.UUID) (*models.Incidencia, error)
	ResolveIncidencia(ctx context.Context, closureID, incidenciaID uuid.UUID, decision models.IncidenciaDecision, justification string) (*models.Incidencia, error)
}

// AnomalyResult summarizes one detection run.
type AnomalyResult struct {
	Closure           *models.Closure `json:"closure"`
	PreviousClosureID uuid.UUID       `json:"previous_closure_id"`
	Incidencias       int             `json:"incidencias"`
}

// AnomalyServiceDeps bundles the collaborators of the anomaly service.
type AnomalyServiceDeps struct {
	Closures      ClosureService
	ClosureRepo   repositories.ClosureRepository
	Consolidation repositories.ConsolidationRepository
	Incidencias   repositories.IncidenciaRepository
	ClientConfigs repositories.ClientConfigRepository
	Audit         AuditService
	Progress      *ProgressReporter
}

type anomalyService struct {
	closures      ClosureService
	closureRepo   repositories.ClosureRepository
	consolidation repositories.ConsolidationRepository
	incidencias   repositories.IncidenciaRepository
	clientConfigs repositories.ClientConfigRepository
	audit         AuditService
	progress      *ProgressReporter
	logger        *zap.Logger
}

// NewAnomalyService creates a new anomaly service.
func NewAnomalyService(deps AnomalyServiceDeps, logger *zap.Logger) AnomalyService {
	return &anomalyService{
		closures:      deps.Closures,
		closureRepo:   deps.ClosureRepo,
		consolidation: deps.Consolidation,
		incidencias:   deps.Incidencias,
		clientConfigs: deps.ClientConfigs,
		audit:         deps.Audit,
		progress:      deps.Progress,
		logger:        logger.Named("anomaly"),
	}
}

var _ AnomalyService = (*anomalyService)(nil)

func (s *anomalyService) Validate(ctx context.Context, closureID uuid.UUID) (*models.Closure, *models.Closure, error) {
	c, err := s.closures.Get(ctx, closureID)
	if err != nil {
		return nil, nil, err
	}
	switch c.State {
	case models.ClosureStateConsolidated, models.ClosureStateDetectingAnomalies, models.ClosureStateInAnomalyReview:
	default:
		return nil, nil, apperrors.State(apperrors.ErrInvalidTransition, "anomalies cannot be detected for a closure in state %s", c.State)
	}
	if c.IsFirstClosure {
		return nil, nil, apperrors.State(apperrors.ErrInvalidTransition, "first closure has no previous period to compare against")
	}
	prev, err := s.closureRepo.GetPreviousFinalized(ctx, c.ClientID, c.Period)
	if err != nil {
		return nil, nil, apperrors.Processing(err, "looking up the previous closure failed")
	}
	if prev == nil {
		return nil, nil, apperrors.State(apperrors.ErrInvalidTransition, "no finalized closure precedes %s", c.Period)
	}
	return c, prev, nil
}

func (s *anomalyService) Detect(ctx context.Context, closureID uuid.UUID) (*AnomalyResult, error) {
	c, prev, err := s.Validate(ctx, closureID)
	if err != nil {
		return nil, err
	}
	key := ClosureProgressKey(closureID)

	if err := s.closures.Transition(ctx, c, models.ClosureStateDetectingAnomalies, nil); err != nil {
		return nil, err
	}
	s.progress.Report(ctx, key, models.Progress{Stage: models.StageAnomalies, Message: "comparing with " + string(prev.Period)})

	cfg, err := s.clientConfigs.Get(ctx, c.ClientID)
	if err != nil {
		return nil, apperrors.Configuration(err, "client has no ERP configuration")
	}
	current, err := s.consolidation.ListConcepts(ctx, closureID)
	if err != nil {
		return nil, apperrors.Processing(err, "loading consolidated totals failed")
	}
	previous, err := s.consolidation.ListConcepts(ctx, prev.ID)
	if err != nil {
		return nil, apperrors.Processing(err, "loading previous totals failed")
	}

	found := DetectIncidencias(current, previous, cfg.AnomalyExclusions())
	if err := s.incidencias.Replace(ctx, closureID, found); err != nil {
		return nil, apperrors.Processing(err, "storing incidencias failed")
	}

	c, err = s.closures.Recount(ctx, closureID)
	if err != nil {
		return nil, err
	}
	target := models.ClosureStateDetectingAnomalies
	if c.UnresolvedIncidencias() > 0 {
		target = models.ClosureStateInAnomalyReview
	}
	if err := s.closures.Transition(ctx, c, target, nil); err != nil {
		return nil, err
	}

	s.progress.Report(ctx, key, models.Progress{Stage: models.StageDone, Percent: 100, ProcessedCount: len(found)})
	s.logger.Info("Anomalies detected",
		zap.String("closure_id", closureID.String()),
		zap.String("previous_period", string(prev.Period)),
		zap.Int("incidencias", len(found)),
		zap.String("state", string(c.State)))

	return &AnomalyResult{Closure: c, PreviousClosureID: prev.ID, Incidencias: len(found)}, nil
}

func (s *anomalyService) ListIncidencias(ctx context.Context, closureID uuid.UUID, filter models.IncidenciaFilter) (*models.PagedResult[*models.Incidencia], error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, apperrors.Validation(nil, "unknown incidencia status %q", filter.Status)
	}
	filter.Page = filter.Page.Normalize()
	return s.incidencias.List(ctx, closureID, filter)
}

func (s *anomalyService) StartReview(ctx context.Context, closureID, incidenciaID uuid.UUID) (*models.Incidencia, error) {
	c, inc, err := s.loadForReview(ctx, closureID, incidenciaID)
	if err != nil {
		return nil, err
	}
	if inc.Status != models.IncidenciaPending {
		return nil, apperrors.State(apperrors.ErrConflict, "incidencia is %s, not pending", inc.Status)
	}

	inc.Status = models.IncidenciaInReview
	inc.ReviewerID = actorID(ctx)
	if err := s.update(ctx, inc, models.IncidenciaPending); err != nil {
		return nil, err
	}

	changes := map[string]models.FieldChange{"status": {Old: models.IncidenciaPending, New: inc.Status}}
	if err := s.audit.LogUpdate(ctx, c.ClientID, models.AuditEntityIncidencia, inc.ID, changes); err != nil {
		s.logger.Warn("Failed to audit incidencia review", zap.Error(err))
	}
	return inc, nil
}

func (s *anomalyService) ResolveIncidencia(ctx context.Context, closureID, incidenciaID uuid.UUID, decision models.IncidenciaDecision, justification string) (*models.Incidencia, error) {
	status, ok := decision.Status()
	if !ok {
		return nil, apperrors.Validation(nil, "decision must be approve or reject, got %q", decision)
	}
	justification = strings.TrimSpace(justification)
	if status == models.IncidenciaRejected && justification == "" {
		return nil, apperrors.Validation(apperrors.ErrJustificationRequired, "rejecting an incidencia requires a justification")
	}

	c, inc, err := s.loadForReview(ctx, closureID, incidenciaID)
	if err != nil {
		return nil, err
	}
	if inc.Status.IsResolved() {
		return nil, apperrors.State(apperrors.ErrConflict, "incidencia is already %s", inc.Status)
	}

	old := inc.Status
	now := time.Now()
	inc.Status = status
	inc.ResolverID = actorID(ctx)
	inc.Justification = justification
	inc.ResolvedAt = &now
	if err := s.update(ctx, inc, old); err != nil {
		return nil, err
	}
	if _, err := s.closures.Recount(ctx, closureID); err != nil {
		return nil, err
	}

	s.logger.Info("Incidencia resolved",
		zap.String("closure_id", closureID.String()),
		zap.String("incidencia_id", inc.ID.String()),
		zap.String("status", string(status)))

	changes := map[string]models.FieldChange{"status": {Old: old, New: status}}
	if justification != "" {
		changes["justification"] = models.FieldChange{Old: nil, New: justification}
	}
	if err := s.audit.LogUpdate(ctx, c.ClientID, models.AuditEntityIncidencia, inc.ID, changes); err != nil {
		s.logger.Warn("Failed to audit incidencia resolution", zap.Error(err))
	}
	return inc, nil
}

func (s *anomalyService) loadForReview(ctx context.Context, closureID, incidenciaID uuid.UUID) (*models.Closure, *models.Incidencia, error) {
	c, err := s.closures.Get(ctx, closureID)
	if err != nil {
		return nil, nil, err
	}
	if c.State != models.ClosureStateInAnomalyReview {
		return nil, nil, apperrors.State(apperrors.ErrInvalidTransition, "incidencias of a closure in state %s cannot be reviewed", c.State)
	}
	inc, err := s.incidencias.GetByID(ctx, closureID, incidenciaID)
	if err != nil {
		return nil, nil, err
	}
	return c, inc, nil
}

func (s *anomalyService) update(ctx context.Context, inc *models.Incidencia, expected models.IncidenciaStatus) error {
	err := s.incidencias.Update(ctx, inc, expected)
	if errors.Is(err, apperrors.ErrConflict) {
		return apperrors.State(err, "incidencia changed concurrently")
	}
	return err
}

// ============================================================================
// Detection
// ============================================================================

var hundred = decimal.NewFromInt(100)

// DetectIncidencias compares concept totals of two closures by header and
// occurrence. A concept new to the current closure varies by 100%; one that is
// zero in both closures is skipped. Only variations strictly above the
// threshold, in either direction, are reported.
func DetectIncidencias(current, previous []*models.ConsolidatedConcept, excluded map[models.Category]bool) []*models.Incidencia {
	type pair struct {
		header     string
		occurrence int
		category   models.Category
		excluded   bool
		cur, prev  decimal.Decimal
	}
	pairs := make(map[models.ConceptKey]*pair)
	collect := func(list []*models.ConsolidatedConcept, isCurrent bool) {
		for _, cc := range list {
			k := cc.Key()
			p, ok := pairs[k]
			if !ok {
				p = &pair{header: cc.Header, occurrence: cc.Occurrence, category: cc.Category}
				pairs[k] = p
			}
			if excluded[cc.Category] {
				p.excluded = true
			}
			if isCurrent {
				p.category = cc.Category
				p.cur = p.cur.Add(cc.Total)
			} else {
				p.prev = p.prev.Add(cc.Total)
			}
		}
	}
	collect(current, true)
	collect(previous, false)

	out := make([]*models.Incidencia, 0)
	for _, p := range pairs {
		if p.excluded || (p.cur.IsZero() && p.prev.IsZero()) {
			continue
		}
		diff := p.cur.Sub(p.prev)
		pct := hundred
		if !p.prev.IsZero() {
			pct = diff.Div(p.prev.Abs()).Mul(hundred)
		}
		if !pct.Abs().GreaterThan(models.AnomalyThresholdPercent) {
			continue
		}
		out = append(out, &models.Incidencia{
			Header:           p.header,
			Occurrence:       p.occurrence,
			Category:         p.category,
			PreviousAmount:   p.prev,
			CurrentAmount:    p.cur,
			AbsoluteVariance: diff.Abs(),
			PercentVariance:  pct.Round(models.PercentVariancePlaces),
			Status:           models.IncidenciaPending,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Header != out[j].Header {
			return out[i].Header < out[j].Header
		}
		return out[i].Occurrence < out[j].Occurrence
	})
	return out
}
