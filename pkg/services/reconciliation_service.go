package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// ReconciliationService compares the ledger against client novelties and ERP
// movements against client movements.
type ReconciliationService interface {
	// Validate checks that the closure can be reconciled now.
	Validate(ctx context.Context, closureID uuid.UUID) (*models.Closure, error)

	// Reconcile regenerates both discrepancy sets of the closure. Earlier
	// discrepancies, resolved or not, are replaced.
	Reconcile(ctx context.Context, closureID uuid.UUID) (*ReconciliationResult, error)

	ListDiscrepancies(ctx context.Context, closureID uuid.UUID, filter models.DiscrepancyFilter) (*models.PagedResult[*models.Discrepancy], error)
	ResolveDiscrepancy(ctx context.Context, closureID, discrepancyID uuid.UUID, note string) (*models.Discrepancy, error)
}

// ReconciliationResult summarizes one reconciliation run.
type ReconciliationResult struct {
	Closure               *models.Closure `json:"closure"`
	LedgerDiscrepancies   int             `json:"ledger_discrepancies"`
	MovementDiscrepancies int             `json:"movement_discrepancies"`
	MovementsCompared     bool            `json:"movements_compared"`
}

// ReconciliationServiceDeps bundles the collaborators of the reconciliation service.
type ReconciliationServiceDeps struct {
	Closures       ClosureService
	Files          repositories.SourceFileRepository
	Classification repositories.ClassificationRepository
	Mappings       repositories.MappingRepository
	Payroll        repositories.PayrollRepository
	Discrepancies  repositories.DiscrepancyRepository
	ClientConfigs  repositories.ClientConfigRepository
	Audit          AuditService
	Progress       *ProgressReporter
}

type reconciliationService struct {
	closures       ClosureService
	files          repositories.SourceFileRepository
	classification repositories.ClassificationRepository
	mappings       repositories.MappingRepository
	payroll        repositories.PayrollRepository
	discrepancies  repositories.DiscrepancyRepository
	clientConfigs  repositories.ClientConfigRepository
	audit          AuditService
	progress       *ProgressReporter
	batchSize      int
	logger         *zap.Logger
}

// NewReconciliationService creates a new reconciliation service.
func NewReconciliationService(deps ReconciliationServiceDeps, batchSize int, logger *zap.Logger) ReconciliationService {
	if batchSize <= 0 {
		batchSize = 2000
	}
	return &reconciliationService{
		closures:       deps.Closures,
		files:          deps.Files,
		classification: deps.Classification,
		mappings:       deps.Mappings,
		payroll:        deps.Payroll,
		discrepancies:  deps.Discrepancies,
		clientConfigs:  deps.ClientConfigs,
		audit:          deps.Audit,
		progress:       deps.Progress,
		batchSize:      batchSize,
		logger:         logger.Named("reconciliation"),
	}
}

var _ ReconciliationService = (*reconciliationService)(nil)

func (s *reconciliationService) Validate(ctx context.Context, closureID uuid.UUID) (*models.Closure, error) {
	c, err := s.closures.Get(ctx, closureID)
	if err != nil {
		return nil, err
	}
	switch c.State {
	case models.ClosureStateUploading, models.ClosureStateMappingItems,
		models.ClosureStateReconciling, models.ClosureStateHasDiscrepancies:
	case models.ClosureStateClassifyingConcepts:
		return nil, apperrors.State(apperrors.ErrHeadersNotClassified, "classify every ledger header before reconciling")
	default:
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure in state %s cannot be reconciled", c.State)
	}

	erpName, err := clientERP(ctx, s.clientConfigs, c.ClientID)
	if err != nil {
		return nil, err
	}
	pending, err := s.classification.CountPending(ctx, c.ClientID, erpName)
	if err != nil {
		return nil, fmt.Errorf("count pending classifications: %w", err)
	}
	if pending > 0 {
		return nil, apperrors.State(apperrors.ErrHeadersNotClassified, "%d ledger headers are pending classification", pending)
	}

	files, err := s.files.ListCurrent(ctx, closureID)
	if err != nil {
		return nil, err
	}
	hasLedger := false
	for _, f := range files {
		if f.Status != models.FileStatusProcessed {
			return nil, apperrors.State(apperrors.ErrInvalidTransition, "%s file %q is %s", f.Kind, f.OriginalName, f.Status)
		}
		if f.Kind == models.FileKindLedger {
			hasLedger = true
		}
	}
	if !hasLedger {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "a processed ledger is required before reconciling")
	}
	return c, nil
}

func (s *reconciliationService) Reconcile(ctx context.Context, closureID uuid.UUID) (*ReconciliationResult, error) {
	c, err := s.Validate(ctx, closureID)
	if err != nil {
		return nil, err
	}
	key := ClosureProgressKey(closureID)
	logger := s.logger.With(zap.String("closure_id", closureID.String()))

	err = s.closures.Transition(ctx, c, models.ClosureStateReconciling, func(next *models.Closure) {
		next.Reconciled = false
	})
	if err != nil {
		return nil, err
	}
	s.progress.Report(ctx, key, models.Progress{Stage: models.StageReconciliation, Message: "loading ledger and novelties"})

	cfg, err := s.clientConfigs.Get(ctx, c.ClientID)
	if err != nil {
		return nil, apperrors.Configuration(err, "client has no ERP configuration")
	}
	ledger, err := s.payroll.ListLedgerEntries(ctx, closureID)
	if err != nil {
		return nil, apperrors.Processing(err, "loading ledger failed")
	}
	novelties, err := s.payroll.ListNoveltyItems(ctx, closureID)
	if err != nil {
		return nil, apperrors.Processing(err, "loading novelties failed")
	}
	mappings, err := s.mappings.ListByClientERP(ctx, c.ClientID, cfg.ERP)
	if err != nil {
		return nil, apperrors.Processing(err, "loading mappings failed")
	}
	concepts, err := s.classification.ListByClientERP(ctx, c.ClientID, cfg.ERP)
	if err != nil {
		return nil, apperrors.Processing(err, "loading concepts failed")
	}

	ledgerSet := CompareLedgerNovelties(LedgerComparison{
		Ledger:      ledger,
		Novelties:   novelties,
		Mappings:    mappings,
		Concepts:    concepts,
		NotCompared: cfg.NotCompared(),
	})
	if err := s.discrepancies.ReplaceForOrigin(ctx, closureID, models.OriginLedgerVsNovelties, ledgerSet, s.batchSize); err != nil {
		return nil, apperrors.Processing(err, "storing ledger discrepancies failed")
	}
	s.progress.Report(ctx, key, models.Progress{
		Stage: models.StageReconciliation, Percent: 50, ProcessedCount: len(ledgerSet), Message: "comparing movements",
	})

	erpMovements, err := s.payroll.ListMovements(ctx, closureID, models.OriginERP)
	if err != nil {
		return nil, apperrors.Processing(err, "loading ERP movements failed")
	}
	clientMovements, err := s.payroll.ListMovements(ctx, closureID, models.OriginClient)
	if err != nil {
		return nil, apperrors.Processing(err, "loading client movements failed")
	}
	// Without both sides there is nothing to compare; the set is cleared.
	var movementSet []*models.Discrepancy
	compared := len(erpMovements) > 0 && len(clientMovements) > 0
	if compared {
		movementSet = CompareMovements(erpMovements, clientMovements)
	}
	if err := s.discrepancies.ReplaceForOrigin(ctx, closureID, models.OriginMovements, movementSet, s.batchSize); err != nil {
		return nil, apperrors.Processing(err, "storing movement discrepancies failed")
	}

	c, err = s.closures.Recount(ctx, closureID)
	if err != nil {
		return nil, err
	}
	target := models.ClosureStateReconciling
	if c.UnresolvedDiscrepancies() > 0 {
		target = models.ClosureStateHasDiscrepancies
	}
	err = s.closures.Transition(ctx, c, target, func(next *models.Closure) {
		next.Reconciled = true
	})
	if err != nil {
		return nil, err
	}

	s.progress.Report(ctx, key, models.Progress{
		Stage: models.StageDone, Percent: 100, ProcessedCount: len(ledgerSet) + len(movementSet),
	})
	logger.Info("Closure reconciled",
		zap.Int("ledger_discrepancies", len(ledgerSet)),
		zap.Int("movement_discrepancies", len(movementSet)),
		zap.Bool("movements_compared", compared),
		zap.String("state", string(c.State)))

	return &ReconciliationResult{
		Closure:               c,
		LedgerDiscrepancies:   len(ledgerSet),
		MovementDiscrepancies: len(movementSet),
		MovementsCompared:     compared,
	}, nil
}

func (s *reconciliationService) ListDiscrepancies(ctx context.Context, closureID uuid.UUID, filter models.DiscrepancyFilter) (*models.PagedResult[*models.Discrepancy], error) {
	if filter.Origin != "" && !filter.Origin.IsValid() {
		return nil, apperrors.Validation(nil, "unknown discrepancy origin %q", filter.Origin)
	}
	if filter.Kind != "" && !filter.Kind.IsValid() {
		return nil, apperrors.Validation(nil, "unknown discrepancy kind %q", filter.Kind)
	}
	filter.Page = filter.Page.Normalize()
	return s.discrepancies.List(ctx, closureID, filter)
}

func (s *reconciliationService) ResolveDiscrepancy(ctx context.Context, closureID, discrepancyID uuid.UUID, note string) (*models.Discrepancy, error) {
	c, err := s.closures.Get(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if c.State != models.ClosureStateReconciling && c.State != models.ClosureStateHasDiscrepancies {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "discrepancies of a closure in state %s cannot be resolved", c.State)
	}

	d, err := s.discrepancies.Resolve(ctx, closureID, discrepancyID, actorID(ctx), note)
	if err != nil {
		return nil, err
	}
	if _, err := s.closures.Recount(ctx, closureID); err != nil {
		return nil, err
	}

	changes := map[string]models.FieldChange{"resolved": {Old: false, New: true}}
	if err := s.audit.LogUpdate(ctx, c.ClientID, models.AuditEntityDiscrepancy, d.ID, changes); err != nil {
		s.logger.Warn("Failed to audit discrepancy resolution", zap.Error(err))
	}
	return d, nil
}

// ============================================================================
// Comparisons
// ============================================================================

// LedgerComparison is the input of CompareLedgerNovelties.
type LedgerComparison struct {
	Ledger    []models.LedgerEntry
	Novelties []*models.NoveltyItem
	Mappings  []*models.ConceptMapping
	// Concepts are the client's classifications, used for names and categories.
	Concepts    []*models.ConceptClassification
	NotCompared map[models.Category]bool
}

type amountKey struct {
	identifier     string
	classification uuid.UUID
}

// CompareLedgerNovelties compares ledger line items with client novelties per
// employee and concept. Every ledger concept outside the not-compared
// categories takes part, mapped or not. A novelty header with no mapping
// yields one unmapped_item discrepancy, whatever the number of rows carrying
// it.
func CompareLedgerNovelties(in LedgerComparison) []*models.Discrepancy {
	byHeader := make(map[string]*models.ConceptMapping, len(in.Mappings))
	for _, m := range in.Mappings {
		byHeader[m.NoveltyHeader] = m
	}
	concepts := make(map[uuid.UUID]*models.ConceptClassification, len(in.Concepts))
	for _, cls := range in.Concepts {
		concepts[cls.ID] = cls
	}
	excluded := func(id uuid.UUID) bool {
		cls, ok := concepts[id]
		return ok && cls.Category != nil && in.NotCompared[*cls.Category]
	}

	client := make(map[amountKey]decimal.Decimal)
	unmapped := make(map[string]bool)
	for _, item := range in.Novelties {
		m := byHeader[item.NoveltyHeader]
		switch {
		case m == nil || !m.IsResolved():
			unmapped[item.NoveltyHeader] = true
			continue
		case m.NoMapping:
			continue
		}
		if excluded(*m.ClassificationID) {
			continue
		}
		k := amountKey{identifier: item.Identifier, classification: *m.ClassificationID}
		client[k] = client[k].Add(item.Amount)
	}

	erpSide := make(map[amountKey]decimal.Decimal)
	for _, e := range in.Ledger {
		if in.NotCompared[e.Category] {
			continue
		}
		k := amountKey{identifier: e.Identifier, classification: e.ClassificationID}
		erpSide[k] = erpSide[k].Add(e.Amount)
	}

	conceptName := func(id uuid.UUID) string {
		if cls, ok := concepts[id]; ok {
			return cls.Header
		}
		return id.String()
	}

	out := make([]*models.Discrepancy, 0)
	for header := range unmapped {
		out = append(out, &models.Discrepancy{
			Kind:    models.DiscrepancyUnmappedItem,
			Origin:  models.OriginLedgerVsNovelties,
			Concept: header,
		})
	}

	for k, ledgerAmount := range erpSide {
		classificationID := k.classification
		d := &models.Discrepancy{
			Origin:           models.OriginLedgerVsNovelties,
			Identifier:       k.identifier,
			ClassificationID: &classificationID,
			Concept:          conceptName(classificationID),
			ERPAmount:        decimalPtr(ledgerAmount),
		}
		clientAmount, ok := client[k]
		if !ok {
			d.Kind = models.DiscrepancyMissingOnClient
			d.Difference = decimalPtr(ledgerAmount)
			out = append(out, d)
			continue
		}
		diff := ledgerAmount.Sub(clientAmount)
		if diff.Abs().GreaterThan(models.AmountTolerance) {
			d.Kind = models.DiscrepancyAmountMismatch
			d.ClientAmount = decimalPtr(clientAmount)
			d.Difference = decimalPtr(diff)
			out = append(out, d)
		}
	}

	for k, clientAmount := range client {
		if _, ok := erpSide[k]; ok {
			continue
		}
		classificationID := k.classification
		out = append(out, &models.Discrepancy{
			Kind:             models.DiscrepancyMissingOnERP,
			Origin:           models.OriginLedgerVsNovelties,
			Identifier:       k.identifier,
			ClassificationID: &classificationID,
			Concept:          conceptName(classificationID),
			ClientAmount:     decimalPtr(clientAmount),
			Difference:       decimalPtr(clientAmount.Neg()),
		})
	}

	sortDiscrepancies(out)
	return out
}

type movementKey struct {
	identifier string
	kind       models.MovementType
}

// CompareMovements reports every (identifier, movement type) pair present on
// only one side. Dates are not compared.
func CompareMovements(erpSide, clientSide []*models.Movement) []*models.Discrepancy {
	collect := func(ms []*models.Movement) map[movementKey]bool {
		set := make(map[movementKey]bool, len(ms))
		for _, m := range ms {
			set[movementKey{identifier: m.Identifier, kind: m.Type}] = true
		}
		return set
	}
	erpSet, clientSet := collect(erpSide), collect(clientSide)

	out := make([]*models.Discrepancy, 0)
	diff := func(from, other map[movementKey]bool, kind models.DiscrepancyKind) {
		for k := range from {
			if other[k] {
				continue
			}
			mt := k.kind
			out = append(out, &models.Discrepancy{
				Kind:         kind,
				Origin:       models.OriginMovements,
				Identifier:   k.identifier,
				Concept:      string(mt),
				MovementType: &mt,
			})
		}
	}
	diff(erpSet, clientSet, models.DiscrepancyMissingOnClient)
	diff(clientSet, erpSet, models.DiscrepancyMissingOnERP)

	sortDiscrepancies(out)
	return out
}

// sortDiscrepancies orders by identifier, concept, then kind. Unmapped items
// have no identifier and come first.
func sortDiscrepancies(ds []*models.Discrepancy) {
	sort.Slice(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		if a.Concept != b.Concept {
			return a.Concept < b.Concept
		}
		return a.Kind < b.Kind
	})
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
