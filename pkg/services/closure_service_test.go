package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

func categoryPtr(c models.Category) *models.Category {
	return &c
}

func TestClosureService_CreateMarksFirstClosure(t *testing.T) {
	env := newTestEnv()

	c, err := env.closureSvc.Create(env.ctx(), env.clientID, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateUploading, c.State)
	assert.True(t, c.IsFirstClosure)
	assert.Equal(t, []string{models.AuditActionCreate}, env.auditRepo.actions(models.AuditEntityClosure))

	env.closure("2024-02", models.ClosureStateFinalized)
	c, err = env.closureSvc.Create(env.ctx(), env.clientID, "2024-03")
	require.NoError(t, err)
	assert.False(t, c.IsFirstClosure)
}

func TestClosureService_CreateRejectsBadPeriodAndDuplicates(t *testing.T) {
	env := newTestEnv()

	_, err := env.closureSvc.Create(env.ctx(), env.clientID, "2024-13")
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, kind)

	_, err = env.closureSvc.Create(env.ctx(), env.clientID, "2024-05")
	require.NoError(t, err)
	_, err = env.closureSvc.Create(env.ctx(), env.clientID, "2024-05")
	require.ErrorIs(t, err, apperrors.ErrConflict)
	kind, _ = apperrors.KindOf(err)
	assert.Equal(t, apperrors.KindState, kind)
}

func TestClosureService_TransitionRejectsIllegalMoves(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-01", models.ClosureStateUploading)

	err := env.closureSvc.Transition(env.ctx(), c, models.ClosureStateFinalized, nil)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, models.ClosureStateUploading, env.closures.get(c.ID).State)

	require.NoError(t, env.closureSvc.Transition(env.ctx(), c, models.ClosureStateCancelled, nil))
	err = env.closureSvc.Transition(env.ctx(), c, models.ClosureStateUploading, nil)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestClosureService_TransitionConflictsOnStaleState(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-01", models.ClosureStateUploading)

	stale := *c
	require.NoError(t, env.closureSvc.Transition(env.ctx(), c, models.ClosureStateMappingItems, nil))

	err := env.closureSvc.Transition(env.ctx(), &stale, models.ClosureStateReconciling, nil)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, models.ClosureStateMappingItems, env.closures.get(c.ID).State)
}

func TestClosureService_RefreshGates(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-01", models.ClosureStateUploading)

	env.classification.add(env.clientID, testERP, "SUELDO BASE", 1, nil)
	env.mappings.mappings = append(env.mappings.mappings, &models.ConceptMapping{
		ID: uuid.New(), ClientID: env.clientID, ERP: testERP, NoveltyHeader: "Bono",
	})

	got, err := env.closureSvc.RefreshGates(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateClassifyingConcepts, got.State)
	assert.True(t, got.NeedsClassification)
	assert.True(t, got.NeedsMapping)

	pending, _ := env.classification.ListPending(env.ctx(), env.clientID, testERP)
	require.NoError(t, env.classification.SetCategories(env.ctx(), env.clientID, testERP,
		[]models.ClassificationAssignment{{ClassificationID: pending[0].ID, Category: models.CategoryTaxableEarnings}}, nil))

	got, err = env.closureSvc.RefreshGates(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateMappingItems, got.State)
	assert.False(t, got.NeedsClassification)

	env.mappings.mappings[0].NoMapping = true
	got, err = env.closureSvc.RefreshGates(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateUploading, got.State)
	assert.False(t, got.NeedsMapping)
}

func TestClosureService_RefreshGatesKeepsLaterStates(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-01", models.ClosureStateHasDiscrepancies)
	env.classification.add(env.clientID, testERP, "BONO", 1, nil)

	got, err := env.closureSvc.RefreshGates(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateHasDiscrepancies, got.State)
	assert.True(t, got.NeedsClassification)
}

func TestClosureService_RefreshGatesRequiresERPConfig(t *testing.T) {
	env := newTestEnv()
	delete(env.clientConfigs.configs, env.clientID)
	c := env.closure("2024-01", models.ClosureStateUploading)

	_, err := env.closureSvc.RefreshGates(env.ctx(), c.ID)
	require.ErrorIs(t, err, apperrors.ErrNoERPConfigured)
	kind, _ := apperrors.KindOf(err)
	assert.Equal(t, apperrors.KindConfiguration, kind)
}

func TestClosureService_ConsolidateBlockedByUnresolvedDiscrepancies(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-02", models.ClosureStateHasDiscrepancies, func(c *models.Closure) { c.Reconciled = true })
	env.discrepancies.items = []*models.Discrepancy{
		{ID: uuid.New(), ClosureID: c.ID, Kind: models.DiscrepancyMissingOnERP, Origin: models.OriginLedgerVsNovelties},
	}

	_, err := env.closureSvc.Consolidate(env.ctx(), c.ID)
	require.ErrorIs(t, err, apperrors.ErrUnresolvedDiscrepancies)
	assert.Equal(t, models.ClosureStateHasDiscrepancies, env.closures.get(c.ID).State)
}

func TestClosureService_ConsolidateRequiresReconciliation(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-02", models.ClosureStateReconciling)

	_, err := env.closureSvc.Consolidate(env.ctx(), c.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	u := env.closure("2024-03", models.ClosureStateUploading, func(c *models.Closure) { c.Reconciled = true })
	_, err = env.closureSvc.Consolidate(env.ctx(), u.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestClosureService_ConsolidateFirstClosureFinalizes(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-01", models.ClosureStateReconciling, func(c *models.Closure) { c.Reconciled = true })
	clsID := uuid.New()
	env.payroll.ledger = []models.LedgerEntry{
		{Identifier: "11111111-1", ClassificationID: clsID, Header: "SUELDO", Occurrence: 1,
			Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(1000)},
	}

	got, err := env.closureSvc.Consolidate(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateFinalized, got.State)
	assert.True(t, got.IsFirstClosure)
	assert.NotNil(t, got.ConsolidatedAt)
	assert.NotNil(t, got.FinalizedAt)

	summary, err := env.closureSvc.GetConsolidatedSummary(env.ctx(), c.ID)
	require.NoError(t, err)
	require.Len(t, summary.Concepts, 1)
	assert.True(t, summary.Concepts[0].Total.Equal(decimal.NewFromInt(1000)))

	assert.Equal(t,
		[]string{models.AuditActionTransition, models.AuditActionTransition},
		env.auditRepo.actions(models.AuditEntityClosure))
}

func TestClosureService_ConsolidateWithHistoryStopsAtConsolidated(t *testing.T) {
	env := newTestEnv()
	env.closure("2024-01", models.ClosureStateFinalized)
	c := env.closure("2024-02", models.ClosureStateHasDiscrepancies, func(c *models.Closure) { c.Reconciled = true })
	env.discrepancies.items = []*models.Discrepancy{
		{ID: uuid.New(), ClosureID: c.ID, Kind: models.DiscrepancyMissingOnERP, Resolved: true},
	}

	got, err := env.closureSvc.Consolidate(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateConsolidated, got.State)
	assert.False(t, got.IsFirstClosure)
	assert.Nil(t, got.FinalizedAt)
	assert.Equal(t, 1, got.ResolvedDiscrepancies)
}

func TestClosureService_FinalizeRequiresResolvedIncidencias(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-02", models.ClosureStateInAnomalyReview)
	inc := &models.Incidencia{ID: uuid.New(), ClosureID: c.ID, Status: models.IncidenciaInReview}
	env.incidencias.items = []*models.Incidencia{inc}

	_, err := env.closureSvc.Finalize(env.ctx(), c.ID)
	require.ErrorIs(t, err, apperrors.ErrUnresolvedIncidencias)

	inc.Status = models.IncidenciaApproved
	got, err := env.closureSvc.Finalize(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateFinalized, got.State)
	assert.NotNil(t, got.FinalizedAt)
}

func TestClosureService_FinalizeConsolidatedWithHistoryIsRejected(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-02", models.ClosureStateConsolidated)

	_, err := env.closureSvc.Finalize(env.ctx(), c.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestClosureService_CancelAndMarkError(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-02", models.ClosureStateMappingItems)

	got, err := env.closureSvc.Cancel(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClosureStateCancelled, got.State)

	// Terminal closures keep their state.
	require.NoError(t, env.closureSvc.MarkError(env.ctx(), c.ID, "boom"))
	assert.Equal(t, models.ClosureStateCancelled, env.closures.get(c.ID).State)

	r := env.closure("2024-03", models.ClosureStateReconciling)
	require.NoError(t, env.closureSvc.MarkError(env.ctx(), r.ID, "adapter failed"))
	stored := env.closures.get(r.ID)
	assert.Equal(t, models.ClosureStateError, stored.State)
	assert.Equal(t, "adapter failed", stored.ErrorMessage)
}

func TestClosureService_GetSummaryFlags(t *testing.T) {
	env := newTestEnv()
	c := env.closure("2024-02", models.ClosureStateReconciling, func(c *models.Closure) { c.Reconciled = true })

	summary, err := env.closureSvc.GetSummary(env.ctx(), c.ID)
	require.NoError(t, err)
	assert.True(t, summary.CanConsolidate)
	assert.False(t, summary.CanFinalize)

	_, err = env.closureSvc.GetSummary(env.ctx(), uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBuildConsolidatedSummary(t *testing.T) {
	closureID := uuid.New()
	sueldo := uuid.New()
	bono := uuid.New()
	afp := uuid.New()

	entries := []models.LedgerEntry{
		{Identifier: "11111111-1", ClassificationID: sueldo, Header: "SUELDO", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(1000)},
		{Identifier: "22222222-2", ClassificationID: sueldo, Header: "SUELDO", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(2000)},
		{Identifier: "12345678-5", ClassificationID: sueldo, Header: "SUELDO", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(1500)},
		{Identifier: "11111111-1", ClassificationID: bono, Header: "BONO", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(100)},
		{Identifier: "11111111-1", ClassificationID: afp, Header: "AFP", Occurrence: 1, Category: models.CategoryLegalDeductions, Amount: decimal.NewFromInt(-115)},
	}

	summary := BuildConsolidatedSummary(closureID, entries)
	require.Len(t, summary.Concepts, 3)
	require.Len(t, summary.Categories, 2)

	// Concepts are sorted by header.
	assert.Equal(t, "AFP", summary.Concepts[0].Header)
	assert.Equal(t, "BONO", summary.Concepts[1].Header)
	s := summary.Concepts[2]
	assert.Equal(t, "SUELDO", s.Header)
	assert.Equal(t, closureID, s.ClosureID)
	assert.True(t, s.Total.Equal(decimal.NewFromInt(4500)), "total %s", s.Total)
	assert.Equal(t, 3, s.EmployeeCount)
	assert.True(t, s.Min.Equal(decimal.NewFromInt(1000)))
	assert.True(t, s.Max.Equal(decimal.NewFromInt(2000)))
	assert.True(t, s.Avg.Equal(decimal.NewFromInt(1500)))

	legal := summary.Categories[0]
	assert.Equal(t, models.CategoryLegalDeductions, legal.Category)
	assert.True(t, legal.Total.Equal(decimal.NewFromInt(-115)))

	taxable := summary.Categories[1]
	assert.Equal(t, models.CategoryTaxableEarnings, taxable.Category)
	assert.True(t, taxable.Total.Equal(decimal.NewFromInt(4600)))
	assert.Equal(t, 3, taxable.EmployeeCount)
	assert.Equal(t, 2, taxable.ConceptCount)
}

func TestBuildConsolidatedSummary_AverageIsRounded(t *testing.T) {
	id := uuid.New()
	entries := []models.LedgerEntry{
		{Identifier: "11111111-1", ClassificationID: id, Header: "HORAS EXTRA", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(10)},
		{Identifier: "22222222-2", ClassificationID: id, Header: "HORAS EXTRA", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(10)},
		{Identifier: "12345678-5", ClassificationID: id, Header: "HORAS EXTRA", Occurrence: 1, Category: models.CategoryTaxableEarnings, Amount: decimal.NewFromInt(11)},
	}

	summary := BuildConsolidatedSummary(uuid.New(), entries)
	require.Len(t, summary.Concepts, 1)
	assert.Equal(t, "10.33", summary.Concepts[0].Avg.StringFixed(2))
}

func TestBuildConsolidatedSummary_Empty(t *testing.T) {
	summary := BuildConsolidatedSummary(uuid.New(), nil)
	assert.NotNil(t, summary.Concepts)
	assert.NotNil(t, summary.Categories)
	assert.Empty(t, summary.Concepts)
}
