package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosureState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from ClosureState
		to   ClosureState
		want bool
	}{
		{ClosureStateUploading, ClosureStateClassifyingConcepts, true},
		{ClosureStateUploading, ClosureStateMappingItems, true},
		{ClosureStateUploading, ClosureStateReconciling, true},
		{ClosureStateUploading, ClosureStateConsolidated, false},
		{ClosureStateClassifyingConcepts, ClosureStateReconciling, true},
		{ClosureStateReconciling, ClosureStateHasDiscrepancies, true},
		{ClosureStateHasDiscrepancies, ClosureStateReconciling, true},
		{ClosureStateReconciling, ClosureStateConsolidated, true},
		{ClosureStateReconciling, ClosureStateFinalized, false},
		{ClosureStateConsolidated, ClosureStateDetectingAnomalies, true},
		{ClosureStateConsolidated, ClosureStateFinalized, true},
		{ClosureStateDetectingAnomalies, ClosureStateInAnomalyReview, true},
		{ClosureStateInAnomalyReview, ClosureStateDetectingAnomalies, true},
		{ClosureStateInAnomalyReview, ClosureStateFinalized, true},
		{ClosureStateHasDiscrepancies, ClosureStateDetectingAnomalies, false},
		{ClosureStateReconciling, ClosureStateError, true},
		{ClosureStateInAnomalyReview, ClosureStateCancelled, true},
		{ClosureStateFinalized, ClosureStateCancelled, false},
		{ClosureStateError, ClosureStateUploading, false},
		{ClosureStateCancelled, ClosureStateError, false},
		{ClosureStateUploading, ClosureState("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestClosureState_EveryNonTerminalStateCanFail(t *testing.T) {
	for _, s := range ValidClosureStates {
		if s.IsTerminal() {
			continue
		}
		assert.True(t, s.CanTransitionTo(ClosureStateError), "%s -> error", s)
		assert.True(t, s.CanTransitionTo(ClosureStateCancelled), "%s -> cancelled", s)
	}
}

func TestClosure_CanConsolidate(t *testing.T) {
	c := &Closure{State: ClosureStateHasDiscrepancies, Reconciled: true, TotalDiscrepancies: 3, ResolvedDiscrepancies: 2}
	assert.False(t, c.CanConsolidate())

	c.ResolvedDiscrepancies = 3
	assert.True(t, c.CanConsolidate())

	c.Reconciled = false
	assert.False(t, c.CanConsolidate(), "never reconciled")

	c = &Closure{State: ClosureStateUploading, Reconciled: true}
	assert.False(t, c.CanConsolidate(), "wrong state")
}

func TestClosure_CanFinalize(t *testing.T) {
	first := &Closure{State: ClosureStateConsolidated, IsFirstClosure: true}
	assert.True(t, first.CanFinalize())

	notFirst := &Closure{State: ClosureStateConsolidated}
	assert.False(t, notFirst.CanFinalize())

	review := &Closure{State: ClosureStateInAnomalyReview, TotalIncidencias: 2, ResolvedIncidencias: 1}
	assert.False(t, review.CanFinalize())
	review.ResolvedIncidencias = 2
	assert.True(t, review.CanFinalize())

	noAnomalies := &Closure{State: ClosureStateDetectingAnomalies}
	assert.True(t, noAnomalies.CanFinalize())
}

func TestPeriod(t *testing.T) {
	p, err := ParsePeriod("2024-01")
	require.NoError(t, err)
	assert.Equal(t, Period("2023-12"), p.Previous())

	_, err = ParsePeriod("2024-13")
	assert.Error(t, err)
	_, err = ParsePeriod("202401")
	assert.Error(t, err)
}

func TestCategory_IsMonetary(t *testing.T) {
	assert.True(t, CategoryTaxableEarnings.IsMonetary())
	assert.True(t, CategoryEmployerContributions.IsMonetary())
	assert.False(t, CategoryIdentifier.IsMonetary())
	assert.False(t, CategoryInformational.IsMonetary())
	assert.False(t, Category("salary").IsMonetary())
}

func TestClientERPConfig_AnomalyExclusions(t *testing.T) {
	cfg := &ClientERPConfig{}
	ex := cfg.AnomalyExclusions()
	assert.True(t, ex[CategoryInformational])
	assert.True(t, ex[CategoryLegalDeductions])
	assert.False(t, ex[CategoryTaxableEarnings])

	cfg.AnomalyExcludedCategories = []Category{CategoryOtherDeductions}
	ex = cfg.AnomalyExclusions()
	assert.True(t, ex[CategoryOtherDeductions])
	assert.False(t, ex[CategoryLegalDeductions])
}

func TestPage_Normalize(t *testing.T) {
	p := Page{}.Normalize()
	assert.Equal(t, 1, p.Number)
	assert.Equal(t, DefaultPageSize, p.Size)

	p = Page{Number: 3, Size: 10000}.Normalize()
	assert.Equal(t, MaxPageSize, p.Size)
	assert.Equal(t, 2*MaxPageSize, Page{Number: 3, Size: 10000}.Offset())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, Percent(5, 0))
	assert.Equal(t, 50, Percent(5, 10))
	assert.Equal(t, 100, Percent(12, 10))
}
