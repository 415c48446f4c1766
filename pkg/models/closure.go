// Package models contains domain types for payroll-engine.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// Business constants
// ============================================================================

// AmountTolerance is the largest ledger/novelty difference treated as rounding.
var AmountTolerance = decimal.NewFromInt(1)

// AnomalyThresholdPercent is the period-over-period variation above which a
// concept is flagged. The comparison is strictly greater-than.
var AnomalyThresholdPercent = decimal.NewFromInt(30)

// PercentVariancePlaces keeps enough digits that a variation just over the
// threshold never reads as the threshold itself.
const PercentVariancePlaces = 4

// ============================================================================
// Closure States
// ============================================================================

// ClosureState is the lifecycle state of a closure.
//
//	uploading → classifying_concepts | mapping_items → reconciling
//	uploading → reconciling (every header already classified and mapped)
//	reconciling → has_discrepancies ⇄ reconciling → consolidated
//	consolidated → detecting_anomalies ⇄ in_anomaly_review → finalized
//	consolidated → finalized (first closure)
//
//	Any non-terminal state can transition to: error, cancelled
type ClosureState string

const (
	ClosureStateUploading           ClosureState = "uploading"
	ClosureStateClassifyingConcepts ClosureState = "classifying_concepts"
	ClosureStateMappingItems        ClosureState = "mapping_items"
	ClosureStateReconciling         ClosureState = "reconciling"
	ClosureStateHasDiscrepancies    ClosureState = "has_discrepancies"
	ClosureStateConsolidated        ClosureState = "consolidated"
	ClosureStateDetectingAnomalies  ClosureState = "detecting_anomalies"
	ClosureStateInAnomalyReview     ClosureState = "in_anomaly_review"
	ClosureStateFinalized           ClosureState = "finalized"
	ClosureStateError               ClosureState = "error"
	ClosureStateCancelled           ClosureState = "cancelled"
)

// ValidClosureStates contains all valid closure state values.
var ValidClosureStates = []ClosureState{
	ClosureStateUploading,
	ClosureStateClassifyingConcepts,
	ClosureStateMappingItems,
	ClosureStateReconciling,
	ClosureStateHasDiscrepancies,
	ClosureStateConsolidated,
	ClosureStateDetectingAnomalies,
	ClosureStateInAnomalyReview,
	ClosureStateFinalized,
	ClosureStateError,
	ClosureStateCancelled,
}

// closureTransitions lists the forward edges of the state machine.
// error and cancelled are added for every non-terminal state by CanTransitionTo.
var closureTransitions = map[ClosureState][]ClosureState{
	ClosureStateUploading: {
		ClosureStateClassifyingConcepts,
		ClosureStateMappingItems,
		ClosureStateReconciling,
	},
	ClosureStateClassifyingConcepts: {
		ClosureStateMappingItems,
		ClosureStateReconciling,
		ClosureStateUploading,
	},
	ClosureStateMappingItems: {
		ClosureStateClassifyingConcepts,
		ClosureStateReconciling,
		ClosureStateUploading,
	},
	ClosureStateReconciling: {
		ClosureStateHasDiscrepancies,
		ClosureStateConsolidated,
	},
	ClosureStateHasDiscrepancies: {
		ClosureStateReconciling,
		ClosureStateConsolidated,
		ClosureStateUploading,
	},
	ClosureStateConsolidated: {
		ClosureStateDetectingAnomalies,
		ClosureStateFinalized,
	},
	ClosureStateDetectingAnomalies: {
		ClosureStateInAnomalyReview,
		ClosureStateFinalized,
	},
	ClosureStateInAnomalyReview: {
		ClosureStateDetectingAnomalies,
		ClosureStateFinalized,
	},
}

// IsValid returns true if s is a known closure state.
func (s ClosureState) IsValid() bool {
	for _, v := range ValidClosureStates {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true for finalized, error and cancelled.
func (s ClosureState) IsTerminal() bool {
	return s == ClosureStateFinalized || s == ClosureStateError || s == ClosureStateCancelled
}

// CanTransitionTo returns true if the transition from s to target is in the table.
func (s ClosureState) CanTransitionTo(target ClosureState) bool {
	if s.IsTerminal() || !target.IsValid() {
		return false
	}
	if target == ClosureStateError || target == ClosureStateCancelled {
		return true
	}
	for _, next := range closureTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// AcceptsUploads returns true while source files may still be replaced.
func (s ClosureState) AcceptsUploads() bool {
	switch s {
	case ClosureStateUploading, ClosureStateClassifyingConcepts,
		ClosureStateMappingItems, ClosureStateHasDiscrepancies:
		return true
	default:
		return false
	}
}

// ============================================================================
// Closure
// ============================================================================

// Closure is one monthly payroll audit cycle for one client.
type Closure struct {
	ID       uuid.UUID    `json:"id"`
	ClientID uuid.UUID    `json:"client_id"`
	Period   Period       `json:"period"`
	State    ClosureState `json:"state"`

	TotalDiscrepancies    int `json:"total_discrepancies"`
	ResolvedDiscrepancies int `json:"resolved_discrepancies"`
	TotalIncidencias      int `json:"total_incidencias"`
	ResolvedIncidencias   int `json:"resolved_incidencias"`

	IsFirstClosure      bool `json:"is_first_closure"`
	NeedsClassification bool `json:"needs_classification"`
	NeedsMapping        bool `json:"needs_mapping"`
	Reconciled          bool `json:"reconciled"`

	ErrorMessage   string     `json:"error_message,omitempty"`
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UnresolvedDiscrepancies returns the number of discrepancies still open.
func (c *Closure) UnresolvedDiscrepancies() int {
	return c.TotalDiscrepancies - c.ResolvedDiscrepancies
}

// UnresolvedIncidencias returns the number of incidencias still pending or in review.
func (c *Closure) UnresolvedIncidencias() int {
	return c.TotalIncidencias - c.ResolvedIncidencias
}

// CanConsolidate reports whether Consolidate would be accepted now.
func (c *Closure) CanConsolidate() bool {
	if c.State != ClosureStateReconciling && c.State != ClosureStateHasDiscrepancies {
		return false
	}
	return c.Reconciled && c.UnresolvedDiscrepancies() == 0
}

// CanFinalize reports whether Finalize would be accepted now.
func (c *Closure) CanFinalize() bool {
	switch c.State {
	case ClosureStateConsolidated:
		return c.IsFirstClosure
	case ClosureStateDetectingAnomalies, ClosureStateInAnomalyReview:
		return c.UnresolvedIncidencias() == 0
	default:
		return false
	}
}

// ClosureSummary is the read model returned to callers polling a closure.
type ClosureSummary struct {
	Closure        *Closure `json:"closure"`
	CanConsolidate bool     `json:"can_consolidate"`
	CanFinalize    bool     `json:"can_finalize"`
}

// NewClosureSummary builds the summary with derived permission flags.
func NewClosureSummary(c *Closure) *ClosureSummary {
	return &ClosureSummary{
		Closure:        c,
		CanConsolidate: c.CanConsolidate(),
		CanFinalize:    c.CanFinalize(),
	}
}

// ============================================================================
// Period
// ============================================================================

// Period is a calendar month in YYYY-MM form.
type Period string

// ParsePeriod validates and returns a Period.
func ParsePeriod(s string) (Period, error) {
	if _, err := time.Parse("2006-01", s); err != nil {
		return "", fmt.Errorf("invalid period %q: expected YYYY-MM", s)
	}
	return Period(s), nil
}

// Previous returns the preceding calendar month.
func (p Period) Previous() Period {
	t, err := time.Parse("2006-01", string(p))
	if err != nil {
		return ""
	}
	return Period(t.AddDate(0, -1, 0).Format("2006-01"))
}

func (p Period) String() string {
	return string(p)
}
