package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConsolidatedConcept is the rollup of one ledger concept across a closure.
type ConsolidatedConcept struct {
	ClosureID        uuid.UUID       `json:"closure_id"`
	ClassificationID uuid.UUID       `json:"classification_id"`
	Header           string          `json:"header"`
	Occurrence       int             `json:"occurrence"`
	Category         Category        `json:"category"`
	Total            decimal.Decimal `json:"total"`
	EmployeeCount    int             `json:"employee_count"`
	Min              decimal.Decimal `json:"min"`
	Avg              decimal.Decimal `json:"avg"`
	Max              decimal.Decimal `json:"max"`
}

// Key returns the cross-closure key of the concept.
func (c *ConsolidatedConcept) Key() ConceptKey {
	return ConceptKey{Header: c.Header, Occurrence: c.Occurrence}
}

// ConsolidatedCategory is the rollup of one category across a closure.
type ConsolidatedCategory struct {
	ClosureID     uuid.UUID       `json:"closure_id"`
	Category      Category        `json:"category"`
	Total         decimal.Decimal `json:"total"`
	EmployeeCount int             `json:"employee_count"`
	ConceptCount  int             `json:"concept_count"`
}

// ConsolidatedSummary is the read-only reporting output of a consolidated closure.
type ConsolidatedSummary struct {
	ClosureID  uuid.UUID               `json:"closure_id"`
	Concepts   []*ConsolidatedConcept  `json:"concepts"`
	Categories []*ConsolidatedCategory `json:"categories"`
}
