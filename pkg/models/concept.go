package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Categories
// ============================================================================

// Category classifies a ledger column.
type Category string

const (
	CategoryTaxableEarnings       Category = "taxable_earnings"
	CategoryNonTaxableEarnings    Category = "non_taxable_earnings"
	CategoryLegalDeductions       Category = "legal_deductions"
	CategoryOtherDeductions       Category = "other_deductions"
	CategoryEmployerContributions Category = "employer_contributions"

	CategoryIdentifier    Category = "identifier"
	CategoryIgnore        Category = "ignore"
	CategoryInformational Category = "informational"
)

// ValidCategories contains all valid category values.
var ValidCategories = []Category{
	CategoryTaxableEarnings,
	CategoryNonTaxableEarnings,
	CategoryLegalDeductions,
	CategoryOtherDeductions,
	CategoryEmployerContributions,
	CategoryIdentifier,
	CategoryIgnore,
	CategoryInformational,
}

// DefaultAnomalyExcludedCategories are never evaluated for incidencias.
var DefaultAnomalyExcludedCategories = []Category{
	CategoryInformational,
	CategoryLegalDeductions,
}

// IsValid returns true if c is a known category.
func (c Category) IsValid() bool {
	for _, v := range ValidCategories {
		if v == c {
			return true
		}
	}
	return false
}

// IsMonetary returns true if columns of this category produce line items.
func (c Category) IsMonetary() bool {
	switch c {
	case CategoryTaxableEarnings, CategoryNonTaxableEarnings, CategoryLegalDeductions,
		CategoryOtherDeductions, CategoryEmployerContributions:
		return true
	case CategoryIdentifier, CategoryIgnore, CategoryInformational:
		return false
	default:
		return false
	}
}

// ============================================================================
// Concept Classification
// ============================================================================

// ConceptClassification is the durable classification of one physical ledger
// column for a client+ERP. Header text may repeat; each occurrence is its own row.
type ConceptClassification struct {
	ID          uuid.UUID `json:"id"`
	ClientID    uuid.UUID `json:"client_id"`
	ERP         string    `json:"erp"`
	Header      string    `json:"header"`
	Occurrence  int       `json:"occurrence"`
	IsDuplicate bool      `json:"is_duplicate"`

	// Category is nil while the header is unclassified.
	Category     *Category  `json:"category,omitempty"`
	ClassifiedBy *uuid.UUID `json:"classified_by,omitempty"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsClassified returns true once a category has been assigned.
func (c *ConceptClassification) IsClassified() bool {
	return c.Category != nil
}

// ConceptKey returns the stable key used to compare a concept across closures.
func (c *ConceptClassification) ConceptKey() ConceptKey {
	return ConceptKey{Header: c.Header, Occurrence: c.Occurrence}
}

// ConceptKey identifies a physical column by header text and occurrence.
type ConceptKey struct {
	Header     string
	Occurrence int
}

// CategorySuggestion is the majority category seen for a header text.
type CategorySuggestion struct {
	ClassificationID uuid.UUID `json:"classification_id"`
	Header           string    `json:"header"`
	Occurrence       int       `json:"occurrence"`
	Category         Category  `json:"category"`
	// Frequency is how many prior classifications chose Category.
	Frequency int `json:"frequency"`
	// Total is how many prior classifications exist for the header text.
	Total int `json:"total"`
}

// ClassificationAssignment sets the category of one classification record.
type ClassificationAssignment struct {
	ClassificationID uuid.UUID `json:"classification_id"`
	Category         Category  `json:"category"`
}
