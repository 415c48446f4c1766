package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscrepancyKind is the type of mismatch found between the two sides.
type DiscrepancyKind string

const (
	DiscrepancyAmountMismatch  DiscrepancyKind = "amount_mismatch"
	DiscrepancyMissingOnERP    DiscrepancyKind = "missing_on_erp"
	DiscrepancyMissingOnClient DiscrepancyKind = "missing_on_client"
	DiscrepancyUnmappedItem    DiscrepancyKind = "unmapped_item"
)

// IsValid returns true if k is a known discrepancy kind.
func (k DiscrepancyKind) IsValid() bool {
	switch k {
	case DiscrepancyAmountMismatch, DiscrepancyMissingOnERP,
		DiscrepancyMissingOnClient, DiscrepancyUnmappedItem:
		return true
	default:
		return false
	}
}

// DiscrepancyOrigin names the comparison that produced a discrepancy.
// Each comparison clears and regenerates only its own origin.
type DiscrepancyOrigin string

const (
	OriginLedgerVsNovelties DiscrepancyOrigin = "ledger_vs_novelties"
	OriginMovements         DiscrepancyOrigin = "movements"
)

// IsValid returns true if o is a known discrepancy origin.
func (o DiscrepancyOrigin) IsValid() bool {
	return o == OriginLedgerVsNovelties || o == OriginMovements
}

// Discrepancy is a derived comparison result. Regenerated on every reconciliation run.
type Discrepancy struct {
	ID        uuid.UUID         `json:"id"`
	ClosureID uuid.UUID         `json:"closure_id"`
	Kind      DiscrepancyKind   `json:"kind"`
	Origin    DiscrepancyOrigin `json:"origin"`

	// Identifier is empty for unmapped-item discrepancies.
	Identifier       string        `json:"identifier,omitempty"`
	ClassificationID *uuid.UUID    `json:"classification_id,omitempty"`
	Concept          string        `json:"concept,omitempty"`
	MovementType     *MovementType `json:"movement_type,omitempty"`

	ERPAmount    *decimal.Decimal `json:"erp_amount,omitempty"`
	ClientAmount *decimal.Decimal `json:"client_amount,omitempty"`
	Difference   *decimal.Decimal `json:"difference,omitempty"`

	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     *uuid.UUID `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DiscrepancyFilter narrows a discrepancy listing. Zero values match everything.
type DiscrepancyFilter struct {
	Origin   DiscrepancyOrigin
	Kind     DiscrepancyKind
	Resolved *bool
	Page     Page
}

// ============================================================================
// Pagination
// ============================================================================

// DefaultPageSize and MaxPageSize bound listing queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page to valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the SQL offset of the page.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Number - 1) * n.Size
}

// PagedResult is a page of items plus the total count matching the filter.
type PagedResult[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}
