package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Employee is the minimal identity of a person found in a ledger file.
type Employee struct {
	ID           uuid.UUID `json:"id"`
	ClosureID    uuid.UUID `json:"closure_id"`
	SourceFileID uuid.UUID `json:"source_file_id"`
	Identifier   string    `json:"identifier"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
}

// LineItem is one classified monetary concept for one employee.
// Unique per (employee, classification).
type LineItem struct {
	ID               uuid.UUID       `json:"id"`
	ClosureID        uuid.UUID       `json:"closure_id"`
	EmployeeID       uuid.UUID       `json:"employee_id"`
	ClassificationID uuid.UUID       `json:"classification_id"`
	Category         Category        `json:"category"`
	Amount           decimal.Decimal `json:"amount"`
}

// LedgerEntry is a line item joined with its employee identifier, as read back
// for reconciliation.
type LedgerEntry struct {
	Identifier       string
	ClassificationID uuid.UUID
	Header           string
	Occurrence       int
	Category         Category
	Amount           decimal.Decimal
}

// NoveltyItem is one client-reported amount for an employee and novelty header.
type NoveltyItem struct {
	ID            uuid.UUID       `json:"id"`
	ClosureID     uuid.UUID       `json:"closure_id"`
	SourceFileID  uuid.UUID       `json:"source_file_id"`
	Identifier    string          `json:"identifier"`
	NoveltyHeader string          `json:"novelty_header"`
	Amount        decimal.Decimal `json:"amount"`
	RowNumber     int             `json:"row_number"`
}

// ============================================================================
// Movements
// ============================================================================

// MovementType is a presence/absence fact reported for an employee in a period.
type MovementType string

const (
	MovementHire        MovementType = "hire"
	MovementTermination MovementType = "termination"
	MovementLeave       MovementType = "leave"
	MovementVacation    MovementType = "vacation"
	MovementAbsence     MovementType = "absence"
)

// ValidMovementTypes contains all valid movement types.
var ValidMovementTypes = []MovementType{
	MovementHire,
	MovementTermination,
	MovementLeave,
	MovementVacation,
	MovementAbsence,
}

// IsValid returns true if t is a known movement type.
func (t MovementType) IsValid() bool {
	for _, v := range ValidMovementTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Movement is one movement fact parsed from an ERP or client file.
type Movement struct {
	ID           uuid.UUID    `json:"id"`
	ClosureID    uuid.UUID    `json:"closure_id"`
	SourceFileID uuid.UUID    `json:"source_file_id"`
	Origin       Origin       `json:"origin"`
	Identifier   string       `json:"identifier"`
	Type         MovementType `json:"type"`
	StartDate    *time.Time   `json:"start_date,omitempty"`
	EndDate      *time.Time   `json:"end_date,omitempty"`
	RowNumber    int          `json:"row_number"`
}
