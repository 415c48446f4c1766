package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// File Kinds
// ============================================================================

// FileKind is the logical type of an uploaded spreadsheet.
type FileKind string

const (
	FileKindLedger       FileKind = "ledger"
	FileKindMovements    FileKind = "movements"
	FileKindNovelties    FileKind = "novelties"
	FileKindAttendance   FileKind = "attendance"
	FileKindTerminations FileKind = "terminations"
	FileKindHires        FileKind = "hires"
)

// ValidFileKinds contains all valid file kind values.
var ValidFileKinds = []FileKind{
	FileKindLedger,
	FileKindMovements,
	FileKindNovelties,
	FileKindAttendance,
	FileKindTerminations,
	FileKindHires,
}

// IsValid returns true if k is a known file kind.
func (k FileKind) IsValid() bool {
	for _, v := range ValidFileKinds {
		if v == k {
			return true
		}
	}
	return false
}

// DefaultOrigin returns the side that normally produces files of this kind.
func (k FileKind) DefaultOrigin() Origin {
	switch k {
	case FileKindLedger, FileKindMovements:
		return OriginERP
	default:
		return OriginClient
	}
}

// IsMovementKind returns true for kinds that carry presence/absence movement facts.
func (k FileKind) IsMovementKind() bool {
	switch k {
	case FileKindMovements, FileKindAttendance, FileKindTerminations, FileKindHires:
		return true
	default:
		return false
	}
}

// Origin identifies which side produced a file.
type Origin string

const (
	OriginERP    Origin = "erp"
	OriginClient Origin = "client"
)

// IsValid returns true if o is a known origin.
func (o Origin) IsValid() bool {
	return o == OriginERP || o == OriginClient
}

// ============================================================================
// File Status
// ============================================================================

// FileStatus is the processing status of a source file.
//
//	pending → processing → processed | error
//	processed | error → processing (re-run)
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusProcessed  FileStatus = "processed"
	FileStatusError      FileStatus = "error"
)

// ============================================================================
// Source File
// ============================================================================

// SourceFile is one uploaded version of a spreadsheet for a closure.
// At most one version per (closure, kind) is current.
type SourceFile struct {
	ID        uuid.UUID `json:"id"`
	ClosureID uuid.UUID `json:"closure_id"`
	Kind      FileKind  `json:"kind"`
	Origin    Origin    `json:"origin"`
	Version   int       `json:"version"`
	IsCurrent bool      `json:"is_current"`

	Path         string `json:"-"`
	OriginalName string `json:"original_name"`

	Status         FileStatus    `json:"status"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Warnings       []FileWarning `json:"warnings,omitempty"`
	RowsProcessed  int           `json:"rows_processed"`
	EmployeesCount int           `json:"employees_count"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// FileWarning is a non-fatal, row- or column-level problem found while parsing.
type FileWarning struct {
	Row     int    `json:"row,omitempty"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

// MaxStoredWarnings caps how many warnings are persisted per file.
const MaxStoredWarnings = 200

// FileResult summarizes one processing run of a source file.
type FileResult struct {
	RowsProcessed  int           `json:"rows_processed"`
	RowsSkipped    int           `json:"rows_skipped"`
	EmployeesCount int           `json:"employees_count"`
	Warnings       []FileWarning `json:"warnings,omitempty"`
}
