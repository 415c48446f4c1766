package erp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// Adapter reads one ERP's spreadsheet exports and emits canonical rows.
// Implementations are stateless and safe for concurrent use.
type Adapter interface {
	// Info describes the adapter for discovery.
	Info() AdapterInfo

	// SupportedFileKinds returns the file kinds this adapter can read.
	SupportedFileKinds() []models.FileKind

	// ExpectedFormat describes the layout the adapter expects for kind.
	ExpectedFormat(kind models.FileKind) (*FormatDescriptor, error)

	// ReadHeaders reads only the header row of the file. Bounded by the header
	// search window, never by file size.
	ReadHeaders(ctx context.Context, file File, kind models.FileKind, opts Options) (*HeaderSet, error)

	// ValidateStructure checks a header row against the kind's required columns.
	// Returns nil or a joined validation error listing every problem.
	ValidateStructure(headers []string, kind models.FileKind) error

	// Normalize parses every data row. Row-level problems become warnings;
	// the call fails only on structural problems or when no row succeeds.
	Normalize(ctx context.Context, file File, kind models.FileKind, opts Options) (*Result, error)
}

// AdapterInfo describes a registered adapter.
type AdapterInfo struct {
	ERP         string `json:"erp"`          // "buk", "talana"
	DisplayName string `json:"display_name"` // "BUK"
	Description string `json:"description"`
}

// File is a readable uploaded spreadsheet.
type File struct {
	// Path is the local path to read from.
	Path string
	// Name is the original upload name; its extension selects the reader when
	// Path has none.
	Name string
}

// Options are per-client overrides of layout defaults.
type Options struct {
	SheetName string
	Delimiter rune
	// HeaderRow is 1-based. Zero keeps the layout default.
	HeaderRow int
}

// FormatDescriptor is the expectedFormat contract of an adapter for one kind.
type FormatDescriptor struct {
	Kind            models.FileKind `json:"kind"`
	Extensions      []string        `json:"extensions"`
	RequiredColumns []string        `json:"required_columns"`
	// HeaderRow is 1-based; zero means the header row is located automatically.
	HeaderRow  int      `json:"header_row"`
	SheetHints []string `json:"sheet_hints,omitempty"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
	Shape      Shape    `json:"shape"`
}

// ============================================================================
// Headers
// ============================================================================

// ColumnRole is what an adapter understood a column to be.
type ColumnRole string

const (
	RoleConcept      ColumnRole = "concept"       // one payroll concept per column (wide files)
	RoleIdentifier   ColumnRole = "identifier"    // employee identifier
	RoleCheckDigit   ColumnRole = "check_digit"   // identifier check digit in its own column
	RoleName         ColumnRole = "name"          // employee name
	RoleConceptName  ColumnRole = "concept_name"  // concept text per row (long files)
	RoleAmount       ColumnRole = "amount"        // amount per row (long files)
	RoleMovementType ColumnRole = "movement_type" // movement type per row
	RoleStartDate    ColumnRole = "start_date"
	RoleEndDate      ColumnRole = "end_date"
	RoleIgnored      ColumnRole = "ignored"
)

// Header is one physical header cell. Header text may repeat; Occurrence is
// 1-based among headers with the same text.
type Header struct {
	Index       int        `json:"index"`
	Text        string     `json:"text"`
	Occurrence  int        `json:"occurrence"`
	IsDuplicate bool       `json:"is_duplicate"`
	Role        ColumnRole `json:"role"`
}

// HeaderSet is the result of reading a header row.
type HeaderSet struct {
	// RowNumber is the 1-based physical row holding the headers.
	RowNumber int
	Headers   []Header
	Columns   Columns
	Shape     Shape
	Warnings  []models.FileWarning
}

// Concepts returns the headers that carry one concept per column.
func (h *HeaderSet) Concepts() []Header {
	out := make([]Header, 0, len(h.Headers))
	for _, hd := range h.Headers {
		if hd.Role == RoleConcept {
			out = append(out, hd)
		}
	}
	return out
}

// Columns holds the index of each role column, or -1 when absent.
type Columns struct {
	Identifier   int
	CheckDigit   int
	Name         int
	ConceptName  int
	Amount       int
	MovementType int
	StartDate    int
	EndDate      int
}

// NoColumns returns Columns with every role absent.
func NoColumns() Columns {
	return Columns{-1, -1, -1, -1, -1, -1, -1, -1}
}

// Get returns the column index for role, or -1.
func (c Columns) Get(role ColumnRole) int {
	switch role {
	case RoleIdentifier:
		return c.Identifier
	case RoleCheckDigit:
		return c.CheckDigit
	case RoleName:
		return c.Name
	case RoleConceptName:
		return c.ConceptName
	case RoleAmount:
		return c.Amount
	case RoleMovementType:
		return c.MovementType
	case RoleStartDate:
		return c.StartDate
	case RoleEndDate:
		return c.EndDate
	default:
		return -1
	}
}

// Set records idx as the column for role.
func (c *Columns) Set(role ColumnRole, idx int) {
	switch role {
	case RoleIdentifier:
		c.Identifier = idx
	case RoleCheckDigit:
		c.CheckDigit = idx
	case RoleName:
		c.Name = idx
	case RoleConceptName:
		c.ConceptName = idx
	case RoleAmount:
		c.Amount = idx
	case RoleMovementType:
		c.MovementType = idx
	case RoleStartDate:
		c.StartDate = idx
	case RoleEndDate:
		c.EndDate = idx
	}
}

// ============================================================================
// Canonical rows
// ============================================================================

// Shape is how concepts are laid out in a file.
type Shape string

const (
	// ShapeWide has one column per concept and one row per employee.
	ShapeWide Shape = "wide"
	// ShapeLong has one row per employee and concept, with concept and amount columns.
	ShapeLong Shape = "long"
	// ShapeAuto picks long when concept and amount columns are found, wide otherwise.
	ShapeAuto Shape = "auto"
)

// CanonicalRow is the ERP-independent form of one data row.
type CanonicalRow struct {
	RowNumber  int
	Identifier string
	Name       string
	Concepts   []ConceptValue

	// Movement fields; zero for ledger and novelty rows.
	MovementType models.MovementType
	StartDate    *time.Time
	EndDate      *time.Time

	// Fields holds ancillary cells keyed by header text.
	Fields map[string]string
}

// ConceptValue is one concept cell of a row.
type ConceptValue struct {
	Header     string
	Occurrence int
	Raw        string
	Amount     decimal.Decimal
	// Valid is false when Raw could not be read as an amount.
	Valid bool
}

// Result is the output of Normalize.
type Result struct {
	Headers     *HeaderSet
	Rows        []CanonicalRow
	Warnings    []models.FileWarning
	RowsSkipped int
}
