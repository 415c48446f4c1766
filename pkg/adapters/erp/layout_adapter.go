package erp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// Hooks customize a LayoutAdapter for ERP-specific quirks. Nil hooks use the
// default behavior.
type Hooks struct {
	// ResolveColumns assigns roles to headers (setting Header.Role in place)
	// and returns the role columns. Defaults to ResolveByAlias.
	ResolveColumns func(headers []Header, kl *KindLayout, kind models.FileKind) (Columns, []models.FileWarning)

	// SkipRow drops rows that are not employee rows (totals, footers) before
	// identifier checks. Skipped rows produce no warning.
	SkipRow func(cells []string, cols Columns) bool

	// Identifier returns the normalized identifier of a row.
	Identifier func(cells []string, cols Columns) (string, error)
}

// LayoutAdapter is an Adapter driven by a Layout.
type LayoutAdapter struct {
	layout *Layout
	hooks  Hooks
}

var _ Adapter = (*LayoutAdapter)(nil)

// NewLayoutAdapter creates an adapter for layout.
func NewLayoutAdapter(layout *Layout, hooks Hooks) *LayoutAdapter {
	if hooks.ResolveColumns == nil {
		hooks.ResolveColumns = ResolveByAlias
	}
	if hooks.Identifier == nil {
		hooks.Identifier = DefaultIdentifier
	}
	return &LayoutAdapter{layout: layout, hooks: hooks}
}

// Layout returns the adapter's layout.
func (a *LayoutAdapter) Layout() *Layout {
	return a.layout
}

func (a *LayoutAdapter) Info() AdapterInfo {
	return AdapterInfo{
		ERP:         a.layout.ERP,
		DisplayName: a.layout.DisplayName,
		Description: a.layout.Description,
	}
}

func (a *LayoutAdapter) SupportedFileKinds() []models.FileKind {
	return a.layout.SortedKinds()
}

func (a *LayoutAdapter) ExpectedFormat(kind models.FileKind) (*FormatDescriptor, error) {
	kl, err := a.kindLayout(kind)
	if err != nil {
		return nil, err
	}
	required := make([]string, 0, len(kl.Required)+1)
	for _, role := range RequiredRoles(kl, kind, kl.Shape) {
		if aliases := kl.Aliases(role); len(aliases) > 0 {
			required = append(required, aliases[0])
		}
	}
	return &FormatDescriptor{
		Kind:            kind,
		Extensions:      kl.Extensions,
		RequiredColumns: required,
		HeaderRow:       kl.HeaderRow,
		SheetHints:      kl.SheetHints,
		Delimiter:       kl.Delimiter,
		Encoding:        kl.Encoding,
		Shape:           kl.Shape,
	}, nil
}

// ReadHeaders locates the header row without reading past it. A fixed header
// row comes from opts or the layout; otherwise the first rows are searched for
// an identifier header, falling back to the first non-empty row.
func (a *LayoutAdapter) ReadHeaders(ctx context.Context, file File, kind models.FileKind, opts Options) (*HeaderSet, error) {
	kl, err := a.kindLayout(kind)
	if err != nil {
		return nil, err
	}
	if err := checkExtension(file, kl); err != nil {
		return nil, err
	}

	fixed := opts.HeaderRow
	if fixed == 0 {
		fixed = kl.HeaderRow
	}
	identifiers := aliasSet(kl.Identifier)

	var found, firstNonEmpty []string
	foundRow, firstRow := 0, 0
	err = Scan(ctx, file, readOptions(kl, opts), func(n int, cells []string) error {
		if fixed > 0 {
			if n == fixed {
				found, foundRow = cells, n
				return ErrStopScan
			}
			return nil
		}
		if isBlank(cells) {
			return nil
		}
		if firstNonEmpty == nil {
			firstNonEmpty, firstRow = cells, n
		}
		for _, c := range cells {
			if identifiers[FoldHeader(c)] {
				found, foundRow = cells, n
				return ErrStopScan
			}
		}
		if n >= DefaultHeaderSearchRows {
			return ErrStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if found == nil && fixed == 0 {
		found, foundRow = firstNonEmpty, firstRow
	}
	if found == nil || isBlank(found) {
		return nil, apperrors.Validation(apperrors.ErrEmptyFile, "%s has no header row", displayName(file))
	}
	return a.buildHeaderSet(found, foundRow, kl, kind), nil
}

func (a *LayoutAdapter) ValidateStructure(headers []string, kind models.FileKind) error {
	kl, err := a.kindLayout(kind)
	if err != nil {
		return err
	}
	return validateHeaderSet(a.buildHeaderSet(headers, 1, kl, kind), kl, kind)
}

// Normalize reads the header row, validates it, then parses every data row.
func (a *LayoutAdapter) Normalize(ctx context.Context, file File, kind models.FileKind, opts Options) (*Result, error) {
	kl, err := a.kindLayout(kind)
	if err != nil {
		return nil, err
	}
	hs, err := a.ReadHeaders(ctx, file, kind, opts)
	if err != nil {
		return nil, err
	}
	if err := validateHeaderSet(hs, kl, kind); err != nil {
		return nil, err
	}

	res := &Result{Headers: hs}
	res.Warnings = append(res.Warnings, hs.Warnings...)

	dataRows := 0
	err = Scan(ctx, file, readOptions(kl, opts), func(n int, cells []string) error {
		if n <= hs.RowNumber || isBlank(cells) {
			return nil
		}
		dataRows++
		if a.hooks.SkipRow != nil && a.hooks.SkipRow(cells, hs.Columns) {
			res.RowsSkipped++
			return nil
		}
		row, warnings, ok := a.parseRow(n, cells, hs, kl, kind)
		res.Warnings = append(res.Warnings, warnings...)
		if !ok {
			res.RowsSkipped++
			return nil
		}
		res.Rows = append(res.Rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if dataRows == 0 {
		return nil, apperrors.Validation(apperrors.ErrEmptyFile, "%s has no data rows", displayName(file))
	}
	if len(res.Rows) == 0 {
		return nil, apperrors.Validation(nil, "%s has no valid rows (%d skipped)", displayName(file), res.RowsSkipped)
	}
	return res, nil
}

// ============================================================================
// Row parsing
// ============================================================================

func (a *LayoutAdapter) parseRow(n int, cells []string, hs *HeaderSet, kl *KindLayout, kind models.FileKind) (CanonicalRow, []models.FileWarning, bool) {
	cols := hs.Columns
	var warnings []models.FileWarning
	skip := func(column, format string, args ...any) (CanonicalRow, []models.FileWarning, bool) {
		warnings = append(warnings, models.FileWarning{Row: n, Column: column, Message: fmt.Sprintf(format, args...)})
		return CanonicalRow{}, warnings, false
	}

	id, err := a.hooks.Identifier(cells, cols)
	if err != nil {
		return skip(headerText(hs, cols.Identifier), "row skipped: %v", err)
	}
	if !CheckDigitValid(id) {
		warnings = append(warnings, models.FileWarning{
			Row: n, Column: headerText(hs, cols.Identifier),
			Message: "identifier check digit does not validate",
		})
	}

	row := CanonicalRow{
		RowNumber:  n,
		Identifier: id,
		Name:       cellAt(cells, cols.Name),
	}

	switch {
	case kind.IsMovementKind():
		mt := kl.FixedMovement
		if cols.MovementType >= 0 {
			raw := cellAt(cells, cols.MovementType)
			folded := FoldHeader(raw)
			switch v, ok := kl.MovementValues[folded]; {
			case ok:
				mt = v
			case models.MovementType(folded).IsValid():
				mt = models.MovementType(folded)
			case kl.FixedMovement != "":
				// A single-type file may carry a free-text cause; keep it.
				if raw != "" {
					row.Fields = map[string]string{headerText(hs, cols.MovementType): raw}
				}
			default:
				return skip(headerText(hs, cols.MovementType), "row skipped: unknown movement type %q", raw)
			}
		}
		if mt == "" {
			return skip("", "row skipped: movement type missing")
		}
		row.MovementType = mt

		for _, d := range []struct {
			col    int
			target **time.Time
		}{{cols.StartDate, &row.StartDate}, {cols.EndDate, &row.EndDate}} {
			raw := cellAt(cells, d.col)
			if raw == "" {
				continue
			}
			t, err := ParseDate(raw, kl.DateOrders...)
			if err != nil {
				return skip(headerText(hs, d.col), "row skipped: %v", err)
			}
			*d.target = &t
		}

	case hs.Shape == ShapeLong:
		concept := cleanHeader(cellAt(cells, cols.ConceptName))
		if concept == "" {
			return skip(headerText(hs, cols.ConceptName), "row skipped: concept is empty")
		}
		raw := cellAt(cells, cols.Amount)
		amount, err := NormalizeAmount(raw)
		row.Concepts = []ConceptValue{{
			Header:     concept,
			Occurrence: 1,
			Raw:        raw,
			Amount:     amount,
			Valid:      err == nil,
		}}

	default:
		for _, h := range hs.Headers {
			if h.Role != RoleConcept {
				continue
			}
			raw := cellAt(cells, h.Index)
			if raw == "" {
				continue
			}
			amount, err := NormalizeAmount(raw)
			row.Concepts = append(row.Concepts, ConceptValue{
				Header:     h.Text,
				Occurrence: h.Occurrence,
				Raw:        raw,
				Amount:     amount,
				Valid:      err == nil,
			})
		}
	}

	for _, h := range hs.Headers {
		if h.Role != RoleIgnored {
			continue
		}
		if v := cellAt(cells, h.Index); v != "" {
			if row.Fields == nil {
				row.Fields = make(map[string]string)
			}
			row.Fields[h.Text] = v
		}
	}
	return row, warnings, true
}

// DefaultIdentifier reads the identifier column, joining a separate check
// digit column when the layout has one.
func DefaultIdentifier(cells []string, cols Columns) (string, error) {
	raw := cellAt(cells, cols.Identifier)
	if raw == "" {
		return "", errors.New("identifier is empty")
	}
	if cols.CheckDigit >= 0 {
		return JoinIdentifier(raw, cellAt(cells, cols.CheckDigit))
	}
	return NormalizeIdentifier(raw)
}

// ============================================================================
// Header resolution
// ============================================================================

// ResolveByAlias assigns roles by exact match of folded header text against
// the layout aliases. Only the first occurrence of a header can take a role.
func ResolveByAlias(headers []Header, kl *KindLayout, _ models.FileKind) (Columns, []models.FileWarning) {
	cols := NoColumns()
	byAlias := make(map[string]ColumnRole)
	for _, role := range roleOrder {
		for _, alias := range kl.Aliases(role) {
			key := FoldHeader(alias)
			if _, taken := byAlias[key]; !taken {
				byAlias[key] = role
			}
		}
	}

	for i := range headers {
		if headers[i].Occurrence > 1 {
			continue
		}
		role, ok := byAlias[FoldHeader(headers[i].Text)]
		if !ok {
			continue
		}
		if role != RoleIgnored && cols.Get(role) >= 0 {
			continue
		}
		headers[i].Role = role
		if role != RoleIgnored {
			cols.Set(role, headers[i].Index)
		}
	}
	return cols, nil
}

// ResolveShape is the shape a file of kind is read with once its columns are
// known. Ledgers are always wide; auto picks long only when both the concept
// and amount columns were found.
func ResolveShape(kl *KindLayout, kind models.FileKind, cols Columns) Shape {
	if kind == models.FileKindLedger {
		return ShapeWide
	}
	if kl.Shape != ShapeAuto {
		return kl.Shape
	}
	if cols.ConceptName >= 0 && cols.Amount >= 0 {
		return ShapeLong
	}
	return ShapeWide
}

func (a *LayoutAdapter) buildHeaderSet(row []string, rowNum int, kl *KindLayout, kind models.FileKind) *HeaderSet {
	headers := DetectHeaders(row)
	cols, warnings := a.hooks.ResolveColumns(headers, kl, kind)

	shape := ResolveShape(kl, kind, cols)

	// Concept columns only exist in wide ledger and novelty files.
	if kind.IsMovementKind() || shape == ShapeLong {
		for i := range headers {
			if headers[i].Role == RoleConcept {
				headers[i].Role = RoleIgnored
			}
		}
	}

	return &HeaderSet{
		RowNumber: rowNum,
		Headers:   headers,
		Columns:   cols,
		Shape:     shape,
		Warnings:  warnings,
	}
}

func validateHeaderSet(hs *HeaderSet, kl *KindLayout, kind models.FileKind) error {
	if len(hs.Headers) == 0 {
		return apperrors.Validation(apperrors.ErrEmptyFile, "header row is empty")
	}

	var errs []error
	for _, role := range RequiredRoles(kl, kind, hs.Shape) {
		if hs.Columns.Get(role) < 0 {
			errs = append(errs, apperrors.Validation(nil, "missing required %s column (expected one of: %s)",
				role, strings.Join(kl.Aliases(role), ", ")))
		}
	}
	if hs.Shape == ShapeWide && !kind.IsMovementKind() && len(hs.Concepts()) == 0 {
		errs = append(errs, apperrors.Validation(nil, "no concept columns found"))
	}
	return errors.Join(errs...)
}

// RequiredRoles returns the roles a header row must resolve for kind and shape.
func RequiredRoles(kl *KindLayout, kind models.FileKind, shape Shape) []ColumnRole {
	seen := make(map[ColumnRole]bool)
	var out []ColumnRole
	add := func(r ColumnRole) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	add(RoleIdentifier)
	for _, r := range kl.Required {
		add(r)
	}
	if shape == ShapeLong && !kind.IsMovementKind() {
		add(RoleConceptName)
		add(RoleAmount)
	}
	if kind.IsMovementKind() && kl.FixedMovement == "" {
		add(RoleMovementType)
	}
	return out
}

// ============================================================================
// Helpers
// ============================================================================

func (a *LayoutAdapter) kindLayout(kind models.FileKind) (*KindLayout, error) {
	kl, ok := a.layout.Kinds[kind]
	if !ok {
		return nil, apperrors.Validation(nil, "%s does not read %s files", a.layout.DisplayName, kind)
	}
	return kl, nil
}

func checkExtension(file File, kl *KindLayout) error {
	ext := Extension(file)
	for _, e := range kl.Extensions {
		if e == ext {
			return nil
		}
	}
	return apperrors.Validation(nil, "unexpected file extension %q (expected %s)", ext, strings.Join(kl.Extensions, ", "))
}

func readOptions(kl *KindLayout, opts Options) ReadOptions {
	ro := ReadOptions{
		SheetName:  opts.SheetName,
		SheetHints: kl.SheetHints,
		Delimiter:  opts.Delimiter,
		Encoding:   kl.Encoding,
	}
	if ro.Delimiter == 0 && kl.Delimiter != "" {
		if kl.Delimiter == `\t` {
			ro.Delimiter = '\t'
		} else {
			ro.Delimiter = []rune(kl.Delimiter)[0]
		}
	}
	return ro
}

func aliasSet(aliases []string) map[string]bool {
	out := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		out[FoldHeader(a)] = true
	}
	return out
}

func headerText(hs *HeaderSet, idx int) string {
	for _, h := range hs.Headers {
		if h.Index == idx {
			return h.Text
		}
	}
	return ""
}

func cellAt(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
