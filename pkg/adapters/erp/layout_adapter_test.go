package erp

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

const testLayoutYAML = `
erp: acme
display_name: ACME
description: test exports
kinds:
  ledger:
    extensions: [xlsx, csv]
    header_row: 0
    identifier: [rut]
    name: [nombre]
    ignore: [cargo]
  novelties:
    extensions: [xlsx, csv]
    header_row: 0
    shape: auto
    identifier: [rut]
    name: [nombre]
    concept_name: [concepto]
    amount: [monto]
  movements:
    extensions: [csv]
    header_row: 1
    identifier: [rut]
    movement_type: [tipo]
    start_date: [desde]
    end_date: [hasta]
    movement_values:
      Licencia Médica: leave
  hires:
    extensions: [csv]
    header_row: 1
    identifier: [rut]
    start_date: [fecha ingreso]
    fixed_movement: hire
`

func newTestAdapter(t *testing.T) *LayoutAdapter {
	t.Helper()
	layout, err := ParseLayout([]byte(testLayoutYAML))
	require.NoError(t, err)
	return NewLayoutAdapter(layout, Hooks{})
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireKind(t *testing.T, err error, want apperrors.Kind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok, "error has no kind: %v", err)
	assert.Equal(t, want, kind)
}

func TestLayoutAdapter_LedgerWithTitleBlock(t *testing.T) {
	a := newTestAdapter(t)
	file := writeXLSX(t, "libro.xlsx", map[string][][]any{
		"Libro": {
			{"Empresa Demo SpA"},
			{"Periodo 2024-10"},
			{"RUT", "Nombre", "Cargo", "Sueldo Base", "Bono", "Bono"},
			{"12.345.678-5", "Ana Pérez", "Analista", 1500000, "50.000", 10000},
			{"11111111-1", "Luis Soto", "", 900000},
			{"TOTAL", "", "", 2400000},
		},
	}, "Libro")

	hs, err := a.ReadHeaders(context.Background(), file, models.FileKindLedger, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, hs.RowNumber)
	assert.Equal(t, ShapeWide, hs.Shape)
	assert.Equal(t, 0, hs.Columns.Identifier)
	assert.Equal(t, 1, hs.Columns.Name)
	assert.Equal(t, RoleIgnored, hs.Headers[2].Role)

	concepts := hs.Concepts()
	require.Len(t, concepts, 3)
	assert.Equal(t, "Bono", concepts[2].Text)
	assert.Equal(t, 2, concepts[2].Occurrence)

	res, err := a.Normalize(context.Background(), file, models.FileKindLedger, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 1, res.RowsSkipped)

	ana := res.Rows[0]
	assert.Equal(t, 4, ana.RowNumber)
	assert.Equal(t, "12345678-5", ana.Identifier)
	assert.Equal(t, "Ana Pérez", ana.Name)
	assert.Equal(t, map[string]string{"Cargo": "Analista"}, ana.Fields)
	require.Len(t, ana.Concepts, 3)
	assert.True(t, amount("1500000").Equal(ana.Concepts[0].Amount))
	assert.True(t, amount("50000").Equal(ana.Concepts[1].Amount))
	assert.Equal(t, 1, ana.Concepts[1].Occurrence)
	assert.True(t, amount("10000").Equal(ana.Concepts[2].Amount))
	assert.Equal(t, 2, ana.Concepts[2].Occurrence)

	luis := res.Rows[1]
	require.Len(t, luis.Concepts, 1)
	assert.Equal(t, "Sueldo Base", luis.Concepts[0].Header)
	assert.Nil(t, luis.Fields)

	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, 6, res.Warnings[len(res.Warnings)-1].Row)
}

func TestLayoutAdapter_InvalidAmountKeepsRow(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "libro.csv", "RUT,Bono\n12345678-5,n/a\n")

	res, err := a.Normalize(context.Background(), file, models.FileKindLedger, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Len(t, res.Rows[0].Concepts, 1)
	assert.False(t, res.Rows[0].Concepts[0].Valid)
	assert.Equal(t, "n/a", res.Rows[0].Concepts[0].Raw)
}

func TestLayoutAdapter_CheckDigitWarningKeepsRow(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "libro.csv", "RUT,Bono\n12345678-4,1000\n")

	res, err := a.Normalize(context.Background(), file, models.FileKindLedger, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, 2, res.Warnings[0].Row)
	assert.Equal(t, "RUT", res.Warnings[0].Column)
}

func TestLayoutAdapter_NoveltiesLongShape(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "novedades.csv",
		"RUT;Nombre;Concepto;Monto;Observacion\n"+
			"12345678-5;Ana;Bono Producción;25.000;ok\n"+
			"11111111-1;Luis;;1000;\n")

	res, err := a.Normalize(context.Background(), file, models.FileKindNovelties, Options{})
	require.NoError(t, err)
	assert.Equal(t, ShapeLong, res.Headers.Shape)
	assert.Empty(t, res.Headers.Concepts())
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.RowsSkipped)

	row := res.Rows[0]
	require.Len(t, row.Concepts, 1)
	assert.Equal(t, "Bono Producción", row.Concepts[0].Header)
	assert.True(t, amount("25000").Equal(row.Concepts[0].Amount))
	assert.Equal(t, map[string]string{"Observacion": "ok"}, row.Fields)
}

func TestLayoutAdapter_NoveltiesWideShape(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "novedades.csv", "RUT,Bono Producción,Horas Extra\n12345678-5,25000,\n")

	res, err := a.Normalize(context.Background(), file, models.FileKindNovelties, Options{})
	require.NoError(t, err)
	assert.Equal(t, ShapeWide, res.Headers.Shape)
	require.Len(t, res.Rows, 1)
	require.Len(t, res.Rows[0].Concepts, 1)
	assert.Equal(t, "Bono Producción", res.Rows[0].Concepts[0].Header)
}

func TestLayoutAdapter_Movements(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "movimientos.csv",
		"RUT,Tipo,Desde,Hasta\n"+
			"12345678-5,Licencia Medica,01/10/2024,05/10/2024\n"+
			"11111111-1,Teletrabajo,01/10/2024,\n"+
			"22222222-2,vacation,2024-10-07,\n")

	res, err := a.Normalize(context.Background(), file, models.FileKindMovements, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 1, res.RowsSkipped)

	leave := res.Rows[0]
	assert.Equal(t, models.MovementLeave, leave.MovementType)
	require.NotNil(t, leave.StartDate)
	require.NotNil(t, leave.EndDate)
	assert.Equal(t, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), *leave.StartDate)
	assert.Equal(t, time.Date(2024, 10, 5, 0, 0, 0, 0, time.UTC), *leave.EndDate)
	assert.Empty(t, leave.Concepts)

	vacation := res.Rows[1]
	assert.Equal(t, models.MovementVacation, vacation.MovementType)
	assert.Nil(t, vacation.EndDate)

	var unknown bool
	for _, w := range res.Warnings {
		if w.Row == 3 && w.Column == "Tipo" {
			unknown = true
		}
	}
	assert.True(t, unknown, "expected a warning for the unknown movement type")
}

func TestLayoutAdapter_FixedMovement(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "ingresos.csv", "RUT,Fecha Ingreso\n12345678-5,01/10/2024\n")

	res, err := a.Normalize(context.Background(), file, models.FileKindHires, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, models.MovementHire, res.Rows[0].MovementType)
	require.NotNil(t, res.Rows[0].StartDate)
}

func TestLayoutAdapter_HeaderRowOverride(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "movimientos.csv", "Reporte de movimientos\nRUT,Tipo\n12345678-5,vacaciones\n12345678-5,vacation\n")

	_, err := a.Normalize(context.Background(), file, models.FileKindMovements, Options{})
	requireKind(t, err, apperrors.KindValidation)

	res, err := a.Normalize(context.Background(), file, models.FileKindMovements, Options{HeaderRow: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Headers.RowNumber)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 4, res.Rows[0].RowNumber)
}

func TestLayoutAdapter_MissingIdentifierColumn(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "libro.csv", "Nombre,Sueldo\nAna,1000\n")

	_, err := a.Normalize(context.Background(), file, models.FileKindLedger, Options{})
	requireKind(t, err, apperrors.KindValidation)
	assert.Contains(t, err.Error(), "identifier")
}

func TestLayoutAdapter_HeaderOnlyFile(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "libro.csv", "RUT,Bono\n")

	_, err := a.Normalize(context.Background(), file, models.FileKindLedger, Options{})
	assert.ErrorIs(t, err, apperrors.ErrEmptyFile)
}

func TestLayoutAdapter_NoValidRows(t *testing.T) {
	a := newTestAdapter(t)
	file := writeCSV(t, "libro.csv", "RUT,Bono\nTOTAL,1000\n")

	_, err := a.Normalize(context.Background(), file, models.FileKindLedger, Options{})
	requireKind(t, err, apperrors.KindValidation)
	assert.NotErrorIs(t, err, apperrors.ErrEmptyFile)
}

func TestLayoutAdapter_RejectsUnknownKindAndExtension(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.ReadHeaders(context.Background(), File{Path: "x.csv"}, models.FileKindAttendance, Options{})
	requireKind(t, err, apperrors.KindValidation)

	_, err = a.ReadHeaders(context.Background(), File{Path: "/tmp/x.pdf", Name: "x.pdf"}, models.FileKindLedger, Options{})
	requireKind(t, err, apperrors.KindValidation)
}

func TestLayoutAdapter_ValidateStructure(t *testing.T) {
	a := newTestAdapter(t)

	assert.NoError(t, a.ValidateStructure([]string{"RUT", "Bono"}, models.FileKindLedger))
	assert.Error(t, a.ValidateStructure([]string{"Bono"}, models.FileKindLedger))
	assert.Error(t, a.ValidateStructure([]string{"RUT", "Nombre"}, models.FileKindLedger), "no concept columns")
	assert.NoError(t, a.ValidateStructure([]string{"RUT", "Concepto", "Monto"}, models.FileKindNovelties))
	assert.Error(t, a.ValidateStructure([]string{"RUT", "Desde"}, models.FileKindMovements), "type column required")
	assert.NoError(t, a.ValidateStructure([]string{"RUT"}, models.FileKindHires))
}

func TestLayoutAdapter_ExpectedFormat(t *testing.T) {
	a := newTestAdapter(t)

	f, err := a.ExpectedFormat(models.FileKindMovements)
	require.NoError(t, err)
	assert.Equal(t, []string{"rut", "tipo"}, f.RequiredColumns)
	assert.Equal(t, []string{".csv"}, f.Extensions)
	assert.Equal(t, 1, f.HeaderRow)

	assert.Equal(t, []models.FileKind{
		models.FileKindHires, models.FileKindLedger, models.FileKindMovements, models.FileKindNovelties,
	}, a.SupportedFileKinds())
}

func TestParseLayout_Errors(t *testing.T) {
	cases := map[string]string{
		"no erp":         "kinds: {ledger: {extensions: [csv], identifier: [rut]}}",
		"no kinds":       "erp: x",
		"unknown kind":   "erp: x\nkinds: {payslips: {extensions: [csv], identifier: [rut]}}",
		"no identifier":  "erp: x\nkinds: {ledger: {extensions: [csv]}}",
		"no extensions":  "erp: x\nkinds: {ledger: {identifier: [rut]}}",
		"bad movement":   "erp: x\nkinds: {movements: {extensions: [csv], identifier: [rut], movement_values: {a: promotion}}}",
		"bad fixed":      "erp: x\nkinds: {hires: {extensions: [csv], identifier: [rut], fixed_movement: promotion}}",
		"malformed yaml": "erp: [",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLayout([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(map[string]any{
		"sheet_name": " Hoja1 ",
		"delimiter":  "tab",
		"header_row": float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, Options{SheetName: "Hoja1", Delimiter: '\t', HeaderRow: 3}, opts)

	opts, err = OptionsFromConfig(map[string]any{"delimiter": ";", "header_row": "2"})
	require.NoError(t, err)
	assert.Equal(t, ';', opts.Delimiter)
	assert.Equal(t, 2, opts.HeaderRow)

	opts, err = OptionsFromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, Options{}, opts)

	for _, bad := range []map[string]any{
		{"delimiter": ";;"},
		{"header_row": 0},
		{"header_row": "primera"},
		{"header_row": 1.5},
	} {
		_, err := OptionsFromConfig(bad)
		requireKind(t, err, apperrors.KindConfiguration)
	}
}

func TestResolveShape(t *testing.T) {
	both := NoColumns()
	both.ConceptName, both.Amount = 2, 3
	onlyConcept := NoColumns()
	onlyConcept.ConceptName = 2
	onlyAmount := NoColumns()
	onlyAmount.Amount = 3

	tests := []struct {
		name  string
		shape Shape
		kind  models.FileKind
		cols  Columns
		want  Shape
	}{
		{"ledger always wide", ShapeLong, models.FileKindLedger, both, ShapeWide},
		{"explicit long kept", ShapeLong, models.FileKindNovelties, NoColumns(), ShapeLong},
		{"explicit wide kept", ShapeWide, models.FileKindNovelties, both, ShapeWide},
		{"auto with concept and amount", ShapeAuto, models.FileKindNovelties, both, ShapeLong},
		{"auto with concept only", ShapeAuto, models.FileKindNovelties, onlyConcept, ShapeWide},
		{"auto with amount only", ShapeAuto, models.FileKindNovelties, onlyAmount, ShapeWide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveShape(&KindLayout{Shape: tt.shape}, tt.kind, tt.cols))
		})
	}
}
