package erp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
)

func collect(t *testing.T, file File, opts ReadOptions) [][]string {
	t.Helper()
	var rows [][]string
	err := Scan(context.Background(), file, opts, func(_ int, cells []string) error {
		rows = append(rows, cells)
		return nil
	})
	require.NoError(t, err)
	return rows
}

func TestScan_CSVSniffsDelimiterAndStripsBOM(t *testing.T) {
	file := writeCSV(t, "libro.csv", "\xEF\xBB\xBFRUT;Nombre;Sueldo\n12345678-5;Ana;1.500.000\n")

	rows := collect(t, file, ReadOptions{})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"RUT", "Nombre", "Sueldo"}, rows[0])
	assert.Equal(t, "1.500.000", rows[1][2])
}

func TestScan_CSVLegacyEncoding(t *testing.T) {
	content := "RUT,Descripci\xf3n\n12345678-5,Bonificaci\xf3n\n"

	t.Run("auto detect", func(t *testing.T) {
		rows := collect(t, writeCSV(t, "a.csv", content), ReadOptions{})
		assert.Equal(t, "Descripción", rows[0][1])
	})
	t.Run("declared", func(t *testing.T) {
		rows := collect(t, writeCSV(t, "b.csv", content), ReadOptions{Encoding: "iso-8859-1"})
		assert.Equal(t, "Bonificación", rows[1][1])
	})
}

func TestScan_CSVExplicitDelimiter(t *testing.T) {
	file := writeCSV(t, "tab.txt", "RUT\tMonto\n12345678-5\t1,5\n")
	rows := collect(t, file, ReadOptions{Delimiter: '\t'})
	assert.Equal(t, []string{"12345678-5", "1,5"}, rows[1])
}

func TestScan_StopEarly(t *testing.T) {
	file := writeCSV(t, "x.csv", "a\nb\nc\n")
	seen := 0
	err := Scan(context.Background(), file, ReadOptions{}, func(n int, _ []string) error {
		seen = n
		if n == 2 {
			return ErrStopScan
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestScan_CallbackErrorPropagates(t *testing.T) {
	file := writeCSV(t, "x.csv", "a\nb\n")
	boom := errors.New("boom")
	err := Scan(context.Background(), file, ReadOptions{}, func(int, []string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestScan_UnsupportedExtension(t *testing.T) {
	err := Scan(context.Background(), File{Path: "/tmp/x.pdf", Name: "x.pdf"}, ReadOptions{}, nil)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, kind)
}

func TestScan_XLSXSheetSelection(t *testing.T) {
	file := writeXLSX(t, "libro.xlsx", map[string][][]any{
		"Resumen":              {{"Resumen del periodo"}},
		"Libro Remuneraciones": {{"RUT", "Sueldo"}, {"12345678-5", 1500000}},
	}, "Resumen", "Libro Remuneraciones")

	t.Run("first sheet by default", func(t *testing.T) {
		rows := collect(t, file, ReadOptions{})
		assert.Equal(t, "Resumen del periodo", rows[0][0])
	})
	t.Run("hint", func(t *testing.T) {
		rows := collect(t, file, ReadOptions{SheetHints: []string{"remuneraciones"}})
		require.Len(t, rows, 2)
		assert.Equal(t, []string{"12345678-5", "1500000"}, rows[1])
	})
	t.Run("explicit name ignores case", func(t *testing.T) {
		rows := collect(t, file, ReadOptions{SheetName: "libro remuneraciones"})
		assert.Equal(t, "RUT", rows[0][0])
	})
	t.Run("unknown name", func(t *testing.T) {
		err := Scan(context.Background(), file, ReadOptions{SheetName: "Hoja9"}, func(int, []string) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Resumen")
	})
}

func TestScan_Cancelled(t *testing.T) {
	var b []byte
	for i := 0; i < 2*ctxCheckEvery; i++ {
		b = append(b, "12345678-5,1\n"...)
	}
	file := writeCSV(t, "big.csv", string(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Scan(ctx, file, ReadOptions{}, func(int, []string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
