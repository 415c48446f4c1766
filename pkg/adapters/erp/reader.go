package erp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/shakinm/xlsReader/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
)

// ErrStopScan may be returned by a RowFunc to end a scan early without error.
var ErrStopScan = errors.New("stop scan")

// RowFunc receives each physical row with its 1-based row number. Cells are
// owned by the callee.
type RowFunc func(rowNum int, cells []string) error

// ReadOptions selects the sheet and text decoding of a file.
type ReadOptions struct {
	// SheetName must match exactly (case-insensitive) when set.
	SheetName string
	// SheetHints pick the first sheet whose name contains a hint.
	SheetHints []string
	// Delimiter for CSV; zero sniffs it from the first line.
	Delimiter rune
	// Encoding for CSV: "utf-8", "iso-8859-1" or "windows-1252". Empty
	// detects UTF-8 and falls back to windows-1252.
	Encoding string
}

const ctxCheckEvery = 500

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Extension returns the lower-case extension of a file, preferring the
// original upload name.
func Extension(f File) string {
	if ext := strings.ToLower(filepath.Ext(f.Name)); ext != "" {
		return ext
	}
	return strings.ToLower(filepath.Ext(f.Path))
}

// Scan streams the rows of a spreadsheet to fn.
func Scan(ctx context.Context, file File, opts ReadOptions, fn RowFunc) error {
	switch ext := Extension(file); ext {
	case ".xlsx", ".xlsm":
		return scanXLSX(ctx, file, opts, fn)
	case ".xls":
		return scanXLS(ctx, file, opts, fn)
	case ".csv", ".txt":
		return scanCSV(ctx, file, opts, fn)
	default:
		return apperrors.Validation(nil, "unsupported file extension %q", ext)
	}
}

func scanXLSX(ctx context.Context, file File, opts ReadOptions, fn RowFunc) error {
	f, err := excelize.OpenFile(file.Path)
	if err != nil {
		return apperrors.Validation(err, "cannot open %s as xlsx", displayName(file))
	}
	defer f.Close()

	sheet, err := pickSheet(f.GetSheetList(), opts)
	if err != nil {
		return err
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return apperrors.Processing(err, "failed to read sheet %q", sheet)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		cells, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return apperrors.Processing(err, "failed to read row %d of sheet %q", n, sheet)
		}
		if err := fn(n, cells); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	if err := rows.Error(); err != nil {
		return apperrors.Processing(err, "failed to read sheet %q", sheet)
	}
	return nil
}

func scanXLS(ctx context.Context, file File, opts ReadOptions, fn RowFunc) error {
	workbook, err := xls.OpenFile(file.Path)
	if err != nil {
		return apperrors.Validation(err, "cannot open %s as xls", displayName(file))
	}

	count := workbook.GetNumberSheets()
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, err := workbook.GetSheet(i)
		if err != nil || s == nil {
			names = append(names, "")
			continue
		}
		names = append(names, s.GetName())
	}

	name, err := pickSheet(names, opts)
	if err != nil {
		return err
	}
	idx := 0
	for i, n := range names {
		if n == name {
			idx = i
			break
		}
	}
	sheet, err := workbook.GetSheet(idx)
	if err != nil || sheet == nil {
		return apperrors.Validation(err, "cannot read sheet %q", name)
	}

	for i := 0; i <= int(sheet.GetNumberRows()); i++ {
		if (i+1)%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var cells []string
		row, err := sheet.GetRow(i)
		if err == nil && row != nil {
			for _, col := range row.GetCols() {
				if col != nil {
					cells = append(cells, col.GetString())
				} else {
					cells = append(cells, "")
				}
			}
		}
		if err := fn(i+1, cells); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func scanCSV(ctx context.Context, file File, opts ReadOptions, fn RowFunc) error {
	fh, err := os.Open(file.Path)
	if err != nil {
		return apperrors.Processing(err, "cannot open %s", displayName(file))
	}
	defer fh.Close()

	raw := bufio.NewReaderSize(fh, 64*1024)
	sample, _ := raw.Peek(64 * 1024)

	var src io.Reader = raw
	switch strings.ToLower(opts.Encoding) {
	case "iso-8859-1", "latin1", "latin-1":
		src = transform.NewReader(raw, charmap.ISO8859_1.NewDecoder())
	case "windows-1252", "cp1252":
		src = transform.NewReader(raw, charmap.Windows1252.NewDecoder())
	case "", "auto":
		if !utf8.Valid(trimPartialRune(sample)) {
			src = transform.NewReader(raw, charmap.Windows1252.NewDecoder())
		}
	}

	br := bufio.NewReader(src)
	if head, _ := br.Peek(3); bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(3)
	}

	delim := opts.Delimiter
	if delim == 0 {
		head, _ := br.Peek(4096)
		delim = sniffDelimiter(head)
	}

	r := csv.NewReader(br)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	// Trimming would merge empty fields of tab-separated files.
	r.TrimLeadingSpace = delim != '\t'

	n := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Validation(err, "malformed csv near row %d", n+1)
		}
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(n, record); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
}

// sniffDelimiter picks the most frequent candidate delimiter of the first line.
func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestCount := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(line, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// trimPartialRune drops a multi-byte rune cut off at the end of a peeked sample.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

func pickSheet(names []string, opts ReadOptions) (string, error) {
	if len(names) == 0 {
		return "", apperrors.Validation(apperrors.ErrEmptyFile, "workbook has no sheets")
	}
	if opts.SheetName != "" {
		want := FoldHeader(opts.SheetName)
		for _, n := range names {
			if FoldHeader(n) == want {
				return n, nil
			}
		}
		return "", apperrors.Validation(nil, "sheet %q not found (available: %s)",
			opts.SheetName, strings.Join(names, ", "))
	}
	for _, hint := range opts.SheetHints {
		h := FoldHeader(hint)
		for _, n := range names {
			if h != "" && strings.Contains(FoldHeader(n), h) {
				return n, nil
			}
		}
	}
	return names[0], nil
}

func displayName(f File) string {
	if f.Name != "" {
		return f.Name
	}
	return filepath.Base(f.Path)
}

