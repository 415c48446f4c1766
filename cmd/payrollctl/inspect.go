package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/builtin"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// fileFlags select the adapter and read options for a spreadsheet.
type fileFlags struct {
	erp       string
	kind      string
	sheet     string
	delimiter string
	headerRow int
}

func (f *fileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.erp, "erp", erp.GenericERP, "ERP that produced the file")
	cmd.Flags().StringVar(&f.kind, "kind", string(models.FileKindLedger), "file kind (ledger|novelties|movements|hires|terminations|attendance)")
	cmd.Flags().StringVar(&f.sheet, "sheet", "", "sheet name, overriding the layout hints")
	cmd.Flags().StringVar(&f.delimiter, "delimiter", "", "CSV delimiter, overriding sniffing")
	cmd.Flags().IntVar(&f.headerRow, "header-row", 0, "1-based header row, overriding the layout")
}

// resolve picks the adapter the engine would use and the file to read.
func (f *fileFlags) resolve(path string) (erp.Adapter, models.FileKind, erp.File, erp.Options, error) {
	kind := models.FileKind(f.kind)
	if !kind.IsValid() {
		return nil, "", erp.File{}, erp.Options{}, fmt.Errorf("unknown file kind %q", f.kind)
	}

	opts := erp.Options{SheetName: f.sheet, HeaderRow: f.headerRow}
	if f.delimiter != "" {
		if utf8.RuneCountInString(f.delimiter) != 1 {
			return nil, "", erp.File{}, erp.Options{}, fmt.Errorf("delimiter must be a single character, got %q", f.delimiter)
		}
		opts.Delimiter, _ = utf8.DecodeRuneInString(f.delimiter)
	}

	registry, err := builtin.NewRegistry()
	if err != nil {
		return nil, "", erp.File{}, erp.Options{}, err
	}
	adapter, _, err := registry.Resolve(f.erp, kind)
	if err != nil {
		return nil, "", erp.File{}, erp.Options{}, err
	}
	return adapter, kind, erp.File{Path: path, Name: filepath.Base(path)}, opts, nil
}

func newFormatsCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "formats [erp]",
		Short: "List ERP adapters, or the files one adapter reads",
		Example: `  payrollctl formats
  payrollctl formats talana -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := builtin.NewRegistry()
			if err != nil {
				return err
			}
			r := newRenderer(cmd.OutOrStdout(), root.output)

			if len(args) == 0 {
				infos := registry.List()
				if r.json() {
					return r.writeJSON(infos)
				}
				rows := make([]table.Row, 0, len(infos))
				for _, info := range infos {
					rows = append(rows, table.Row{info.ERP, info.DisplayName, info.Description})
				}
				r.table(table.Row{"ERP", "Name", "Description"}, rows)
				return nil
			}

			adapter, ok := registry.Get(args[0])
			if !ok {
				return fmt.Errorf("no adapter for ERP %q", args[0])
			}
			var formats []*erp.FormatDescriptor
			for _, kind := range adapter.SupportedFileKinds() {
				desc, err := adapter.ExpectedFormat(kind)
				if err != nil {
					return err
				}
				formats = append(formats, desc)
			}
			if r.json() {
				return r.writeJSON(formats)
			}
			rows := make([]table.Row, 0, len(formats))
			for _, d := range formats {
				headerRow := "auto"
				if d.HeaderRow > 0 {
					headerRow = fmt.Sprint(d.HeaderRow)
				}
				rows = append(rows, table.Row{
					d.Kind, d.Shape, strings.Join(d.Extensions, ", "), headerRow, strings.Join(d.RequiredColumns, ", "),
				})
			}
			r.table(table.Row{"Kind", "Shape", "Extensions", "Header row", "Required columns"}, rows)
			return nil
		},
	}
}

func newHeadersCmd(root *rootFlags) *cobra.Command {
	ff := &fileFlags{}
	cmd := &cobra.Command{
		Use:   "headers FILE",
		Short: "Show the header row an adapter reads from a file",
		Example: `  payrollctl headers --erp buk --kind ledger libro_octubre.xlsx
  payrollctl headers --erp rexmas --kind ledger --delimiter ';' libro.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, kind, file, opts, err := ff.resolve(args[0])
			if err != nil {
				return err
			}
			hs, err := adapter.ReadHeaders(cmd.Context(), file, kind, opts)
			if err != nil {
				return err
			}

			r := newRenderer(cmd.OutOrStdout(), root.output)
			if r.json() {
				return r.writeJSON(hs)
			}
			rows := make([]table.Row, 0, len(hs.Headers))
			for _, h := range hs.Headers {
				dup := ""
				if h.IsDuplicate {
					dup = fmt.Sprintf("#%d", h.Occurrence)
				}
				rows = append(rows, table.Row{h.Index + 1, h.Text, dup, h.Role})
			}
			r.table(table.Row{"Column", "Header", "Repeat", "Role"}, rows)
			r.line("%s on row %d, %s layout, %s read by %s",
				count(len(hs.Headers), "header"), hs.RowNumber, hs.Shape,
				count(len(hs.Concepts()), "concept column"), adapter.Info().ERP)
			writeWarnings(r, hs.Warnings)
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

func newNormalizeCmd(root *rootFlags) *cobra.Command {
	ff := &fileFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "normalize FILE",
		Short: "Show the canonical rows an adapter produces from a file",
		Example: `  payrollctl normalize --erp talana --kind ledger --limit 20 libro.xlsx
  payrollctl normalize --kind movements movimientos.csv -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, kind, file, opts, err := ff.resolve(args[0])
			if err != nil {
				return err
			}
			res, err := adapter.Normalize(cmd.Context(), file, kind, opts)
			if err != nil {
				return err
			}

			rows := res.Rows
			if limit > 0 && len(rows) > limit {
				rows = rows[:limit]
			}

			r := newRenderer(cmd.OutOrStdout(), root.output)
			if r.json() {
				return r.writeJSON(struct {
					Rows        []erp.CanonicalRow   `json:"rows"`
					Total       int                  `json:"total"`
					RowsSkipped int                  `json:"rows_skipped"`
					Warnings    []models.FileWarning `json:"warnings"`
				}{rows, len(res.Rows), res.RowsSkipped, res.Warnings})
			}

			if kind.IsMovementKind() {
				r.table(table.Row{"Row", "Identifier", "Name", "Movement", "Start", "End"}, movementRows(rows))
			} else {
				r.table(table.Row{"Row", "Identifier", "Name", "Concept", "Amount"}, conceptRows(rows))
			}
			r.line("%s read, %s skipped", count(len(res.Rows), "row"), count(res.RowsSkipped, "row"))
			writeWarnings(r, res.Warnings)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to print (0 prints all)")
	return cmd
}

func conceptRows(rows []erp.CanonicalRow) []table.Row {
	var out []table.Row
	for _, row := range rows {
		for _, c := range row.Concepts {
			amount := c.Amount.String()
			if !c.Valid {
				amount = fmt.Sprintf("invalid (%q)", c.Raw)
			}
			concept := c.Header
			if c.Occurrence > 1 {
				concept = fmt.Sprintf("%s #%d", c.Header, c.Occurrence)
			}
			out = append(out, table.Row{row.RowNumber, row.Identifier, row.Name, concept, amount})
		}
	}
	return out
}

func movementRows(rows []erp.CanonicalRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, table.Row{
			row.RowNumber, row.Identifier, row.Name, row.MovementType,
			formatDate(row.StartDate), formatDate(row.EndDate),
		})
	}
	return out
}

func writeWarnings(r *renderer, warnings []models.FileWarning) {
	if len(warnings) == 0 {
		return
	}
	r.line("%s:", count(len(warnings), "warning"))
	for _, w := range warnings {
		switch {
		case w.Row > 0 && w.Column != "":
			r.line("  row %d, %s: %s", w.Row, w.Column, w.Message)
		case w.Row > 0:
			r.line("  row %d: %s", w.Row, w.Message)
		default:
			r.line("  %s", w.Message)
		}
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
