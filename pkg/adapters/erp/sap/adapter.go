// Package sap reads SAP payroll exports.
//
// SAP exports the national identifier body and its check digit in separate
// columns, zero-padded to the field width. Some report variants leave the
// check digit blank; it is then computed from the body. Journals insert a
// subtotal row after each employee block.
package sap

import (
	_ "embed"
	"errors"
	"strings"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
)

//go:embed layout.yaml
var layoutYAML []byte

// New returns the SAP adapter.
func New() *erp.LayoutAdapter {
	return erp.NewLayoutAdapter(erp.MustParseLayout(layoutYAML), erp.Hooks{
		Identifier: identifier,
		SkipRow:    isSubtotalRow,
	})
}

func identifier(cells []string, cols erp.Columns) (string, error) {
	body := strings.TrimLeft(cell(cells, cols.Identifier), "0")
	if body == "" {
		return "", errors.New("identifier is empty")
	}
	dv := cell(cells, cols.CheckDigit)
	if dv == "" && strings.Contains(body, "-") {
		return erp.NormalizeIdentifier(body)
	}
	if dv == "" {
		computed, ok := erp.CheckDigit(body)
		if !ok {
			return "", errors.New("identifier body is not numeric")
		}
		dv = string(computed)
	}
	return erp.JoinIdentifier(body, dv)
}

// isSubtotalRow matches "Total" / "Suma" rows that close an employee block.
func isSubtotalRow(cells []string, cols erp.Columns) bool {
	if cell(cells, cols.Identifier) != "" {
		return false
	}
	for _, c := range cells {
		f := erp.FoldHeader(c)
		if strings.HasPrefix(f, "total") || strings.HasPrefix(f, "suma") {
			return true
		}
	}
	return false
}

func cell(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}
