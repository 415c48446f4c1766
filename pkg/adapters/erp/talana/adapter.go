// Package talana reads Talana exports.
//
// Talana puts the company name and period in a title block above the header
// row, so the layout locates the header by searching for the identifier column.
// Ledgers end with a totals row that carries no identifier.
package talana

import (
	_ "embed"
	"strings"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
)

//go:embed layout.yaml
var layoutYAML []byte

// New returns the Talana adapter.
func New() *erp.LayoutAdapter {
	return erp.NewLayoutAdapter(erp.MustParseLayout(layoutYAML), erp.Hooks{
		SkipRow: isTotalsRow,
	})
}

// isTotalsRow matches the "TOTALES" / "Total General" footer.
func isTotalsRow(cells []string, cols erp.Columns) bool {
	for _, idx := range []int{cols.Identifier, cols.Name, 0} {
		if idx < 0 || idx >= len(cells) {
			continue
		}
		if strings.HasPrefix(erp.FoldHeader(cells[idx]), "total") {
			return true
		}
	}
	return false
}
