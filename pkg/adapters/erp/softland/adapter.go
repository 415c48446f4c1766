// Package softland reads Softland exports.
package softland

import (
	_ "embed"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
)

//go:embed layout.yaml
var layoutYAML []byte

// New returns the Softland adapter.
func New() *erp.LayoutAdapter {
	return erp.NewLayoutAdapter(erp.MustParseLayout(layoutYAML), erp.Hooks{})
}
