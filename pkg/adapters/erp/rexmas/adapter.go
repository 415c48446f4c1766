// Package rexmas reads Rex+ exports.
package rexmas

import (
	_ "embed"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
)

//go:embed layout.yaml
var layoutYAML []byte

// New returns the Rex+ adapter.
func New() *erp.LayoutAdapter {
	return erp.NewLayoutAdapter(erp.MustParseLayout(layoutYAML), erp.Hooks{})
}
