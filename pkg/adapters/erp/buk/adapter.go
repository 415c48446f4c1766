// Package buk reads BUK exports.
package buk

import (
	_ "embed"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
)

//go:embed layout.yaml
var layoutYAML []byte

// New returns the BUK adapter. BUK exports follow their layout exactly.
func New() *erp.LayoutAdapter {
	return erp.NewLayoutAdapter(erp.MustParseLayout(layoutYAML), erp.Hooks{})
}
