// Package builtin assembles the adapter registry shipped with the engine.
package builtin

import (
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/buk"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/generic"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/rexmas"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/sap"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/softland"
	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp/talana"
)

// NewRegistry returns a registry with every built-in adapter, including the
// generic fallback.
func NewRegistry() (*erp.Registry, error) {
	return erp.NewRegistry(
		buk.New(),
		talana.New(),
		rexmas.New(),
		softland.New(),
		sap.New(),
		generic.New(),
	)
}
