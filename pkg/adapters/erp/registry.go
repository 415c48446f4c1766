package erp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// GenericERP is the identifier of the best-effort fallback adapter.
const GenericERP = "generic"

// Registry maps ERP identifiers to adapters. It is built once at startup and
// never mutated, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from adapters. ERP identifiers are matched
// case-insensitively and must be unique.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		key := registryKey(a.Info().ERP)
		if key == "" {
			return nil, fmt.Errorf("adapter %T has an empty ERP identifier", a)
		}
		if _, dup := r.adapters[key]; dup {
			return nil, fmt.Errorf("duplicate adapter for ERP %q", key)
		}
		r.adapters[key] = a
	}
	return r, nil
}

// Get returns the adapter registered for erp.
func (r *Registry) Get(erp string) (Adapter, bool) {
	a, ok := r.adapters[registryKey(erp)]
	return a, ok
}

// Resolve returns the adapter to read files of kind for a client whose active
// ERP is erp. When that ERP has no adapter, or its adapter does not read kind,
// the generic adapter is used and fellBack is true.
func (r *Registry) Resolve(erp string, kind models.FileKind) (adapter Adapter, fellBack bool, err error) {
	if strings.TrimSpace(erp) == "" {
		return nil, false, apperrors.Configuration(apperrors.ErrNoERPConfigured,
			"client has no active ERP configuration")
	}
	if a, ok := r.Get(erp); ok && supports(a, kind) {
		return a, false, nil
	}
	if g, ok := r.adapters[GenericERP]; ok && supports(g, kind) {
		return g, true, nil
	}
	return nil, false, apperrors.Configuration(apperrors.ErrNoAdapter,
		"no adapter reads %s files for ERP %q and no generic fallback is registered", kind, erp)
}

// List returns info for all registered adapters, sorted by ERP.
func (r *Registry) List() []AdapterInfo {
	out := make([]AdapterInfo, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ERP < out[j].ERP })
	return out
}

func supports(a Adapter, kind models.FileKind) bool {
	for _, k := range a.SupportedFileKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func registryKey(erp string) string {
	return strings.ToLower(strings.TrimSpace(erp))
}
