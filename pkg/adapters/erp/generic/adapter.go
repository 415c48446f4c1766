// Package generic reads exports from ERPs without a dedicated adapter.
//
// Columns are matched against a broad alias list first. Required columns that
// no alias matched are then looked up by fuzzy match over the remaining
// headers, and every fuzzy pick is reported as a file warning so the
// uploader can check it.
package generic

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/schollz/closestmatch"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

//go:embed layout.yaml
var layoutYAML []byte

// New returns the generic adapter.
func New() *erp.LayoutAdapter {
	return erp.NewLayoutAdapter(erp.MustParseLayout(layoutYAML), erp.Hooks{
		ResolveColumns: resolveColumns,
	})
}

func resolveColumns(headers []erp.Header, kl *erp.KindLayout, kind models.FileKind) (erp.Columns, []models.FileWarning) {
	cols, warnings := erp.ResolveByAlias(headers, kl, kind)

	shape := erp.ResolveShape(kl, kind, cols)

	for _, role := range erp.RequiredRoles(kl, kind, shape) {
		if cols.Get(role) >= 0 {
			continue
		}
		idx, ok := fuzzyMatch(headers, kl.Aliases(role))
		if !ok {
			continue
		}
		headers[idx].Role = role
		cols.Set(role, headers[idx].Index)
		warnings = append(warnings, models.FileWarning{
			Row:     0,
			Column:  headers[idx].Text,
			Message: fmt.Sprintf("column %q assumed to be the %s column", headers[idx].Text, role),
		})
	}

	if kind.IsMovementKind() || shape == erp.ShapeLong {
		for _, h := range headers {
			if h.Role == erp.RoleConcept {
				warnings = append(warnings, models.FileWarning{
					Column:  h.Text,
					Message: fmt.Sprintf("column %q not recognized; kept as an extra field", h.Text),
				})
			}
		}
	}
	return cols, warnings
}

// fuzzyMatch returns the position in headers of the unassigned first-occurrence
// header closest to any alias. A match must share a word with the alias.
func fuzzyMatch(headers []erp.Header, aliases []string) (int, bool) {
	byFolded := make(map[string]int)
	var candidates []string
	for i, h := range headers {
		if h.Occurrence > 1 || h.Role != erp.RoleConcept {
			continue
		}
		f := erp.FoldHeader(h.Text)
		if f == "" {
			continue
		}
		if _, dup := byFolded[f]; !dup {
			byFolded[f] = i
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return -1, false
	}

	cm := closestmatch.New(candidates, []int{2, 3})
	for _, alias := range aliases {
		want := erp.FoldHeader(alias)
		match := cm.Closest(want)
		if match == "" || !shareWord(match, want) {
			continue
		}
		return byFolded[match], true
	}
	return -1, false
}

func shareWord(a, b string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		words[w] = true
	}
	for _, w := range strings.Fields(b) {
		if words[w] {
			return true
		}
	}
	return false
}
