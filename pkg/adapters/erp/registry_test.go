package erp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

type fakeAdapter struct {
	erp   string
	kinds []models.FileKind
}

var _ Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Info() AdapterInfo                     { return AdapterInfo{ERP: f.erp} }
func (f *fakeAdapter) SupportedFileKinds() []models.FileKind { return f.kinds }

// Unused interface methods

func (f *fakeAdapter) ExpectedFormat(models.FileKind) (*FormatDescriptor, error) { return nil, nil }
func (f *fakeAdapter) ReadHeaders(context.Context, File, models.FileKind, Options) (*HeaderSet, error) {
	return nil, nil
}
func (f *fakeAdapter) ValidateStructure([]string, models.FileKind) error { return nil }
func (f *fakeAdapter) Normalize(context.Context, File, models.FileKind, Options) (*Result, error) {
	return nil, nil
}

func newFakeRegistry(t *testing.T, withGeneric bool) *Registry {
	t.Helper()
	adapters := []Adapter{
		&fakeAdapter{erp: "BUK", kinds: []models.FileKind{models.FileKindLedger}},
		&fakeAdapter{erp: "talana", kinds: []models.FileKind{models.FileKindLedger, models.FileKindMovements}},
	}
	if withGeneric {
		adapters = append(adapters, &fakeAdapter{erp: GenericERP, kinds: models.ValidFileKinds})
	}
	r, err := NewRegistry(adapters...)
	require.NoError(t, err)
	return r
}

func TestNewRegistry_RejectsDuplicatesAndBlankKeys(t *testing.T) {
	_, err := NewRegistry(&fakeAdapter{erp: "buk"}, &fakeAdapter{erp: " BUK "})
	assert.Error(t, err)

	_, err = NewRegistry(&fakeAdapter{erp: "  "})
	assert.Error(t, err)
}

func TestRegistry_Resolve(t *testing.T) {
	r := newFakeRegistry(t, true)

	a, fellBack, err := r.Resolve("buk", models.FileKindLedger)
	require.NoError(t, err)
	assert.False(t, fellBack)
	assert.Equal(t, "BUK", a.Info().ERP)

	// Known ERP without an adapter for the kind.
	a, fellBack, err = r.Resolve("Buk", models.FileKindMovements)
	require.NoError(t, err)
	assert.True(t, fellBack)
	assert.Equal(t, GenericERP, a.Info().ERP)

	// Unknown ERP.
	a, fellBack, err = r.Resolve("nominax", models.FileKindNovelties)
	require.NoError(t, err)
	assert.True(t, fellBack)
	assert.Equal(t, GenericERP, a.Info().ERP)
}

func TestRegistry_ResolveWithoutERP(t *testing.T) {
	r := newFakeRegistry(t, true)

	_, _, err := r.Resolve(" ", models.FileKindLedger)
	assert.ErrorIs(t, err, apperrors.ErrNoERPConfigured)
	requireKind(t, err, apperrors.KindConfiguration)
}

func TestRegistry_ResolveWithoutFallback(t *testing.T) {
	r := newFakeRegistry(t, false)

	_, _, err := r.Resolve("buk", models.FileKindAttendance)
	assert.ErrorIs(t, err, apperrors.ErrNoAdapter)
	assert.True(t, apperrors.IsPermanent(err))
}

func TestRegistry_List(t *testing.T) {
	r := newFakeRegistry(t, true)

	var erps []string
	for _, info := range r.List() {
		erps = append(erps, info.ERP)
	}
	assert.Equal(t, []string{"BUK", GenericERP, "talana"}, erps)

	_, ok := r.Get("TALANA")
	assert.True(t, ok)
	_, ok = r.Get("sap")
	assert.False(t, ok)
}
