//go:build integration

package repositories

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/testhelpers"
)

func categoryPtr(c models.Category) *models.Category { return &c }

func TestClassificationRepository_EnsureHeaders(t *testing.T) {
	ctx, clientID := testhelpers.GetTestDB(t).ClientContext(t)
	repo := NewClassificationRepository()

	records, err := repo.EnsureHeaders(ctx, clientID, "buk", []HeaderRecord{
		{Header: "RUT", Occurrence: 1, Category: categoryPtr(models.CategoryIdentifier)},
		{Header: "Sueldo Base", Occurrence: 1},
		{Header: "Bono", Occurrence: 1, IsDuplicate: true},
		{Header: "Bono", Occurrence: 2, IsDuplicate: true},
	})
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.True(t, records[0].IsClassified())
	assert.False(t, records[1].IsClassified())
	assert.Equal(t, 2, records[3].Occurrence)

	// Second run keeps ids and categories and does not clear the duplicate flag.
	again, err := repo.EnsureHeaders(ctx, clientID, "buk", []HeaderRecord{
		{Header: "Bono", Occurrence: 1},
		{Header: "RUT", Occurrence: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, records[2].ID, again[0].ID)
	assert.True(t, again[0].IsDuplicate)
	assert.True(t, again[1].IsClassified())

	pending, err := repo.CountPending(ctx, clientID, "buk")
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestClassificationRepository_SetCategories(t *testing.T) {
	ctx, clientID := testhelpers.GetTestDB(t).ClientContext(t)
	repo := NewClassificationRepository()
	userID := uuid.New()

	records, err := repo.EnsureHeaders(ctx, clientID, "talana", []HeaderRecord{
		{Header: "Sueldo Base", Occurrence: 1},
		{Header: "AFP", Occurrence: 1},
	})
	require.NoError(t, err)

	err = repo.SetCategories(ctx, clientID, "talana", []models.ClassificationAssignment{
		{ClassificationID: records[0].ID, Category: models.CategoryTaxableEarnings},
		{ClassificationID: records[1].ID, Category: models.CategoryLegalDeductions},
	}, &userID)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, records[1].ID)
	require.NoError(t, err)
	require.NotNil(t, got.Category)
	assert.Equal(t, models.CategoryLegalDeductions, *got.Category)
	assert.Equal(t, &userID, got.ClassifiedBy)

	pending, err := repo.ListPending(ctx, clientID, "talana")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClassificationRepository_SetCategoriesUnknownIDIsAtomic(t *testing.T) {
	ctx, clientID := testhelpers.GetTestDB(t).ClientContext(t)
	repo := NewClassificationRepository()

	records, err := repo.EnsureHeaders(ctx, clientID, "buk", []HeaderRecord{{Header: "Bono", Occurrence: 1}})
	require.NoError(t, err)

	err = repo.SetCategories(ctx, clientID, "buk", []models.ClassificationAssignment{
		{ClassificationID: records[0].ID, Category: models.CategoryTaxableEarnings},
		{ClassificationID: uuid.New(), Category: models.CategoryTaxableEarnings},
	}, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	got, err := repo.GetByID(ctx, records[0].ID)
	require.NoError(t, err)
	assert.False(t, got.IsClassified())
}

func TestMappingRepository_AssignIsOneToOne(t *testing.T) {
	ctx, clientID := testhelpers.GetTestDB(t).ClientContext(t)
	classifications := NewClassificationRepository()
	repo := NewMappingRepository()

	records, err := classifications.EnsureHeaders(ctx, clientID, "buk", []HeaderRecord{
		{Header: "Bono Produccion", Occurrence: 1, Category: categoryPtr(models.CategoryTaxableEarnings)},
	})
	require.NoError(t, err)

	created, err := repo.EnsureHeaders(ctx, clientID, "buk", []string{"BONO PROD", "BONO PRODUCCION", "BONO PROD"})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = repo.EnsureHeaders(ctx, clientID, "buk", []string{"BONO PROD"})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	first, err := repo.GetByHeader(ctx, clientID, "buk", "BONO PROD")
	require.NoError(t, err)
	first.ClassificationID = &records[0].ID
	require.NoError(t, repo.Assign(ctx, first))

	second, err := repo.GetByHeader(ctx, clientID, "buk", "BONO PRODUCCION")
	require.NoError(t, err)
	second.ClassificationID = &records[0].ID
	assert.ErrorIs(t, repo.Assign(ctx, second), apperrors.ErrMappingTargetTaken)

	second.ClassificationID = nil
	second.NoMapping = true
	require.NoError(t, repo.Assign(ctx, second))

	pending, err := repo.CountPending(ctx, clientID, "buk")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}
