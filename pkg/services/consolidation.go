package services

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// BuildConsolidatedSummary rolls ledger entries up per concept and per
// category. Non-monetary categories never reach the ledger, so every entry
// counts. Averages are rounded to two decimals.
func BuildConsolidatedSummary(closureID uuid.UUID, entries []models.LedgerEntry) *models.ConsolidatedSummary {
	type conceptAcc struct {
		concept   *models.ConsolidatedConcept
		employees map[string]bool
	}
	type categoryAcc struct {
		category  *models.ConsolidatedCategory
		employees map[string]bool
		concepts  map[uuid.UUID]bool
	}

	concepts := make(map[uuid.UUID]*conceptAcc)
	categories := make(map[models.Category]*categoryAcc)

	for _, e := range entries {
		ca, ok := concepts[e.ClassificationID]
		if !ok {
			ca = &conceptAcc{
				concept: &models.ConsolidatedConcept{
					ClosureID:        closureID,
					ClassificationID: e.ClassificationID,
					Header:           e.Header,
					Occurrence:       e.Occurrence,
					Category:         e.Category,
					Total:            decimal.Zero,
					Min:              e.Amount,
					Max:              e.Amount,
				},
				employees: make(map[string]bool),
			}
			concepts[e.ClassificationID] = ca
		}
		c := ca.concept
		c.Total = c.Total.Add(e.Amount)
		if e.Amount.LessThan(c.Min) {
			c.Min = e.Amount
		}
		if e.Amount.GreaterThan(c.Max) {
			c.Max = e.Amount
		}
		ca.employees[e.Identifier] = true

		cat, ok := categories[e.Category]
		if !ok {
			cat = &categoryAcc{
				category: &models.ConsolidatedCategory{
					ClosureID: closureID,
					Category:  e.Category,
					Total:     decimal.Zero,
				},
				employees: make(map[string]bool),
				concepts:  make(map[uuid.UUID]bool),
			}
			categories[e.Category] = cat
		}
		cat.category.Total = cat.category.Total.Add(e.Amount)
		cat.employees[e.Identifier] = true
		cat.concepts[e.ClassificationID] = true
	}

	summary := &models.ConsolidatedSummary{
		ClosureID:  closureID,
		Concepts:   make([]*models.ConsolidatedConcept, 0, len(concepts)),
		Categories: make([]*models.ConsolidatedCategory, 0, len(categories)),
	}
	for _, ca := range concepts {
		c := ca.concept
		c.EmployeeCount = len(ca.employees)
		c.Avg = c.Total.Div(decimal.NewFromInt(int64(c.EmployeeCount))).Round(2)
		summary.Concepts = append(summary.Concepts, c)
	}
	for _, cat := range categories {
		cat.category.EmployeeCount = len(cat.employees)
		cat.category.ConceptCount = len(cat.concepts)
		summary.Categories = append(summary.Categories, cat.category)
	}

	sort.Slice(summary.Concepts, func(i, j int) bool {
		a, b := summary.Concepts[i], summary.Concepts[j]
		if a.Header != b.Header {
			return a.Header < b.Header
		}
		return a.Occurrence < b.Occurrence
	})
	sort.Slice(summary.Categories, func(i, j int) bool {
		return summary.Categories[i].Category < summary.Categories[j].Category
	})
	return summary
}
