package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// ConsolidationRepository stores the per-concept and per-category rollups of a
// closure.
type ConsolidationRepository interface {
	// Replace swaps the whole rollup of the closure in one transaction.
	Replace(ctx context.Context, summary *models.ConsolidatedSummary) error
	// Get returns the rollup. Both lists are empty for an unconsolidated closure.
	Get(ctx context.Context, closureID uuid.UUID) (*models.ConsolidatedSummary, error)
	ListConcepts(ctx context.Context, closureID uuid.UUID) ([]*models.ConsolidatedConcept, error)
}

type consolidationRepository struct{}

// NewConsolidationRepository creates a new ConsolidationRepository.
func NewConsolidationRepository() ConsolidationRepository {
	return &consolidationRepository{}
}

var _ ConsolidationRepository = (*consolidationRepository)(nil)

func (r *consolidationRepository) Replace(ctx context.Context, summary *models.ConsolidatedSummary) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	for _, table := range []string{"consolidated_concepts", "consolidated_categories"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE closure_id = $1`, summary.ClosureID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	conceptRows := make([][]any, len(summary.Concepts))
	for i, c := range summary.Concepts {
		c.ClosureID = summary.ClosureID
		conceptRows[i] = []any{c.ClosureID, c.ClassificationID, c.Header, c.Occurrence, string(c.Category),
			toNumeric(c.Total), c.EmployeeCount, toNumeric(c.Min), toNumeric(c.Avg), toNumeric(c.Max)}
	}
	if err := copyInBatches(ctx, tx, "consolidated_concepts", []string{
		"closure_id", "classification_id", "header", "occurrence", "category",
		"total", "employee_count", "min_amount", "avg_amount", "max_amount",
	}, conceptRows, 0, nil); err != nil {
		return err
	}

	categoryRows := make([][]any, len(summary.Categories))
	for i, c := range summary.Categories {
		c.ClosureID = summary.ClosureID
		categoryRows[i] = []any{c.ClosureID, string(c.Category), toNumeric(c.Total), c.EmployeeCount, c.ConceptCount}
	}
	if err := copyInBatches(ctx, tx, "consolidated_categories", []string{
		"closure_id", "category", "total", "employee_count", "concept_count",
	}, categoryRows, 0, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *consolidationRepository) Get(ctx context.Context, closureID uuid.UUID) (*models.ConsolidatedSummary, error) {
	concepts, err := r.ListConcepts(ctx, closureID)
	if err != nil {
		return nil, err
	}

	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT category, total, employee_count, concept_count
		FROM consolidated_categories
		WHERE closure_id = $1
		ORDER BY category`, closureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consolidated categories: %w", err)
	}
	defer rows.Close()

	categories := make([]*models.ConsolidatedCategory, 0)
	for rows.Next() {
		c := models.ConsolidatedCategory{ClosureID: closureID}
		var category string
		var total pgtype.Numeric
		if err := rows.Scan(&category, &total, &c.EmployeeCount, &c.ConceptCount); err != nil {
			return nil, fmt.Errorf("failed to scan consolidated category: %w", err)
		}
		c.Category = models.Category(category)
		c.Total = fromNumeric(total)
		categories = append(categories, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consolidated categories: %w", err)
	}

	return &models.ConsolidatedSummary{
		ClosureID:  closureID,
		Concepts:   concepts,
		Categories: categories,
	}, nil
}

func (r *consolidationRepository) ListConcepts(ctx context.Context, closureID uuid.UUID) ([]*models.ConsolidatedConcept, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT classification_id, header, occurrence, category, total, employee_count,
		       min_amount, avg_amount, max_amount
		FROM consolidated_concepts
		WHERE closure_id = $1
		ORDER BY header, occurrence`, closureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consolidated concepts: %w", err)
	}
	defer rows.Close()

	concepts := make([]*models.ConsolidatedConcept, 0)
	for rows.Next() {
		c := models.ConsolidatedConcept{ClosureID: closureID}
		var category string
		var total, minAmt, avgAmt, maxAmt pgtype.Numeric
		if err := rows.Scan(&c.ClassificationID, &c.Header, &c.Occurrence, &category, &total, &c.EmployeeCount,
			&minAmt, &avgAmt, &maxAmt); err != nil {
			return nil, fmt.Errorf("failed to scan consolidated concept: %w", err)
		}
		c.Category = models.Category(category)
		c.Total = fromNumeric(total)
		c.Min = fromNumeric(minAmt)
		c.Avg = fromNumeric(avgAmt)
		c.Max = fromNumeric(maxAmt)
		concepts = append(concepts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consolidated concepts: %w", err)
	}
	return concepts, nil
}
