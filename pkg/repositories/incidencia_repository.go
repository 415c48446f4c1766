package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// IncidenciaRepository provides data access for anomaly detection output.
type IncidenciaRepository interface {
	// Replace deletes the incidencias of the closure and inserts the new set.
	Replace(ctx context.Context, closureID uuid.UUID, items []*models.Incidencia) error
	List(ctx context.Context, closureID uuid.UUID, filter models.IncidenciaFilter) (*models.PagedResult[*models.Incidencia], error)
	GetByID(ctx context.Context, closureID, id uuid.UUID) (*models.Incidencia, error)
	// Update persists review fields. It fails with ErrConflict when the stored
	// status is no longer expectedStatus.
	Update(ctx context.Context, inc *models.Incidencia, expectedStatus models.IncidenciaStatus) error
}

type incidenciaRepository struct{}

// NewIncidenciaRepository creates a new IncidenciaRepository.
func NewIncidenciaRepository() IncidenciaRepository {
	return &incidenciaRepository{}
}

var _ IncidenciaRepository = (*incidenciaRepository)(nil)

const incidenciaColumns = `
	id, closure_id, header, occurrence, category,
	previous_amount, current_amount, absolute_variance, percent_variance,
	status, reviewer_id, resolver_id, justification, resolved_at, created_at, updated_at`

func (r *incidenciaRepository) Replace(ctx context.Context, closureID uuid.UUID, items []*models.Incidencia) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx, `DELETE FROM incidencias WHERE closure_id = $1`, closureID); err != nil {
		return fmt.Errorf("failed to delete previous incidencias: %w", err)
	}

	if len(items) > 0 {
		now := time.Now()
		batch := &pgx.Batch{}
		for _, inc := range items {
			if inc.ID == uuid.Nil {
				inc.ID = uuid.New()
			}
			inc.ClosureID = closureID
			if inc.Status == "" {
				inc.Status = models.IncidenciaPending
			}
			inc.CreatedAt = now
			inc.UpdatedAt = now
			batch.Queue(`
				INSERT INTO incidencias (id, closure_id, header, occurrence, category,
					previous_amount, current_amount, absolute_variance, percent_variance,
					status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
				inc.ID, inc.ClosureID, inc.Header, inc.Occurrence, string(inc.Category),
				toNumeric(inc.PreviousAmount), toNumeric(inc.CurrentAmount),
				toNumeric(inc.AbsoluteVariance), toNumeric(inc.PercentVariance),
				string(inc.Status), now)
		}
		br := tx.SendBatch(ctx, batch)
		for range items {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to insert incidencia: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *incidenciaRepository) List(ctx context.Context, closureID uuid.UUID, filter models.IncidenciaFilter) (*models.PagedResult[*models.Incidencia], error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	where := "closure_id = $1"
	args := []any{closureID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += " AND status = $2"
	}

	var total int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM incidencias WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count incidencias: %w", err)
	}

	page := filter.Page.Normalize()
	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM incidencias WHERE %s
		ORDER BY abs(percent_variance) DESC, header, occurrence
		LIMIT $%d OFFSET $%d`, incidenciaColumns, where, len(args)-1, len(args))

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidencias: %w", err)
	}
	defer rows.Close()

	items := make([]*models.Incidencia, 0)
	for rows.Next() {
		inc, err := scanIncidencia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidencias: %w", err)
	}

	return &models.PagedResult[*models.Incidencia]{
		Items:    items,
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	}, nil
}

func (r *incidenciaRepository) GetByID(ctx context.Context, closureID, id uuid.UUID) (*models.Incidencia, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+incidenciaColumns+` FROM incidencias WHERE closure_id = $1 AND id = $2`, closureID, id)
	inc, err := scanIncidencia(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("incidencia %s: %w", id, apperrors.ErrNotFound)
	}
	return inc, err
}

func (r *incidenciaRepository) Update(ctx context.Context, inc *models.Incidencia, expectedStatus models.IncidenciaStatus) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	inc.UpdatedAt = time.Now()
	query := `
		UPDATE incidencias
		SET status = $3, reviewer_id = $4, resolver_id = $5, justification = $6,
		    resolved_at = $7, updated_at = $8
		WHERE id = $1 AND status = $2`

	tag, err := scope.Conn.Exec(ctx, query,
		inc.ID, string(expectedStatus), string(inc.Status), inc.ReviewerID, inc.ResolverID,
		inc.Justification, inc.ResolvedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update incidencia: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("incidencia %s is no longer %s: %w", inc.ID, expectedStatus, apperrors.ErrConflict)
	}
	return nil
}

func scanIncidencia(row pgx.Row) (*models.Incidencia, error) {
	var inc models.Incidencia
	var category, status string
	var prev, cur, abs, pct pgtype.Numeric

	err := row.Scan(
		&inc.ID, &inc.ClosureID, &inc.Header, &inc.Occurrence, &category,
		&prev, &cur, &abs, &pct,
		&status, &inc.ReviewerID, &inc.ResolverID, &inc.Justification, &inc.ResolvedAt,
		&inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan incidencia: %w", err)
	}

	inc.Category = models.Category(category)
	inc.Status = models.IncidenciaStatus(status)
	inc.PreviousAmount = fromNumeric(prev)
	inc.CurrentAmount = fromNumeric(cur)
	inc.AbsoluteVariance = fromNumeric(abs)
	inc.PercentVariance = fromNumeric(pct)
	return &inc, nil
}
