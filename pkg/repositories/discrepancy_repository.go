package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// DiscrepancyRepository provides data access for reconciliation output.
type DiscrepancyRepository interface {
	// ReplaceForOrigin deletes every discrepancy of the closure produced by
	// origin and inserts the new set. Other origins are untouched.
	ReplaceForOrigin(ctx context.Context, closureID uuid.UUID, origin models.DiscrepancyOrigin, items []*models.Discrepancy, batchSize int) error
	List(ctx context.Context, closureID uuid.UUID, filter models.DiscrepancyFilter) (*models.PagedResult[*models.Discrepancy], error)
	GetByID(ctx context.Context, closureID, id uuid.UUID) (*models.Discrepancy, error)
	// Resolve marks one discrepancy as resolved. Resolving twice is ErrConflict.
	Resolve(ctx context.Context, closureID, id uuid.UUID, userID *uuid.UUID, note string) (*models.Discrepancy, error)
}

type discrepancyRepository struct{}

// NewDiscrepancyRepository creates a new DiscrepancyRepository.
func NewDiscrepancyRepository() DiscrepancyRepository {
	return &discrepancyRepository{}
}

var _ DiscrepancyRepository = (*discrepancyRepository)(nil)

const discrepancyColumns = `
	id, closure_id, kind, origin, identifier, classification_id, concept, movement_type,
	erp_amount, client_amount, difference,
	resolved, resolved_at, resolved_by, resolution_note, created_at`

func (r *discrepancyRepository) ReplaceForOrigin(ctx context.Context, closureID uuid.UUID, origin models.DiscrepancyOrigin, items []*models.Discrepancy, batchSize int) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx, `DELETE FROM discrepancies WHERE closure_id = $1 AND origin = $2`,
		closureID, string(origin)); err != nil {
		return fmt.Errorf("failed to delete previous discrepancies: %w", err)
	}

	now := time.Now()
	rows := make([][]any, len(items))
	for i, d := range items {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.ClosureID = closureID
		d.Origin = origin
		d.CreatedAt = now
		var movementType *string
		if d.MovementType != nil {
			s := string(*d.MovementType)
			movementType = &s
		}
		rows[i] = []any{
			d.ID, d.ClosureID, string(d.Kind), string(d.Origin), d.Identifier, d.ClassificationID, d.Concept, movementType,
			toNullableNumeric(d.ERPAmount), toNullableNumeric(d.ClientAmount), toNullableNumeric(d.Difference),
			false, d.CreatedAt,
		}
	}
	if err := copyInBatches(ctx, tx, "discrepancies", []string{
		"id", "closure_id", "kind", "origin", "identifier", "classification_id", "concept", "movement_type",
		"erp_amount", "client_amount", "difference", "resolved", "created_at",
	}, rows, batchSize, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *discrepancyRepository) List(ctx context.Context, closureID uuid.UUID, filter models.DiscrepancyFilter) (*models.PagedResult[*models.Discrepancy], error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	conds := []string{"closure_id = $1"}
	args := []any{closureID}
	if filter.Origin != "" {
		args = append(args, string(filter.Origin))
		conds = append(conds, fmt.Sprintf("origin = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		conds = append(conds, fmt.Sprintf("resolved = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM discrepancies WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count discrepancies: %w", err)
	}

	page := filter.Page.Normalize()
	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM discrepancies WHERE %s
		ORDER BY origin, kind, identifier, concept, id
		LIMIT $%d OFFSET $%d`, discrepancyColumns, where, len(args)-1, len(args))

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	items := make([]*models.Discrepancy, 0)
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating discrepancies: %w", err)
	}

	return &models.PagedResult[*models.Discrepancy]{
		Items:    items,
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	}, nil
}

func (r *discrepancyRepository) GetByID(ctx context.Context, closureID, id uuid.UUID) (*models.Discrepancy, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies WHERE closure_id = $1 AND id = $2`, closureID, id)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("discrepancy %s: %w", id, apperrors.ErrNotFound)
	}
	return d, err
}

func (r *discrepancyRepository) Resolve(ctx context.Context, closureID, id uuid.UUID, userID *uuid.UUID, note string) (*models.Discrepancy, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE discrepancies
		SET resolved = true, resolved_at = $3, resolved_by = $4, resolution_note = $5
		WHERE closure_id = $1 AND id = $2 AND NOT resolved
		RETURNING ` + discrepancyColumns

	d, err := scanDiscrepancy(scope.Conn.QueryRow(ctx, query, closureID, id, time.Now(), userID, note))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or already resolved.
		if _, getErr := r.GetByID(ctx, closureID, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.State(apperrors.ErrConflict, "discrepancy %s is already resolved", id)
	}
	return d, err
}

func scanDiscrepancy(row pgx.Row) (*models.Discrepancy, error) {
	var d models.Discrepancy
	var kind, origin string
	var movementType *string
	var erpAmount, clientAmount, difference pgtype.Numeric

	err := row.Scan(
		&d.ID, &d.ClosureID, &kind, &origin, &d.Identifier, &d.ClassificationID, &d.Concept, &movementType,
		&erpAmount, &clientAmount, &difference,
		&d.Resolved, &d.ResolvedAt, &d.ResolvedBy, &d.ResolutionNote, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
	}

	d.Kind = models.DiscrepancyKind(kind)
	d.Origin = models.DiscrepancyOrigin(origin)
	if movementType != nil {
		mt := models.MovementType(*movementType)
		d.MovementType = &mt
	}
	d.ERPAmount = fromNullableNumeric(erpAmount)
	d.ClientAmount = fromNullableNumeric(clientAmount)
	d.Difference = fromNullableNumeric(difference)
	return &d, nil
}
