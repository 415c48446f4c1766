package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// ClosureRepository provides data access for closures.
type ClosureRepository interface {
	Create(ctx context.Context, closure *models.Closure) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Closure, error)
	GetByPeriod(ctx context.Context, clientID uuid.UUID, period models.Period) (*models.Closure, error)
	ListByClient(ctx context.Context, clientID uuid.UUID) ([]*models.Closure, error)

	// GetPreviousFinalized returns the most recent finalized closure of the
	// client with a period before the given one, or nil when there is none.
	GetPreviousFinalized(ctx context.Context, clientID uuid.UUID, before models.Period) (*models.Closure, error)

	// Update persists every mutable field. It fails with ErrConflict when the
	// stored state is no longer expectedState.
	Update(ctx context.Context, closure *models.Closure, expectedState models.ClosureState) error

	// RecountRollups recomputes discrepancy and incidencia counters from the
	// live collections and returns the updated closure.
	RecountRollups(ctx context.Context, id uuid.UUID) (*models.Closure, error)

	// ListByState returns closures in any of the given states across clients.
	ListByState(ctx context.Context, states ...models.ClosureState) ([]*models.Closure, error)
}

type closureRepository struct{}

// NewClosureRepository creates a new ClosureRepository.
func NewClosureRepository() ClosureRepository {
	return &closureRepository{}
}

var _ ClosureRepository = (*closureRepository)(nil)

const closureColumns = `
	id, client_id, period, state,
	total_discrepancies, resolved_discrepancies, total_incidencias, resolved_incidencias,
	is_first_closure, needs_classification, needs_mapping, reconciled,
	error_message, consolidated_at, finalized_at, created_at, updated_at`

func (r *closureRepository) Create(ctx context.Context, c *models.Closure) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.State == "" {
		c.State = models.ClosureStateUploading
	}

	query := `
		INSERT INTO closures (id, client_id, period, state, is_first_closure, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = scope.Conn.Exec(ctx, query,
		c.ID, c.ClientID, string(c.Period), string(c.State), c.IsFirstClosure, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "closures_client_period_unique") {
			return fmt.Errorf("closure for period %s: %w", c.Period, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create closure: %w", err)
	}
	return nil
}

func (r *closureRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Closure, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+closureColumns+` FROM closures WHERE id = $1`, id)
	c, err := scanClosure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return c, err
}

func (r *closureRepository) GetByPeriod(ctx context.Context, clientID uuid.UUID, period models.Period) (*models.Closure, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx,
		`SELECT `+closureColumns+` FROM closures WHERE client_id = $1 AND period = $2`,
		clientID, string(period))
	c, err := scanClosure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return c, err
}

func (r *closureRepository) ListByClient(ctx context.Context, clientID uuid.UUID) ([]*models.Closure, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+closureColumns+` FROM closures WHERE client_id = $1 ORDER BY period DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list closures: %w", err)
	}
	return collectClosures(rows)
}

func (r *closureRepository) GetPreviousFinalized(ctx context.Context, clientID uuid.UUID, before models.Period) (*models.Closure, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + closureColumns + `
		FROM closures
		WHERE client_id = $1 AND state = $2 AND period < $3
		ORDER BY period DESC
		LIMIT 1`

	row := scope.Conn.QueryRow(ctx, query, clientID, string(models.ClosureStateFinalized), string(before))
	c, err := scanClosure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *closureRepository) Update(ctx context.Context, c *models.Closure, expectedState models.ClosureState) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	c.UpdatedAt = time.Now()
	query := `
		UPDATE closures SET
			state = $3,
			is_first_closure = $4,
			needs_classification = $5,
			needs_mapping = $6,
			reconciled = $7,
			error_message = $8,
			consolidated_at = $9,
			finalized_at = $10,
			updated_at = $11
		WHERE id = $1 AND state = $2`

	tag, err := scope.Conn.Exec(ctx, query,
		c.ID, string(expectedState), string(c.State),
		c.IsFirstClosure, c.NeedsClassification, c.NeedsMapping, c.Reconciled,
		c.ErrorMessage, c.ConsolidatedAt, c.FinalizedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update closure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("closure %s is no longer %s: %w", c.ID, expectedState, apperrors.ErrConflict)
	}
	return nil
}

func (r *closureRepository) RecountRollups(ctx context.Context, id uuid.UUID) (*models.Closure, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE closures c SET
			total_discrepancies = (SELECT COUNT(*) FROM discrepancies d WHERE d.closure_id = c.id),
			resolved_discrepancies = (SELECT COUNT(*) FROM discrepancies d WHERE d.closure_id = c.id AND d.resolved),
			total_incidencias = (SELECT COUNT(*) FROM incidencias i WHERE i.closure_id = c.id),
			resolved_incidencias = (SELECT COUNT(*) FROM incidencias i
				WHERE i.closure_id = c.id AND i.status IN ('approved', 'rejected')),
			updated_at = now()
		WHERE c.id = $1
		RETURNING ` + closureColumns

	c, err := scanClosure(scope.Conn.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return c, err
}

func (r *closureRepository) ListByState(ctx context.Context, states ...models.ClosureState) ([]*models.Closure, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	values := make([]string, len(states))
	for i, s := range states {
		values[i] = string(s)
	}
	rows, err := scope.Conn.Query(ctx,
		`SELECT `+closureColumns+` FROM closures WHERE state = ANY($1) ORDER BY updated_at`, values)
	if err != nil {
		return nil, fmt.Errorf("failed to list closures by state: %w", err)
	}
	return collectClosures(rows)
}

func collectClosures(rows pgx.Rows) ([]*models.Closure, error) {
	defer rows.Close()

	var closures []*models.Closure
	for rows.Next() {
		c, err := scanClosure(rows)
		if err != nil {
			return nil, err
		}
		closures = append(closures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closures: %w", err)
	}
	return closures, nil
}

func scanClosure(row pgx.Row) (*models.Closure, error) {
	var c models.Closure
	var period, state string
	err := row.Scan(
		&c.ID, &c.ClientID, &period, &state,
		&c.TotalDiscrepancies, &c.ResolvedDiscrepancies, &c.TotalIncidencias, &c.ResolvedIncidencias,
		&c.IsFirstClosure, &c.NeedsClassification, &c.NeedsMapping, &c.Reconciled,
		&c.ErrorMessage, &c.ConsolidatedAt, &c.FinalizedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan closure: %w", err)
	}
	c.Period = models.Period(period)
	c.State = models.ClosureState(state)
	return &c, nil
}
