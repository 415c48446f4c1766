package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// PayrollRepository stores rows derived from source files. Every Replace call
// deletes what the file produced before and writes the new set in one
// transaction, so re-processing a file never appends.
type PayrollRepository interface {
	ReplaceLedger(ctx context.Context, fileID uuid.UUID, employees []*models.Employee, items []*models.LineItem, batchSize int, onBatch func(written int)) error
	ReplaceNovelties(ctx context.Context, fileID uuid.UUID, items []*models.NoveltyItem, batchSize int) error
	ReplaceMovements(ctx context.Context, fileID uuid.UUID, movements []*models.Movement, batchSize int) error

	// The List methods read only from the current version of each file kind.
	ListLedgerEntries(ctx context.Context, closureID uuid.UUID) ([]models.LedgerEntry, error)
	ListNoveltyItems(ctx context.Context, closureID uuid.UUID) ([]*models.NoveltyItem, error)
	ListMovements(ctx context.Context, closureID uuid.UUID, origin models.Origin) ([]*models.Movement, error)
}

type payrollRepository struct{}

// NewPayrollRepository creates a new PayrollRepository.
func NewPayrollRepository() PayrollRepository {
	return &payrollRepository{}
}

var _ PayrollRepository = (*payrollRepository)(nil)

// ============================================================================
// Writes
// ============================================================================

func (r *payrollRepository) ReplaceLedger(ctx context.Context, fileID uuid.UUID, employees []*models.Employee, items []*models.LineItem, batchSize int, onBatch func(written int)) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	// Line items go with their employees through ON DELETE CASCADE.
	if _, err := tx.Exec(ctx, `DELETE FROM employees WHERE source_file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete previous employees: %w", err)
	}

	now := time.Now()
	employeeRows := make([][]any, len(employees))
	for i, e := range employees {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.SourceFileID = fileID
		e.CreatedAt = now
		employeeRows[i] = []any{e.ID, e.ClosureID, e.SourceFileID, e.Identifier, e.Name, e.CreatedAt}
	}
	if err := copyInBatches(ctx, tx, "employees",
		[]string{"id", "closure_id", "source_file_id", "identifier", "name", "created_at"},
		employeeRows, batchSize, nil); err != nil {
		return err
	}

	itemRows := make([][]any, len(items))
	for i, li := range items {
		if li.ID == uuid.Nil {
			li.ID = uuid.New()
		}
		itemRows[i] = []any{li.ID, li.ClosureID, li.EmployeeID, li.ClassificationID, string(li.Category), toNumeric(li.Amount)}
	}
	if err := copyInBatches(ctx, tx, "line_items",
		[]string{"id", "closure_id", "employee_id", "classification_id", "category", "amount"},
		itemRows, batchSize, onBatch); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *payrollRepository) ReplaceNovelties(ctx context.Context, fileID uuid.UUID, items []*models.NoveltyItem, batchSize int) error {
	rows := make([][]any, len(items))
	for i, n := range items {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
		n.SourceFileID = fileID
		rows[i] = []any{n.ID, n.ClosureID, n.SourceFileID, n.Identifier, n.NoveltyHeader, toNumeric(n.Amount), n.RowNumber}
	}
	return r.replace(ctx, "novelty_items", fileID,
		[]string{"id", "closure_id", "source_file_id", "identifier", "novelty_header", "amount", "row_number"},
		rows, batchSize)
}

func (r *payrollRepository) ReplaceMovements(ctx context.Context, fileID uuid.UUID, movements []*models.Movement, batchSize int) error {
	rows := make([][]any, len(movements))
	for i, m := range movements {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.SourceFileID = fileID
		rows[i] = []any{m.ID, m.ClosureID, m.SourceFileID, string(m.Origin), m.Identifier, string(m.Type),
			toDate(m.StartDate), toDate(m.EndDate), m.RowNumber}
	}
	return r.replace(ctx, "movements", fileID,
		[]string{"id", "closure_id", "source_file_id", "origin", "identifier", "movement_type", "start_date", "end_date", "row_number"},
		rows, batchSize)
}

func (r *payrollRepository) replace(ctx context.Context, table string, fileID uuid.UUID, columns []string, rows [][]any, batchSize int) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE source_file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete previous %s: %w", table, err)
	}
	if err := copyInBatches(ctx, tx, table, columns, rows, batchSize, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

func (r *payrollRepository) ListLedgerEntries(ctx context.Context, closureID uuid.UUID) ([]models.LedgerEntry, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT e.identifier, li.classification_id, cc.header, cc.occurrence, li.category, li.amount
		FROM line_items li
		JOIN employees e ON e.id = li.employee_id
		JOIN source_files sf ON sf.id = e.source_file_id
		JOIN concept_classifications cc ON cc.id = li.classification_id
		WHERE li.closure_id = $1 AND sf.is_current
		ORDER BY e.identifier, cc.header, cc.occurrence`

	rows, err := scope.Conn.Query(ctx, query, closureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var category string
		var amount pgtype.Numeric
		if err := rows.Scan(&e.Identifier, &e.ClassificationID, &e.Header, &e.Occurrence, &category, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Category = models.Category(category)
		e.Amount = fromNumeric(amount)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return out, nil
}

func (r *payrollRepository) ListNoveltyItems(ctx context.Context, closureID uuid.UUID) ([]*models.NoveltyItem, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT n.id, n.closure_id, n.source_file_id, n.identifier, n.novelty_header, n.amount, n.row_number
		FROM novelty_items n
		JOIN source_files sf ON sf.id = n.source_file_id
		WHERE n.closure_id = $1 AND sf.is_current
		ORDER BY n.row_number`

	rows, err := scope.Conn.Query(ctx, query, closureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query novelty items: %w", err)
	}
	defer rows.Close()

	var out []*models.NoveltyItem
	for rows.Next() {
		var n models.NoveltyItem
		var amount pgtype.Numeric
		if err := rows.Scan(&n.ID, &n.ClosureID, &n.SourceFileID, &n.Identifier, &n.NoveltyHeader, &amount, &n.RowNumber); err != nil {
			return nil, fmt.Errorf("failed to scan novelty item: %w", err)
		}
		n.Amount = fromNumeric(amount)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating novelty items: %w", err)
	}
	return out, nil
}

func (r *payrollRepository) ListMovements(ctx context.Context, closureID uuid.UUID, origin models.Origin) ([]*models.Movement, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT m.id, m.closure_id, m.source_file_id, m.origin, m.identifier, m.movement_type,
		       m.start_date, m.end_date, m.row_number
		FROM movements m
		JOIN source_files sf ON sf.id = m.source_file_id
		WHERE m.closure_id = $1 AND m.origin = $2 AND sf.is_current
		ORDER BY m.identifier, m.movement_type`

	rows, err := scope.Conn.Query(ctx, query, closureID, string(origin))
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []*models.Movement
	for rows.Next() {
		var m models.Movement
		var origin, movementType string
		var start, end pgtype.Date
		if err := rows.Scan(&m.ID, &m.ClosureID, &m.SourceFileID, &origin, &m.Identifier, &movementType,
			&start, &end, &m.RowNumber); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.Origin = models.Origin(origin)
		m.Type = models.MovementType(movementType)
		m.StartDate = fromDate(start)
		m.EndDate = fromDate(end)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating movements: %w", err)
	}
	return out, nil
}

func toDate(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: *t, Valid: true}
}

func fromDate(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}
