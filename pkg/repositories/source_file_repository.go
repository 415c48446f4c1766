package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// SourceFileRepository provides data access for uploaded file versions.
type SourceFileRepository interface {
	// CreateVersion stores f as the next version of its (closure, kind) and
	// makes it current, deactivating the previous current version.
	CreateVersion(ctx context.Context, f *models.SourceFile) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SourceFile, error)
	// GetCurrent returns the current version of kind, or nil when none exists.
	GetCurrent(ctx context.Context, closureID uuid.UUID, kind models.FileKind) (*models.SourceFile, error)
	ListCurrent(ctx context.Context, closureID uuid.UUID) ([]*models.SourceFile, error)
	ListVersions(ctx context.Context, closureID uuid.UUID, kind models.FileKind) ([]*models.SourceFile, error)

	// Delete removes a version. When it was current, the most recent remaining
	// version of the same kind becomes current and is returned.
	Delete(ctx context.Context, id uuid.UUID) (promoted *models.SourceFile, err error)

	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkPending(ctx context.Context, id uuid.UUID, message string) error
	MarkProcessed(ctx context.Context, id uuid.UUID, result *models.FileResult) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error

	// MarkStaleAsError moves files processing since before cutoff to error and
	// returns them.
	MarkStaleAsError(ctx context.Context, cutoff time.Time, message string) ([]*models.SourceFile, error)
}

type sourceFileRepository struct{}

// NewSourceFileRepository creates a new SourceFileRepository.
func NewSourceFileRepository() SourceFileRepository {
	return &sourceFileRepository{}
}

var _ SourceFileRepository = (*sourceFileRepository)(nil)

const sourceFileColumns = `
	id, closure_id, kind, origin, version, is_current, path, original_name,
	status, error_message, warnings, rows_processed, employees_count,
	processing_started_at, processed_at, created_at, updated_at`

// ============================================================================
// Versioning
// ============================================================================

func (r *sourceFileRepository) CreateVersion(ctx context.Context, f *models.SourceFile) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Status = models.FileStatusPending
	f.IsCurrent = true

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	// Serialize concurrent uploads of the same kind for the same closure.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		f.ClosureID.String()+"/"+string(f.Kind)); err != nil {
		return fmt.Errorf("failed to lock file kind: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM source_files WHERE closure_id = $1 AND kind = $2`,
		f.ClosureID, string(f.Kind)).Scan(&f.Version); err != nil {
		return fmt.Errorf("failed to compute next version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE source_files SET is_current = false, updated_at = $3
		 WHERE closure_id = $1 AND kind = $2 AND is_current`,
		f.ClosureID, string(f.Kind), now); err != nil {
		return fmt.Errorf("failed to deactivate previous version: %w", err)
	}

	query := `
		INSERT INTO source_files (
			id, closure_id, kind, origin, version, is_current, path, original_name,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8, $9, $10)`

	if _, err := tx.Exec(ctx, query,
		f.ID, f.ClosureID, string(f.Kind), string(f.Origin), f.Version, f.Path, f.OriginalName,
		string(f.Status), f.CreatedAt, f.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert source file: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *sourceFileRepository) Delete(ctx context.Context, id uuid.UUID) (*models.SourceFile, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	var closureID uuid.UUID
	var kind string
	var wasCurrent bool
	err = tx.QueryRow(ctx,
		`DELETE FROM source_files WHERE id = $1 RETURNING closure_id, kind, is_current`, id,
	).Scan(&closureID, &kind, &wasCurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete source file: %w", err)
	}

	var promoted *models.SourceFile
	if wasCurrent {
		query := `
			UPDATE source_files SET is_current = true, updated_at = now()
			WHERE id = (
				SELECT id FROM source_files
				WHERE closure_id = $1 AND kind = $2
				ORDER BY version DESC
				LIMIT 1
			)
			RETURNING ` + sourceFileColumns
		promoted, err = scanSourceFile(tx.QueryRow(ctx, query, closureID, kind))
		if errors.Is(err, pgx.ErrNoRows) {
			promoted, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return promoted, nil
}

// ============================================================================
// Reads
// ============================================================================

func (r *sourceFileRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SourceFile, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	f, err := scanSourceFile(scope.Conn.QueryRow(ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return f, err
}

func (r *sourceFileRepository) GetCurrent(ctx context.Context, closureID uuid.UUID, kind models.FileKind) (*models.SourceFile, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	f, err := scanSourceFile(scope.Conn.QueryRow(ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE closure_id = $1 AND kind = $2 AND is_current`,
		closureID, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (r *sourceFileRepository) ListCurrent(ctx context.Context, closureID uuid.UUID) ([]*models.SourceFile, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE closure_id = $1 AND is_current ORDER BY kind`,
		closureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list current files: %w", err)
	}
	return collectSourceFiles(rows)
}

func (r *sourceFileRepository) ListVersions(ctx context.Context, closureID uuid.UUID, kind models.FileKind) ([]*models.SourceFile, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE closure_id = $1 AND kind = $2 ORDER BY version DESC`,
		closureID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list file versions: %w", err)
	}
	return collectSourceFiles(rows)
}

// ============================================================================
// Status
// ============================================================================

func (r *sourceFileRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.updateStatus(ctx, `
		UPDATE source_files SET status = 'processing', error_message = '',
			processing_started_at = now(), updated_at = now()
		WHERE id = $1`, id)
}

func (r *sourceFileRepository) MarkPending(ctx context.Context, id uuid.UUID, message string) error {
	return r.updateStatus(ctx, `
		UPDATE source_files SET status = 'pending', error_message = $2,
			processing_started_at = NULL, updated_at = now()
		WHERE id = $1`, id, message)
}

func (r *sourceFileRepository) MarkProcessed(ctx context.Context, id uuid.UUID, result *models.FileResult) error {
	warnings := result.Warnings
	if len(warnings) > models.MaxStoredWarnings {
		warnings = warnings[:models.MaxStoredWarnings]
	}
	if warnings == nil {
		warnings = []models.FileWarning{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	return r.updateStatus(ctx, `
		UPDATE source_files SET status = 'processed', error_message = '',
			warnings = $2, rows_processed = $3, employees_count = $4,
			processed_at = now(), updated_at = now()
		WHERE id = $1`, id, warningsJSON, result.RowsProcessed, result.EmployeesCount)
}

func (r *sourceFileRepository) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return r.updateStatus(ctx, `
		UPDATE source_files SET status = 'error', error_message = $2, updated_at = now()
		WHERE id = $1`, id, message)
}

func (r *sourceFileRepository) updateStatus(ctx context.Context, query string, args ...any) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tag, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update source file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *sourceFileRepository) MarkStaleAsError(ctx context.Context, cutoff time.Time, message string) ([]*models.SourceFile, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE source_files SET status = 'error', error_message = $2, updated_at = now()
		WHERE status = 'processing' AND processing_started_at < $1
		RETURNING ` + sourceFileColumns

	rows, err := scope.Conn.Query(ctx, query, cutoff, message)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale files: %w", err)
	}
	return collectSourceFiles(rows)
}

func collectSourceFiles(rows pgx.Rows) ([]*models.SourceFile, error) {
	defer rows.Close()

	var files []*models.SourceFile
	for rows.Next() {
		f, err := scanSourceFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source files: %w", err)
	}
	return files, nil
}

func scanSourceFile(row pgx.Row) (*models.SourceFile, error) {
	var f models.SourceFile
	var kind, origin, status string
	var warningsJSON []byte
	err := row.Scan(
		&f.ID, &f.ClosureID, &kind, &origin, &f.Version, &f.IsCurrent, &f.Path, &f.OriginalName,
		&status, &f.ErrorMessage, &warningsJSON, &f.RowsProcessed, &f.EmployeesCount,
		&f.ProcessingStartedAt, &f.ProcessedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan source file: %w", err)
	}
	f.Kind = models.FileKind(kind)
	f.Origin = models.Origin(origin)
	f.Status = models.FileStatus(status)
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &f.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	return &f, nil
}
