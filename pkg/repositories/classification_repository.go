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

// HeaderRecord is one physical ledger column to ensure a classification for.
type HeaderRecord struct {
	Header      string
	Occurrence  int
	IsDuplicate bool
	// Category pre-classifies the record on insert. Existing categories are kept.
	Category *models.Category
}

// ClassificationRepository provides data access for concept classifications.
type ClassificationRepository interface {
	// EnsureHeaders inserts missing records and returns the stored record for
	// every header, in input order. A header once seen as duplicate stays flagged.
	EnsureHeaders(ctx context.Context, clientID uuid.UUID, erp string, headers []HeaderRecord) ([]*models.ConceptClassification, error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.ConceptClassification, error)
	ListByClientERP(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptClassification, error)
	ListPending(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptClassification, error)
	CountPending(ctx context.Context, clientID uuid.UUID, erp string) (int, error)

	// SetCategories applies every assignment atomically. It fails with
	// ErrNotFound if any classification does not belong to the client+ERP.
	SetCategories(ctx context.Context, clientID uuid.UUID, erp string, assignments []models.ClassificationAssignment, userID *uuid.UUID) error
}

type classificationRepository struct{}

// NewClassificationRepository creates a new ClassificationRepository.
func NewClassificationRepository() ClassificationRepository {
	return &classificationRepository{}
}

var _ ClassificationRepository = (*classificationRepository)(nil)

const classificationColumns = `
	id, client_id, erp, header, occurrence, is_duplicate,
	category, classified_by, classified_at, created_at, updated_at`

func (r *classificationRepository) EnsureHeaders(ctx context.Context, clientID uuid.UUID, erp string, headers []HeaderRecord) ([]*models.ConceptClassification, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	query := `
		INSERT INTO concept_classifications (
			id, client_id, erp, header, occurrence, is_duplicate,
			category, classified_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, CASE WHEN $7::text IS NULL THEN NULL ELSE $8::timestamptz END, $8, $8)
		ON CONFLICT (client_id, erp, header, occurrence) DO UPDATE SET
			is_duplicate = concept_classifications.is_duplicate OR EXCLUDED.is_duplicate,
			category = COALESCE(concept_classifications.category, EXCLUDED.category),
			classified_at = COALESCE(concept_classifications.classified_at, EXCLUDED.classified_at),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + classificationColumns

	batch := &pgx.Batch{}
	for _, h := range headers {
		var category *string
		if h.Category != nil {
			c := string(*h.Category)
			category = &c
		}
		batch.Queue(query, uuid.New(), clientID, erp, h.Header, h.Occurrence, h.IsDuplicate, category, now)
	}

	br := scope.Conn.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]*models.ConceptClassification, 0, len(headers))
	for range headers {
		c, err := scanClassification(br.QueryRow())
		if err != nil {
			return nil, fmt.Errorf("failed to ensure classification: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *classificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ConceptClassification, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	c, err := scanClassification(scope.Conn.QueryRow(ctx,
		`SELECT `+classificationColumns+` FROM concept_classifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return c, err
}

func (r *classificationRepository) ListByClientERP(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptClassification, error) {
	return r.list(ctx, `SELECT `+classificationColumns+`
		FROM concept_classifications
		WHERE client_id = $1 AND erp = $2
		ORDER BY header, occurrence`, clientID, erp)
}

func (r *classificationRepository) ListPending(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptClassification, error) {
	return r.list(ctx, `SELECT `+classificationColumns+`
		FROM concept_classifications
		WHERE client_id = $1 AND erp = $2 AND category IS NULL
		ORDER BY header, occurrence`, clientID, erp)
}

func (r *classificationRepository) CountPending(ctx context.Context, clientID uuid.UUID, erp string) (int, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	err = scope.Conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM concept_classifications WHERE client_id = $1 AND erp = $2 AND category IS NULL`,
		clientID, erp).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending classifications: %w", err)
	}
	return n, nil
}

func (r *classificationRepository) SetCategories(ctx context.Context, clientID uuid.UUID, erp string, assignments []models.ClassificationAssignment, userID *uuid.UUID) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	now := time.Now()
	for _, a := range assignments {
		tag, err := tx.Exec(ctx, `
			UPDATE concept_classifications
			SET category = $4, classified_by = $5, classified_at = $6, updated_at = $6
			WHERE id = $1 AND client_id = $2 AND erp = $3`,
			a.ClassificationID, clientID, erp, string(a.Category), userID, now)
		if err != nil {
			return fmt.Errorf("failed to classify %s: %w", a.ClassificationID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("classification %s: %w", a.ClassificationID, apperrors.ErrNotFound)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *classificationRepository) list(ctx context.Context, query string, args ...any) ([]*models.ConceptClassification, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query classifications: %w", err)
	}
	defer rows.Close()

	var out []*models.ConceptClassification
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating classifications: %w", err)
	}
	return out, nil
}

func scanClassification(row pgx.Row) (*models.ConceptClassification, error) {
	var c models.ConceptClassification
	var category *string
	err := row.Scan(
		&c.ID, &c.ClientID, &c.ERP, &c.Header, &c.Occurrence, &c.IsDuplicate,
		&category, &c.ClassifiedBy, &c.ClassifiedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan classification: %w", err)
	}
	if category != nil {
		cat := models.Category(*category)
		c.Category = &cat
	}
	return &c, nil
}
