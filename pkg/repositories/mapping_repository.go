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

// MappingRepository provides data access for novelty header mappings.
type MappingRepository interface {
	// EnsureHeaders inserts unmapped placeholders for unseen headers and
	// returns how many were created.
	EnsureHeaders(ctx context.Context, clientID uuid.UUID, erp string, headers []string) (int, error)

	GetByHeader(ctx context.Context, clientID uuid.UUID, erp, header string) (*models.ConceptMapping, error)
	ListByClientERP(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptMapping, error)
	ListPending(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptMapping, error)
	CountPending(ctx context.Context, clientID uuid.UUID, erp string) (int, error)

	// Assign stores the target of a mapping. Fails with ErrMappingTargetTaken
	// when another header already maps to the same classification.
	Assign(ctx context.Context, m *models.ConceptMapping) error
}

type mappingRepository struct{}

// NewMappingRepository creates a new MappingRepository.
func NewMappingRepository() MappingRepository {
	return &mappingRepository{}
}

var _ MappingRepository = (*mappingRepository)(nil)

const mappingColumns = `
	id, client_id, erp, novelty_header, classification_id, no_mapping,
	mapped_by, mapped_at, created_at, updated_at`

const pendingMappingFilter = `classification_id IS NULL AND NOT no_mapping`

func (r *mappingRepository) EnsureHeaders(ctx context.Context, clientID uuid.UUID, erp string, headers []string) (int, error) {
	if len(headers) == 0 {
		return 0, nil
	}

	scope, err := clientScope(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := scope.Conn.Exec(ctx, `
		INSERT INTO concept_mappings (id, client_id, erp, novelty_header)
		SELECT gen_random_uuid(), $1, $2, h FROM (SELECT DISTINCT unnest($3::text[]) AS h) AS headers
		ON CONFLICT (client_id, erp, novelty_header) DO NOTHING`,
		clientID, erp, headers)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure novelty headers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *mappingRepository) GetByHeader(ctx context.Context, clientID uuid.UUID, erp, header string) (*models.ConceptMapping, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	m, err := scanMapping(scope.Conn.QueryRow(ctx, `SELECT `+mappingColumns+`
		FROM concept_mappings WHERE client_id = $1 AND erp = $2 AND novelty_header = $3`,
		clientID, erp, header))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return m, err
}

func (r *mappingRepository) ListByClientERP(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptMapping, error) {
	return r.list(ctx, `SELECT `+mappingColumns+`
		FROM concept_mappings WHERE client_id = $1 AND erp = $2
		ORDER BY novelty_header`, clientID, erp)
}

func (r *mappingRepository) ListPending(ctx context.Context, clientID uuid.UUID, erp string) ([]*models.ConceptMapping, error) {
	return r.list(ctx, `SELECT `+mappingColumns+`
		FROM concept_mappings WHERE client_id = $1 AND erp = $2 AND `+pendingMappingFilter+`
		ORDER BY novelty_header`, clientID, erp)
}

func (r *mappingRepository) CountPending(ctx context.Context, clientID uuid.UUID, erp string) (int, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	err = scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM concept_mappings
		WHERE client_id = $1 AND erp = $2 AND `+pendingMappingFilter, clientID, erp).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mappings: %w", err)
	}
	return n, nil
}

func (r *mappingRepository) Assign(ctx context.Context, m *models.ConceptMapping) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	m.UpdatedAt = now
	m.MappedAt = &now

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE concept_mappings
		SET classification_id = $2, no_mapping = $3, mapped_by = $4, mapped_at = $5, updated_at = $5
		WHERE id = $1`,
		m.ID, m.ClassificationID, m.NoMapping, m.MappedBy, now)
	if err != nil {
		if isUniqueViolation(err, "idx_concept_mappings_target") {
			return apperrors.ErrMappingTargetTaken
		}
		return fmt.Errorf("failed to assign mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *mappingRepository) list(ctx context.Context, query string, args ...any) ([]*models.ConceptMapping, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var out []*models.ConceptMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return out, nil
}

func scanMapping(row pgx.Row) (*models.ConceptMapping, error) {
	var m models.ConceptMapping
	err := row.Scan(
		&m.ID, &m.ClientID, &m.ERP, &m.NoveltyHeader, &m.ClassificationID, &m.NoMapping,
		&m.MappedBy, &m.MappedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	return &m, nil
}
