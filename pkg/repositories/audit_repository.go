package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// AuditRepository stores the append-only audit trail.
type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditLogEntry) error

	// List returns the entries matching filter, newest first.
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

type auditRepository struct{}

func NewAuditRepository() AuditRepository {
	return &auditRepository{}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditLogEntry) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	var changes []byte
	if len(entry.ChangedFields) > 0 {
		if changes, err = json.Marshal(entry.ChangedFields); err != nil {
			return fmt.Errorf("failed to encode changed fields: %w", err)
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO audit_log (id, client_id, entity_type, entity_id, action, source, user_id, changed_fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.ClientID, entry.EntityType, entry.EntityID, entry.Action,
		entry.Source, entry.UserID, changes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}
	filter = filter.Normalize()

	where := []string{"client_id = $1"}
	args := []any{filter.ClientID}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.EntityID != uuid.Nil {
		args = append(args, filter.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	args = append(args, filter.Limit)

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, client_id, entity_type, entity_id, action, source, user_id, changed_fields, created_at
		FROM audit_log
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.AuditLogEntry, error) {
		var (
			e       models.AuditLogEntry
			changes []byte
		)
		if err := row.Scan(&e.ID, &e.ClientID, &e.EntityType, &e.EntityID, &e.Action,
			&e.Source, &e.UserID, &changes, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.ChangedFields); err != nil {
				return nil, fmt.Errorf("decode changed fields of %s: %w", e.ID, err)
			}
		}
		return &e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}
