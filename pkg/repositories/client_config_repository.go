package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// ClientConfigRepository reads and writes the active ERP configuration of a client.
type ClientConfigRepository interface {
	Get(ctx context.Context, clientID uuid.UUID) (*models.ClientERPConfig, error)
	Upsert(ctx context.Context, cfg *models.ClientERPConfig) error
}

type clientConfigRepository struct{}

// NewClientConfigRepository creates a new ClientConfigRepository.
func NewClientConfigRepository() ClientConfigRepository {
	return &clientConfigRepository{}
}

var _ ClientConfigRepository = (*clientConfigRepository)(nil)

func (r *clientConfigRepository) Get(ctx context.Context, clientID uuid.UUID) (*models.ClientERPConfig, error) {
	scope, err := clientScope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT client_id, erp, adapter_options, not_compared_categories, anomaly_excluded_categories
		FROM client_erp_configs
		WHERE client_id = $1`

	var cfg models.ClientERPConfig
	var notCompared, excluded []string
	err = scope.Conn.QueryRow(ctx, query, clientID).Scan(
		&cfg.ClientID, &cfg.ERP, &cfg.AdapterOptions, &notCompared, &excluded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", clientID, apperrors.ErrNoERPConfigured)
		}
		return nil, fmt.Errorf("failed to get client ERP config: %w", err)
	}

	cfg.NotComparedCategories = toCategories(notCompared)
	cfg.AnomalyExcludedCategories = toCategories(excluded)
	return &cfg, nil
}

func (r *clientConfigRepository) Upsert(ctx context.Context, cfg *models.ClientERPConfig) error {
	scope, err := clientScope(ctx)
	if err != nil {
		return err
	}

	options := cfg.AdapterOptions
	if options == nil {
		options = map[string]any{}
	}

	query := `
		INSERT INTO client_erp_configs (client_id, erp, adapter_options, not_compared_categories, anomaly_excluded_categories)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			erp = EXCLUDED.erp,
			adapter_options = EXCLUDED.adapter_options,
			not_compared_categories = EXCLUDED.not_compared_categories,
			anomaly_excluded_categories = EXCLUDED.anomaly_excluded_categories,
			updated_at = now()`

	_, err = scope.Conn.Exec(ctx, query, cfg.ClientID, cfg.ERP, options,
		fromCategories(cfg.NotComparedCategories), fromCategories(cfg.AnomalyExcludedCategories))
	if err != nil {
		return fmt.Errorf("failed to upsert client ERP config: %w", err)
	}
	return nil
}

func toCategories(values []string) []models.Category {
	if len(values) == 0 {
		return nil
	}
	out := make([]models.Category, len(values))
	for i, v := range values {
		out[i] = models.Category(v)
	}
	return out
}

func fromCategories(cats []models.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
