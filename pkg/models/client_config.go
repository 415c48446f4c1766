package models

import (
	"github.com/google/uuid"
)

// ClientERPConfig is the active ERP configuration of a client. Read-only here;
// its lifecycle belongs to the client administration surface.
type ClientERPConfig struct {
	ClientID uuid.UUID `json:"client_id"`
	ERP      string    `json:"erp"`

	// AdapterOptions overrides adapter layout defaults (sheet_name, delimiter,
	// header_row). Values may be strings or numbers.
	AdapterOptions map[string]any `json:"adapter_options,omitempty"`

	// NotComparedCategories are excluded from ledger vs novelty reconciliation.
	NotComparedCategories []Category `json:"not_compared_categories,omitempty"`
	// AnomalyExcludedCategories are excluded from anomaly detection. Empty means
	// DefaultAnomalyExcludedCategories.
	AnomalyExcludedCategories []Category `json:"anomaly_excluded_categories,omitempty"`
}

// AnomalyExclusions returns the effective anomaly exclusion set.
func (c *ClientERPConfig) AnomalyExclusions() map[Category]bool {
	cats := c.AnomalyExcludedCategories
	if len(cats) == 0 {
		cats = DefaultAnomalyExcludedCategories
	}
	out := make(map[Category]bool, len(cats))
	for _, cat := range cats {
		out[cat] = true
	}
	return out
}

// NotCompared returns the set of categories skipped by reconciliation.
func (c *ClientERPConfig) NotCompared() map[Category]bool {
	out := make(map[Category]bool, len(c.NotComparedCategories))
	for _, cat := range c.NotComparedCategories {
		out[cat] = true
	}
	return out
}
