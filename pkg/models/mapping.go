package models

import (
	"time"

	"github.com/google/uuid"
)

// ConceptMapping links a client-reported novelty header to the ledger concept it
// corresponds to. A classification is the target of at most one mapping per client+ERP.
type ConceptMapping struct {
	ID            uuid.UUID `json:"id"`
	ClientID      uuid.UUID `json:"client_id"`
	ERP           string    `json:"erp"`
	NoveltyHeader string    `json:"novelty_header"`

	// ClassificationID is nil while unmapped or when NoMapping is set.
	ClassificationID *uuid.UUID `json:"classification_id,omitempty"`
	// NoMapping marks the header as intentionally unmapped.
	NoMapping bool `json:"no_mapping"`

	MappedBy  *uuid.UUID `json:"mapped_by,omitempty"`
	MappedAt  *time.Time `json:"mapped_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsResolved returns true when the header is mapped or explicitly unmapped.
func (m *ConceptMapping) IsResolved() bool {
	return m.NoMapping || m.ClassificationID != nil
}

// MappingAssignment is a request to map a novelty header.
// Exactly one of ClassificationID or NoMapping must be set.
type MappingAssignment struct {
	NoveltyHeader    string     `json:"novelty_header"`
	ClassificationID *uuid.UUID `json:"classification_id,omitempty"`
	NoMapping        bool       `json:"no_mapping"`
}
