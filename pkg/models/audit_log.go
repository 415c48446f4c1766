package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity types recorded in the audit trail.
const (
	AuditEntityClosure        = "closure"
	AuditEntitySourceFile     = "source_file"
	AuditEntityClassification = "concept_classification"
	AuditEntityMapping        = "concept_mapping"
	AuditEntityDiscrepancy    = "discrepancy"
	AuditEntityIncidencia     = "incidencia"
)

// Audit actions.
const (
	AuditActionCreate     = "create"
	AuditActionUpdate     = "update"
	AuditActionDelete     = "delete"
	AuditActionTransition = "transition"
)

// AuditLogEntry is one change to a closure or its review data. Entries are
// append-only.
type AuditLogEntry struct {
	ID         uuid.UUID `json:"id"`
	ClientID   uuid.UUID `json:"client_id"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	Action     string    `json:"action"`

	Source string     `json:"source"`
	UserID *uuid.UUID `json:"user_id,omitempty"` // nil for pipeline work

	// Keyed by field name; a transition records "state".
	ChangedFields map[string]FieldChange `json:"changed_fields,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FieldChange is the before and after value of one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// AuditFilter selects audit entries of one client. EntityType and EntityID
// narrow the result when set.
type AuditFilter struct {
	ClientID   uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	Limit      int
}

// Normalize applies the page bounds to Limit.
func (f AuditFilter) Normalize() AuditFilter {
	f.Limit = Page{Size: f.Limit}.Normalize().Size
	return f
}
