package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IncidenciaStatus is the review state of an anomaly.
//
//	pending → in_review → approved | rejected
//	pending → approved | rejected
type IncidenciaStatus string

const (
	IncidenciaPending  IncidenciaStatus = "pending"
	IncidenciaInReview IncidenciaStatus = "in_review"
	IncidenciaApproved IncidenciaStatus = "approved"
	IncidenciaRejected IncidenciaStatus = "rejected"
)

// IsValid returns true if s is a known status.
func (s IncidenciaStatus) IsValid() bool {
	switch s {
	case IncidenciaPending, IncidenciaInReview, IncidenciaApproved, IncidenciaRejected:
		return true
	default:
		return false
	}
}

// IsResolved returns true for approved and rejected.
func (s IncidenciaStatus) IsResolved() bool {
	return s == IncidenciaApproved || s == IncidenciaRejected
}

// Incidencia is a concept whose total moved more than the threshold versus the
// previous finalized closure.
type Incidencia struct {
	ID        uuid.UUID `json:"id"`
	ClosureID uuid.UUID `json:"closure_id"`

	Header     string   `json:"header"`
	Occurrence int      `json:"occurrence"`
	Category   Category `json:"category"`

	PreviousAmount   decimal.Decimal `json:"previous_amount"`
	CurrentAmount    decimal.Decimal `json:"current_amount"`
	AbsoluteVariance decimal.Decimal `json:"absolute_variance"`
	PercentVariance  decimal.Decimal `json:"percent_variance"`

	Status        IncidenciaStatus `json:"status"`
	ReviewerID    *uuid.UUID       `json:"reviewer_id,omitempty"`
	ResolverID    *uuid.UUID       `json:"resolver_id,omitempty"`
	Justification string           `json:"justification,omitempty"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// IncidenciaDecision is the outcome chosen by a reviewer.
type IncidenciaDecision string

const (
	DecisionApprove IncidenciaDecision = "approve"
	DecisionReject  IncidenciaDecision = "reject"
)

// Status returns the incidencia status a decision leads to.
func (d IncidenciaDecision) Status() (IncidenciaStatus, bool) {
	switch d {
	case DecisionApprove:
		return IncidenciaApproved, true
	case DecisionReject:
		return IncidenciaRejected, true
	default:
		return "", false
	}
}

// IncidenciaFilter narrows an incidencia listing.
type IncidenciaFilter struct {
	Status IncidenciaStatus
	Page   Page
}
