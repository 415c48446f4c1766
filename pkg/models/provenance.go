package models

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// ProvenanceSource is the surface a change came through.
type ProvenanceSource string

const (
	SourceManual   ProvenanceSource = "manual"   // reviewer through the API
	SourcePipeline ProvenanceSource = "pipeline" // dispatcher stage
	SourceCLI      ProvenanceSource = "cli"      // payrollctl
)

var provenanceSources = []ProvenanceSource{SourceManual, SourcePipeline, SourceCLI}

func (s ProvenanceSource) String() string { return string(s) }

func (s ProvenanceSource) IsValid() bool {
	return slices.Contains(provenanceSources, s)
}

// ProvenanceContext travels in the request or task context so the audit
// trail can attribute every change.
type ProvenanceContext struct {
	Source ProvenanceSource
	// UserID is uuid.Nil when no person is behind the change.
	UserID uuid.UUID
}

// HasUser reports whether a person is attributed.
func (p ProvenanceContext) HasUser() bool { return p.UserID != uuid.Nil }

type provenanceKey struct{}

func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance returns the provenance in ctx, if any.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

func WithManualProvenance(ctx context.Context, userID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceManual, UserID: userID})
}

// WithPipelineProvenance attributes background work to the user whose upload
// or command queued it.
func WithPipelineProvenance(ctx context.Context, userID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourcePipeline, UserID: userID})
}

func WithCLIProvenance(ctx context.Context, userID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceCLI, UserID: userID})
}
