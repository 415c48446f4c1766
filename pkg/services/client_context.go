package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/payroll-engine/pkg/database"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// ClientContextFunc acquires a client-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type ClientContextFunc func(ctx context.Context, clientID uuid.UUID) (context.Context, func(), error)

// NewClientContextFunc creates a ClientContextFunc that uses the given database.
func NewClientContextFunc(db *database.DB) ClientContextFunc {
	return func(ctx context.Context, clientID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithClient(ctx, clientID)
		if err != nil {
			return nil, nil, err
		}
		clientCtx := database.SetClientScope(ctx, scope)
		return clientCtx, func() { scope.Close() }, nil
	}
}

// WithPipelineProvenanceWrapper wraps a ClientContextFunc so every context it
// returns carries pipeline provenance for userID. Background tasks use it so
// audit entries name the user whose command queued the work.
func WithPipelineProvenanceWrapper(inner ClientContextFunc, userID uuid.UUID) ClientContextFunc {
	return func(ctx context.Context, clientID uuid.UUID) (context.Context, func(), error) {
		clientCtx, cleanup, err := inner(ctx, clientID)
		if err != nil {
			return nil, nil, err
		}
		return models.WithPipelineProvenance(clientCtx, userID), cleanup, nil
	}
}

// actorID returns the user recorded in ctx's provenance, or nil for system
// operations.
func actorID(ctx context.Context) *uuid.UUID {
	prov, ok := models.GetProvenance(ctx)
	if !ok || prov.UserID == uuid.Nil {
		return nil
	}
	id := prov.UserID
	return &id
}
