package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// ClientScopeKey is the context key for storing the client-scoped database connection.
	ClientScopeKey contextKey = "clientScope"
)

// GetClientScope retrieves the client-scoped database connection from context.
// Returns nil and false if not present.
func GetClientScope(ctx context.Context) (*ClientScope, bool) {
	scope, ok := ctx.Value(ClientScopeKey).(*ClientScope)
	return scope, ok
}

// SetClientScope stores the client-scoped database connection in context.
func SetClientScope(ctx context.Context, scope *ClientScope) context.Context {
	return context.WithValue(ctx, ClientScopeKey, scope)
}

// ClientScopeProvider creates client-scoped contexts for background work.
type ClientScopeProvider struct {
	db *DB
}

// NewClientScopeProvider creates a ClientScopeProvider for the given database.
func NewClientScopeProvider(db *DB) *ClientScopeProvider {
	return &ClientScopeProvider{db: db}
}

// WithClientScope returns a context with client scope set for the given client.
// The cleanup function must be called when the scope is no longer needed.
func (p *ClientScopeProvider) WithClientScope(ctx context.Context, clientID uuid.UUID) (context.Context, func(), error) {
	scope, err := p.db.WithClient(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	return SetClientScope(ctx, scope), func() { scope.Close() }, nil
}

// WithUnscoped returns a context holding a connection without client context.
func (p *ClientScopeProvider) WithUnscoped(ctx context.Context) (context.Context, func(), error) {
	scope, err := p.db.WithoutClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetClientScope(ctx, scope), func() { scope.Close() }, nil
}
