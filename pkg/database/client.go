package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClientScope wraps a connection with client context and ensures cleanup.
// The connection has app.current_client_id set for RLS policy evaluation.
type ClientScope struct {
	Conn *pgxpool.Conn
}

// Close resets client context and releases the connection to the pool.
// This MUST be called to prevent client context from leaking to the next user
// of the connection.
func (s *ClientScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_client_id")
	s.Conn.Release()
}

// WithClient acquires a connection and sets the client context for RLS.
// The returned ClientScope MUST be closed with defer scope.Close().
func (db *DB) WithClient(ctx context.Context, clientID uuid.UUID) (*ClientScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_client_id', $1, false)", clientID.String())
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &ClientScope{Conn: conn}, nil
}

// WithoutClient acquires a connection without client context.
// Use this for cross-client maintenance such as the stale-processing sweep.
// The returned ClientScope MUST be closed with defer scope.Close().
func (db *DB) WithoutClient(ctx context.Context) (*ClientScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &ClientScope{Conn: conn}, nil
}
