package database

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientIDPathValue is the route wildcard holding the client ID.
const ClientIDPathValue = "client_id"

// WithClientContext resolves {client_id} from the route and runs next with a
// connection scoped to that client. The caller is authenticated upstream.
// The connection is released when next returns.
func WithClientContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw := r.PathValue(ClientIDPathValue)
			clientID, err := uuid.Parse(raw)
			if err != nil || clientID == uuid.Nil {
				logger.Debug("Rejected client ID", zap.String("client_id", raw))
				writeScopeError(w, http.StatusBadRequest, "invalid_client_id", "Client ID must be a UUID")
				return
			}

			scope, err := db.WithClient(r.Context(), clientID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Error("Failed to open client scope",
					zap.Stringer("client_id", clientID), zap.Error(err))
				writeScopeError(w, http.StatusServiceUnavailable, "database_unavailable", "Database connection unavailable")
				return
			}
			defer scope.Close()

			next(w, r.WithContext(SetClientScope(r.Context(), scope)))
		}
	}
}

// writeScopeError uses the same envelope as the API handlers.
func writeScopeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}{false, code, message})
}
