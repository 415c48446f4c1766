package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// UserIDHeader carries the reviewer identity set by the authenticating proxy.
const UserIDHeader = "X-User-ID"

// Provenance returns middleware that marks every request as a manual action
// by the reviewer named in UserIDHeader. A missing header leaves the actor
// unknown; a malformed one is rejected.
func Provenance() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := uuid.Nil
			if raw := r.Header.Get(UserIDHeader); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"success": false,
						"error":   "invalid_user_id",
						"message": "Invalid " + UserIDHeader + " header",
					})
					return
				}
				userID = id
			}
			next.ServeHTTP(w, r.WithContext(models.WithManualProvenance(r.Context(), userID)))
		})
	}
}
