package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// AuditHistory reads the audit trail. Implemented by services.AuditService.
type AuditHistory interface {
	History(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

var auditEntityTypes = map[string]bool{
	models.AuditEntityClosure:        true,
	models.AuditEntitySourceFile:     true,
	models.AuditEntityClassification: true,
	models.AuditEntityMapping:        true,
	models.AuditEntityDiscrepancy:    true,
	models.AuditEntityIncidencia:     true,
}

// AuditHandler exposes who changed what on a client's closures.
type AuditHandler struct {
	audit  AuditHistory
	logger *zap.Logger
}

func NewAuditHandler(audit AuditHistory, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/clients/{client_id}/audit", tenantMiddleware(h.List))
	mux.HandleFunc("GET /api/clients/{client_id}/closures/{closure_id}/audit", tenantMiddleware(h.ListClosure))
}

// List handles GET /api/clients/{client_id}/audit?entity_type=&entity_id=&limit=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	clientID, ok := ParseClientID(w, r, h.logger)
	if !ok {
		return
	}
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	filter.ClientID = clientID
	h.respond(w, r, filter)
}

// ListClosure is the history of one closure's state and settings.
func (h *AuditHandler) ListClosure(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	filter.ClientID = clientID
	filter.EntityType = models.AuditEntityClosure
	filter.EntityID = closureID
	h.respond(w, r, filter)
}

func (h *AuditHandler) parseFilter(w http.ResponseWriter, r *http.Request) (models.AuditFilter, bool) {
	var filter models.AuditFilter
	q := r.URL.Query()

	if et := q.Get("entity_type"); et != "" {
		if !auditEntityTypes[et] {
			writeBadRequest(w, "invalid_entity_type", "unknown entity_type "+strconv.Quote(et), h.logger)
			return filter, false
		}
		filter.EntityType = et
	}
	if raw := q.Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeBadRequest(w, "invalid_entity_id", "entity_id must be a UUID", h.logger)
			return filter, false
		}
		filter.EntityID = id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "invalid_limit", "limit must be a positive integer", h.logger)
			return filter, false
		}
		filter.Limit = n
	}
	return filter.Normalize(), true
}

func (h *AuditHandler) respond(w http.ResponseWriter, r *http.Request, filter models.AuditFilter) {
	entries, err := h.audit.History(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err, "audit_history_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, entries, h.logger)
}
