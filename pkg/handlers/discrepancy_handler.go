package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
)

// ResolveDiscrepancyRequest for POST .../discrepancies/{discrepancy_id}/resolve
type ResolveDiscrepancyRequest struct {
	Note string `json:"note"`
}

// DiscrepancyHandler lists and resolves reconciliation discrepancies.
type DiscrepancyHandler struct {
	reconciliation services.ReconciliationService
	logger         *zap.Logger
}

// NewDiscrepancyHandler creates a new discrepancy handler.
func NewDiscrepancyHandler(reconciliation services.ReconciliationService, logger *zap.Logger) *DiscrepancyHandler {
	return &DiscrepancyHandler{
		reconciliation: reconciliation,
		logger:         logger,
	}
}

// RegisterRoutes registers the discrepancy handler's routes on the given mux.
func (h *DiscrepancyHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/clients/{client_id}/closures/{closure_id}/discrepancies"

	mux.HandleFunc("GET "+base, tenantMiddleware(h.List))
	mux.HandleFunc("POST "+base+"/{discrepancy_id}/resolve", tenantMiddleware(h.Resolve))
}

// List handles GET .../discrepancies?origin=&kind=&resolved=&page=&page_size=
func (h *DiscrepancyHandler) List(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.DiscrepancyFilter{
		Origin: models.DiscrepancyOrigin(q.Get("origin")),
		Kind:   models.DiscrepancyKind(q.Get("kind")),
	}
	if filter.Resolved, ok = parseOptionalBool(w, r, "resolved", h.logger); !ok {
		return
	}
	if filter.Page, ok = parsePage(w, r, h.logger); !ok {
		return
	}

	result, err := h.reconciliation.ListDiscrepancies(r.Context(), closureID, filter)
	if err != nil {
		writeServiceError(w, err, "list_discrepancies_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, result, h.logger)
}

// Resolve handles POST .../discrepancies/{discrepancy_id}/resolve. The note
// is optional.
func (h *DiscrepancyHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	discrepancyID, ok := ParseDiscrepancyID(w, r, h.logger)
	if !ok {
		return
	}

	var req ResolveDiscrepancyRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req, h.logger) {
		return
	}

	d, err := h.reconciliation.ResolveDiscrepancy(r.Context(), closureID, discrepancyID, req.Note)
	if err != nil {
		writeServiceError(w, err, "resolve_discrepancy_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, d, h.logger)
}
