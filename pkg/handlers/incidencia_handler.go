package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
)

// ResolveIncidenciaRequest for POST .../incidencias/{incidencia_id}/resolve.
// Justification is required when rejecting.
type ResolveIncidenciaRequest struct {
	Decision      models.IncidenciaDecision `json:"decision"`
	Justification string                    `json:"justification"`
}

// IncidenciaHandler lists and reviews anomalies found against the previous
// finalized closure.
type IncidenciaHandler struct {
	anomalies services.AnomalyService
	logger    *zap.Logger
}

// NewIncidenciaHandler creates a new incidencia handler.
func NewIncidenciaHandler(anomalies services.AnomalyService, logger *zap.Logger) *IncidenciaHandler {
	return &IncidenciaHandler{
		anomalies: anomalies,
		logger:    logger,
	}
}

// RegisterRoutes registers the incidencia handler's routes on the given mux.
func (h *IncidenciaHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/clients/{client_id}/closures/{closure_id}/incidencias"

	mux.HandleFunc("GET "+base, tenantMiddleware(h.List))
	mux.HandleFunc("POST "+base+"/{incidencia_id}/review", tenantMiddleware(h.StartReview))
	mux.HandleFunc("POST "+base+"/{incidencia_id}/resolve", tenantMiddleware(h.Resolve))
}

// List handles GET .../incidencias?status=&page=&page_size=
func (h *IncidenciaHandler) List(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	filter := models.IncidenciaFilter{Status: models.IncidenciaStatus(r.URL.Query().Get("status"))}
	if filter.Page, ok = parsePage(w, r, h.logger); !ok {
		return
	}

	result, err := h.anomalies.ListIncidencias(r.Context(), closureID, filter)
	if err != nil {
		writeServiceError(w, err, "list_incidencias_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, result, h.logger)
}

// StartReview handles POST .../incidencias/{incidencia_id}/review
func (h *IncidenciaHandler) StartReview(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	incidenciaID, ok := ParseIncidenciaID(w, r, h.logger)
	if !ok {
		return
	}

	inc, err := h.anomalies.StartReview(r.Context(), closureID, incidenciaID)
	if err != nil {
		writeServiceError(w, err, "start_review_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, inc, h.logger)
}

// Resolve handles POST .../incidencias/{incidencia_id}/resolve
func (h *IncidenciaHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	incidenciaID, ok := ParseIncidenciaID(w, r, h.logger)
	if !ok {
		return
	}

	var req ResolveIncidenciaRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	inc, err := h.anomalies.ResolveIncidencia(r.Context(), closureID, incidenciaID, req.Decision, req.Justification)
	if err != nil {
		writeServiceError(w, err, "resolve_incidencia_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, inc, h.logger)
}
