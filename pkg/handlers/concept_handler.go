package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// ClassifyRequest for POST .../classifications
type ClassifyRequest struct {
	Assignments []models.ClassificationAssignment `json:"assignments"`
}

// ClassificationListResponse for GET /classifications
type ClassificationListResponse struct {
	Classifications []*models.ConceptClassification `json:"classifications"`
	Total           int                             `json:"total"`
}

// SuggestionListResponse for GET /classifications/suggestions
type SuggestionListResponse struct {
	Suggestions []models.CategorySuggestion `json:"suggestions"`
	Total       int                         `json:"total"`
}

// MappingListResponse for GET /mappings
type MappingListResponse struct {
	Mappings []*models.ConceptMapping `json:"mappings"`
	Total    int                      `json:"total"`
}

// GateResponse is returned after a command that can unblock a closure.
type GateResponse struct {
	Closure *models.ClosureSummary `json:"closure"`
	// Classified is set by accept-suggestions.
	Classified int `json:"classified,omitempty"`
	// Mapping is set by a mapping command.
	Mapping *models.ConceptMapping `json:"mapping,omitempty"`
	// Resumed counts files queued again now that their headers are classified.
	Resumed int `json:"resumed"`
}

// ============================================================================
// Handler
// ============================================================================

// ConceptHandler handles header classification and novelty mapping.
// Classifications and mappings belong to the client; commands are issued in
// the context of the closure they unblock.
type ConceptHandler struct {
	classification services.ClassificationService
	mapping        services.MappingService
	closures       services.ClosureService
	dispatcher     PipelineDispatcher
	logger         *zap.Logger
}

// NewConceptHandler creates a new concept handler.
func NewConceptHandler(
	classification services.ClassificationService,
	mapping services.MappingService,
	closures services.ClosureService,
	dispatcher PipelineDispatcher,
	logger *zap.Logger,
) *ConceptHandler {
	return &ConceptHandler{
		classification: classification,
		mapping:        mapping,
		closures:       closures,
		dispatcher:     dispatcher,
		logger:         logger,
	}
}

// RegisterRoutes registers the concept handler's routes on the given mux.
func (h *ConceptHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	client := "/api/clients/{client_id}"
	closure := client + "/closures/{closure_id}"

	mux.HandleFunc("GET "+client+"/classifications", tenantMiddleware(h.ListClassifications))
	mux.HandleFunc("GET "+client+"/classifications/pending", tenantMiddleware(h.PendingHeaders))
	mux.HandleFunc("GET "+client+"/classifications/suggestions", tenantMiddleware(h.Suggestions))
	mux.HandleFunc("GET "+client+"/mappings", tenantMiddleware(h.ListMappings))
	mux.HandleFunc("GET "+client+"/mappings/pending", tenantMiddleware(h.PendingMappings))

	mux.HandleFunc("POST "+closure+"/classifications", tenantMiddleware(h.Classify))
	mux.HandleFunc("POST "+closure+"/classifications/accept-suggestions", tenantMiddleware(h.AcceptSuggestions))
	mux.HandleFunc("POST "+closure+"/mappings", tenantMiddleware(h.Map))
}

// ListClassifications handles GET /api/clients/{client_id}/classifications
func (h *ConceptHandler) ListClassifications(w http.ResponseWriter, r *http.Request) {
	h.listClassifications(w, r, h.classification.ListClassifications, "list_classifications_failed")
}

// PendingHeaders handles GET /api/clients/{client_id}/classifications/pending
func (h *ConceptHandler) PendingHeaders(w http.ResponseWriter, r *http.Request) {
	h.listClassifications(w, r, h.classification.PendingHeaders, "list_pending_headers_failed")
}

func (h *ConceptHandler) listClassifications(
	w http.ResponseWriter, r *http.Request,
	list func(ctx context.Context, clientID uuid.UUID) ([]*models.ConceptClassification, error),
	failCode string,
) {
	clientID, ok := ParseClientID(w, r, h.logger)
	if !ok {
		return
	}

	items, err := list(r.Context(), clientID)
	if err != nil {
		writeServiceError(w, err, failCode, h.logger)
		return
	}
	writeData(w, http.StatusOK, ClassificationListResponse{Classifications: items, Total: len(items)}, h.logger)
}

// Suggestions handles GET /api/clients/{client_id}/classifications/suggestions
func (h *ConceptHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	clientID, ok := ParseClientID(w, r, h.logger)
	if !ok {
		return
	}

	suggestions, err := h.classification.Suggest(r.Context(), clientID)
	if err != nil {
		writeServiceError(w, err, "suggest_categories_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, SuggestionListResponse{Suggestions: suggestions, Total: len(suggestions)}, h.logger)
}

// ListMappings handles GET /api/clients/{client_id}/mappings
func (h *ConceptHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	h.listMappings(w, r, false)
}

// PendingMappings handles GET /api/clients/{client_id}/mappings/pending
func (h *ConceptHandler) PendingMappings(w http.ResponseWriter, r *http.Request) {
	h.listMappings(w, r, true)
}

func (h *ConceptHandler) listMappings(w http.ResponseWriter, r *http.Request, pending bool) {
	clientID, ok := ParseClientID(w, r, h.logger)
	if !ok {
		return
	}

	var (
		items []*models.ConceptMapping
		err   error
	)
	if pending {
		items, err = h.mapping.PendingMappings(r.Context(), clientID)
	} else {
		items, err = h.mapping.ListMappings(r.Context(), clientID)
	}
	if err != nil {
		writeServiceError(w, err, "list_mappings_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, MappingListResponse{Mappings: items, Total: len(items)}, h.logger)
}

// Classify handles POST .../closures/{closure_id}/classifications. Every
// assignment is applied or none is.
func (h *ConceptHandler) Classify(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	var req ClassifyRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	if len(req.Assignments) == 0 {
		writeBadRequest(w, "invalid_request", "At least one assignment is required", h.logger)
		return
	}

	if err := h.classification.ClassifyBulk(r.Context(), clientID, req.Assignments); err != nil {
		writeServiceError(w, err, "classify_failed", h.logger)
		return
	}
	h.afterGateChange(w, r, clientID, closureID, GateResponse{})
}

// AcceptSuggestions handles POST .../closures/{closure_id}/classifications/accept-suggestions
func (h *ConceptHandler) AcceptSuggestions(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	n, err := h.classification.AcceptSuggestions(r.Context(), clientID)
	if err != nil {
		writeServiceError(w, err, "accept_suggestions_failed", h.logger)
		return
	}
	h.afterGateChange(w, r, clientID, closureID, GateResponse{Classified: n})
}

// Map handles POST .../closures/{closure_id}/mappings
func (h *ConceptHandler) Map(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	var req models.MappingAssignment
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	m, err := h.mapping.MapNoveltyHeader(r.Context(), clientID, req)
	if err != nil {
		writeServiceError(w, err, "map_novelty_header_failed", h.logger)
		return
	}
	h.afterGateChange(w, r, clientID, closureID, GateResponse{Mapping: m})
}

// afterGateChange moves the closure to the state its gates now imply and
// queues the files that were waiting on classification.
func (h *ConceptHandler) afterGateChange(w http.ResponseWriter, r *http.Request, clientID, closureID uuid.UUID, resp GateResponse) {
	c, err := h.closures.RefreshGates(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "refresh_closure_failed", h.logger)
		return
	}

	resumed, err := h.dispatcher.ResumePending(r.Context(), clientID, closureID, requestUserID(r))
	if err != nil {
		// The command itself succeeded; pending files are picked up on the next change.
		h.logger.Error("Failed to resume pending files",
			zap.String("closure_id", closureID.String()),
			zap.Error(err))
	}

	resp.Closure = models.NewClosureSummary(c)
	resp.Resumed = resumed
	writeData(w, http.StatusOK, resp, h.logger)
}
