package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
	"github.com/ekaya-inc/payroll-engine/pkg/services/workqueue"
)

// PipelineDispatcher queues background stages. Implemented by *services.Dispatcher.
type PipelineDispatcher interface {
	EnqueueFile(clientID, fileID, userID uuid.UUID) bool
	EnqueueReconcile(clientID, closureID, userID uuid.UUID)
	EnqueueDetectAnomalies(clientID, closureID, userID uuid.UUID)
	ResumePending(ctx context.Context, clientID, closureID, userID uuid.UUID) (int, error)
	Tasks() []workqueue.TaskSnapshot
}

// ProgressReader reads polling snapshots. Implemented by *services.ProgressReporter.
type ProgressReader interface {
	Get(ctx context.Context, key string) (*models.Progress, error)
}

// ============================================================================
// Request/Response Types
// ============================================================================

// CreateClosureRequest for POST /closures
type CreateClosureRequest struct {
	Period string `json:"period"`
}

// ClosureListResponse for GET /closures
type ClosureListResponse struct {
	Closures []*models.Closure `json:"closures"`
	Total    int               `json:"total"`
}

// QueuedResponse is returned by commands that run in the background.
type QueuedResponse struct {
	ClosureID uuid.UUID `json:"closure_id"`
	Stage     string    `json:"stage"`
	Queued    bool      `json:"queued"`
}

// ============================================================================
// Handler
// ============================================================================

// ClosureHandler handles closure lifecycle HTTP requests.
type ClosureHandler struct {
	closures       services.ClosureService
	reconciliation services.ReconciliationService
	anomalies      services.AnomalyService
	dispatcher     PipelineDispatcher
	progress       ProgressReader
	logger         *zap.Logger
}

// NewClosureHandler creates a new closure handler.
func NewClosureHandler(
	closures services.ClosureService,
	reconciliation services.ReconciliationService,
	anomalies services.AnomalyService,
	dispatcher PipelineDispatcher,
	progress ProgressReader,
	logger *zap.Logger,
) *ClosureHandler {
	return &ClosureHandler{
		closures:       closures,
		reconciliation: reconciliation,
		anomalies:      anomalies,
		dispatcher:     dispatcher,
		progress:       progress,
		logger:         logger,
	}
}

// RegisterRoutes registers the closure handler's routes on the given mux.
func (h *ClosureHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/clients/{client_id}/closures"
	closure := base + "/{closure_id}"

	mux.HandleFunc("GET "+base, tenantMiddleware(h.List))
	mux.HandleFunc("POST "+base, tenantMiddleware(h.Create))
	mux.HandleFunc("GET "+closure, tenantMiddleware(h.Get))
	mux.HandleFunc("GET "+closure+"/summary", tenantMiddleware(h.ConsolidatedSummary))
	mux.HandleFunc("GET "+closure+"/progress", tenantMiddleware(h.Progress))
	mux.HandleFunc("POST "+closure+"/reconcile", tenantMiddleware(h.Reconcile))
	mux.HandleFunc("POST "+closure+"/consolidate", tenantMiddleware(h.Consolidate))
	mux.HandleFunc("POST "+closure+"/detect-anomalies", tenantMiddleware(h.DetectAnomalies))
	mux.HandleFunc("POST "+closure+"/finalize", tenantMiddleware(h.Finalize))
	mux.HandleFunc("POST "+closure+"/cancel", tenantMiddleware(h.Cancel))
}

// List handles GET /api/clients/{client_id}/closures
func (h *ClosureHandler) List(w http.ResponseWriter, r *http.Request) {
	clientID, ok := ParseClientID(w, r, h.logger)
	if !ok {
		return
	}

	closures, err := h.closures.List(r.Context(), clientID)
	if err != nil {
		writeServiceError(w, err, "list_closures_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, ClosureListResponse{Closures: closures, Total: len(closures)}, h.logger)
}

// Create handles POST /api/clients/{client_id}/closures
func (h *ClosureHandler) Create(w http.ResponseWriter, r *http.Request) {
	clientID, ok := ParseClientID(w, r, h.logger)
	if !ok {
		return
	}

	var req CreateClosureRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	c, err := h.closures.Create(r.Context(), clientID, models.Period(req.Period))
	if err != nil {
		writeServiceError(w, err, "create_closure_failed", h.logger)
		return
	}
	writeData(w, http.StatusCreated, models.NewClosureSummary(c), h.logger)
}

// Get handles GET /api/clients/{client_id}/closures/{closure_id}
func (h *ClosureHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.closures.GetSummary(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "get_closure_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, summary, h.logger)
}

// ConsolidatedSummary handles GET /api/clients/{client_id}/closures/{closure_id}/summary
func (h *ClosureHandler) ConsolidatedSummary(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.closures.GetConsolidatedSummary(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "get_consolidated_summary_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, summary, h.logger)
}

// Progress handles GET /api/clients/{client_id}/closures/{closure_id}/progress
func (h *ClosureHandler) Progress(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	writeProgress(w, r, h.progress, services.ClosureProgressKey(closureID), h.logger)
}

// Reconcile handles POST /api/clients/{client_id}/closures/{closure_id}/reconcile.
// The closure is checked now and reconciled in the background.
func (h *ClosureHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.reconciliation.Validate(r.Context(), closureID); err != nil {
		writeServiceError(w, err, "reconcile_failed", h.logger)
		return
	}
	h.dispatcher.EnqueueReconcile(clientID, closureID, requestUserID(r))
	writeData(w, http.StatusAccepted, QueuedResponse{ClosureID: closureID, Stage: models.StageReconciliation, Queued: true}, h.logger)
}

// Consolidate handles POST /api/clients/{client_id}/closures/{closure_id}/consolidate
func (h *ClosureHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	c, err := h.closures.Consolidate(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "consolidate_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, models.NewClosureSummary(c), h.logger)
}

// DetectAnomalies handles POST /api/clients/{client_id}/closures/{closure_id}/detect-anomalies
func (h *ClosureHandler) DetectAnomalies(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	if _, _, err := h.anomalies.Validate(r.Context(), closureID); err != nil {
		writeServiceError(w, err, "detect_anomalies_failed", h.logger)
		return
	}
	h.dispatcher.EnqueueDetectAnomalies(clientID, closureID, requestUserID(r))
	writeData(w, http.StatusAccepted, QueuedResponse{ClosureID: closureID, Stage: models.StageAnomalies, Queued: true}, h.logger)
}

// Finalize handles POST /api/clients/{client_id}/closures/{closure_id}/finalize
func (h *ClosureHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	c, err := h.closures.Finalize(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "finalize_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, models.NewClosureSummary(c), h.logger)
}

// Cancel handles POST /api/clients/{client_id}/closures/{closure_id}/cancel
func (h *ClosureHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	c, err := h.closures.Cancel(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "cancel_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, models.NewClosureSummary(c), h.logger)
}

// requestUserID returns the reviewer set by the provenance middleware, or
// uuid.Nil when unknown.
func requestUserID(r *http.Request) uuid.UUID {
	prov, ok := models.GetProvenance(r.Context())
	if !ok {
		return uuid.Nil
	}
	return prov.UserID
}

// writeProgress writes the snapshot under key. A missing snapshot is 404.
func writeProgress(w http.ResponseWriter, r *http.Request, progress ProgressReader, key string, logger *zap.Logger) {
	p, err := progress.Get(r.Context(), key)
	if err != nil {
		writeServiceError(w, err, "get_progress_failed", logger)
		return
	}
	if p == nil {
		if err := ErrorResponse(w, http.StatusNotFound, "not_found", "No progress recorded"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	writeData(w, http.StatusOK, p, logger)
}
