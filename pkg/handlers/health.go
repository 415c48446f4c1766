package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/config"
	"github.com/ekaya-inc/payroll-engine/pkg/services/workqueue"
)

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 2 * time.Second

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// TaskListResponse is returned by /api/tasks.
type TaskListResponse struct {
	Tasks []workqueue.TaskSnapshot `json:"tasks"`
	Total int                      `json:"total"`
}

// HealthHandler handles health check, ping and task status endpoints.
type HealthHandler struct {
	cfg        *config.Config
	checks     map[string]HealthCheck
	dispatcher PipelineDispatcher
	logger     *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. checks are run by /health;
// dispatcher may be nil, in which case /api/tasks is not registered.
func NewHealthHandler(cfg *config.Config, checks map[string]HealthCheck, dispatcher PipelineDispatcher, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, checks: checks, dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	if h.dispatcher != nil {
		mux.HandleFunc("GET /api/tasks", h.Tasks)
	}
}

// Health handles GET /health. Any failing dependency makes the service
// unavailable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if len(h.checks) > 0 {
		resp.Dependencies = make(map[string]string, len(h.checks))
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := h.checks[name](ctx)
			cancel()
			if err != nil {
				h.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
				resp.Dependencies[name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Dependencies[name] = "ok"
		}
	}

	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping reports build and host details. It never touches a dependency.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	resp := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "payroll-engine",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Tasks handles GET /api/tasks and lists queued, running and recently
// finished pipeline tasks.
func (h *HealthHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.dispatcher.Tasks()
	writeData(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)}, h.logger)
}
