package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/middleware"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
	"github.com/ekaya-inc/payroll-engine/pkg/services/workqueue"
)

// passthroughTenant stands in for the client-scoped connection middleware.
func passthroughTenant(next http.HandlerFunc) http.HandlerFunc { return next }

// serve routes a request through a mux built by register, behind the
// provenance middleware.
func serve(t *testing.T, register func(mux *http.ServeMux), req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	register(mux)
	rec := httptest.NewRecorder()
	middleware.Provenance()(mux).ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// decodeEnvelope decodes the response envelope, unmarshalling data into dst
// when dst is non-nil.
func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, dst any) ApiResponse {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&raw))
	if dst != nil {
		require.NoError(t, json.Unmarshal(raw.Data, dst))
	}
	return ApiResponse{Success: raw.Success, Error: raw.Error, Message: raw.Message}
}

// ============================================================================
// Pipeline
// ============================================================================

type enqueued struct {
	stage    string
	clientID uuid.UUID
	id       uuid.UUID
	userID   uuid.UUID
}

type mockDispatcher struct {
	mu        sync.Mutex
	calls     []enqueued
	tasks     []workqueue.TaskSnapshot
	resumed   int
	resumeErr error
}

func (m *mockDispatcher) record(stage string, clientID, id, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, enqueued{stage: stage, clientID: clientID, id: id, userID: userID})
}

func (m *mockDispatcher) EnqueueFile(clientID, fileID, userID uuid.UUID) bool {
	m.record("file", clientID, fileID, userID)
	return true
}

func (m *mockDispatcher) EnqueueReconcile(clientID, closureID, userID uuid.UUID) {
	m.record("reconcile", clientID, closureID, userID)
}

func (m *mockDispatcher) EnqueueDetectAnomalies(clientID, closureID, userID uuid.UUID) {
	m.record("anomalies", clientID, closureID, userID)
}

func (m *mockDispatcher) ResumePending(_ context.Context, clientID, closureID, userID uuid.UUID) (int, error) {
	m.record("resume", clientID, closureID, userID)
	return m.resumed, m.resumeErr
}

func (m *mockDispatcher) Tasks() []workqueue.TaskSnapshot {
	return m.tasks
}

type mockProgress struct {
	snapshots map[string]*models.Progress
}

func (m *mockProgress) Get(_ context.Context, key string) (*models.Progress, error) {
	return m.snapshots[key], nil
}

// ============================================================================
// Services
// ============================================================================

// mockClosureService returns closure for every call, or err when set.
type mockClosureService struct {
	services.ClosureService
	closure *models.Closure
	err     error
	called  []string
}

func (m *mockClosureService) result(op string) (*models.Closure, error) {
	m.called = append(m.called, op)
	if m.err != nil {
		return nil, m.err
	}
	return m.closure, nil
}

func (m *mockClosureService) Create(_ context.Context, clientID uuid.UUID, period models.Period) (*models.Closure, error) {
	c, err := m.result("create")
	if err != nil {
		return nil, err
	}
	c.ClientID = clientID
	c.Period = period
	return c, nil
}

func (m *mockClosureService) List(context.Context, uuid.UUID) ([]*models.Closure, error) {
	c, err := m.result("list")
	if err != nil {
		return nil, err
	}
	return []*models.Closure{c}, nil
}

func (m *mockClosureService) GetSummary(context.Context, uuid.UUID) (*models.ClosureSummary, error) {
	c, err := m.result("summary")
	if err != nil {
		return nil, err
	}
	return models.NewClosureSummary(c), nil
}

func (m *mockClosureService) RefreshGates(context.Context, uuid.UUID) (*models.Closure, error) {
	return m.result("refresh")
}

func (m *mockClosureService) Consolidate(context.Context, uuid.UUID) (*models.Closure, error) {
	return m.result("consolidate")
}

func (m *mockClosureService) Finalize(context.Context, uuid.UUID) (*models.Closure, error) {
	return m.result("finalize")
}

func (m *mockClosureService) Cancel(context.Context, uuid.UUID) (*models.Closure, error) {
	return m.result("cancel")
}

type mockReconciliationService struct {
	services.ReconciliationService
	validateErr error
	filter      models.DiscrepancyFilter
	resolveNote string
	resolveErr  error
}

func (m *mockReconciliationService) Validate(_ context.Context, closureID uuid.UUID) (*models.Closure, error) {
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return &models.Closure{ID: closureID}, nil
}

func (m *mockReconciliationService) ListDiscrepancies(_ context.Context, _ uuid.UUID, filter models.DiscrepancyFilter) (*models.PagedResult[*models.Discrepancy], error) {
	m.filter = filter
	return &models.PagedResult[*models.Discrepancy]{Items: []*models.Discrepancy{}, Page: filter.Page.Number, PageSize: filter.Page.Size}, nil
}

func (m *mockReconciliationService) ResolveDiscrepancy(_ context.Context, closureID, discrepancyID uuid.UUID, note string) (*models.Discrepancy, error) {
	m.resolveNote = note
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return &models.Discrepancy{ID: discrepancyID, ClosureID: closureID, Resolved: true, ResolutionNote: note}, nil
}

type mockAnomalyService struct {
	services.AnomalyService
	validateErr error
	filter      models.IncidenciaFilter
	resolveErr  error
}

func (m *mockAnomalyService) Validate(_ context.Context, closureID uuid.UUID) (*models.Closure, *models.Closure, error) {
	if m.validateErr != nil {
		return nil, nil, m.validateErr
	}
	return &models.Closure{ID: closureID}, &models.Closure{ID: uuid.New()}, nil
}

func (m *mockAnomalyService) ListIncidencias(_ context.Context, _ uuid.UUID, filter models.IncidenciaFilter) (*models.PagedResult[*models.Incidencia], error) {
	m.filter = filter
	return &models.PagedResult[*models.Incidencia]{Items: []*models.Incidencia{}}, nil
}

func (m *mockAnomalyService) StartReview(_ context.Context, closureID, incidenciaID uuid.UUID) (*models.Incidencia, error) {
	return &models.Incidencia{ID: incidenciaID, ClosureID: closureID, Status: models.IncidenciaInReview}, nil
}

func (m *mockAnomalyService) ResolveIncidencia(_ context.Context, closureID, incidenciaID uuid.UUID, decision models.IncidenciaDecision, justification string) (*models.Incidencia, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	status, _ := decision.Status()
	return &models.Incidencia{ID: incidenciaID, ClosureID: closureID, Status: status, Justification: justification}, nil
}

type mockClassificationService struct {
	services.ClassificationService
	assignments []models.ClassificationAssignment
	accepted    int
	err         error
}

func (m *mockClassificationService) ClassifyBulk(_ context.Context, _ uuid.UUID, assignments []models.ClassificationAssignment) error {
	m.assignments = assignments
	return m.err
}

func (m *mockClassificationService) AcceptSuggestions(context.Context, uuid.UUID) (int, error) {
	return m.accepted, m.err
}

func (m *mockClassificationService) PendingHeaders(context.Context, uuid.UUID) ([]*models.ConceptClassification, error) {
	return []*models.ConceptClassification{{Header: "Bono"}}, m.err
}

type mockMappingService struct {
	services.MappingService
	assignment models.MappingAssignment
	err        error
}

func (m *mockMappingService) MapNoveltyHeader(_ context.Context, clientID uuid.UUID, a models.MappingAssignment) (*models.ConceptMapping, error) {
	m.assignment = a
	if m.err != nil {
		return nil, m.err
	}
	return &models.ConceptMapping{ClientID: clientID, NoveltyHeader: a.NoveltyHeader, NoMapping: a.NoMapping}, nil
}

type mockSourceFileService struct {
	services.SourceFileService
	uploaded *services.UploadRequest
	promoted *models.SourceFile
	err      error
}

func (m *mockSourceFileService) RegisterUpload(_ context.Context, closureID uuid.UUID, req services.UploadRequest) (*models.SourceFile, error) {
	m.uploaded = &req
	if m.err != nil {
		return nil, m.err
	}
	return &models.SourceFile{
		ID:           uuid.New(),
		ClosureID:    closureID,
		Kind:         req.Kind,
		Path:         req.Path,
		OriginalName: req.OriginalName,
		Status:       models.FileStatusPending,
	}, nil
}

func (m *mockSourceFileService) DeleteFile(context.Context, uuid.UUID, uuid.UUID) (*models.SourceFile, error) {
	return m.promoted, m.err
}
