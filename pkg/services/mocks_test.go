package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// In-memory repositories shared by the service tests. They follow the
// contracts of the Postgres implementations closely enough for the services
// to be exercised end to end without a database.

// ============================================================================
// Closures
// ============================================================================

type mockClosureRepo struct {
	mu       sync.Mutex
	closures map[uuid.UUID]*models.Closure

	// Rollups are recounted from these when set.
	discrepancies *mockDiscrepancyRepo
	incidencias   *mockIncidenciaRepo

	updateErr error
	updates   int
}

func newMockClosureRepo() *mockClosureRepo {
	return &mockClosureRepo{closures: make(map[uuid.UUID]*models.Closure)}
}

var _ repositories.ClosureRepository = (*mockClosureRepo)(nil)

func (m *mockClosureRepo) put(c *models.Closure) *models.Closure {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.closures[c.ID] = &cp
	return c
}

func (m *mockClosureRepo) get(id uuid.UUID) *models.Closure {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.closures[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *mockClosureRepo) Create(_ context.Context, c *models.Closure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.closures {
		if existing.ClientID == c.ClientID && existing.Period == c.Period {
			return fmt.Errorf("closure for period %s: %w", c.Period, apperrors.ErrConflict)
		}
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.closures[c.ID] = &cp
	return nil
}

func (m *mockClosureRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Closure, error) {
	if c := m.get(id); c != nil {
		return c, nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockClosureRepo) GetByPeriod(_ context.Context, clientID uuid.UUID, period models.Period) (*models.Closure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closures {
		if c.ClientID == clientID && c.Period == period {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockClosureRepo) ListByClient(_ context.Context, clientID uuid.UUID) ([]*models.Closure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Closure
	for _, c := range m.closures {
		if c.ClientID == clientID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period > out[j].Period })
	return out, nil
}

func (m *mockClosureRepo) GetPreviousFinalized(_ context.Context, clientID uuid.UUID, before models.Period) (*models.Closure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Closure
	for _, c := range m.closures {
		if c.ClientID != clientID || c.State != models.ClosureStateFinalized || c.Period >= before {
			continue
		}
		if best == nil || c.Period > best.Period {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *mockClosureRepo) Update(_ context.Context, c *models.Closure, expectedState models.ClosureState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.closures[c.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if stored.State != expectedState {
		return fmt.Errorf("closure %s is no longer %s: %w", c.ID, expectedState, apperrors.ErrConflict)
	}
	c.UpdatedAt = time.Now()
	cp := *c
	m.closures[c.ID] = &cp
	m.updates++
	return nil
}

func (m *mockClosureRepo) RecountRollups(_ context.Context, id uuid.UUID) (*models.Closure, error) {
	c := m.get(id)
	if c == nil {
		return nil, apperrors.ErrNotFound
	}
	c.TotalDiscrepancies, c.ResolvedDiscrepancies = 0, 0
	c.TotalIncidencias, c.ResolvedIncidencias = 0, 0
	if m.discrepancies != nil {
		c.TotalDiscrepancies, c.ResolvedDiscrepancies = m.discrepancies.counts(id)
	}
	if m.incidencias != nil {
		c.TotalIncidencias, c.ResolvedIncidencias = m.incidencias.counts(id)
	}
	m.put(c)
	return c, nil
}

func (m *mockClosureRepo) ListByState(_ context.Context, states ...models.ClosureState) ([]*models.Closure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Closure
	for _, c := range m.closures {
		for _, s := range states {
			if c.State == s {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// ============================================================================
// Source files
// ============================================================================

type mockSourceFileRepo struct {
	mu    sync.Mutex
	files map[uuid.UUID]*models.SourceFile
	order []uuid.UUID

	markProcessingErr error
}

func newMockSourceFileRepo() *mockSourceFileRepo {
	return &mockSourceFileRepo{files: make(map[uuid.UUID]*models.SourceFile)}
}

var _ repositories.SourceFileRepository = (*mockSourceFileRepo)(nil)

func (m *mockSourceFileRepo) get(id uuid.UUID) *models.SourceFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil
	}
	cp := *f
	return &cp
}

func (m *mockSourceFileRepo) CreateVersion(_ context.Context, f *models.SourceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 0
	for _, existing := range m.files {
		if existing.ClosureID == f.ClosureID && existing.Kind == f.Kind {
			if existing.Version > version {
				version = existing.Version
			}
			existing.IsCurrent = false
		}
	}
	f.ID = uuid.New()
	f.Version = version + 1
	f.IsCurrent = true
	if f.Status == "" {
		f.Status = models.FileStatusPending
	}
	f.CreatedAt = time.Now()
	cp := *f
	m.files[f.ID] = &cp
	m.order = append(m.order, f.ID)
	return nil
}

func (m *mockSourceFileRepo) GetByID(_ context.Context, id uuid.UUID) (*models.SourceFile, error) {
	if f := m.get(id); f != nil {
		return f, nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockSourceFileRepo) GetCurrent(_ context.Context, closureID uuid.UUID, kind models.FileKind) (*models.SourceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.ClosureID == closureID && f.Kind == kind && f.IsCurrent {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockSourceFileRepo) ListCurrent(_ context.Context, closureID uuid.UUID) ([]*models.SourceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SourceFile
	for _, id := range m.order {
		f, ok := m.files[id]
		if ok && f.ClosureID == closureID && f.IsCurrent {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSourceFileRepo) ListVersions(_ context.Context, closureID uuid.UUID, kind models.FileKind) ([]*models.SourceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SourceFile
	for _, f := range m.files {
		if f.ClosureID == closureID && f.Kind == kind {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *mockSourceFileRepo) Delete(_ context.Context, id uuid.UUID) (*models.SourceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	delete(m.files, id)
	if !f.IsCurrent {
		return nil, nil
	}
	var promoted *models.SourceFile
	for _, other := range m.files {
		if other.ClosureID == f.ClosureID && other.Kind == f.Kind {
			if promoted == nil || other.Version > promoted.Version {
				promoted = other
			}
		}
	}
	if promoted == nil {
		return nil, nil
	}
	promoted.IsCurrent = true
	cp := *promoted
	return &cp, nil
}

func (m *mockSourceFileRepo) update(id uuid.UUID, fn func(f *models.SourceFile)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	fn(f)
	return nil
}

func (m *mockSourceFileRepo) MarkProcessing(_ context.Context, id uuid.UUID) error {
	if m.markProcessingErr != nil {
		return m.markProcessingErr
	}
	return m.update(id, func(f *models.SourceFile) {
		now := time.Now()
		f.Status = models.FileStatusProcessing
		f.ProcessingStartedAt = &now
		f.ErrorMessage = ""
	})
}

func (m *mockSourceFileRepo) MarkPending(_ context.Context, id uuid.UUID, message string) error {
	return m.update(id, func(f *models.SourceFile) {
		f.Status = models.FileStatusPending
		f.ErrorMessage = message
	})
}

func (m *mockSourceFileRepo) MarkProcessed(_ context.Context, id uuid.UUID, result *models.FileResult) error {
	return m.update(id, func(f *models.SourceFile) {
		now := time.Now()
		f.Status = models.FileStatusProcessed
		f.ProcessedAt = &now
		f.RowsProcessed = result.RowsProcessed
		f.EmployeesCount = result.EmployeesCount
		f.Warnings = result.Warnings
		f.ErrorMessage = ""
	})
}

func (m *mockSourceFileRepo) MarkError(_ context.Context, id uuid.UUID, message string) error {
	return m.update(id, func(f *models.SourceFile) {
		f.Status = models.FileStatusError
		f.ErrorMessage = message
	})
}

func (m *mockSourceFileRepo) MarkStaleAsError(_ context.Context, cutoff time.Time, message string) ([]*models.SourceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SourceFile
	for _, f := range m.files {
		if f.Status == models.FileStatusProcessing && f.ProcessingStartedAt != nil && f.ProcessingStartedAt.Before(cutoff) {
			f.Status = models.FileStatusError
			f.ErrorMessage = message
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// Classifications and mappings
// ============================================================================

type mockClassificationRepo struct {
	mu      sync.Mutex
	records []*models.ConceptClassification
}

var _ repositories.ClassificationRepository = (*mockClassificationRepo)(nil)

func (m *mockClassificationRepo) add(clientID uuid.UUID, erpName, header string, occurrence int, cat *models.Category) *models.ConceptClassification {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &models.ConceptClassification{
		ID:         uuid.New(),
		ClientID:   clientID,
		ERP:        erpName,
		Header:     header,
		Occurrence: occurrence,
		Category:   cat,
	}
	m.records = append(m.records, rec)
	return rec
}

func (m *mockClassificationRepo) EnsureHeaders(_ context.Context, clientID uuid.UUID, erpName string, headers []repositories.HeaderRecord) ([]*models.ConceptClassification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ConceptClassification, 0, len(headers))
	for _, h := range headers {
		var found *models.ConceptClassification
		for _, r := range m.records {
			if r.ClientID == clientID && r.ERP == erpName && r.Header == h.Header && r.Occurrence == h.Occurrence {
				found = r
				break
			}
		}
		if found == nil {
			found = &models.ConceptClassification{
				ID:          uuid.New(),
				ClientID:    clientID,
				ERP:         erpName,
				Header:      h.Header,
				Occurrence:  h.Occurrence,
				IsDuplicate: h.IsDuplicate,
				Category:    h.Category,
			}
			m.records = append(m.records, found)
		}
		cp := *found
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockClassificationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ConceptClassification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockClassificationRepo) ListByClientERP(_ context.Context, clientID uuid.UUID, erpName string) ([]*models.ConceptClassification, error) {
	return m.filter(clientID, erpName, func(*models.ConceptClassification) bool { return true }), nil
}

func (m *mockClassificationRepo) ListPending(_ context.Context, clientID uuid.UUID, erpName string) ([]*models.ConceptClassification, error) {
	return m.filter(clientID, erpName, func(r *models.ConceptClassification) bool { return r.Category == nil }), nil
}

func (m *mockClassificationRepo) CountPending(ctx context.Context, clientID uuid.UUID, erpName string) (int, error) {
	pending, _ := m.ListPending(ctx, clientID, erpName)
	return len(pending), nil
}

func (m *mockClassificationRepo) SetCategories(_ context.Context, clientID uuid.UUID, erpName string, assignments []models.ClassificationAssignment, userID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[uuid.UUID]*models.ConceptClassification)
	for _, r := range m.records {
		if r.ClientID == clientID && r.ERP == erpName {
			byID[r.ID] = r
		}
	}
	for _, a := range assignments {
		if _, ok := byID[a.ClassificationID]; !ok {
			return fmt.Errorf("classification %s: %w", a.ClassificationID, apperrors.ErrNotFound)
		}
	}
	now := time.Now()
	for _, a := range assignments {
		cat := a.Category
		r := byID[a.ClassificationID]
		r.Category = &cat
		r.ClassifiedBy = userID
		r.ClassifiedAt = &now
	}
	return nil
}

func (m *mockClassificationRepo) filter(clientID uuid.UUID, erpName string, keep func(*models.ConceptClassification) bool) []*models.ConceptClassification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ConceptClassification
	for _, r := range m.records {
		if r.ClientID == clientID && r.ERP == erpName && keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

type mockMappingRepo struct {
	mu       sync.Mutex
	mappings []*models.ConceptMapping
}

var _ repositories.MappingRepository = (*mockMappingRepo)(nil)

func (m *mockMappingRepo) EnsureHeaders(_ context.Context, clientID uuid.UUID, erpName string, headers []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, h := range headers {
		exists := false
		for _, mp := range m.mappings {
			if mp.ClientID == clientID && mp.ERP == erpName && mp.NoveltyHeader == h {
				exists = true
				break
			}
		}
		if !exists {
			m.mappings = append(m.mappings, &models.ConceptMapping{
				ID: uuid.New(), ClientID: clientID, ERP: erpName, NoveltyHeader: h,
			})
			inserted++
		}
	}
	return inserted, nil
}

func (m *mockMappingRepo) GetByHeader(_ context.Context, clientID uuid.UUID, erpName, header string) (*models.ConceptMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.mappings {
		if mp.ClientID == clientID && mp.ERP == erpName && mp.NoveltyHeader == header {
			cp := *mp
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockMappingRepo) ListByClientERP(_ context.Context, clientID uuid.UUID, erpName string) ([]*models.ConceptMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ConceptMapping
	for _, mp := range m.mappings {
		if mp.ClientID == clientID && mp.ERP == erpName {
			cp := *mp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockMappingRepo) ListPending(ctx context.Context, clientID uuid.UUID, erpName string) ([]*models.ConceptMapping, error) {
	all, _ := m.ListByClientERP(ctx, clientID, erpName)
	var out []*models.ConceptMapping
	for _, mp := range all {
		if !mp.IsResolved() {
			out = append(out, mp)
		}
	}
	return out, nil
}

func (m *mockMappingRepo) CountPending(ctx context.Context, clientID uuid.UUID, erpName string) (int, error) {
	pending, _ := m.ListPending(ctx, clientID, erpName)
	return len(pending), nil
}

func (m *mockMappingRepo) Assign(_ context.Context, target *models.ConceptMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored *models.ConceptMapping
	for _, mp := range m.mappings {
		if mp.ID == target.ID {
			stored = mp
			continue
		}
		if target.ClassificationID != nil && mp.ClassificationID != nil &&
			mp.ClientID == target.ClientID && mp.ERP == target.ERP && *mp.ClassificationID == *target.ClassificationID {
			return apperrors.ErrMappingTargetTaken
		}
	}
	if stored == nil {
		return apperrors.ErrNotFound
	}
	stored.ClassificationID = target.ClassificationID
	stored.NoMapping = target.NoMapping
	stored.MappedBy = target.MappedBy
	stored.MappedAt = target.MappedAt
	return nil
}

// ============================================================================
// Payroll data
// ============================================================================

type mockPayrollRepo struct {
	mu sync.Mutex

	employees map[uuid.UUID][]*models.Employee
	lineItems map[uuid.UUID][]*models.LineItem
	novelties map[uuid.UUID][]*models.NoveltyItem
	movements map[uuid.UUID][]*models.Movement

	// Read side, set directly by tests.
	ledger       []models.LedgerEntry
	noveltyItems []*models.NoveltyItem
	movementList map[models.Origin][]*models.Movement

	replaceErr error
}

func newMockPayrollRepo() *mockPayrollRepo {
	return &mockPayrollRepo{
		employees:    make(map[uuid.UUID][]*models.Employee),
		lineItems:    make(map[uuid.UUID][]*models.LineItem),
		novelties:    make(map[uuid.UUID][]*models.NoveltyItem),
		movements:    make(map[uuid.UUID][]*models.Movement),
		movementList: make(map[models.Origin][]*models.Movement),
	}
}

var _ repositories.PayrollRepository = (*mockPayrollRepo)(nil)

func (m *mockPayrollRepo) ReplaceLedger(_ context.Context, fileID uuid.UUID, employees []*models.Employee, items []*models.LineItem, batchSize int, onBatch func(int)) error {
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.mu.Lock()
	m.employees[fileID] = employees
	m.lineItems[fileID] = items
	m.mu.Unlock()
	if onBatch != nil {
		for written := batchSize; ; written += batchSize {
			if written >= len(items) {
				onBatch(len(items))
				break
			}
			onBatch(written)
		}
	}
	return nil
}

func (m *mockPayrollRepo) ReplaceNovelties(_ context.Context, fileID uuid.UUID, items []*models.NoveltyItem, _ int) error {
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.novelties[fileID] = items
	return nil
}

func (m *mockPayrollRepo) ReplaceMovements(_ context.Context, fileID uuid.UUID, movements []*models.Movement, _ int) error {
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements[fileID] = movements
	return nil
}

func (m *mockPayrollRepo) ListLedgerEntries(_ context.Context, _ uuid.UUID) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger, nil
}

func (m *mockPayrollRepo) ListNoveltyItems(_ context.Context, _ uuid.UUID) ([]*models.NoveltyItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noveltyItems, nil
}

func (m *mockPayrollRepo) ListMovements(_ context.Context, _ uuid.UUID, origin models.Origin) ([]*models.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.movementList[origin], nil
}

// ============================================================================
// Discrepancies, incidencias and consolidation
// ============================================================================

type mockDiscrepancyRepo struct {
	mu    sync.Mutex
	items []*models.Discrepancy
}

var _ repositories.DiscrepancyRepository = (*mockDiscrepancyRepo)(nil)

func (m *mockDiscrepancyRepo) counts(closureID uuid.UUID) (total, resolved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.ClosureID == closureID {
			total++
			if d.Resolved {
				resolved++
			}
		}
	}
	return total, resolved
}

func (m *mockDiscrepancyRepo) byOrigin(origin models.DiscrepancyOrigin) []*models.Discrepancy {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Discrepancy
	for _, d := range m.items {
		if d.Origin == origin {
			out = append(out, d)
		}
	}
	return out
}

func (m *mockDiscrepancyRepo) ReplaceForOrigin(_ context.Context, closureID uuid.UUID, origin models.DiscrepancyOrigin, items []*models.Discrepancy, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, d := range m.items {
		if d.ClosureID != closureID || d.Origin != origin {
			kept = append(kept, d)
		}
	}
	m.items = kept
	for _, d := range items {
		d.ID = uuid.New()
		d.ClosureID = closureID
		d.Origin = origin
		m.items = append(m.items, d)
	}
	return nil
}

func (m *mockDiscrepancyRepo) List(_ context.Context, closureID uuid.UUID, filter models.DiscrepancyFilter) (*models.PagedResult[*models.Discrepancy], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := filter.Page.Normalize()
	var matched []*models.Discrepancy
	for _, d := range m.items {
		if d.ClosureID != closureID ||
			(filter.Origin != "" && d.Origin != filter.Origin) ||
			(filter.Kind != "" && d.Kind != filter.Kind) ||
			(filter.Resolved != nil && d.Resolved != *filter.Resolved) {
			continue
		}
		matched = append(matched, d)
	}
	result := &models.PagedResult[*models.Discrepancy]{Total: len(matched), Page: page.Number, PageSize: page.Size}
	start := page.Offset()
	if start < len(matched) {
		end := start + page.Size
		if end > len(matched) {
			end = len(matched)
		}
		result.Items = matched[start:end]
	}
	return result, nil
}

func (m *mockDiscrepancyRepo) GetByID(_ context.Context, closureID, id uuid.UUID) (*models.Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.ClosureID == closureID && d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockDiscrepancyRepo) Resolve(_ context.Context, closureID, id uuid.UUID, userID *uuid.UUID, note string) (*models.Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.ClosureID == closureID && d.ID == id {
			if d.Resolved {
				return nil, apperrors.State(apperrors.ErrConflict, "discrepancy is already resolved")
			}
			now := time.Now()
			d.Resolved = true
			d.ResolvedAt = &now
			d.ResolvedBy = userID
			d.ResolutionNote = note
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

type mockIncidenciaRepo struct {
	mu    sync.Mutex
	items []*models.Incidencia
}

var _ repositories.IncidenciaRepository = (*mockIncidenciaRepo)(nil)

func (m *mockIncidenciaRepo) counts(closureID uuid.UUID) (total, resolved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.items {
		if inc.ClosureID == closureID {
			total++
			if inc.Status.IsResolved() {
				resolved++
			}
		}
	}
	return total, resolved
}

func (m *mockIncidenciaRepo) Replace(_ context.Context, closureID uuid.UUID, items []*models.Incidencia) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, inc := range m.items {
		if inc.ClosureID != closureID {
			kept = append(kept, inc)
		}
	}
	m.items = kept
	for _, inc := range items {
		inc.ID = uuid.New()
		inc.ClosureID = closureID
		if inc.Status == "" {
			inc.Status = models.IncidenciaPending
		}
		m.items = append(m.items, inc)
	}
	return nil
}

func (m *mockIncidenciaRepo) List(_ context.Context, closureID uuid.UUID, filter models.IncidenciaFilter) (*models.PagedResult[*models.Incidencia], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := filter.Page.Normalize()
	var out []*models.Incidencia
	for _, inc := range m.items {
		if inc.ClosureID == closureID && (filter.Status == "" || inc.Status == filter.Status) {
			out = append(out, inc)
		}
	}
	return &models.PagedResult[*models.Incidencia]{Items: out, Total: len(out), Page: page.Number, PageSize: page.Size}, nil
}

func (m *mockIncidenciaRepo) GetByID(_ context.Context, closureID, id uuid.UUID) (*models.Incidencia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.items {
		if inc.ClosureID == closureID && inc.ID == id {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockIncidenciaRepo) Update(_ context.Context, inc *models.Incidencia, expectedStatus models.IncidenciaStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, stored := range m.items {
		if stored.ID == inc.ID {
			if stored.Status != expectedStatus {
				return fmt.Errorf("incidencia %s is no longer %s: %w", inc.ID, expectedStatus, apperrors.ErrConflict)
			}
			cp := *inc
			m.items[i] = &cp
			return nil
		}
	}
	return apperrors.ErrNotFound
}

type mockConsolidationRepo struct {
	mu        sync.Mutex
	summaries map[uuid.UUID]*models.ConsolidatedSummary
}

func newMockConsolidationRepo() *mockConsolidationRepo {
	return &mockConsolidationRepo{summaries: make(map[uuid.UUID]*models.ConsolidatedSummary)}
}

var _ repositories.ConsolidationRepository = (*mockConsolidationRepo)(nil)

func (m *mockConsolidationRepo) Replace(_ context.Context, summary *models.ConsolidatedSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[summary.ClosureID] = summary
	return nil
}

func (m *mockConsolidationRepo) Get(_ context.Context, closureID uuid.UUID) (*models.ConsolidatedSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.summaries[closureID]; ok {
		return s, nil
	}
	return &models.ConsolidatedSummary{
		ClosureID:  closureID,
		Concepts:   []*models.ConsolidatedConcept{},
		Categories: []*models.ConsolidatedCategory{},
	}, nil
}

func (m *mockConsolidationRepo) ListConcepts(ctx context.Context, closureID uuid.UUID) ([]*models.ConsolidatedConcept, error) {
	s, _ := m.Get(ctx, closureID)
	return s.Concepts, nil
}

// ============================================================================
// Client configuration and audit
// ============================================================================

type mockClientConfigRepo struct {
	configs map[uuid.UUID]*models.ClientERPConfig
}

var _ repositories.ClientConfigRepository = (*mockClientConfigRepo)(nil)

func newMockClientConfigRepo(cfgs ...*models.ClientERPConfig) *mockClientConfigRepo {
	m := &mockClientConfigRepo{configs: make(map[uuid.UUID]*models.ClientERPConfig)}
	for _, c := range cfgs {
		m.configs[c.ClientID] = c
	}
	return m
}

func (m *mockClientConfigRepo) Get(_ context.Context, clientID uuid.UUID) (*models.ClientERPConfig, error) {
	if c, ok := m.configs[clientID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("client %s: %w", clientID, apperrors.ErrNoERPConfigured)
}

func (m *mockClientConfigRepo) Upsert(_ context.Context, cfg *models.ClientERPConfig) error {
	m.configs[cfg.ClientID] = cfg
	return nil
}

type mockAuditRepo struct {
	mu        sync.Mutex
	entries   []*models.AuditLogEntry
	createErr error
}

var _ repositories.AuditRepository = (*mockAuditRepo)(nil)

func (m *mockAuditRepo) Create(_ context.Context, entry *models.AuditLogEntry) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = uuid.New()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) List(_ context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	filter = filter.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLogEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		e := m.entries[i]
		if e.ClientID != filter.ClientID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != uuid.Nil && e.EntityID != filter.EntityID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockAuditRepo) actions(entityType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.EntityType == entityType {
			out = append(out, e.Action)
		}
	}
	return out
}

// ============================================================================
// Test environment
// ============================================================================

const testERP = "buk"

// testEnv wires every service to the in-memory repositories.
type testEnv struct {
	clientID uuid.UUID
	userID   uuid.UUID

	closures       *mockClosureRepo
	files          *mockSourceFileRepo
	classification *mockClassificationRepo
	mappings       *mockMappingRepo
	payroll        *mockPayrollRepo
	discrepancies  *mockDiscrepancyRepo
	incidencias    *mockIncidenciaRepo
	consolidation  *mockConsolidationRepo
	clientConfigs  *mockClientConfigRepo
	auditRepo      *mockAuditRepo

	closureSvc ClosureService
}

func newTestEnv() *testEnv {
	e := &testEnv{
		clientID:       uuid.New(),
		userID:         uuid.New(),
		closures:       newMockClosureRepo(),
		files:          newMockSourceFileRepo(),
		classification: &mockClassificationRepo{},
		mappings:       &mockMappingRepo{},
		payroll:        newMockPayrollRepo(),
		discrepancies:  &mockDiscrepancyRepo{},
		incidencias:    &mockIncidenciaRepo{},
		consolidation:  newMockConsolidationRepo(),
		auditRepo:      &mockAuditRepo{},
	}
	e.closures.discrepancies = e.discrepancies
	e.closures.incidencias = e.incidencias
	e.clientConfigs = newMockClientConfigRepo(&models.ClientERPConfig{ClientID: e.clientID, ERP: testERP})
	e.closureSvc = NewClosureService(ClosureServiceDeps{
		Closures:       e.closures,
		Classification: e.classification,
		Mappings:       e.mappings,
		Payroll:        e.payroll,
		Consolidation:  e.consolidation,
		ClientConfigs:  e.clientConfigs,
		Audit:          e.audit(),
	}, zap.NewNop())
	return e
}

func (e *testEnv) audit() AuditService {
	return NewAuditService(e.auditRepo, zap.NewNop())
}

func (e *testEnv) ctx() context.Context {
	return models.WithManualProvenance(context.Background(), e.userID)
}

// closure stores a closure of the environment's client in state.
func (e *testEnv) closure(period models.Period, state models.ClosureState, mutate ...func(*models.Closure)) *models.Closure {
	c := &models.Closure{ClientID: e.clientID, Period: period, State: state}
	for _, fn := range mutate {
		fn(c)
	}
	return e.closures.put(c)
}

// file stores a current source file of kind for the closure.
func (e *testEnv) file(closureID uuid.UUID, kind models.FileKind, status models.FileStatus) *models.SourceFile {
	f := &models.SourceFile{
		ClosureID:    closureID,
		Kind:         kind,
		Origin:       kind.DefaultOrigin(),
		Path:         "upload.csv",
		OriginalName: "upload.csv",
		Status:       status,
	}
	if err := e.files.CreateVersion(context.Background(), f); err != nil {
		panic(err)
	}
	return f
}
