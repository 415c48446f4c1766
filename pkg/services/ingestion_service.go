package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/logging"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// IngestionService turns an uploaded file into stored payroll data.
type IngestionService interface {
	// ProcessFile reads, normalizes and stores one source file, replacing any
	// data stored for it before. A ledger with unclassified headers is left
	// pending and its result reports the number of pending headers.
	ProcessFile(ctx context.Context, fileID uuid.UUID) (*IngestionResult, error)
}

// IngestionResult is the outcome of processing one file.
type IngestionResult struct {
	File *models.SourceFile `json:"file"`
	models.FileResult
	// PendingHeaders is set when a ledger waits for classification.
	PendingHeaders int `json:"pending_headers,omitempty"`
}

// IngestionConfig holds ingestion tuning.
type IngestionConfig struct {
	// BatchSize is the number of rows per COPY batch.
	BatchSize int
	// StorageDir resolves relative file paths.
	StorageDir string
}

type ingestionService struct {
	files          repositories.SourceFileRepository
	closures       ClosureService
	clientConfigs  repositories.ClientConfigRepository
	classification repositories.ClassificationRepository
	mappings       repositories.MappingRepository
	payroll        repositories.PayrollRepository
	registry       *erp.Registry
	progress       *ProgressReporter
	cfg            IngestionConfig
	logger         *zap.Logger
}

// IngestionServiceDeps bundles the collaborators of the ingestion service.
type IngestionServiceDeps struct {
	Files          repositories.SourceFileRepository
	Closures       ClosureService
	ClientConfigs  repositories.ClientConfigRepository
	Classification repositories.ClassificationRepository
	Mappings       repositories.MappingRepository
	Payroll        repositories.PayrollRepository
	Registry       *erp.Registry
	Progress       *ProgressReporter
}

// NewIngestionService creates a new ingestion service.
func NewIngestionService(deps IngestionServiceDeps, cfg IngestionConfig, logger *zap.Logger) IngestionService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	return &ingestionService{
		files:          deps.Files,
		closures:       deps.Closures,
		clientConfigs:  deps.ClientConfigs,
		classification: deps.Classification,
		mappings:       deps.Mappings,
		payroll:        deps.Payroll,
		registry:       deps.Registry,
		progress:       deps.Progress,
		cfg:            cfg,
		logger:         logger.Named("ingestion"),
	}
}

var _ IngestionService = (*ingestionService)(nil)

// fileJob is the resolved context of one ProcessFile call.
type fileJob struct {
	file     *models.SourceFile
	closure  *models.Closure
	erp      string
	adapter  erp.Adapter
	opts     erp.Options
	input    erp.File
	key      string
	warnings []models.FileWarning
}

func (j *fileJob) warn(row int, column, format string, args ...any) {
	j.warnings = append(j.warnings, models.FileWarning{Row: row, Column: column, Message: fmt.Sprintf(format, args...)})
}

func (s *ingestionService) ProcessFile(ctx context.Context, fileID uuid.UUID) (*IngestionResult, error) {
	job, err := s.prepare(ctx, fileID)
	if err != nil {
		return nil, s.fail(ctx, fileID, err)
	}

	if err := s.files.MarkProcessing(ctx, fileID); err != nil {
		return nil, fmt.Errorf("mark file processing: %w", err)
	}
	s.progress.Report(ctx, job.key, models.Progress{Stage: models.StageHeaders, Message: "reading headers"})

	logger := s.logger.With(
		zap.String("file_id", fileID.String()),
		zap.String("closure_id", job.closure.ID.String()),
		zap.String("kind", string(job.file.Kind)),
		zap.String("erp", job.erp))
	logger.Info("Processing source file")

	var result *IngestionResult
	switch {
	case job.file.Kind == models.FileKindLedger:
		result, err = s.processLedger(ctx, job)
	case job.file.Kind == models.FileKindNovelties:
		result, err = s.processNovelties(ctx, job)
	case job.file.Kind.IsMovementKind():
		result, err = s.processMovements(ctx, job)
	default:
		err = apperrors.Validation(nil, "unsupported file kind %q", job.file.Kind)
	}
	if err != nil {
		logger.Error("Source file processing failed", zap.String("error", logging.SanitizeError(err)))
		return nil, s.fail(ctx, fileID, err)
	}

	if result.PendingHeaders == 0 {
		result.Warnings = capWarnings(job.warnings)
		if err := s.files.MarkProcessed(ctx, fileID, &result.FileResult); err != nil {
			return nil, fmt.Errorf("mark file processed: %w", err)
		}
		s.progress.Report(ctx, job.key, models.Progress{
			Stage: models.StageDone, Percent: 100, ProcessedCount: result.RowsProcessed,
		})
		logger.Info("Source file processed",
			zap.Int("rows", result.RowsProcessed),
			zap.Int("skipped", result.RowsSkipped),
			zap.Int("employees", result.EmployeesCount),
			zap.Int("warnings", len(job.warnings)))
	}

	if _, err := s.closures.RefreshGates(ctx, job.closure.ID); err != nil {
		return nil, err
	}

	result.File, err = s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// prepare resolves the file, its closure, the client's ERP and the adapter.
func (s *ingestionService) prepare(ctx context.Context, fileID uuid.UUID) (*fileJob, error) {
	f, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	c, err := s.closures.Get(ctx, f.ClosureID)
	if err != nil {
		return nil, err
	}
	if !c.State.AcceptsUploads() {
		return nil, apperrors.State(apperrors.ErrInvalidTransition,
			"closure in state %s no longer accepts file changes", c.State)
	}

	cfg, err := s.clientConfigs.Get(ctx, c.ClientID)
	if err != nil {
		return nil, apperrors.Configuration(err, "client has no ERP configuration")
	}
	opts, err := erp.OptionsFromConfig(cfg.AdapterOptions)
	if err != nil {
		return nil, apperrors.Configuration(err, "invalid adapter options for ERP %q", cfg.ERP)
	}
	adapter, fellBack, err := s.registry.Resolve(cfg.ERP, f.Kind)
	if err != nil {
		return nil, err
	}

	job := &fileJob{
		file:    f,
		closure: c,
		erp:     cfg.ERP,
		adapter: adapter,
		opts:    opts,
		input:   erp.File{Path: s.resolvePath(f.Path), Name: f.OriginalName},
		key:     FileProgressKey(f.ID),
	}
	if fellBack {
		job.warn(0, "", "no %s adapter reads %s files; read with the generic adapter", cfg.ERP, f.Kind)
	}
	return job, nil
}

func (s *ingestionService) resolvePath(p string) string {
	if filepath.IsAbs(p) || s.cfg.StorageDir == "" {
		return p
	}
	return filepath.Join(s.cfg.StorageDir, p)
}

// fail records a permanent failure on the file. Transient failures are left
// to the caller's retry policy.
func (s *ingestionService) fail(ctx context.Context, fileID uuid.UUID, err error) error {
	if !apperrors.IsPermanent(err) || errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if markErr := s.files.MarkError(ctx, fileID, userMessage(err)); markErr != nil {
		s.logger.Warn("Failed to mark file as error",
			zap.String("file_id", fileID.String()),
			zap.Error(markErr))
	}
	s.progress.Report(ctx, FileProgressKey(fileID), models.Progress{Stage: models.StageFailed, Message: userMessage(err)})
	return err
}

// ============================================================================
// Ledger
// ============================================================================

func (s *ingestionService) processLedger(ctx context.Context, job *fileJob) (*IngestionResult, error) {
	hs, err := job.adapter.ReadHeaders(ctx, job.input, job.file.Kind, job.opts)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(hs.Headers))
	for i, h := range hs.Headers {
		texts[i] = h.Text
	}
	if err := job.adapter.ValidateStructure(texts, job.file.Kind); err != nil {
		return nil, err
	}

	records := ledgerHeaderRecords(hs)
	stored, err := s.classification.EnsureHeaders(ctx, job.closure.ClientID, job.erp, records)
	if err != nil {
		return nil, fmt.Errorf("store header classifications: %w", err)
	}

	byKey := make(map[models.ConceptKey]*models.ConceptClassification, len(stored))
	for _, cls := range stored {
		byKey[cls.ConceptKey()] = cls
	}
	// Gate on every header known for the client and ERP, not only this file's.
	pending, err := s.classification.CountPending(ctx, job.closure.ClientID, job.erp)
	if err != nil {
		return nil, fmt.Errorf("count pending classifications: %w", err)
	}
	if pending > 0 {
		msg := fmt.Sprintf("%d headers pending classification", pending)
		if err := s.files.MarkPending(ctx, job.file.ID, msg); err != nil {
			return nil, fmt.Errorf("mark file pending: %w", err)
		}
		s.progress.Report(ctx, job.key, models.Progress{Stage: models.StageHeaders, Percent: 100, Message: msg})
		s.logger.Info("Ledger waiting for classification",
			zap.String("file_id", job.file.ID.String()),
			zap.Int("pending_headers", pending))
		return &IngestionResult{PendingHeaders: pending}, nil
	}

	res, err := job.adapter.Normalize(ctx, job.input, job.file.Kind, job.opts)
	if err != nil {
		return nil, err
	}
	job.warnings = append(job.warnings, res.Warnings...)
	s.progress.Report(ctx, job.key, models.Progress{
		Stage: models.StageIngestion, Percent: 50, ProcessedCount: len(res.Rows), Message: "rows parsed",
	})

	employees, items := buildLedger(job, res, byKey)
	total := len(items)
	onBatch := func(written int) {
		s.progress.Report(ctx, job.key, models.Progress{
			Stage:          models.StageIngestion,
			Percent:        50 + models.Percent(written, total)/2,
			ProcessedCount: written,
			Message:        "writing line items",
		})
	}
	if err := s.payroll.ReplaceLedger(ctx, job.file.ID, employees, items, s.cfg.BatchSize, onBatch); err != nil {
		return nil, apperrors.Processing(err, "storing ledger failed")
	}

	return &IngestionResult{FileResult: models.FileResult{
		RowsProcessed:  len(res.Rows),
		RowsSkipped:    res.RowsSkipped,
		EmployeesCount: len(employees),
	}}, nil
}

// ledgerHeaderRecords lists every ledger column to classify. Columns the
// adapter resolved as identity columns are classified up front.
func ledgerHeaderRecords(hs *erp.HeaderSet) []repositories.HeaderRecord {
	records := make([]repositories.HeaderRecord, 0, len(hs.Headers))
	for _, h := range hs.Headers {
		rec := repositories.HeaderRecord{
			Header:      h.Text,
			Occurrence:  h.Occurrence,
			IsDuplicate: h.IsDuplicate,
		}
		switch h.Role {
		case erp.RoleIdentifier, erp.RoleCheckDigit, erp.RoleName:
			cat := models.CategoryIdentifier
			rec.Category = &cat
		case erp.RoleIgnored:
			cat := models.CategoryIgnore
			rec.Category = &cat
		}
		records = append(records, rec)
	}
	return records
}

// buildLedger turns canonical rows into employees and line items. A repeated
// identifier is merged into one employee and its amounts are summed.
func buildLedger(job *fileJob, res *erp.Result, byKey map[models.ConceptKey]*models.ConceptClassification) ([]*models.Employee, []*models.LineItem) {
	type itemKey struct {
		employee       uuid.UUID
		classification uuid.UUID
	}

	employees := make([]*models.Employee, 0, len(res.Rows))
	byIdentifier := make(map[string]*models.Employee, len(res.Rows))
	items := make([]*models.LineItem, 0, len(res.Rows)*4)
	itemIndex := make(map[itemKey]int)

	for _, row := range res.Rows {
		emp, seen := byIdentifier[row.Identifier]
		if !seen {
			emp = &models.Employee{
				ID:           uuid.New(),
				ClosureID:    job.closure.ID,
				SourceFileID: job.file.ID,
				Identifier:   row.Identifier,
				Name:         row.Name,
			}
			byIdentifier[row.Identifier] = emp
			employees = append(employees, emp)
		} else {
			job.warn(row.RowNumber, "", "identifier %s repeated; amounts added to the earlier row",
				logging.MaskIdentifier(row.Identifier))
		}

		for _, cv := range row.Concepts {
			cls, ok := byKey[models.ConceptKey{Header: cv.Header, Occurrence: cv.Occurrence}]
			if !ok || cls.Category == nil || !cls.Category.IsMonetary() {
				continue
			}
			if !cv.Valid {
				job.warn(row.RowNumber, cv.Header, "value %q is not an amount", logging.TruncateString(cv.Raw, 40))
				continue
			}
			if cv.Amount.IsZero() {
				continue
			}
			k := itemKey{employee: emp.ID, classification: cls.ID}
			if i, dup := itemIndex[k]; dup {
				items[i].Amount = items[i].Amount.Add(cv.Amount)
				continue
			}
			itemIndex[k] = len(items)
			items = append(items, &models.LineItem{
				ID:               uuid.New(),
				ClosureID:        job.closure.ID,
				EmployeeID:       emp.ID,
				ClassificationID: cls.ID,
				Category:         *cls.Category,
				Amount:           cv.Amount,
			})
		}
	}

	// Amounts that summed to zero carry no line item.
	kept := items[:0]
	for _, it := range items {
		if !it.Amount.IsZero() {
			kept = append(kept, it)
		}
	}
	return employees, kept
}

// ============================================================================
// Novelties
// ============================================================================

func (s *ingestionService) processNovelties(ctx context.Context, job *fileJob) (*IngestionResult, error) {
	res, err := job.adapter.Normalize(ctx, job.input, job.file.Kind, job.opts)
	if err != nil {
		return nil, err
	}
	job.warnings = append(job.warnings, res.Warnings...)

	headers := make([]string, 0)
	seenHeader := make(map[string]bool)
	addHeader := func(h string) {
		if !seenHeader[h] {
			seenHeader[h] = true
			headers = append(headers, h)
		}
	}
	for _, h := range res.Headers.Concepts() {
		addHeader(h.Text)
	}

	employees := make(map[string]bool)
	var items []*models.NoveltyItem
	for _, row := range res.Rows {
		employees[row.Identifier] = true
		for _, cv := range row.Concepts {
			addHeader(cv.Header)
			if !cv.Valid {
				job.warn(row.RowNumber, cv.Header, "value %q is not an amount", logging.TruncateString(cv.Raw, 40))
				continue
			}
			if cv.Amount.IsZero() {
				continue
			}
			items = append(items, &models.NoveltyItem{
				ID:            uuid.New(),
				ClosureID:     job.closure.ID,
				SourceFileID:  job.file.ID,
				Identifier:    row.Identifier,
				NoveltyHeader: cv.Header,
				Amount:        cv.Amount,
				RowNumber:     row.RowNumber,
			})
		}
	}

	added, err := s.mappings.EnsureHeaders(ctx, job.closure.ClientID, job.erp, headers)
	if err != nil {
		return nil, fmt.Errorf("store novelty headers: %w", err)
	}
	if added > 0 {
		s.logger.Info("New novelty headers need mapping",
			zap.String("file_id", job.file.ID.String()),
			zap.Int("added", added))
	}

	s.progress.Report(ctx, job.key, models.Progress{
		Stage: models.StageIngestion, Percent: 50, ProcessedCount: len(res.Rows), Message: "writing novelties",
	})
	if err := s.payroll.ReplaceNovelties(ctx, job.file.ID, items, s.cfg.BatchSize); err != nil {
		return nil, apperrors.Processing(err, "storing novelties failed")
	}

	return &IngestionResult{FileResult: models.FileResult{
		RowsProcessed:  len(res.Rows),
		RowsSkipped:    res.RowsSkipped,
		EmployeesCount: len(employees),
	}}, nil
}

// ============================================================================
// Movements
// ============================================================================

func (s *ingestionService) processMovements(ctx context.Context, job *fileJob) (*IngestionResult, error) {
	res, err := job.adapter.Normalize(ctx, job.input, job.file.Kind, job.opts)
	if err != nil {
		return nil, err
	}
	job.warnings = append(job.warnings, res.Warnings...)

	employees := make(map[string]bool)
	movements := make([]*models.Movement, 0, len(res.Rows))
	for _, row := range res.Rows {
		if !row.MovementType.IsValid() {
			job.warn(row.RowNumber, "", "row skipped: movement type %q is not recognized", row.MovementType)
			continue
		}
		employees[row.Identifier] = true
		movements = append(movements, &models.Movement{
			ID:           uuid.New(),
			ClosureID:    job.closure.ID,
			SourceFileID: job.file.ID,
			Origin:       job.file.Origin,
			Identifier:   row.Identifier,
			Type:         row.MovementType,
			StartDate:    row.StartDate,
			EndDate:      row.EndDate,
			RowNumber:    row.RowNumber,
		})
	}

	if err := s.payroll.ReplaceMovements(ctx, job.file.ID, movements, s.cfg.BatchSize); err != nil {
		return nil, apperrors.Processing(err, "storing movements failed")
	}

	return &IngestionResult{FileResult: models.FileResult{
		RowsProcessed:  len(movements),
		RowsSkipped:    res.RowsSkipped + len(res.Rows) - len(movements),
		EmployeesCount: len(employees),
	}}, nil
}

// ============================================================================
// Helpers
// ============================================================================

func capWarnings(warnings []models.FileWarning) []models.FileWarning {
	if len(warnings) <= models.MaxStoredWarnings {
		return warnings
	}
	out := make([]models.FileWarning, models.MaxStoredWarnings, models.MaxStoredWarnings+1)
	copy(out, warnings[:models.MaxStoredWarnings])
	return append(out, models.FileWarning{
		Message: fmt.Sprintf("%d more warnings not shown", len(warnings)-models.MaxStoredWarnings),
	})
}

// userMessage returns the message of an *apperrors.Error, or the sanitized
// error text.
func userMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if appErr.Err != nil && appErr.Kind == apperrors.KindValidation {
			return logging.SanitizeError(err)
		}
		return appErr.Message
	}
	return strings.TrimSpace(logging.SanitizeError(err))
}
