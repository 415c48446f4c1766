package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/repositories"
)

// UploadRequest describes a spreadsheet already written to storage.
type UploadRequest struct {
	Kind models.FileKind `json:"kind"`
	// Origin defaults to the kind's usual side when empty.
	Origin       models.Origin `json:"origin,omitempty"`
	Path         string        `json:"path"`
	OriginalName string        `json:"original_name"`
}

// SourceFileService manages uploaded file versions of a closure.
type SourceFileService interface {
	// RegisterUpload stores the upload as the current version of its kind.
	// Accepting a file on a closure with discrepancies reopens it for upload.
	RegisterUpload(ctx context.Context, closureID uuid.UUID, req UploadRequest) (*models.SourceFile, error)

	// DeleteFile removes a version. The most recent remaining version of the
	// same kind, if any, becomes current and is returned.
	DeleteFile(ctx context.Context, closureID, fileID uuid.UUID) (*models.SourceFile, error)

	Get(ctx context.Context, closureID, fileID uuid.UUID) (*models.SourceFile, error)
	ListCurrent(ctx context.Context, closureID uuid.UUID) ([]*models.SourceFile, error)
	ListVersions(ctx context.Context, closureID uuid.UUID, kind models.FileKind) ([]*models.SourceFile, error)
}

type sourceFileService struct {
	files         repositories.SourceFileRepository
	closures      ClosureService
	clientConfigs repositories.ClientConfigRepository
	registry      *erp.Registry
	audit         AuditService
	logger        *zap.Logger
}

// NewSourceFileService creates a new source file service.
func NewSourceFileService(
	files repositories.SourceFileRepository,
	closures ClosureService,
	clientConfigs repositories.ClientConfigRepository,
	registry *erp.Registry,
	audit AuditService,
	logger *zap.Logger,
) SourceFileService {
	return &sourceFileService{
		files:         files,
		closures:      closures,
		clientConfigs: clientConfigs,
		registry:      registry,
		audit:         audit,
		logger:        logger.Named("source-files"),
	}
}

var _ SourceFileService = (*sourceFileService)(nil)

func (s *sourceFileService) RegisterUpload(ctx context.Context, closureID uuid.UUID, req UploadRequest) (*models.SourceFile, error) {
	if !req.Kind.IsValid() {
		return nil, apperrors.Validation(nil, "unknown file kind %q", req.Kind)
	}
	if req.Origin == "" {
		req.Origin = req.Kind.DefaultOrigin()
	}
	if !req.Origin.IsValid() {
		return nil, apperrors.Validation(nil, "unknown origin %q", req.Origin)
	}
	if strings.TrimSpace(req.Path) == "" {
		return nil, apperrors.Validation(nil, "path is required")
	}
	if req.OriginalName == "" {
		req.OriginalName = req.Path
	}

	c, err := s.closures.Get(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if !c.State.AcceptsUploads() {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure in state %s does not accept uploads", c.State)
	}
	if err := s.checkExtension(ctx, c.ClientID, req); err != nil {
		return nil, err
	}

	f := &models.SourceFile{
		ClosureID:    closureID,
		Kind:         req.Kind,
		Origin:       req.Origin,
		Path:         req.Path,
		OriginalName: req.OriginalName,
		Status:       models.FileStatusPending,
	}
	if err := s.files.CreateVersion(ctx, f); err != nil {
		return nil, fmt.Errorf("store file version: %w", err)
	}

	s.logger.Info("Source file registered",
		zap.String("closure_id", closureID.String()),
		zap.String("file_id", f.ID.String()),
		zap.String("kind", string(f.Kind)),
		zap.Int("version", f.Version))

	if err := s.audit.LogCreate(ctx, c.ClientID, models.AuditEntitySourceFile, f.ID); err != nil {
		s.logger.Warn("Failed to audit file upload", zap.Error(err))
	}
	if err := s.reopen(ctx, c); err != nil {
		return nil, err
	}
	return f, nil
}

// checkExtension rejects uploads the resolved adapter cannot read before any
// state changes.
func (s *sourceFileService) checkExtension(ctx context.Context, clientID uuid.UUID, req UploadRequest) error {
	cfg, err := s.clientConfigs.Get(ctx, clientID)
	if err != nil {
		return apperrors.Configuration(err, "client has no ERP configuration")
	}
	adapter, _, err := s.registry.Resolve(cfg.ERP, req.Kind)
	if err != nil {
		return err
	}
	format, err := adapter.ExpectedFormat(req.Kind)
	if err != nil {
		return err
	}
	ext := erp.Extension(erp.File{Path: req.Path, Name: req.OriginalName})
	for _, e := range format.Extensions {
		if e == ext {
			return nil
		}
	}
	return apperrors.Validation(nil, "unexpected file extension %q for %s files (expected %s)",
		ext, req.Kind, strings.Join(format.Extensions, ", "))
}

// reopen invalidates a finished reconciliation once its inputs change.
func (s *sourceFileService) reopen(ctx context.Context, c *models.Closure) error {
	target := c.State
	if c.State == models.ClosureStateHasDiscrepancies {
		target = models.ClosureStateUploading
	}
	if target == c.State && !c.Reconciled {
		return nil
	}
	return s.closures.Transition(ctx, c, target, func(next *models.Closure) {
		next.Reconciled = false
	})
}

func (s *sourceFileService) DeleteFile(ctx context.Context, closureID, fileID uuid.UUID) (*models.SourceFile, error) {
	f, err := s.Get(ctx, closureID, fileID)
	if err != nil {
		return nil, err
	}
	c, err := s.closures.Get(ctx, closureID)
	if err != nil {
		return nil, err
	}
	if !c.State.AcceptsUploads() {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "closure in state %s does not accept file changes", c.State)
	}
	if f.Status == models.FileStatusProcessing {
		return nil, apperrors.State(apperrors.ErrInvalidTransition, "file is being processed")
	}

	promoted, err := s.files.Delete(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("delete file: %w", err)
	}

	s.logger.Info("Source file deleted",
		zap.String("closure_id", closureID.String()),
		zap.String("file_id", fileID.String()),
		zap.Bool("promoted_previous", promoted != nil))

	if err := s.audit.LogDelete(ctx, c.ClientID, models.AuditEntitySourceFile, fileID); err != nil {
		s.logger.Warn("Failed to audit file deletion", zap.Error(err))
	}
	if f.IsCurrent {
		if err := s.reopen(ctx, c); err != nil {
			return nil, err
		}
	}
	return promoted, nil
}

func (s *sourceFileService) Get(ctx context.Context, closureID, fileID uuid.UUID) (*models.SourceFile, error) {
	f, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.ClosureID != closureID {
		return nil, apperrors.ErrNotFound
	}
	return f, nil
}

func (s *sourceFileService) ListCurrent(ctx context.Context, closureID uuid.UUID) ([]*models.SourceFile, error) {
	return s.files.ListCurrent(ctx, closureID)
}

func (s *sourceFileService) ListVersions(ctx context.Context, closureID uuid.UUID, kind models.FileKind) ([]*models.SourceFile, error) {
	if !kind.IsValid() {
		return nil, apperrors.Validation(nil, "unknown file kind %q", kind)
	}
	return s.files.ListVersions(ctx, closureID, kind)
}
