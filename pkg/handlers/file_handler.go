package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services"
)

// MaxUploadBytes bounds a single spreadsheet upload.
const MaxUploadBytes = 64 << 20

// FileListResponse for GET /files
type FileListResponse struct {
	Files []*models.SourceFile `json:"files"`
	Total int                  `json:"total"`
}

// UploadResponse for POST /files
type UploadResponse struct {
	File   *models.SourceFile `json:"file"`
	Queued bool               `json:"queued"`
}

// DeleteFileResponse for DELETE /files/{file_id}
type DeleteFileResponse struct {
	// Promoted is the version that became current, if any.
	Promoted *models.SourceFile `json:"promoted,omitempty"`
}

// FileHandler handles source file uploads and status.
type FileHandler struct {
	files      services.SourceFileService
	dispatcher PipelineDispatcher
	progress   ProgressReader
	storageDir string
	logger     *zap.Logger
}

// NewFileHandler creates a file handler. Multipart uploads are written below
// storageDir.
func NewFileHandler(
	files services.SourceFileService,
	dispatcher PipelineDispatcher,
	progress ProgressReader,
	storageDir string,
	logger *zap.Logger,
) *FileHandler {
	return &FileHandler{
		files:      files,
		dispatcher: dispatcher,
		progress:   progress,
		storageDir: storageDir,
		logger:     logger,
	}
}

// RegisterRoutes registers the file handler's routes on the given mux.
func (h *FileHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	base := "/api/clients/{client_id}/closures/{closure_id}/files"

	mux.HandleFunc("GET "+base, tenantMiddleware(h.List))
	mux.HandleFunc("POST "+base, tenantMiddleware(h.Upload))
	mux.HandleFunc("GET "+base+"/versions", tenantMiddleware(h.Versions))
	mux.HandleFunc("GET "+base+"/{file_id}", tenantMiddleware(h.Get))
	mux.HandleFunc("DELETE "+base+"/{file_id}", tenantMiddleware(h.Delete))
	mux.HandleFunc("GET "+base+"/{file_id}/progress", tenantMiddleware(h.Progress))
}

// List handles GET .../files and returns the current version of each kind.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	files, err := h.files.ListCurrent(r.Context(), closureID)
	if err != nil {
		writeServiceError(w, err, "list_files_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, FileListResponse{Files: files, Total: len(files)}, h.logger)
}

// Versions handles GET .../files/versions?kind=
func (h *FileHandler) Versions(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	kind := models.FileKind(r.URL.Query().Get("kind"))
	if !kind.IsValid() {
		writeBadRequest(w, "invalid_kind", fmt.Sprintf("Unknown file kind %q", kind), h.logger)
		return
	}

	files, err := h.files.ListVersions(r.Context(), closureID, kind)
	if err != nil {
		writeServiceError(w, err, "list_file_versions_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, FileListResponse{Files: files, Total: len(files)}, h.logger)
}

// Get handles GET .../files/{file_id}
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	fileID, ok := ParseFileID(w, r, h.logger)
	if !ok {
		return
	}

	f, err := h.files.Get(r.Context(), closureID, fileID)
	if err != nil {
		writeServiceError(w, err, "get_file_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, f, h.logger)
}

// Upload handles POST .../files. A multipart body carries the spreadsheet in
// the "file" part with "kind" and optional "origin" fields. A JSON body
// registers a file already present in storage.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}

	var req services.UploadRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	received := mediaType == "multipart/form-data"
	if received {
		req, ok = h.receiveMultipart(w, r, closureID)
	} else {
		ok = decodeJSON(w, r, &req, h.logger)
	}
	if !ok {
		return
	}

	f, err := h.files.RegisterUpload(r.Context(), closureID, req)
	if err != nil {
		if received {
			_ = os.Remove(filepath.Join(h.storageDir, req.Path))
		}
		writeServiceError(w, err, "upload_failed", h.logger)
		return
	}

	queued := h.dispatcher.EnqueueFile(clientID, f.ID, requestUserID(r))
	writeData(w, http.StatusCreated, UploadResponse{File: f, Queued: queued}, h.logger)
}

// receiveMultipart writes the uploaded part to storage and returns the
// request to register it.
func (h *FileHandler) receiveMultipart(w http.ResponseWriter, r *http.Request, closureID uuid.UUID) (services.UploadRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	part, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "invalid_upload", "Multipart body must contain a file part", h.logger)
		return services.UploadRequest{}, false
	}
	defer part.Close()

	rel := filepath.Join(closureID.String(), uuid.NewString()+strings.ToLower(filepath.Ext(header.Filename)))
	if err := h.store(rel, part); err != nil {
		h.logger.Error("Failed to store upload",
			zap.String("closure_id", closureID.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "store_upload_failed", "Failed to store upload"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return services.UploadRequest{}, false
	}

	return services.UploadRequest{
		Kind:         models.FileKind(r.FormValue("kind")),
		Origin:       models.Origin(r.FormValue("origin")),
		Path:         rel,
		OriginalName: filepath.Base(header.Filename),
	}, true
}

func (h *FileHandler) store(rel string, src io.Reader) error {
	dst := filepath.Join(h.storageDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("write upload file: %w", err)
	}
	return out.Close()
}

// Delete handles DELETE .../files/{file_id}
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	clientID, closureID, ok := ParseClientAndClosureIDs(w, r, h.logger)
	if !ok {
		return
	}
	fileID, ok := ParseFileID(w, r, h.logger)
	if !ok {
		return
	}

	promoted, err := h.files.DeleteFile(r.Context(), closureID, fileID)
	if err != nil {
		writeServiceError(w, err, "delete_file_failed", h.logger)
		return
	}
	if promoted != nil && promoted.Status != models.FileStatusProcessed {
		h.dispatcher.EnqueueFile(clientID, promoted.ID, requestUserID(r))
	}
	writeData(w, http.StatusOK, DeleteFileResponse{Promoted: promoted}, h.logger)
}

// Progress handles GET .../files/{file_id}/progress
func (h *FileHandler) Progress(w http.ResponseWriter, r *http.Request) {
	fileID, ok := ParseFileID(w, r, h.logger)
	if !ok {
		return
	}
	writeProgress(w, r, h.progress, services.FileProgressKey(fileID), h.logger)
}

// decodeJSON decodes the request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, "invalid_request", "Invalid request body", logger)
		return false
	}
	return true
}
