package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// pathID names a UUID path parameter and the error code reported when it
// does not parse.
type pathID struct {
	param, code, label string
}

var (
	clientIDParam      = pathID{"client_id", "invalid_client_id", "client"}
	closureIDParam     = pathID{"closure_id", "invalid_closure_id", "closure"}
	fileIDParam        = pathID{"file_id", "invalid_file_id", "file"}
	discrepancyIDParam = pathID{"discrepancy_id", "invalid_discrepancy_id", "discrepancy"}
	incidenciaIDParam  = pathID{"incidencia_id", "invalid_incidencia_id", "incidencia"}
)

// parse writes a 400 and returns false when the parameter is not a UUID.
func (p pathID) parse(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(p.param))
	if err != nil {
		writeBadRequest(w, p.code, "Invalid "+p.label+" ID format", logger)
		return uuid.Nil, false
	}
	return id, true
}

// ParseClientID reads the client_id path parameter. On failure it has already
// written the error response.
func ParseClientID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return clientIDParam.parse(w, r, logger)
}

func ParseClosureID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return closureIDParam.parse(w, r, logger)
}

func ParseFileID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return fileIDParam.parse(w, r, logger)
}

func ParseDiscrepancyID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return discrepancyIDParam.parse(w, r, logger)
}

func ParseIncidenciaID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return incidenciaIDParam.parse(w, r, logger)
}

// ParseClientAndClosureIDs reads client_id then closure_id, stopping at the
// first invalid one.
func ParseClientAndClosureIDs(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, uuid.UUID, bool) {
	clientID, ok := ParseClientID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	closureID, ok := ParseClosureID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return clientID, closureID, true
}

// parsePage reads the page and page_size query parameters. Missing values
// take the defaults; malformed values are rejected.
func parsePage(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.Page, bool) {
	var page models.Page
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"page", &page.Number},
		{"page_size", &page.Size},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "invalid_"+p.name, p.name+" must be a positive integer", logger)
			return models.Page{}, false
		}
		*p.dst = n
	}
	return page.Normalize(), true
}

// parseOptionalBool reads a true/false query parameter. An absent parameter
// yields nil.
func parseOptionalBool(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (*bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeBadRequest(w, "invalid_"+name, name+" must be true or false", logger)
		return nil, false
	}
	return &v, true
}
