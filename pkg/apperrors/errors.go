package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrUnresolvedDiscrepancies = errors.New("closure has unresolved discrepancies")
	ErrUnresolvedIncidencias   = errors.New("closure has unresolved incidencias")
	ErrHeadersNotClassified    = errors.New("headers pending classification")
	ErrNoERPConfigured         = errors.New("no ERP configured for client")
	ErrNoAdapter               = errors.New("no adapter registered for ERP")
	ErrJustificationRequired   = errors.New("justification is required")
	ErrMappingTargetTaken      = errors.New("concept is already the target of another novelty header")
	ErrEmptyFile               = errors.New("file has no data rows")
)

// Kind groups errors by how callers must react to them.
type Kind string

const (
	// KindValidation: the input file or request is unusable. No state changes.
	KindValidation Kind = "validation"
	// KindState: the closure is not in a state that allows the operation.
	KindState Kind = "state"
	// KindProcessing: adapter or storage failure while running a stage.
	KindProcessing Kind = "processing"
	// KindConfiguration: missing client/ERP configuration or adapter.
	KindConfiguration Kind = "configuration"
)

// Error is an error with a Kind and a user-facing message.
// The wrapped error, if any, is available through errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a queue may retry the failed operation.
// Only processing errors are candidates; the retry layer still checks the cause.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindProcessing && e.Err != nil && !IsPermanent(e.Err)
}

// Validation returns a validation error wrapping err (which may be nil).
func Validation(err error, format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Err: err}
}

// State returns a state error wrapping err (which may be nil).
func State(err error, format string, args ...any) error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...), Err: err}
}

// Processing returns a processing error wrapping err.
func Processing(err error, format string, args ...any) error {
	return &Error{Kind: KindProcessing, Message: fmt.Sprintf(format, args...), Err: err}
}

// Configuration returns a configuration error wrapping err (which may be nil).
func Configuration(err error, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
// Sentinels that imply a kind are classified even when not wrapped in *Error.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	switch {
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnresolvedDiscrepancies),
		errors.Is(err, ErrUnresolvedIncidencias),
		errors.Is(err, ErrHeadersNotClassified):
		return KindState, true
	case errors.Is(err, ErrNoERPConfigured), errors.Is(err, ErrNoAdapter):
		return KindConfiguration, true
	case errors.Is(err, ErrJustificationRequired),
		errors.Is(err, ErrMappingTargetTaken),
		errors.Is(err, ErrEmptyFile):
		return KindValidation, true
	}
	return "", false
}

// IsPermanent reports whether err is structural and must not be retried.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return true
	}
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindValidation || kind == KindState || kind == KindConfiguration
}
