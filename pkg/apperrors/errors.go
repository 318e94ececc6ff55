package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrRunInProgress = errors.New("run already in progress for source")
	ErrUnknownSource = errors.New("unknown source")

	ErrSourceUnreachable    = errors.New("source unreachable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPartialScan          = errors.New("partial scan")
	ErrSchemaMapping        = errors.New("schema mapping error")
	ErrValidation           = errors.New("validation error")
	ErrTransientIngestion   = errors.New("transient ingestion error")
	ErrPermanentIngestion   = errors.New("permanent ingestion error")
)

// Kind classifies a pipeline error.
type Kind string

const (
	KindSourceUnreachable    Kind = "source_unreachable"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindPartialScan          Kind = "partial_scan"
	KindSchemaMapping        Kind = "schema_mapping"
	KindValidation           Kind = "validation"
	KindTransientIngestion   Kind = "transient_ingestion"
	KindPermanentIngestion   Kind = "permanent_ingestion"
	KindUnknown              Kind = "unknown"
)

var kindSentinels = map[Kind]error{
	KindSourceUnreachable:    ErrSourceUnreachable,
	KindAuthenticationFailed: ErrAuthenticationFailed,
	KindPartialScan:          ErrPartialScan,
	KindSchemaMapping:        ErrSchemaMapping,
	KindValidation:           ErrValidation,
	KindTransientIngestion:   ErrTransientIngestion,
	KindPermanentIngestion:   ErrPermanentIngestion,
}

// Error is a classified pipeline error.
type Error struct {
	Kind       Kind
	Context    string // what was being processed: a source id, qualified name, record description
	Message    string
	Cause      error
	StatusCode int // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, string(e.Kind))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Context != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Context))
	}

	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrValidation) and friends match on Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// IsRetryable implements the retry.RetryableError interface.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindTransientIngestion
}

// New creates a classified error.
func New(kind Kind, context, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Context: context,
		Message: message,
		Cause:   cause,
	}
}

// SourceUnreachable reports a network or connection failure reaching a source.
func SourceUnreachable(context string, cause error) *Error {
	return New(KindSourceUnreachable, context, "cannot reach source", cause)
}

// AuthenticationFailed reports rejected credentials.
func AuthenticationFailed(context string, cause error) *Error {
	return New(KindAuthenticationFailed, context, "credential rejected", cause)
}

// PartialScan reports a single object that could not be read during extraction.
func PartialScan(context string, cause error) *Error {
	return New(KindPartialScan, context, "object detail unavailable", cause)
}

// SchemaMapping reports a record that cannot be transformed.
func SchemaMapping(context, message string) *Error {
	return New(KindSchemaMapping, context, message, nil)
}

// Validation reports an entity that failed validation.
func Validation(context, message string) *Error {
	return New(KindValidation, context, message, nil)
}

// TransientIngestion reports a catalog failure worth retrying.
func TransientIngestion(context string, statusCode int, cause error) *Error {
	err := New(KindTransientIngestion, context, "catalog request failed", cause)
	err.StatusCode = statusCode
	return err
}

// PermanentIngestion reports a catalog rejection that must not be retried.
func PermanentIngestion(context string, statusCode int, cause error) *Error {
	err := New(KindPermanentIngestion, context, "catalog rejected request", cause)
	err.StatusCode = statusCode
	return err
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindSourceUnreachable, KindAuthenticationFailed:
		return true
	}
	return false
}
