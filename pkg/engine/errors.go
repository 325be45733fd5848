package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

// ErrorKind classifies an error for callers of the engine.
type ErrorKind string

const (
	// ErrorKindConnection covers timeouts and network failures reaching a provider.
	ErrorKindConnection ErrorKind = "connection"

	// ErrorKindAuth is a provider rejecting the API key (401/403).
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindNotFound is a missing provider endpoint or local record.
	ErrorKindNotFound ErrorKind = "not_found"

	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindDecryption  ErrorKind = "decryption"
	ErrorKindPersistence ErrorKind = "persistence"

	// ErrorKindProvider is any other unexpected provider response.
	ErrorKindProvider ErrorKind = "provider"

	// ErrorKindBusy means a sync pass is already running.
	ErrorKindBusy ErrorKind = "busy"
)

// ErrSyncInProgress is returned when a pass is requested while one is running.
var ErrSyncInProgress = &Error{Kind: ErrorKindBusy, Message: "a sync pass is already in progress"}

// Error is a classified engine error.
type Error struct {
	Kind ErrorKind `json:"kind"`

	// Op is the operation that failed, e.g. "list_workflows".
	Op string `json:"op,omitempty"`

	// Provider is the provider ID the error belongs to, if any.
	Provider string `json:"provider,omitempty"`

	// StatusCode is the HTTP status returned by the provider, if any.
	StatusCode int `json:"status_code,omitempty"`

	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Provider != "" {
		msg += fmt.Sprintf(" (provider=%s)", e.Provider)
	}
	if e.Op != "" {
		msg += fmt.Sprintf(" (op=%s)", e.Op)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrSyncInProgress) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewConnectionError creates a connection error.
func NewConnectionError(message string, err error) *Error {
	return &Error{Kind: ErrorKindConnection, Message: message, Err: err}
}

// NewAuthError creates an auth error.
func NewAuthError(message string, statusCode int) *Error {
	return &Error{Kind: ErrorKindAuth, Message: message, StatusCode: statusCode}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Kind: ErrorKindNotFound, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindValidation, Message: message, Err: err}
}

// NewDecryptionError creates a decryption error.
func NewDecryptionError(message string, err error) *Error {
	return &Error{Kind: ErrorKindDecryption, Message: message, Err: err}
}

// NewPersistenceError creates a persistence error.
func NewPersistenceError(message string, err error) *Error {
	return &Error{Kind: ErrorKindPersistence, Message: message, Err: err}
}

// NewProviderError creates an error for an unexpected provider response.
func NewProviderError(message string, statusCode int, err error) *Error {
	return &Error{Kind: ErrorKindProvider, Message: message, StatusCode: statusCode, Err: err}
}

// WithProvider adds provider context to an error.
func (e *Error) WithProvider(providerID string) *Error {
	e.Provider = providerID
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// KindOf classifies any error returned by the engine or the packages below it.
// Unclassified errors are reported as persistence failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, vault.ErrDecryption), errors.Is(err, vault.ErrMissingMasterKey):
		return ErrorKindDecryption
	case config.IsValidationError(err):
		return ErrorKindValidation
	case errors.Is(err, stores.ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindConnection
	default:
		return ErrorKindPersistence
	}
}

func isKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsConnection reports whether err is a connection error.
func IsConnection(err error) bool { return isKind(err, ErrorKindConnection) }

// IsAuth reports whether err is an auth error.
func IsAuth(err error) bool { return isKind(err, ErrorKindAuth) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return isKind(err, ErrorKindNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return isKind(err, ErrorKindValidation) }

// IsDecryption reports whether err is a decryption error.
func IsDecryption(err error) bool { return isKind(err, ErrorKindDecryption) }

// IsBusy reports whether err means a pass is already running.
func IsBusy(err error) bool { return isKind(err, ErrorKindBusy) }

// ErrorInfo is the boundary representation of an error.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Describe maps err to its kind and a message safe to show to callers.
func Describe(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}

	kind := KindOf(err)
	var e *Error
	if errors.As(err, &e) {
		return ErrorInfo{Kind: kind, Message: e.Message}
	}

	var ve *config.ValidationError
	if errors.As(err, &ve) {
		return ErrorInfo{Kind: kind, Message: ve.Error()}
	}

	switch kind {
	case ErrorKindDecryption:
		return ErrorInfo{Kind: kind, Message: "stored credentials could not be decrypted"}
	case ErrorKindNotFound:
		return ErrorInfo{Kind: kind, Message: err.Error()}
	case ErrorKindConnection:
		return ErrorInfo{Kind: kind, Message: "operation timed out"}
	default:
		return ErrorInfo{Kind: kind, Message: "internal storage error"}
	}
}
