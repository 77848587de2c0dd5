package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
)

// Error codes exposed to API clients
const (
	// Client errors (4xx)
	CodeValidationError = "VALIDATION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidLink     = "INVALID_LINK"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyTerminal = "ALREADY_TERMINAL"
	CodeRateLimited     = "RATE_LIMITED"
	CodeRangeInvalid    = "RANGE_NOT_SATISFIABLE"

	// Server errors (5xx)
	CodeInternalError      = "INTERNAL_ERROR"
	CodeMergeFailure       = "MERGE_FAILURE"
	CodeStorageError       = "STORAGE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Extraction engine errors
	CodeExtractionError = "EXTRACTION_ERROR"
	CodeTransferTimeout = "TRANSFER_TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// ErrorResponse is the JSON structure returned to clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   category,
		HTTPStatus: httpStatus,
	}
}

// Client error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, CategoryClient, http.StatusBadRequest)
}

func Validation(message string) *AppError {
	return New(CodeValidationError, message, CategoryClient, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, CategoryClient, http.StatusUnauthorized)
}

// InvalidLink is the single rejection for signed links, whatever the reason.
func InvalidLink() *AppError {
	return New(CodeInvalidLink, "link is invalid or expired", CategoryClient, http.StatusForbidden)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), CategoryClient, http.StatusNotFound)
}

func AlreadyTerminal(state string) *AppError {
	return New(CodeAlreadyTerminal, fmt.Sprintf("task already %s", state), CategoryClient, http.StatusConflict)
}

func RateLimited() *AppError {
	return New(CodeRateLimited, "rate limit exceeded", CategoryClient, http.StatusTooManyRequests)
}

// Server error constructors

func RangeNotSatisfiable() *AppError {
	return New(CodeRangeInvalid, "requested range not satisfiable", CategoryClient, http.StatusRequestedRangeNotSatisfiable)
}

func Internal(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func MergeFailure(message string) *AppError {
	return New(CodeMergeFailure, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

func ServiceUnavailable(message string) *AppError {
	return New(CodeServiceUnavailable, message, CategoryServer, http.StatusServiceUnavailable)
}

// External service error constructors

func Extraction(message string) *AppError {
	return New(CodeExtractionError, message, CategoryExternal, http.StatusBadGateway)
}

func TransferTimeout(operation string) *AppError {
	return New(CodeTransferTimeout, fmt.Sprintf("%s timed out", operation), CategoryExternal, http.StatusGatewayTimeout)
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	appErr, ok := As(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = Internal("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}

	if appErr.Category == CategoryExternal {
		return true
	}

	// Merge failures are deterministic for the same inputs
	if appErr.Category == CategoryServer {
		return appErr.Code != CodeMergeFailure
	}

	return false
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category == CategoryClient
}
