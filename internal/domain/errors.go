package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Domain sentinels below wrap exactly one of these so
// that callers can match on either the specific condition or the category.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrConflict      = fmt.Errorf("conflict")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrConfiguration = fmt.Errorf("configuration error")
	ErrTransport     = fmt.Errorf("transport error")
)

// Sentinel errors for the domain layer.
var (
	// Registry / directory.
	ErrVendorNotFound = fmt.Errorf("vendor not registered: %w", ErrNotFound)
	ErrVendorExists   = fmt.Errorf("vendor already registered: %w", ErrConflict)
	ErrModelNotFound  = fmt.Errorf("model not found: %w", ErrNotFound)
	ErrNoModels       = fmt.Errorf("no models available: %w", ErrNotFound)

	// Configuration. A request with no usable credential fails with
	// ErrMissingCredential before any network call; there is no fallback
	// credential anywhere.
	ErrMissingCredential = fmt.Errorf("missing credential: %w", ErrConfiguration)
	ErrConfigLoad        = fmt.Errorf("failed to load configuration: %w", ErrConfiguration)
	ErrEncryption        = fmt.Errorf("encryption operation failed: %w", ErrConfiguration)
	ErrDecryption        = fmt.Errorf("decryption failed: %w", ErrConfiguration)

	// Transport. Raised after response headers, before streaming starts.
	ErrUpstreamStatus  = fmt.Errorf("upstream returned non-success status: %w", ErrTransport)
	ErrEmptyBody       = fmt.Errorf("upstream response has no readable body: %w", ErrTransport)
	ErrRateLimited     = fmt.Errorf("upstream rate limit exceeded: %w", ErrTransport)
	ErrAuthRejected    = fmt.Errorf("upstream rejected credentials: %w", ErrTransport)
	ErrContextOverflow = fmt.Errorf("context window exceeded: %w", ErrTransport)
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open: %w", ErrTransport)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Registry.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// It returns nil when err is nil, so call sites can wrap unconditionally.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for logs and monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeVendorNotFound    ErrorCode = "VENDOR_NOT_FOUND"
	CodeVendorExists      ErrorCode = "VENDOR_EXISTS"
	CodeModelNotFound     ErrorCode = "MODEL_NOT_FOUND"
	CodeNoModels          ErrorCode = "NO_MODELS"
	CodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeUpstreamStatus    ErrorCode = "UPSTREAM_STATUS"
	CodeEmptyBody         ErrorCode = "EMPTY_BODY"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeAuthRejected      ErrorCode = "AUTH_REJECTED"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Category fallback codes.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTransport     ErrorCode = "TRANSPORT"
)

// errorCodes maps sentinels to codes. Ordered most-specific first because
// domain sentinels wrap their category sentinel and errors.Is matches both.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrVendorNotFound, CodeVendorNotFound},
	{ErrVendorExists, CodeVendorExists},
	{ErrModelNotFound, CodeModelNotFound},
	{ErrNoModels, CodeNoModels},
	{ErrMissingCredential, CodeMissingCredential},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrEncryption, CodeEncryption},
	{ErrDecryption, CodeDecryption},
	{ErrUpstreamStatus, CodeUpstreamStatus},
	{ErrEmptyBody, CodeEmptyBody},
	{ErrRateLimited, CodeRateLimited},
	{ErrAuthRejected, CodeAuthRejected},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrCircuitOpen, CodeCircuitOpen},

	{ErrNotFound, CodeNotFound},
	{ErrConflict, CodeConflict},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrConfiguration, CodeConfiguration},
	{ErrTransport, CodeTransport},
}

// ErrorCodeOf returns the machine-parseable code for the given error. It
// walks the error chain with errors.Is, so wrapped and DomainError-tagged
// sentinels resolve the same way. Returns CodeUnknown when no sentinel
// matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
