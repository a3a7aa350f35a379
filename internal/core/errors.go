// Package core defines the shared domain types and the typed error taxonomy
// used across all Lighthouse components. Errors propagate as typed values;
// the HTTP layer translates them through a single mapping table.
package core

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// ERROR TAXONOMY — closed set
// ============================================================================

// Kind identifies one of the closed set of error categories.
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindAuthz
	KindRateLimited
	KindOverloaded
	KindStorage
	KindIntegrity
	KindCircuitOpen
	KindTierFailure
	KindFailClosed
	KindNotFound
	KindConflict
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuth:
		return "auth_error"
	case KindAuthz:
		return "authz_error"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindStorage:
		return "storage_error"
	case KindIntegrity:
		return "integrity_violation"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTierFailure:
		return "tier_failure"
	case KindFailClosed:
		return "fail_closed"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a tagged error with attached context. Code carries the stable
// subvariant (e.g. "token_expired"); Reason is a sanitized human string.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error // wrapped cause, never exposed externally
}

func (e *Error) Error() string {
	if e.Code != "" && e.Code != e.Kind.String() {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against the kind sentinels below.
func (e *Error) Is(target error) bool {
	if s, ok := target.(*Error); ok {
		return e.Kind == s.Kind && (s.Code == "" || s.Code == e.Code)
	}
	return false
}

// Kind sentinels for errors.Is checks. Match on Kind (and Code if set).
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrAuth        = &Error{Kind: KindAuth}
	ErrAuthz       = &Error{Kind: KindAuthz}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrOverloaded  = &Error{Kind: KindOverloaded}
	ErrStorage     = &Error{Kind: KindStorage}
	ErrCircuitOpen = &Error{Kind: KindCircuitOpen}
	ErrTierFailure = &Error{Kind: KindTierFailure}
	ErrFailClosed  = &Error{Kind: KindFailClosed}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrCancelled   = &Error{Kind: KindCancelled}
)

// Auth subvariant codes. Uniform "unauthorized" rendering happens at the HTTP
// boundary; the codes survive internally for auditing.
const (
	CodeMissingToken        = "missing_token"
	CodeInvalidSignature    = "invalid_signature"
	CodeTokenExpired        = "token_expired"
	CodeSessionExpired      = "session_expired"
	CodeFingerprintMismatch = "session_fingerprint_mismatch"
)

// Storage subvariant codes.
const (
	CodeIOError           = "io_error"
	CodeCorruptSegment    = "corrupt_segment"
	CodeTornWriteRecovery = "torn_write_recovered"
	CodeSecretUnavailable = "secret_unavailable"
)

// Validationf builds a ValidationError.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

// Authf builds an AuthError with a subvariant code.
func Authf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuth, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Authzf builds an AuthzError.
func Authzf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthz, Reason: fmt.Sprintf(format, args...)}
}

// RateLimited builds a RateLimited error carrying a retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:   KindRateLimited,
		Code:   fmt.Sprintf("%d", int(retryAfter.Seconds())+1),
		Reason: fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter.Round(time.Second)),
	}
}

// RetryAfterSeconds extracts the retry-after hint from a RateLimited error.
// Returns 60 if the error carries none.
func RetryAfterSeconds(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited && e.Code != "" {
		var secs int
		if _, scanErr := fmt.Sscanf(e.Code, "%d", &secs); scanErr == nil && secs > 0 {
			return secs
		}
	}
	return 60
}

// Overloaded builds an Overloaded (retryable) error.
func Overloaded(what string) *Error {
	return &Error{Kind: KindOverloaded, Reason: what + " queue full"}
}

// Storagef builds a StorageError with a subvariant code.
func Storagef(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorage, Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error (terminal-state mutation attempt).
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

// IsFatalStorage reports whether err should degrade the store permanently.
// TornWriteRecovered is informational and does not count.
func IsFatalStorage(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindStorage {
		return false
	}
	return e.Code == CodeIOError || e.Code == CodeCorruptSegment
}
