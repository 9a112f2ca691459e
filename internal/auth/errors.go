package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind groups error codes into the classes callers branch on.
type Kind int

const (
	KindCredential Kind = iota + 1
	KindIdentity
	KindAuthorization
	KindRateLimit
	KindNotFound
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	case KindIdentity:
		return "identity"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Code is the stable machine-readable identifier of a denial.
type Code string

const (
	CodeMissingCredential    Code = "missing_credential"
	CodeAmbiguousCredentials Code = "ambiguous_credentials"
	CodeMalformedToken       Code = "malformed_token"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeInvalidClaims        Code = "invalid_claims"
	CodeTokenExpired         Code = "token_expired"
	CodeWrongTokenType       Code = "wrong_token_type"
	CodeTokenRevoked         Code = "token_revoked"
	CodeInvalidLogin         Code = "invalid_login"
	CodeSubjectNotFound      Code = "subject_not_found"
	CodeSubjectInactive      Code = "subject_inactive"
	CodeSubjectUnverified    Code = "subject_unverified"
	CodeAPIKeyInvalid        Code = "api_key_invalid"
	CodeAPIKeyExpired        Code = "api_key_expired"
	CodeIPDenied             Code = "ip_denied"
	CodeRoleMismatch         Code = "role_mismatch"
	CodePermissionDenied     Code = "permission_denied"
	CodeOwnershipMismatch    Code = "ownership_mismatch"
	CodeRateLimited          Code = "rate_limited"
	CodeNotFound             Code = "not_found"
	CodeUnavailable          Code = "unavailable"
)

// Error is the single error type returned by every decision in this package.
// Two errors are considered equal by errors.Is when their codes match, so the
// exported sentinels below can be used as comparison targets.
type Error struct {
	Code       Code
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Status maps the error to the HTTP status code exposed to callers.
func (e *Error) Status() int {
	switch e.Kind {
	case KindCredential:
		return http.StatusUnauthorized
	case KindIdentity:
		if e.Code == CodeSubjectUnverified {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Sentinels, one per code.
var (
	ErrMissingCredential    = newError(KindCredential, CodeMissingCredential, "credentials are required")
	ErrAmbiguousCredentials = newError(KindCredential, CodeAmbiguousCredentials, "present either a bearer token or an api key, not both")
	ErrMalformedToken       = newError(KindCredential, CodeMalformedToken, "token is malformed")
	ErrInvalidSignature     = newError(KindCredential, CodeInvalidSignature, "token signature is invalid")
	ErrInvalidClaims        = newError(KindCredential, CodeInvalidClaims, "token claims are invalid")
	ErrTokenExpired         = newError(KindCredential, CodeTokenExpired, "token has expired")
	ErrWrongTokenType       = newError(KindCredential, CodeWrongTokenType, "token type is not accepted here")
	ErrTokenRevoked         = newError(KindCredential, CodeTokenRevoked, "token has been revoked")
	ErrInvalidLogin         = newError(KindCredential, CodeInvalidLogin, "email or password is incorrect")
	ErrAPIKeyInvalid        = newError(KindCredential, CodeAPIKeyInvalid, "api key is invalid")
	ErrAPIKeyExpired        = newError(KindCredential, CodeAPIKeyExpired, "api key has expired")

	ErrSubjectNotFound   = newError(KindIdentity, CodeSubjectNotFound, "subject does not exist")
	ErrSubjectInactive   = newError(KindIdentity, CodeSubjectInactive, "subject is not active")
	ErrSubjectUnverified = newError(KindIdentity, CodeSubjectUnverified, "subject is not verified")

	ErrIPDenied          = newError(KindAuthorization, CodeIPDenied, "caller address is not allowed for this api key")
	ErrRoleMismatch      = newError(KindAuthorization, CodeRoleMismatch, "role is not allowed to perform this operation")
	ErrPermissionDenied  = newError(KindAuthorization, CodePermissionDenied, "permission denied")
	ErrOwnershipMismatch = newError(KindAuthorization, CodeOwnershipMismatch, "resource belongs to another subject")

	ErrRateLimited = newError(KindRateLimit, CodeRateLimited, "api key quota exhausted")
	ErrNotFound    = newError(KindNotFound, CodeNotFound, "resource not found")
	ErrUnavailable = newError(KindInfrastructure, CodeUnavailable, "authorization backend unavailable")
)

// Store level sentinels returned by collaborators.
var (
	ErrRecordNotFound = errors.New("auth: record not found")
	ErrConflict       = errors.New("auth: conflict")
)

// rateLimited returns ErrRateLimited carrying the retry hint.
func rateLimited(retryAfter time.Duration) *Error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimited,
		Message:    ErrRateLimited.Message,
		RetryAfter: retryAfter,
	}
}

// unavailable wraps an infrastructure failure. The cause is kept for logs and
// never rendered to callers.
func unavailable(op string, cause error) *Error {
	return &Error{
		Kind:    KindInfrastructure,
		Code:    CodeUnavailable,
		Message: op,
		Err:     cause,
	}
}

// AsError extracts the *Error from err. Unknown errors are treated as
// infrastructure failures so callers never fail open.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return unavailable("unexpected failure", err)
}

// HTTPStatus maps any error to a status code; nil maps to 200.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return AsError(err).Status()
}
