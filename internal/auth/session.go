package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

const (
	AuthorizationHeader = "Authorization"
	AccessTokenCookie   = "access_token"
	APIKeyHeader        = "X-API-Key"

	DefaultCallTimeout = 2 * time.Second
)

// SessionAuthenticator resolves a bearer or cookie credential to a live subject.
type SessionAuthenticator struct {
	codec   *TokenCodec
	store   IdentityStore
	timeout time.Duration
}

// NewSessionAuthenticator wires the authenticator. A non-positive timeout
// selects DefaultCallTimeout.
func NewSessionAuthenticator(codec *TokenCodec, store IdentityStore, timeout time.Duration) *SessionAuthenticator {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &SessionAuthenticator{codec: codec, store: store, timeout: timeout}
}

// Authenticate verifies the access token and reloads the subject it names.
// A valid token for a deleted or deactivated subject is rejected.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, req Request) (*Subject, error) {
	token, err := bearerCredential(req)
	if err != nil {
		return nil, err
	}
	claims, err := a.codec.Verify(token, TokenAccess)
	if err != nil {
		return nil, err
	}
	return loadSubject(ctx, a.store, claims.SubjectID, a.timeout)
}

// HasSessionCredential reports whether the request carries a bearer header or
// session cookie.
func HasSessionCredential(req Request) bool {
	return strings.TrimSpace(req.Authorization) != "" || strings.TrimSpace(req.Cookie) != ""
}

func bearerCredential(req Request) (string, error) {
	if header := strings.TrimSpace(req.Authorization); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", ErrMalformedToken
		}
		return token, nil
	}
	if cookie := strings.TrimSpace(req.Cookie); cookie != "" {
		return cookie, nil
	}
	return "", ErrMissingCredential
}

func loadSubject(ctx context.Context, store IdentityStore, id string, timeout time.Duration) (*Subject, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subject, err := store.FindSubject(callCtx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrSubjectNotFound
		}
		return nil, unavailable("load subject", err)
	}
	if subject == nil {
		return nil, ErrSubjectNotFound
	}
	if !subject.IsActive {
		return nil, ErrSubjectInactive
	}
	out := *subject
	out.Kind = SubjectKindUser
	out.Scopes = slices.Clone(subject.Scopes)
	out.APIKeyID = ""
	return &out, nil
}
