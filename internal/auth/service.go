package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"cargolane.io/internal/ids"
)

// Guard is the facade handlers call: it authenticates requests, runs the
// authorization checks and manages the token lifecycle.
type Guard struct {
	codec       *TokenCodec
	identities  IdentityStore
	credentials CredentialStore
	usage       UsageCounter
	refresh     RefreshStore
	policy      *PermissionPolicy
	registry    *ResourceRegistry
	auditor     Auditor
	timeout     time.Duration
	now         func() time.Time
	keyOpts     []APIKeyOption

	sessions *SessionAuthenticator
	apiKeys  *APIKeyAuthenticator
	owners   *OwnershipValidator
}

// GuardOption configures Guard behavior.
type GuardOption func(*Guard)

// WithCredentialStore enables Login.
func WithCredentialStore(store CredentialStore) GuardOption {
	return func(g *Guard) { g.credentials = store }
}

// WithUsageCounter sets the atomic quota counter used for API keys.
func WithUsageCounter(counter UsageCounter) GuardOption {
	return func(g *Guard) { g.usage = counter }
}

// WithRefreshStore sets the refresh-token allow-list.
func WithRefreshStore(store RefreshStore) GuardOption {
	return func(g *Guard) { g.refresh = store }
}

// WithPermissionPolicy replaces the built-in role grants.
func WithPermissionPolicy(policy *PermissionPolicy) GuardOption {
	return func(g *Guard) {
		if policy != nil {
			g.policy = policy
		}
	}
}

// WithResourceRegistry sets the registry consulted by ownership checks.
func WithResourceRegistry(registry *ResourceRegistry) GuardOption {
	return func(g *Guard) {
		if registry != nil {
			g.registry = registry
		}
	}
}

// WithAuditor sets the access audit destination.
func WithAuditor(a Auditor) GuardOption {
	return func(g *Guard) {
		if a != nil {
			g.auditor = a
		}
	}
}

// WithCallTimeout bounds every collaborator call.
func WithCallTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGuardClock overrides the time source used for grants and quotas.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithAPIKeyOptions forwards options to the API-key authenticator.
func WithAPIKeyOptions(opts ...APIKeyOption) GuardOption {
	return func(g *Guard) { g.keyOpts = append(g.keyOpts, opts...) }
}

// NewGuard wires the authenticators and validators. When identities also
// implements CredentialStore, UsageCounter or RefreshStore it is used for
// those roles unless an option supplies another implementation.
func NewGuard(codec *TokenCodec, identities IdentityStore, opts ...GuardOption) (*Guard, error) {
	if codec == nil {
		return nil, errors.New("guard requires a token codec")
	}
	if identities == nil {
		return nil, errors.New("guard requires an identity store")
	}
	g := &Guard{
		codec:      codec,
		identities: identities,
		policy:     NewPermissionPolicy(nil),
		registry:   NewResourceRegistry(),
		auditor:    noopAuditor{},
		timeout:    DefaultCallTimeout,
		now:        time.Now,
	}
	if cs, ok := identities.(CredentialStore); ok {
		g.credentials = cs
	}
	if uc, ok := identities.(UsageCounter); ok {
		g.usage = uc
	}
	if rs, ok := identities.(RefreshStore); ok {
		g.refresh = rs
	}
	for _, opt := range opts {
		opt(g)
	}

	g.sessions = NewSessionAuthenticator(codec, identities, g.timeout)
	g.owners = NewOwnershipValidator(g.registry, g.timeout)
	if g.usage != nil {
		keyOpts := append([]APIKeyOption{WithAPIKeyTimeout(g.timeout), WithAPIKeyClock(g.now)}, g.keyOpts...)
		apiKeys, err := NewAPIKeyAuthenticator(identities, g.usage, keyOpts...)
		if err != nil {
			return nil, err
		}
		g.apiKeys = apiKeys
	}
	return g, nil
}

// Registry returns the resource registry so hosts can register accessors.
func (g *Guard) Registry() *ResourceRegistry { return g.registry }

// Policy returns the active permission policy.
func (g *Guard) Policy() *PermissionPolicy { return g.policy }

// Credential kinds recorded in the access audit trail.
const (
	CredentialSession  = "session"
	CredentialAPIKey   = "api_key"
	CredentialPassword = "password"
	CredentialRefresh  = "refresh"
)

// CredentialKind names the credential req presents, or "" when it presents
// none or more than one.
func CredentialKind(req Request) string {
	hasSession := HasSessionCredential(req)
	hasKey := strings.TrimSpace(req.APIKey) != ""
	switch {
	case hasSession && hasKey:
		return ""
	case hasKey:
		return CredentialAPIKey
	case hasSession:
		return CredentialSession
	}
	return ""
}

// Authenticate resolves exactly one credential. A request presenting both a
// session credential and an API key is rejected.
func (g *Guard) Authenticate(ctx context.Context, req Request) (*Subject, error) {
	hasSession := HasSessionCredential(req)
	hasKey := strings.TrimSpace(req.APIKey) != ""
	switch {
	case hasSession && hasKey:
		return nil, ErrAmbiguousCredentials
	case hasKey:
		if g.apiKeys == nil {
			return nil, ErrAPIKeyInvalid
		}
		return g.apiKeys.Authenticate(ctx, req)
	case hasSession:
		return g.sessions.Authenticate(ctx, req)
	default:
		return nil, ErrMissingCredential
	}
}

func (g *Guard) AuthorizeRole(subject *Subject, allowed ...Role) error {
	return AuthorizeRole(subject, allowed...)
}

func (g *Guard) AuthorizePermission(subject *Subject, permission string) error {
	return g.policy.Authorize(subject, permission)
}

func (g *Guard) RequireVerified(subject *Subject) error {
	return RequireVerified(subject)
}

func (g *Guard) ValidateOwnership(ctx context.Context, subject *Subject, resourceType, resourceID, ownerField string) error {
	return g.owners.Validate(ctx, subject, resourceType, resourceID, ownerField)
}

// IssueTokenPair signs a new pair and records its refresh token in the
// subject's allow-list.
func (g *Guard) IssueTokenPair(ctx context.Context, subjectID string, role Role) (TokenPair, error) {
	if g.refresh == nil {
		return TokenPair{}, unavailable("issue tokens", errors.New("refresh store not configured"))
	}
	pair, err := g.codec.Generate(subjectID, role)
	if err != nil {
		return TokenPair{}, unavailable("issue tokens", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	grant := RefreshGrant{
		ID:        pair.RefreshID,
		SubjectID: subjectID,
		ExpiresAt: pair.RefreshExpiresAt,
		CreatedAt: g.now().UTC(),
	}
	if err := g.refresh.CreateGrant(callCtx, grant); err != nil {
		return TokenPair{}, unavailable("store refresh grant", err)
	}
	return pair, nil
}

// Refresh consumes the presented refresh token and issues a rotated pair for
// the subject's current role. A token is accepted at most once.
func (g *Guard) Refresh(ctx context.Context, refreshToken string) (TokenPair, *Subject, error) {
	if g.refresh == nil {
		return TokenPair{}, nil, unavailable("refresh", errors.New("refresh store not configured"))
	}
	claims, err := g.codec.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	grant, err := g.refresh.ConsumeGrant(callCtx, claims.ID, g.now().UTC())
	cancel()
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return TokenPair{}, nil, ErrTokenRevoked
		}
		return TokenPair{}, nil, unavailable("consume refresh grant", err)
	}
	if grant.SubjectID != claims.SubjectID {
		return TokenPair{}, nil, ErrTokenRevoked
	}

	subject, err := loadSubject(ctx, g.identities, claims.SubjectID, g.timeout)
	if err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := g.IssueTokenPair(ctx, subject.ID, subject.Role)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, subject, nil
}

// Login checks the password against the stored bcrypt hash and issues a
// token pair.
func (g *Guard) Login(ctx context.Context, email, password string) (TokenPair, *Subject, error) {
	if g.credentials == nil {
		return TokenPair{}, nil, unavailable("login", errors.New("credential store not configured"))
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidLogin
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	subject, hash, err := g.credentials.FindCredentials(callCtx, email)
	cancel()
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			equaliseLoginTiming(password)
			return TokenPair{}, nil, ErrInvalidLogin
		}
		return TokenPair{}, nil, unavailable("load credentials", err)
	}
	if err := VerifyPassword(hash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidLogin
	}
	if !subject.IsActive {
		return TokenPair{}, nil, ErrSubjectInactive
	}

	out := *subject
	out.Kind = SubjectKindUser
	pair, err := g.IssueTokenPair(ctx, out.ID, out.Role)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, &out, nil
}

// Logout revokes one refresh token. Revoking an unknown or already revoked
// grant succeeds.
func (g *Guard) Logout(ctx context.Context, refreshToken string) error {
	if g.refresh == nil {
		return unavailable("logout", errors.New("refresh store not configured"))
	}
	claims, err := g.codec.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.refresh.RevokeGrant(callCtx, claims.ID, g.now().UTC()); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return unavailable("revoke refresh grant", err)
	}
	return nil
}

// RevokeAll empties the subject's allow-list, e.g. after a password change.
func (g *Guard) RevokeAll(ctx context.Context, subjectID string) error {
	if g.refresh == nil {
		return unavailable("revoke all", errors.New("refresh store not configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.refresh.RevokeSubject(callCtx, subjectID, g.now().UTC()); err != nil {
		return unavailable("revoke subject grants", err)
	}
	return nil
}

// RecordAccess hands the record to the auditor. It never fails the caller.
func (g *Guard) RecordAccess(rec AccessRecord) {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = g.now().UTC()
	}
	g.auditor.Append(rec)
}
