package auth

import (
	"context"
	"time"
)

// IdentityStore resolves subjects and API keys. Implementations return
// ErrRecordNotFound when the record does not exist.
type IdentityStore interface {
	FindSubject(ctx context.Context, id string) (*Subject, error)
	FindAPIKey(ctx context.Context, keyHash string) (*APIKeyConfig, error)
}

// CredentialStore exposes the stored password hash for login.
type CredentialStore interface {
	FindCredentials(ctx context.Context, email string) (*Subject, string, error)
}

// UsageCounter performs the quota reset-and-increment for one API key as a
// single atomic storage operation. When the window starting at WindowStart has
// elapsed the counter restarts at one; otherwise it is incremented only while
// below limit. Allowed is false when the call must be rejected.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, keyID string, limit int64, window time.Duration, now time.Time) (UsageResult, error)
}

// RefreshStore is the stateful allow-list of refresh tokens.
type RefreshStore interface {
	CreateGrant(ctx context.Context, grant RefreshGrant) error
	// ConsumeGrant revokes the grant and returns it, failing with
	// ErrRecordNotFound when it is unknown, already revoked or expired.
	ConsumeGrant(ctx context.Context, id string, now time.Time) (*RefreshGrant, error)
	RevokeGrant(ctx context.Context, id string, now time.Time) error
	RevokeSubject(ctx context.Context, subjectID string, now time.Time) error
}

// AuditSink persists access records.
type AuditSink interface {
	Append(ctx context.Context, rec AccessRecord) error
}

// Auditor accepts access records without ever failing the caller.
type Auditor interface {
	Append(rec AccessRecord)
}

type noopAuditor struct{}

func (noopAuditor) Append(AccessRecord) {}
