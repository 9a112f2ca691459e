package auth

import (
	"slices"
	"time"
)

// Role is the human role attached to a subject.
type Role string

const (
	RoleUser       Role = "user"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// Privileged reports whether r bypasses ownership checks.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// SubjectKind tells a human session apart from an API-key principal.
type SubjectKind string

const (
	SubjectKindUser   SubjectKind = "user"
	SubjectKindAPIKey SubjectKind = "api_key"
)

// Subject is the authenticated identity attached to a request. It never
// carries credential material.
type Subject struct {
	ID         string      `json:"id"`
	Kind       SubjectKind `json:"kind"`
	Role       Role        `json:"role,omitempty"`
	Email      string      `json:"email,omitempty"`
	IsActive   bool        `json:"is_active"`
	IsVerified bool        `json:"is_verified"`
	Scopes     []string    `json:"scopes,omitempty"`
	APIKeyID   string      `json:"api_key_id,omitempty"`
}

// HasScope reports whether the subject was granted scope explicitly.
func (s *Subject) HasScope(scope string) bool {
	return slices.Contains(s.Scopes, scope)
}

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// TokenPair is issued at login and on every refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	// RefreshID is the jti of the refresh token, recorded in the allow-list.
	RefreshID string `json:"-"`
}

// APIKeyConfig is the stored configuration of an issued API key. Keys are
// looked up by the SHA-256 fingerprint of the presented secret.
type APIKeyConfig struct {
	ID          string
	KeyHash     string
	OwnerID     string
	Scopes      []string
	IsActive    bool
	ExpiresAt   *time.Time
	AllowedIPs  []string
	RateLimit   int64
	Window      time.Duration
	UsageCount  int64
	WindowStart time.Time
	LastUsedAt  *time.Time
}

// UsageResult is returned by the atomic reset-and-increment operation.
type UsageResult struct {
	Allowed     bool
	Count       int64
	WindowStart time.Time
}

// RefreshGrant is one entry of a subject's active refresh-token allow-list.
type RefreshGrant struct {
	ID        string
	SubjectID string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// AccessRecord is one entry of the access audit trail.
type AccessRecord struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id,omitempty"`
	SubjectID      string    `json:"subject_id,omitempty"`
	CredentialKind string    `json:"credential_kind,omitempty"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	IP             string    `json:"ip,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	StatusCode     int       `json:"status_code"`
	ErrorCode      string    `json:"error_code,omitempty"`
}

// Request carries the transport-independent view of an inbound request.
type Request struct {
	Authorization string
	Cookie        string
	APIKey        string
	ClientIP      string
	Method        string
	Endpoint      string
}
