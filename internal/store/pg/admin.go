package pg

import (
	"context"
	"fmt"
	"strings"

	"cargolane.io/internal/auth"
)

// UpsertSubject creates a subject or updates the one with the same email.
// An empty passwordHash keeps the stored hash. The stored id is returned.
func (s *Store) UpsertSubject(ctx context.Context, subject auth.Subject, passwordHash string) (string, error) {
	if !subject.Role.Valid() {
		return "", fmt.Errorf("upsert subject: unknown role %q", subject.Role)
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		insert into subjects (id, email, password_hash, role, is_active, is_verified, scopes)
		values ($1, lower($2), nullif($3, ''), $4, $5, $6, $7::text[])
		on conflict ((lower(email))) do update set
			password_hash = coalesce(excluded.password_hash, subjects.password_hash),
			role = excluded.role,
			is_active = excluded.is_active,
			is_verified = excluded.is_verified,
			scopes = excluded.scopes,
			updated_at = now()
		returning id
	`, subject.ID, strings.TrimSpace(subject.Email), passwordHash, string(subject.Role),
		subject.IsActive, subject.IsVerified, textArray(subject.Scopes)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert subject: %w", err)
	}
	return id, nil
}

// CreateAPIKey stores a key configuration. cfg.KeyHash must already hold the
// fingerprint of the secret.
func (s *Store) CreateAPIKey(ctx context.Context, cfg auth.APIKeyConfig) error {
	if cfg.KeyHash == "" {
		return fmt.Errorf("create api key: key hash is required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into api_keys (id, key_hash, owner_id, scopes, is_active, expires_at, allowed_ips, rate_limit, window_seconds)
		values ($1, $2, $3, $4::text[], $5, $6, $7::text[], $8, $9)
	`, cfg.ID, cfg.KeyHash, cfg.OwnerID, textArray(cfg.Scopes), cfg.IsActive, cfg.ExpiresAt,
		textArray(cfg.AllowedIPs), cfg.RateLimit, int64(cfg.Window.Seconds()))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}
