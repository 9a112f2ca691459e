package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cargolane.io/internal/auth"
)

func (s *Store) FindSubject(ctx context.Context, id string) (*auth.Subject, error) {
	var (
		subject auth.Subject
		role    string
		email   sql.NullString
		scopes  textArray
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, role, is_active, is_verified, scopes
		from subjects
		where id = $1
	`, id).Scan(&subject.ID, &email, &role, &subject.IsActive, &subject.IsVerified, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subject: %w", err)
	}
	subject.Email = email.String
	subject.Scopes = []string(scopes)
	subject.Role = auth.Role(role)
	subject.Kind = auth.SubjectKindUser
	return &subject, nil
}

func (s *Store) FindCredentials(ctx context.Context, email string) (*auth.Subject, string, error) {
	var (
		subject auth.Subject
		role    string
		scopes  textArray
		hash    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, role, is_active, is_verified, scopes, password_hash
		from subjects
		where lower(email) = lower($1)
	`, strings.TrimSpace(email)).Scan(&subject.ID, &subject.Email, &role, &subject.IsActive, &subject.IsVerified, &scopes, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", auth.ErrRecordNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("find credentials: %w", err)
	}
	if !hash.Valid {
		return nil, "", auth.ErrRecordNotFound
	}
	subject.Scopes = []string(scopes)
	subject.Role = auth.Role(role)
	subject.Kind = auth.SubjectKindUser
	return &subject, hash.String, nil
}

func (s *Store) FindAPIKey(ctx context.Context, keyHash string) (*auth.APIKeyConfig, error) {
	var (
		cfg           auth.APIKeyConfig
		expiresAt     sql.NullTime
		windowStart   sql.NullTime
		lastUsedAt    sql.NullTime
		windowSeconds int64
		scopes        textArray
		allowedIPs    textArray
	)
	err := s.db.QueryRowContext(ctx, `
		select id, key_hash, owner_id, scopes, is_active, expires_at,
		       allowed_ips,
		       rate_limit, window_seconds, usage_count, window_start, last_used_at
		from api_keys
		where key_hash = $1
	`, keyHash).Scan(
		&cfg.ID, &cfg.KeyHash, &cfg.OwnerID, &scopes, &cfg.IsActive, &expiresAt,
		&allowedIPs, &cfg.RateLimit, &windowSeconds, &cfg.UsageCount, &windowStart, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	cfg.Scopes = []string(scopes)
	cfg.AllowedIPs = []string(allowedIPs)
	cfg.Window = time.Duration(windowSeconds) * time.Second
	cfg.ExpiresAt = timePtr(expiresAt)
	cfg.LastUsedAt = timePtr(lastUsedAt)
	if windowStart.Valid {
		cfg.WindowStart = windowStart.Time.UTC()
	}
	return &cfg, nil
}

// IncrementUsage resets an elapsed window and counts the call in one UPDATE.
// The row is left untouched when the window is live and the limit reached.
func (s *Store) IncrementUsage(ctx context.Context, keyID string, limit int64, window time.Duration, now time.Time) (auth.UsageResult, error) {
	var (
		count int64
		start time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		update api_keys set
			usage_count = case
				when window_start is null or window_start + ($3::bigint * interval '1 millisecond') <= $4 then 1
				else usage_count + 1
			end,
			window_start = case
				when window_start is null or window_start + ($3::bigint * interval '1 millisecond') <= $4 then $4
				else window_start
			end,
			last_used_at = $4
		where id = $1
		  and (window_start is null
		       or window_start + ($3::bigint * interval '1 millisecond') <= $4
		       or usage_count < $2)
		returning usage_count, window_start
	`, keyID, limit, window.Milliseconds(), now.UTC()).Scan(&count, &start)
	if err == nil {
		return auth.UsageResult{Allowed: true, Count: count, WindowStart: start.UTC()}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return auth.UsageResult{}, fmt.Errorf("increment usage: %w", err)
	}

	// Nothing updated: either the key is gone or its window is exhausted.
	var windowStart sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		select usage_count, window_start from api_keys where id = $1
	`, keyID).Scan(&count, &windowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.UsageResult{}, auth.ErrRecordNotFound
	}
	if err != nil {
		return auth.UsageResult{}, fmt.Errorf("read usage: %w", err)
	}
	return auth.UsageResult{Allowed: false, Count: count, WindowStart: windowStart.Time.UTC()}, nil
}

// TouchAPIKey records a use of keyID without counting it against the quota,
// for deployments where the window lives in another store. last_used_at
// never moves backwards.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update api_keys set last_used_at = $2
		where id = $1 and (last_used_at is null or last_used_at < $2)
	`, keyID, now.UTC())
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
