package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cargolane.io/internal/auth"
)

func (s *Store) CreateGrant(ctx context.Context, grant auth.RefreshGrant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_grants (id, subject_id, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, grant.ID, grant.SubjectID, grant.ExpiresAt.UTC(), grant.CreatedAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return fmt.Errorf("create refresh grant: %w", err)
	}
	return nil
}

// ConsumeGrant revokes a live grant and returns it. Concurrent consumers race
// on the same row; only one sees it returned.
func (s *Store) ConsumeGrant(ctx context.Context, id string, now time.Time) (*auth.RefreshGrant, error) {
	grant := auth.RefreshGrant{ID: id}
	var revokedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		update refresh_grants
		set revoked_at = $2
		where id = $1 and revoked_at is null and expires_at > $2
		returning subject_id, expires_at, created_at, revoked_at
	`, id, now.UTC()).Scan(&grant.SubjectID, &grant.ExpiresAt, &grant.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume refresh grant: %w", err)
	}
	grant.RevokedAt = &revokedAt
	return &grant, nil
}

func (s *Store) RevokeGrant(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_grants
		set revoked_at = coalesce(revoked_at, $2)
		where id = $1
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrRecordNotFound
	}
	return nil
}

func (s *Store) RevokeSubject(ctx context.Context, subjectID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		update refresh_grants
		set revoked_at = $2
		where subject_id = $1 and revoked_at is null
	`, subjectID, now.UTC()); err != nil {
		return fmt.Errorf("revoke subject grants: %w", err)
	}
	return nil
}

// PruneGrants deletes grants that expired or were revoked before cutoff.
func (s *Store) PruneGrants(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_grants
		where expires_at < $1 or revoked_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune refresh grants: %w", err)
	}
	return res.RowsAffected()
}
