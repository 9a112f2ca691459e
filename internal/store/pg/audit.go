package pg

import (
	"context"
	"fmt"

	"cargolane.io/internal/auth"
)

// Append writes one access record.
func (s *Store) Append(ctx context.Context, rec auth.AccessRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_audit (
			id, request_id, subject_id, credential_kind, endpoint, method, ip,
			occurred_at, status_code, error_code
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID,
		nullIfEmpty(rec.RequestID),
		nullIfEmpty(rec.SubjectID),
		nullIfEmpty(rec.CredentialKind),
		rec.Endpoint,
		rec.Method,
		nullIfEmpty(rec.IP),
		rec.Timestamp.UTC(),
		rec.StatusCode,
		nullIfEmpty(rec.ErrorCode),
	)
	if err != nil {
		return fmt.Errorf("append access record: %w", err)
	}
	return nil
}
