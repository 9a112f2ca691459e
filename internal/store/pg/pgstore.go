package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cargolane.io/internal/auth"
)

const pgErrUniqueViolation = "23505"

// Store implements the identity, quota, refresh allow-list and audit
// collaborators on PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ auth.IdentityStore   = (*Store)(nil)
	_ auth.CredentialStore = (*Store)(nil)
	_ auth.UsageCounter    = (*Store)(nil)
	_ auth.RefreshStore    = (*Store)(nil)
	_ auth.AuditSink       = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// pgtype.Map is not safe for concurrent use.
var typeMaps = sync.Pool{New: func() any { return pgtype.NewMap() }}

// textArray binds and scans text[] columns with pgx's array codec, so
// elements keep commas, quotes and braces intact.
type textArray []string

func (a textArray) Value() (driver.Value, error) {
	m := typeMaps.Get().(*pgtype.Map)
	defer typeMaps.Put(m)
	elems := []string(a)
	if elems == nil {
		elems = []string{}
	}
	buf, err := m.Encode(pgtype.TextArrayOID, pgtype.TextFormatCode, elems, nil)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func (a *textArray) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	m := typeMaps.Get().(*pgtype.Map)
	defer typeMaps.Put(m)
	var elems []string
	if err := m.SQLScanner(&elems).Scan(src); err != nil {
		return err
	}
	if len(elems) == 0 {
		elems = nil
	}
	*a = elems
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
