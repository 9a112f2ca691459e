package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"cargolane.io/internal/auth"
)

var identifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OwnerLookup builds a resource accessor over table. fields maps the
// attribute names exposed to the ownership validator to column names, e.g.
// {"user": "user_id"}. Identifiers are fixed at registration time and
// validated; only the id is bound per call.
func (s *Store) OwnerLookup(table, idColumn string, fields map[string]string) (auth.ResourceAccessor, error) {
	if !identifierRE.MatchString(table) || !identifierRE.MatchString(idColumn) {
		return nil, fmt.Errorf("invalid identifier %q.%q", table, idColumn)
	}
	if len(fields) == 0 {
		return nil, errors.New("owner lookup requires at least one field")
	}
	names := make([]string, 0, len(fields))
	for name, column := range fields {
		if !identifierRE.MatchString(column) {
			return nil, fmt.Errorf("invalid column %q", column)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	columns := make([]string, len(names))
	for i, name := range names {
		columns[i] = fields[name]
	}
	query := fmt.Sprintf(`select %s from %s where %s = $1`, strings.Join(columns, ", "), table, idColumn)

	return func(ctx context.Context, id string) (map[string]any, error) {
		values := make([]sql.NullString, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		err := s.db.QueryRowContext(ctx, query, id).Scan(dest...)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrRecordNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", table, err)
		}
		record := make(map[string]any, len(names))
		for i, name := range names {
			if values[i].Valid {
				record[name] = values[i].String
			}
		}
		return record, nil
	}, nil
}
