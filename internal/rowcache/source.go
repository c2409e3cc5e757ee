package rowcache

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads rows from a YAML document mapping row ids to columns:
//
//	"273":
//	  qty: 629
//	  name: GTab 7inch
//
// The file is read on every call so edits show up on the next refresh.
type FileSource struct {
	Path string
}

func (s FileSource) Row(_ context.Context, id string) (map[string]any, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	var rows map[string]map[string]any
	if err := yaml.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path, err)
	}
	row, ok := rows[id]
	if !ok {
		return nil, ErrRowNotFound
	}
	if row == nil {
		row = map[string]any{}
	}
	return row, nil
}

// SQLSource reads rows with a query that takes the row id as its only
// parameter, e.g. "SELECT * FROM inventory WHERE id = $1".
type SQLSource struct {
	DB    *sql.DB
	Query string
}

func (s SQLSource) Row(ctx context.Context, id string) (map[string]any, error) {
	rows, err := s.DB.QueryContext(ctx, s.Query, id)
	if err != nil {
		return nil, fmt.Errorf("query row %s: %w", id, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRowNotFound
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row %s: %w", id, err)
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			out[c] = string(b)
			continue
		}
		out[c] = vals[i]
	}
	return out, nil
}
