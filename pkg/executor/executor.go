// Package executor runs ad-hoc SQL for the query endpoint.
package executor

import (
	"context"
	"database/sql"
	"time"
)

// Execute runs query and returns its rows keyed by column name, plus
// execution metadata.
func Execute(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, map[string]any, error) {
	start := time.Now()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	res := make([]map[string]any, 0, 64)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}

		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	meta := map[string]any{
		"columns":      cols,
		"rows":         len(res),
		"sql_executed": query,
		"elapsed_ms":   float64(time.Since(start).Microseconds()) / 1000,
	}
	return res, meta, nil
}
