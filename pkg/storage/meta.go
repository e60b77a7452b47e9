// Package storage keeps named hyperminhash sketches in an hmh_sketches
// table. All sketch work happens in SQL through the registered functions.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("sketch not found")

func EnsureMetaTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hmh_sketches (
			name TEXT PRIMARY KEY,
			source_table TEXT NOT NULL,
			columns TEXT NOT NULL,
			data BLOB NOT NULL,
			row_count INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// SketchInfo describes a stored sketch.
type SketchInfo struct {
	Name      string   `json:"name"`
	Table     string   `json:"table"`
	Columns   []string `json:"columns"`
	RowCount  int64    `json:"row_count"`
	Estimate  float64  `json:"estimate"`
	SizeBytes int      `json:"size_bytes"`
	UpdatedAt int64    `json:"updated_at"`
	Data      []byte   `json:"-"`
}

// QuoteIdent quotes name for use as an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func selectList(columns []string) (string, error) {
	if len(columns) == 0 {
		return "", errors.New("at least one column is required")
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		if c == "" {
			return "", errors.New("empty column name")
		}
		quoted[i] = QuoteIdent(c)
	}
	return strings.Join(quoted, ", "), nil
}

// Column lists are stored as a JSON array so quoted identifiers holding
// commas survive.
func encodeColumns(columns []string) (string, error) {
	b, err := json.Marshal(columns)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeColumns(s string) ([]string, error) {
	var columns []string
	if err := json.Unmarshal([]byte(s), &columns); err != nil {
		return nil, fmt.Errorf("decode columns %q: %w", s, err)
	}
	return columns, nil
}

// CreateSketch builds a sketch over columns of table and stores it under
// name, replacing any sketch of that name.
func CreateSketch(ctx context.Context, db *sql.DB, name, table string, columns []string) (*SketchInfo, error) {
	cols, err := selectList(columns)
	if err != nil {
		return nil, err
	}
	var data []byte
	var rows int64
	q := fmt.Sprintf(`SELECT hyperminhash_serialize(%s), COUNT(*) FROM %s`, cols, QuoteIdent(table))
	if err := db.QueryRowContext(ctx, q).Scan(&data, &rows); err != nil {
		return nil, fmt.Errorf("build sketch %s: %w", name, err)
	}
	if err := UpsertSketch(ctx, db, name, table, columns, data, rows); err != nil {
		return nil, err
	}
	return GetSketch(ctx, db, name)
}

// UpsertSketch stores or replaces a serialized sketch.
func UpsertSketch(ctx context.Context, db *sql.DB, name, table string, columns []string, data []byte, rows int64) error {
	cols, err := encodeColumns(columns)
	if err != nil {
		return fmt.Errorf("store sketch %s: %w", name, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO hmh_sketches(name, source_table, columns, data, row_count, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name)
		DO UPDATE SET source_table=excluded.source_table, columns=excluded.columns,
			data=excluded.data, row_count=excluded.row_count, updated_at=CURRENT_TIMESTAMP`,
		name, table, cols, data, rows)
	if err != nil {
		return fmt.Errorf("store sketch %s: %w", name, err)
	}
	return nil
}

// MergeSketch folds the rows of table into the stored sketch name with
// hyperminhash_add. columns must describe the same tuple the sketch was
// built from for the result to be meaningful.
func MergeSketch(ctx context.Context, db *sql.DB, name, table string, columns []string) (*SketchInfo, error) {
	cols, err := selectList(columns)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
		UPDATE hmh_sketches
		SET data = hyperminhash_add(data, (SELECT hyperminhash_serialize(%[1]s) FROM %[2]s)),
			row_count = row_count + (SELECT COUNT(*) FROM %[2]s),
			updated_at = CURRENT_TIMESTAMP
		WHERE name = ?`, cols, QuoteIdent(table))
	res, err := db.ExecContext(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("merge into sketch %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return GetSketch(ctx, db, name)
}

// GetSketch retrieves a sketch with its current estimate.
func GetSketch(ctx context.Context, db *sql.DB, name string) (*SketchInfo, error) {
	var info SketchInfo
	var columns string
	err := db.QueryRowContext(ctx, `
		SELECT name, source_table, columns, data, row_count,
			hyperminhash_deserialize(data), CAST(strftime('%s', updated_at) AS INTEGER)
		FROM hmh_sketches WHERE name = ?`, name).
		Scan(&info.Name, &info.Table, &columns, &info.Data, &info.RowCount, &info.Estimate, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if info.Columns, err = decodeColumns(columns); err != nil {
		return nil, err
	}
	info.SizeBytes = len(info.Data)
	return &info, nil
}

// ListSketches returns every stored sketch, most recently updated first.
func ListSketches(ctx context.Context, db *sql.DB) ([]SketchInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, source_table, columns, row_count, length(data),
			hyperminhash_deserialize(data), CAST(strftime('%s', updated_at) AS INTEGER)
		FROM hmh_sketches
		ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SketchInfo
	for rows.Next() {
		var info SketchInfo
		var columns string
		if err := rows.Scan(&info.Name, &info.Table, &columns, &info.RowCount, &info.SizeBytes, &info.Estimate, &info.UpdatedAt); err != nil {
			return nil, err
		}
		if info.Columns, err = decodeColumns(columns); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func requireAll(ctx context.Context, db *sql.DB, names []string) error {
	for _, n := range names {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM hmh_sketches WHERE name = ?`, n).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// UnionEstimate estimates the distinct count of the union of the named
// sketches.
func UnionEstimate(ctx context.Context, db *sql.DB, names []string) (float64, error) {
	if len(names) == 0 {
		return 0, errors.New("at least one sketch name is required")
	}
	if err := requireAll(ctx, db, names); err != nil {
		return 0, err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	q := `SELECT hyperminhash_deserialize(hyperminhash_union(data)) FROM hmh_sketches
		WHERE name IN (?` + strings.Repeat(", ?", len(names)-1) + `)`
	var est float64
	if err := db.QueryRowContext(ctx, q, args...).Scan(&est); err != nil {
		return 0, fmt.Errorf("union of %v: %w", names, err)
	}
	return est, nil
}

// IntersectionEstimate estimates the distinct count shared by sketches a
// and b.
func IntersectionEstimate(ctx context.Context, db *sql.DB, a, b string) (float64, error) {
	if err := requireAll(ctx, db, []string{a, b}); err != nil {
		return 0, err
	}
	var est float64
	err := db.QueryRowContext(ctx, `SELECT hyperminhash_intersection(
			(SELECT data FROM hmh_sketches WHERE name = ?),
			(SELECT data FROM hmh_sketches WHERE name = ?))`, a, b).Scan(&est)
	if err != nil {
		return 0, fmt.Errorf("intersection of %s and %s: %w", a, b, err)
	}
	return est, nil
}
