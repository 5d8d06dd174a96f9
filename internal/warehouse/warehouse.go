// Package warehouse provides read-only access to the analytical database
// that the query tool runs against. The engine keeps per-table size
// statistics so query cost can be bounded before execution.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TableStats describes one warehouse table.
type TableStats struct {
	Name  string
	Rows  int64
	Bytes int64
}

// Options bound a single query execution.
type Options struct {
	MaxRows int
	Timeout time.Duration
}

// ResultSet is the outcome of a query. Rows holds at most MaxRows entries;
// Truncated reports that more rows were available.
type ResultSet struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// Engine is the read-only analytical query surface.
type Engine interface {
	Tables() []TableStats
	Estimate(query string) (int64, error)
	Execute(ctx context.Context, query string, opts Options) (*ResultSet, error)
	Close() error
}

// SQLite runs queries against a local SQLite file opened read-only.
type SQLite struct {
	db     *sql.DB
	tables map[string]TableStats
}

// Open opens the warehouse at path in read-only mode and gathers table
// statistics used for cost estimation.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	w := &SQLite{db: db}
	if err := w.loadStats(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLite) Close() error {
	return w.db.Close()
}

// loadStats records row counts per table and apportions the database's total
// size across tables by row share. The estimate is coarse on purpose; it
// exists to reject obviously oversized scans, not to plan queries.
func (w *SQLite) loadStats() error {
	rows, err := w.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var pageCount, pageSize int64
	if err := w.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return fmt.Errorf("page count: %w", err)
	}
	if err := w.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return fmt.Errorf("page size: %w", err)
	}
	totalBytes := pageCount * pageSize

	w.tables = make(map[string]TableStats, len(names))
	var totalRows int64
	counts := make(map[string]int64, len(names))
	for _, name := range names {
		var n int64
		if err := w.db.QueryRow(`SELECT COUNT(*) FROM "` + name + `"`).Scan(&n); err != nil {
			return fmt.Errorf("count %s: %w", name, err)
		}
		counts[name] = n
		totalRows += n
	}
	for _, name := range names {
		bytes := totalBytes
		if totalRows > 0 {
			bytes = totalBytes * counts[name] / totalRows
		}
		w.tables[name] = TableStats{Name: name, Rows: counts[name], Bytes: bytes}
	}
	return nil
}

// Tables returns statistics for every warehouse table, sorted by name.
func (w *SQLite) Tables() []TableStats {
	out := make([]TableStats, 0, len(w.tables))
	for _, t := range w.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var tableRefRe = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)

// Estimate returns the number of bytes the query would scan, computed as the
// summed size of every referenced table. Unknown tables are an error.
func (w *SQLite) Estimate(query string) (int64, error) {
	refs := tableRefRe.FindAllStringSubmatch(query, -1)
	if len(refs) == 0 {
		return 0, fmt.Errorf("no table reference in query")
	}
	seen := make(map[string]bool)
	var total int64
	for _, m := range refs {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		stats, ok := w.tables[name]
		if !ok {
			return 0, fmt.Errorf("unknown table %q", name)
		}
		total += stats.Bytes
	}
	return total, nil
}

// Execute runs a query under a deadline and a row cap. The cap is applied to
// the materialized result regardless of any LIMIT in the query itself.
func (w *SQLite) Execute(ctx context.Context, query string, opts Options) (*ResultSet, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("result columns: %w", err)
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		if opts.MaxRows > 0 && len(rs.Rows) >= opts.MaxRows {
			rs.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rs, nil
}
