// Package sqlengine implements engine.Engine on an embedded in-memory
// SQLite database.
package sqlengine

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
)

// Engine mounts snapshot rows as SQLite tables and runs read-only queries
// over them. Not safe for concurrent use.
type Engine struct {
	db      *sql.DB
	mounted map[string]bool
}

// New opens a fresh in-memory database. Every connection to :memory: is a
// distinct database, so the pool is pinned to a single connection.
func New() (*Engine, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, snapshot.NewEngineError(err, "opening in-memory database")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		db.Close()
		return nil, snapshot.NewEngineError(err, "applying pragmas")
	}
	return &Engine{
		db:      db,
		mounted: make(map[string]bool),
	}, nil
}

func (e *Engine) Mount(ctx context.Context, name string, cols []snapshot.ColumnSchema, rows engine.RowReader) error {
	if e.mounted[name] {
		return snapshot.NewEngineError(nil, "table %q is already mounted", name)
	}
	if err := snapshot.ValidateSchema(cols); err != nil {
		return err
	}

	ddl := createTableSQL(name, cols)
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return snapshot.NewEngineError(err, "creating table %q", name)
	}

	if err := e.load(ctx, name, cols, rows); err != nil {
		e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name))
		return err
	}
	e.mounted[name] = true
	return nil
}

func (e *Engine) load(ctx context.Context, name string, cols []snapshot.ColumnSchema, rows engine.RowReader) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshot.NewEngineError(err, "beginning load transaction for %q", name)
	}
	defer tx.Rollback()

	placeholders := "(?" + strings.Repeat(", ?", len(cols)-1) + ")"
	ins, err := tx.PrepareContext(ctx, "INSERT INTO "+quoteIdent(name)+" VALUES "+placeholders)
	if err != nil {
		return snapshot.NewEngineError(err, "preparing insert for %q", name)
	}
	defer ins.Close()

	args := make([]interface{}, 0, len(cols))
	n := uint64(0)
	for {
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return snapshot.NewEngineError(err, "reading row %d for %q", n, name)
		}
		if len(row) != len(cols) {
			return snapshot.NewEngineError(nil, "row %d for %q has %d values, want %d", n, name, len(row), len(cols))
		}
		args = args[:0]
		for i, v := range row {
			bound, err := bindValue(v)
			if err != nil {
				return snapshot.NewEngineError(err, "row %d column %q for %q", n, cols[i].Name, name)
			}
			args = append(args, bound)
		}
		if _, err := ins.ExecContext(ctx, args...); err != nil {
			return snapshot.NewEngineError(err, "inserting row %d into %q", n, name)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return snapshot.NewEngineError(err, "committing load of %q", name)
	}
	return nil
}

func (e *Engine) Unmount(ctx context.Context, name string) error {
	if !e.mounted[name] {
		return snapshot.NewEngineError(nil, "table %q is not mounted", name)
	}
	if _, err := e.db.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
		return snapshot.NewEngineError(err, "dropping table %q", name)
	}
	delete(e.mounted, name)
	return nil
}

func (e *Engine) Execute(ctx context.Context, query string, args ...interface{}) (*engine.Result, error) {
	if !readOnly(query) {
		return nil, snapshot.NewEngineError(nil, "only read-only queries are allowed: %.40q", query)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, snapshot.NewEngineError(err, "executing query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, snapshot.NewEngineError(err, "reading result columns")
	}
	res := &engine.Result{Columns: cols}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, snapshot.NewEngineError(err, "scanning result row %d", len(res.Rows))
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, snapshot.NewEngineError(err, "iterating result rows")
	}
	return res, nil
}

func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return snapshot.NewEngineError(err, "closing database")
	}
	return nil
}

// readOnly reports whether the query is a plain SELECT or WITH statement.
func readOnly(query string) bool {
	q := strings.TrimSpace(query)
	for strings.HasPrefix(q, "--") {
		if i := strings.IndexByte(q, '\n'); i >= 0 {
			q = strings.TrimSpace(q[i+1:])
		} else {
			return false
		}
	}
	upper := strings.ToUpper(q)
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

func createTableSQL(name string, cols []snapshot.ColumnSchema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdent(name))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(affinity(c.Type))
	}
	b.WriteString(")")
	return b.String()
}

func affinity(t snapshot.ColumnType) string {
	switch t {
	case snapshot.TypeInteger, snapshot.TypeBool:
		return "INTEGER"
	case snapshot.TypeFloat:
		return "REAL"
	case snapshot.TypeBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// bindValue maps the snapshot value vocabulary onto SQLite bind types.
// Bools become 0/1 and timestamps RFC3339Nano text, matching how those
// types are canonicalized elsewhere.
func bindValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int64:
		return x, nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case []byte:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, snapshot.NewEngineError(nil, "unsupported value type %T", v)
}
