package engine

//go:generate mockgen -source=engine.go -package=engine -destination=engine_mock.go

import (
	"context"
	"io"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// Engine executes SQL over rows mounted from snapshots. The diff layer
// uses it for keyed row matching; the db layer exposes it for ad hoc
// queries against snapshot data. Implementations hold all mounted state
// locally and are not safe for concurrent use.
type Engine interface {
	// Mount loads rows into a table named name with the given schema.
	// Mounting a name that is already mounted is an error.
	Mount(ctx context.Context, name string, cols []snapshot.ColumnSchema, rows RowReader) error

	// Unmount drops a mounted table.
	Unmount(ctx context.Context, name string) error

	// Execute runs a read-only query against the mounted tables and
	// returns the fully materialized result.
	Execute(ctx context.Context, query string, args ...interface{}) (*Result, error)

	// Close releases the engine and everything mounted in it.
	Close() error
}

// RowReader yields rows one at a time. Next returns io.EOF after the last
// row. Values are restricted to nil, bool, int64, float64, string,
// time.Time and []byte.
type RowReader interface {
	Next() ([]interface{}, error)
}

// Result is a materialized query result.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// SliceReader is a RowReader over an in-memory row slice.
type SliceReader struct {
	rows [][]interface{}
	next int
}

func NewSliceReader(rows [][]interface{}) *SliceReader {
	return &SliceReader{rows: rows}
}

func (r *SliceReader) Next() ([]interface{}, error) {
	if r.next >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.next]
	r.next++
	return row, nil
}

// ReadAll drains a RowReader into a slice.
func ReadAll(r RowReader) ([][]interface{}, error) {
	var rows [][]interface{}
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
