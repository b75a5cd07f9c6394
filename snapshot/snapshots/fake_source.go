// Package snapshots provides fake data sources for tests in other
// packages. The in-memory Backend fake lives beside the interface in
// snapshot/store; this package covers the source side.
package snapshots

import (
	"context"
	"fmt"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
)

// MakeSliceSource returns an in-memory DataSource over the given rows.
func MakeSliceSource(cols []snapshot.ColumnSchema, rows [][]interface{}) source.DataSource {
	return &sliceSource{cols: cols, rows: rows}
}

type sliceSource struct {
	cols []snapshot.ColumnSchema
	rows [][]interface{}
}

func (s *sliceSource) Columns(ctx context.Context) ([]snapshot.ColumnSchema, error) {
	return s.cols, nil
}

func (s *sliceSource) Open(ctx context.Context) (source.RowReadCloser, error) {
	return source.NopCloser(engine.NewSliceReader(s.rows)), nil
}

// MakeInvalidSource returns a DataSource whose every call fails.
func MakeInvalidSource() source.DataSource {
	return invalidSource{}
}

type invalidSource struct{}

func (invalidSource) Columns(ctx context.Context) ([]snapshot.ColumnSchema, error) {
	return nil, snapshot.NewSourceError(nil, "invalid source has no schema")
}

func (invalidSource) Open(ctx context.Context) (source.RowReadCloser, error) {
	return nil, snapshot.NewSourceError(nil, "invalid source has no rows")
}

// MakeFlakySource returns a DataSource that reads normally until
// failAfter rows have been produced, then fails every Next call.
func MakeFlakySource(cols []snapshot.ColumnSchema, rows [][]interface{}, failAfter int) source.DataSource {
	return &flakySource{cols: cols, rows: rows, failAfter: failAfter}
}

type flakySource struct {
	cols      []snapshot.ColumnSchema
	rows      [][]interface{}
	failAfter int
}

func (s *flakySource) Columns(ctx context.Context) ([]snapshot.ColumnSchema, error) {
	return s.cols, nil
}

func (s *flakySource) Open(ctx context.Context) (source.RowReadCloser, error) {
	return source.NopCloser(&flakyReader{rows: engine.NewSliceReader(s.rows), left: s.failAfter}), nil
}

type flakyReader struct {
	rows *engine.SliceReader
	left int
}

func (r *flakyReader) Next() ([]interface{}, error) {
	if r.left <= 0 {
		return nil, snapshot.NewSourceError(nil, "source failed mid stream")
	}
	r.left--
	return r.rows.Next()
}

// MakeSequenceSource returns a DataSource with an (id, value) schema and
// n generated rows, for tests that care about counts and ordering rather
// than particular values.
func MakeSequenceSource(n int) source.DataSource {
	cols := []snapshot.ColumnSchema{
		{Name: "id", Type: snapshot.TypeInteger, Position: 0},
		{Name: "value", Type: snapshot.TypeString, Position: 1},
	}
	rows := make([][]interface{}, n)
	for i := range rows {
		rows[i] = []interface{}{int64(i), fmt.Sprintf("row-%d", i)}
	}
	return MakeSliceSource(cols, rows)
}
