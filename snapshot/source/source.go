// Package source provides the data sources snapshots are created from.
// Each variant exposes the same two capabilities: a schema in declared
// order, and a row stream whose values use the snapshot value vocabulary
// (nil, bool, int64, float64, string, time.Time, []byte).
package source

import (
	"context"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
)

// DataSource is the capability surface the snapshot creator needs.
type DataSource interface {
	// Columns returns the source schema in declared order.
	Columns(ctx context.Context) ([]snapshot.ColumnSchema, error)

	// Open returns a fresh reader over the source's rows, in source order.
	Open(ctx context.Context) (RowReadCloser, error)
}

// RowReadCloser is a closeable row stream.
type RowReadCloser interface {
	engine.RowReader
	Close() error
}

// NopCloser adapts a plain RowReader into a RowReadCloser.
func NopCloser(r engine.RowReader) RowReadCloser {
	return nopCloser{r}
}

type nopCloser struct {
	engine.RowReader
}

func (nopCloser) Close() error { return nil }
