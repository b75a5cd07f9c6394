package source

import (
	"context"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
)

// QuerySource snapshots the result of a read-only query against an
// engine. Column types are inferred from the result values; a column
// whose values mix integer and float widens to float, any other mix is
// a SourceError.
type QuerySource struct {
	eng   engine.Engine
	query string
	args  []interface{}

	res  *engine.Result
	cols []snapshot.ColumnSchema
}

func MakeQuerySource(eng engine.Engine, query string, args ...interface{}) *QuerySource {
	return &QuerySource{
		eng:   eng,
		query: query,
		args:  args,
	}
}

func (s *QuerySource) Columns(ctx context.Context) ([]snapshot.ColumnSchema, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return s.cols, nil
}

func (s *QuerySource) Open(ctx context.Context) (RowReadCloser, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return NopCloser(&widenRows{
		inner: engine.NewSliceReader(s.res.Rows),
		cols:  s.cols,
	}), nil
}

// widenRows upconverts int64 values in float columns, so a column widened
// to float during inference hashes uniformly.
type widenRows struct {
	inner engine.RowReader
	cols  []snapshot.ColumnSchema
}

func (w *widenRows) Next() ([]interface{}, error) {
	row, err := w.inner.Next()
	if err != nil {
		return nil, err
	}
	for i, v := range row {
		if n, ok := v.(int64); ok && w.cols[i].Type == snapshot.TypeFloat {
			row[i] = float64(n)
		}
	}
	return row, nil
}

func (s *QuerySource) run(ctx context.Context) error {
	if s.res != nil {
		return nil
	}
	res, err := s.eng.Execute(ctx, s.query, s.args...)
	if err != nil {
		return snapshot.NewSourceError(err, "querying source")
	}
	cols, err := inferResultSchema(res)
	if err != nil {
		return err
	}
	s.res = res
	s.cols = cols
	return nil
}

func inferResultSchema(res *engine.Result) ([]snapshot.ColumnSchema, error) {
	cols := make([]snapshot.ColumnSchema, len(res.Columns))
	for i, name := range res.Columns {
		cols[i] = snapshot.ColumnSchema{
			Name:     name,
			Position: i,
		}
	}
	for _, row := range res.Rows {
		for i, v := range row {
			if v == nil {
				cols[i].Nullable = true
				continue
			}
			t, err := valueType(v)
			if err != nil {
				return nil, snapshot.NewSourceError(err, "column %q", cols[i].Name)
			}
			merged, err := mergeType(cols[i].Type, t)
			if err != nil {
				return nil, snapshot.NewSourceError(err, "column %q", cols[i].Name)
			}
			cols[i].Type = merged
		}
	}
	// Columns that never produced a value are carried as nullable strings.
	for i := range cols {
		if cols[i].Type == "" {
			cols[i].Type = snapshot.TypeString
			cols[i].Nullable = true
		}
	}
	if err := snapshot.ValidateSchema(cols); err != nil {
		return nil, err
	}
	return cols, nil
}

func valueType(v interface{}) (snapshot.ColumnType, error) {
	switch v.(type) {
	case bool:
		return snapshot.TypeBool, nil
	case int64:
		return snapshot.TypeInteger, nil
	case float64:
		return snapshot.TypeFloat, nil
	case string:
		return snapshot.TypeString, nil
	case []byte:
		return snapshot.TypeBinary, nil
	case time.Time:
		return snapshot.TypeTimestamp, nil
	}
	return "", snapshot.NewSourceError(nil, "unsupported value type %T", v)
}

func mergeType(cur, next snapshot.ColumnType) (snapshot.ColumnType, error) {
	switch {
	case cur == "" || cur == next:
		return next, nil
	case cur == snapshot.TypeInteger && next == snapshot.TypeFloat,
		cur == snapshot.TypeFloat && next == snapshot.TypeInteger:
		return snapshot.TypeFloat, nil
	}
	return "", snapshot.NewSourceError(nil, "mixed value types %s and %s", cur, next)
}
