package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

const dateOnly = "2006-01-02"

// Number of leading records sampled for type inference.
const defaultInferRows = 512

// CSVSource reads a CSV file. Column types are inferred from a sample of
// leading records: a column is typed integer, float, bool or timestamp if
// every sampled non-empty value parses as such, preferring them in that
// order, and string otherwise. Empty fields are null and mark the column
// nullable.
type CSVSource struct {
	Path string

	// Comma is the field separator; ',' when zero.
	Comma rune
	// NoHeader treats the first record as data and names columns c0..cN.
	NoHeader bool
	// InferRows overrides the inference sample size.
	InferRows int

	cols []snapshot.ColumnSchema
}

func MakeCSVSource(path string) *CSVSource {
	return &CSVSource{Path: path}
}

func (s *CSVSource) Columns(ctx context.Context) ([]snapshot.ColumnSchema, error) {
	if s.cols != nil {
		return s.cols, nil
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, snapshot.NewSourceError(err, "opening csv %s", s.Path)
	}
	defer f.Close()

	r := s.newReader(f)
	names, probe, err := s.columnNames(r)
	if err != nil {
		return nil, err
	}

	infer := make([]inference, len(names))
	limit := s.InferRows
	if limit <= 0 {
		limit = defaultInferRows
	}
	if probe != nil {
		for i, v := range probe {
			infer[i].observe(v)
		}
		limit--
	}
	for n := 0; n < limit; n++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, snapshot.NewSourceError(err, "reading csv %s", s.Path)
		}
		for i, v := range rec {
			infer[i].observe(v)
		}
	}

	cols := make([]snapshot.ColumnSchema, len(names))
	for i, name := range names {
		cols[i] = snapshot.ColumnSchema{
			Name:     name,
			Type:     infer[i].columnType(),
			Nullable: infer[i].sawEmpty,
			Position: i,
		}
	}
	if err := snapshot.ValidateSchema(cols); err != nil {
		return nil, err
	}
	s.cols = cols
	return cols, nil
}

func (s *CSVSource) Open(ctx context.Context) (RowReadCloser, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, snapshot.NewSourceError(err, "opening csv %s", s.Path)
	}
	r := s.newReader(f)
	if !s.NoHeader {
		if _, err := r.Read(); err != nil {
			f.Close()
			return nil, snapshot.NewSourceError(err, "reading csv header %s", s.Path)
		}
	}
	return &csvRows{
		path: s.Path,
		r:    r,
		f:    f,
		cols: cols,
	}, nil
}

func (s *CSVSource) newReader(f *os.File) *csv.Reader {
	r := csv.NewReader(f)
	if s.Comma != 0 {
		r.Comma = s.Comma
	}
	return r
}

// columnNames reads the header record, or in the NoHeader case probes the
// first data record for width and synthesizes names. The probe record is
// returned so inference can observe it.
func (s *CSVSource) columnNames(r *csv.Reader) ([]string, []string, error) {
	rec, err := r.Read()
	if err == io.EOF {
		return nil, nil, snapshot.NewSourceError(nil, "csv %s is empty", s.Path)
	}
	if err != nil {
		return nil, nil, snapshot.NewSourceError(err, "reading csv header %s", s.Path)
	}
	if !s.NoHeader {
		names := make([]string, len(rec))
		copy(names, rec)
		return names, nil, nil
	}
	names := make([]string, len(rec))
	for i := range rec {
		names[i] = "c" + strconv.Itoa(i)
	}
	return names, rec, nil
}

type csvRows struct {
	path string
	r    *csv.Reader
	f    *os.File
	cols []snapshot.ColumnSchema
	n    uint64
}

func (c *csvRows) Next() ([]interface{}, error) {
	rec, err := c.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, snapshot.NewSourceError(err, "reading csv %s row %d", c.path, c.n)
	}
	row := make([]interface{}, len(c.cols))
	for i, col := range c.cols {
		v, err := convertField(rec[i], col.Type)
		if err != nil {
			return nil, snapshot.NewSourceError(err, "csv %s row %d column %q", c.path, c.n, col.Name)
		}
		row[i] = v
	}
	c.n++
	return row, nil
}

func (c *csvRows) Close() error {
	return c.f.Close()
}

func convertField(v string, t snapshot.ColumnType) (interface{}, error) {
	if v == "" {
		return nil, nil
	}
	switch t {
	case snapshot.TypeInteger:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		return i, nil
	case snapshot.TypeFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case snapshot.TypeBool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	case snapshot.TypeTimestamp:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, nil
		}
		ts, err := time.Parse(dateOnly, v)
		if err != nil {
			return nil, err
		}
		return ts, nil
	case snapshot.TypeString:
		return v, nil
	}
	return nil, fmt.Errorf("type %s is not representable in csv", t)
}

// inference accumulates what a column's sampled values still parse as.
type inference struct {
	sawValue bool
	sawEmpty bool
	notInt   bool
	notFloat bool
	notBool  bool
	notTime  bool
}

func (f *inference) observe(v string) {
	if v == "" {
		f.sawEmpty = true
		return
	}
	f.sawValue = true
	if _, err := strconv.ParseInt(v, 10, 64); err != nil {
		f.notInt = true
	}
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		f.notFloat = true
	}
	if _, err := strconv.ParseBool(v); err != nil {
		f.notBool = true
	}
	if !timeParses(v) {
		f.notTime = true
	}
}

func timeParses(v string) bool {
	if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return true
	}
	_, err := time.Parse(dateOnly, v)
	return err == nil
}

func (f *inference) columnType() snapshot.ColumnType {
	if !f.sawValue {
		return snapshot.TypeString
	}
	switch {
	case !f.notInt:
		return snapshot.TypeInteger
	case !f.notFloat:
		return snapshot.TypeFloat
	case !f.notBool:
		return snapshot.TypeBool
	case !f.notTime:
		return snapshot.TypeTimestamp
	}
	return snapshot.TypeString
}
