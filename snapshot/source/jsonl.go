package source

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// EncodeRow writes one row as a JSON array on its own line, the rows.jsonl
// wire form. Timestamps are rendered RFC3339Nano in UTC, binary values as
// base64 (encoding/json's []byte form).
func EncodeRow(w io.Writer, vals []interface{}) error {
	enc := make([]interface{}, len(vals))
	for i, v := range vals {
		if t, ok := v.(time.Time); ok {
			enc[i] = t.UTC().Format(time.RFC3339Nano)
		} else {
			enc[i] = v
		}
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// JSONLRows decodes a rows.jsonl stream back into typed values using the
// snapshot's schema. It reads a stored artifact, so failures are IoErrors.
type JSONLRows struct {
	dec  *json.Decoder
	src  io.Reader
	cols []snapshot.ColumnSchema
	n    uint64
}

func MakeJSONLRows(r io.Reader, cols []snapshot.ColumnSchema) *JSONLRows {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &JSONLRows{
		dec:  dec,
		src:  r,
		cols: cols,
	}
}

func (j *JSONLRows) Next() ([]interface{}, error) {
	var raw []interface{}
	if err := j.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, snapshot.NewIoError(err, "decoding row %d", j.n)
	}
	if len(raw) != len(j.cols) {
		return nil, snapshot.NewIoError(nil, "row %d has %d values, schema has %d columns", j.n, len(raw), len(j.cols))
	}
	row := make([]interface{}, len(raw))
	for i, v := range raw {
		typed, err := decodeValue(v, j.cols[i].Type)
		if err != nil {
			return nil, snapshot.NewIoError(err, "row %d column %q", j.n, j.cols[i].Name)
		}
		row[i] = typed
	}
	j.n++
	return row, nil
}

// Close closes the underlying reader when it is closeable.
func (j *JSONLRows) Close() error {
	if c, ok := j.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func decodeValue(v interface{}, t snapshot.ColumnType) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t != snapshot.TypeBool {
			return nil, snapshot.NewIoError(nil, "bool value in %s column", t)
		}
		return x, nil
	case json.Number:
		switch t {
		case snapshot.TypeInteger:
			return x.Int64()
		case snapshot.TypeFloat:
			return x.Float64()
		}
		return nil, snapshot.NewIoError(nil, "numeric value in %s column", t)
	case string:
		switch t {
		case snapshot.TypeString:
			return x, nil
		case snapshot.TypeTimestamp:
			return time.Parse(time.RFC3339Nano, x)
		case snapshot.TypeBinary:
			return base64.StdEncoding.DecodeString(x)
		}
		return nil, snapshot.NewIoError(nil, "string value in %s column", t)
	}
	return nil, snapshot.NewIoError(nil, "unsupported JSON value type %T", v)
}
