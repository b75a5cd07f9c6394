package diff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine/sqlengine"
	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
)

func col(name string, typ snapshot.ColumnType, pos int) snapshot.ColumnSchema {
	return snapshot.ColumnSchema{Name: name, Type: typ, Nullable: true, Position: pos}
}

// makeSide builds a fully hashed in-memory snapshot over literal rows,
// with a row opener that replays the rows as stored JSON lines.
func makeSide(t *testing.T, seq uint64, cols []snapshot.ColumnSchema, rows [][]interface{}) Side {
	t.Helper()
	if err := snapshot.ValidateSchema(cols); err != nil {
		t.Fatalf("bad test schema: %v", err)
	}
	builder := snapshot.NewIndexBuilder()
	agg := hash.NewAggregate()
	var buf bytes.Buffer
	for _, row := range rows {
		if len(row) != len(cols) {
			t.Fatalf("test row has %d values, schema has %d columns", len(row), len(cols))
		}
		cells := make([]hash.Digest, len(row))
		for i, v := range row {
			cells[i] = hash.Cell(v)
		}
		d := hash.Row(cells)
		builder.Add(d)
		agg.Add(d)
		if err := source.EncodeRow(&buf, row); err != nil {
			t.Fatalf("encoding test row: %v", err)
		}
	}
	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	meta := snapshot.Meta{
		Workspace:       "ws",
		Dataset:         "ds",
		Seq:             seq,
		CreatedAt:       createdAt,
		SchemaDigest:    snapshot.SchemaDigest(cols),
		AggregateDigest: agg.Sum(),
		RowCount:        uint64(len(rows)),
		FormatVersion:   snapshot.FormatVersion,
	}
	meta.ID = snapshot.MakeID(meta.AggregateDigest, meta.SchemaDigest, meta.Dataset, seq, createdAt)
	data := buf.Bytes()
	return Side{
		Snap: &snapshot.Snapshot{Meta: meta, Columns: cols, Index: builder.Build()},
		Rows: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func mustDiffer(t *testing.T) *Differ {
	t.Helper()
	eng, err := sqlengine.New()
	if err != nil {
		t.Fatalf("sqlengine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return MakeDiffer(eng, stats.NilStatsReceiver())
}

func TestDiffSelfEmpty(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("name", snapshot.TypeString, 1),
	}
	s := makeSide(t, 1, cols, [][]interface{}{
		{int64(1), "a"},
		{int64(2), "b"},
	})

	// A nil engine proves equal aggregates skip all row work, even with
	// a key and value fetching requested.
	d := MakeDiffer(nil, stats.NilStatsReceiver())
	res, err := d.Diff(context.Background(), s, s, Options{Key: []string{"id"}, FetchValues: true})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("self diff is not empty: %+v", res)
	}
	if res.Base != s.Snap.Meta.ID || res.Target != s.Snap.Meta.ID {
		t.Fatalf("result ids = %s / %s, want %s", res.Base, res.Target, s.Snap.Meta.ID)
	}
}

func TestDiffSchemaChanges(t *testing.T) {
	base := makeSide(t, 1, []snapshot.ColumnSchema{
		col("a", snapshot.TypeInteger, 0),
		col("b", snapshot.TypeString, 1),
		col("c", snapshot.TypeFloat, 2),
		col("d", snapshot.TypeInteger, 3),
	}, nil)
	target := makeSide(t, 2, []snapshot.ColumnSchema{
		col("a", snapshot.TypeInteger, 0),
		col("b", snapshot.TypeInteger, 1),
		col("e", snapshot.TypeString, 2),
	}, nil)

	d := MakeDiffer(nil, stats.NilStatsReceiver())
	res, err := d.Diff(context.Background(), base, target, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Schema.Added) != 1 || res.Schema.Added[0].Name != "e" {
		t.Fatalf("added = %+v, want just e", res.Schema.Added)
	}
	if len(res.Schema.Removed) != 2 || res.Schema.Removed[0].Name != "c" || res.Schema.Removed[1].Name != "d" {
		t.Fatalf("removed = %+v, want c then d", res.Schema.Removed)
	}
	if len(res.Schema.TypeChanged) != 1 {
		t.Fatalf("type changed = %+v, want just b", res.Schema.TypeChanged)
	}
	tc := res.Schema.TypeChanged[0]
	if tc.Name != "b" || tc.From != snapshot.TypeString || tc.To != snapshot.TypeInteger {
		t.Fatalf("type change = %+v", tc)
	}
	if len(res.Column.Reordered) != 0 || len(res.Column.Renamed) != 0 {
		t.Fatalf("column diff = %+v, want empty", res.Column)
	}
}

func TestDiffColumnReorder(t *testing.T) {
	base := makeSide(t, 1, []snapshot.ColumnSchema{
		col("a", snapshot.TypeInteger, 0),
		col("b", snapshot.TypeString, 1),
	}, nil)
	target := makeSide(t, 2, []snapshot.ColumnSchema{
		col("b", snapshot.TypeString, 0),
		col("a", snapshot.TypeInteger, 1),
	}, nil)

	d := MakeDiffer(nil, stats.NilStatsReceiver())
	res, err := d.Diff(context.Background(), base, target, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	want := []snapshot.ColumnMove{
		{Name: "a", From: 0, To: 1},
		{Name: "b", From: 1, To: 0},
	}
	if !reflect.DeepEqual(res.Column.Reordered, want) {
		t.Fatalf("reordered = %+v, want %+v", res.Column.Reordered, want)
	}
	if len(res.Schema.Added)+len(res.Schema.Removed)+len(res.Schema.TypeChanged) != 0 {
		t.Fatalf("schema diff = %+v, want empty", res.Schema)
	}
}

func TestDiffRenameDetection(t *testing.T) {
	base := makeSide(t, 1, []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("fullname", snapshot.TypeString, 1),
	}, nil)
	target := makeSide(t, 2, []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("display_name", snapshot.TypeString, 1),
	}, nil)
	d := MakeDiffer(nil, stats.NilStatsReceiver())

	// Default: a name change is a remove plus an add.
	res, err := d.Diff(context.Background(), base, target, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Schema.Added) != 1 || len(res.Schema.Removed) != 1 || len(res.Column.Renamed) != 0 {
		t.Fatalf("default diff = %+v / %+v", res.Schema, res.Column)
	}

	res, err = d.Diff(context.Background(), base, target, Options{DetectRenames: true})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Schema.Added) != 0 || len(res.Schema.Removed) != 0 {
		t.Fatalf("rename left schema churn: %+v", res.Schema)
	}
	want := snapshot.Rename{From: "fullname", To: "display_name", Type: snapshot.TypeString, Position: 1}
	if len(res.Column.Renamed) != 1 || res.Column.Renamed[0] != want {
		t.Fatalf("renamed = %+v, want %+v", res.Column.Renamed, want)
	}

	// A type mismatch at the same position is not a rename.
	target = makeSide(t, 3, []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("display_name", snapshot.TypeInteger, 1),
	}, nil)
	res, err = d.Diff(context.Background(), base, target, Options{DetectRenames: true})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Column.Renamed) != 0 || len(res.Schema.Added) != 1 || len(res.Schema.Removed) != 1 {
		t.Fatalf("type-mismatched rename detected: %+v / %+v", res.Schema, res.Column)
	}
}

func intRows(vals ...int64) [][]interface{} {
	rows := make([][]interface{}, len(vals))
	for i, v := range vals {
		rows[i] = []interface{}{v}
	}
	return rows
}

func TestDiffRowsAddedRemoved(t *testing.T) {
	cols := []snapshot.ColumnSchema{col("x", snapshot.TypeInteger, 0)}
	base := makeSide(t, 1, cols, intRows(1, 2, 3))
	target := makeSide(t, 2, cols, intRows(2, 3, 4))

	d := MakeDiffer(nil, stats.NilStatsReceiver())
	res, err := d.Diff(context.Background(), base, target, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Rows.Removed) != 1 || res.Rows.Removed[0].Position != 0 {
		t.Fatalf("removed = %+v, want row 0", res.Rows.Removed)
	}
	if res.Rows.Removed[0].Fingerprint != base.Snap.Index.Entries[0].Fingerprint {
		t.Fatalf("removed fingerprint does not match the base index")
	}
	if len(res.Rows.Added) != 1 || res.Rows.Added[0].Position != 2 {
		t.Fatalf("added = %+v, want row 2", res.Rows.Added)
	}
	if len(res.Rows.Modified) != 0 {
		t.Fatalf("modified = %+v, want none", res.Rows.Modified)
	}
}

func TestDiffDuplicateRows(t *testing.T) {
	cols := []snapshot.ColumnSchema{col("x", snapshot.TypeInteger, 0)}
	three := makeSide(t, 1, cols, intRows(5, 5, 5))
	two := makeSide(t, 2, cols, intRows(5, 5))

	d := MakeDiffer(nil, stats.NilStatsReceiver())
	res, err := d.Diff(context.Background(), three, two, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Rows.Added) != 0 {
		t.Fatalf("added = %+v, want none", res.Rows.Added)
	}
	if len(res.Rows.Removed) != 1 {
		t.Fatalf("removed = %+v, want exactly one copy", res.Rows.Removed)
	}
	fp := res.Rows.Removed[0].Fingerprint
	if fp.Occurrence != 2 || res.Rows.Removed[0].Position != 2 {
		t.Fatalf("removed the wrong copy: %+v", res.Rows.Removed[0])
	}

	res, err = d.Diff(context.Background(), two, three, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Rows.Removed) != 0 || len(res.Rows.Added) != 1 || res.Rows.Added[0].Fingerprint.Occurrence != 2 {
		t.Fatalf("reverse diff = %+v", res.Rows)
	}
}

func TestDiffRowReorderIsEmpty(t *testing.T) {
	cols := []snapshot.ColumnSchema{col("x", snapshot.TypeInteger, 0)}
	base := makeSide(t, 1, cols, intRows(1, 2))
	target := makeSide(t, 2, cols, intRows(2, 1))
	if base.Snap.Meta.AggregateDigest == target.Snap.Meta.AggregateDigest {
		t.Fatalf("aggregate digest ignores row order; reorder test is vacuous")
	}

	d := MakeDiffer(nil, stats.NilStatsReceiver())
	res, err := d.Diff(context.Background(), base, target, Options{})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("reordered rows diffed as %+v", res.Rows)
	}
}

func TestDiffKeyedModifiedRows(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("name", snapshot.TypeString, 1),
		col("score", snapshot.TypeFloat, 2),
	}
	base := makeSide(t, 1, cols, [][]interface{}{
		{int64(1), "alice", 1.5},
		{int64(2), "bob", 2.0},
		{int64(3), "carol", 3.0},
	})
	target := makeSide(t, 2, cols, [][]interface{}{
		{int64(1), "alice", 1.5},
		{int64(2), "bob", 2.5},
		{int64(4), "dave", 4.0},
	})

	d := mustDiffer(t)
	res, err := d.Diff(context.Background(), base, target, Options{Key: []string{"id"}})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if len(res.Rows.Modified) != 1 {
		t.Fatalf("modified = %+v, want exactly bob", res.Rows.Modified)
	}
	mod := res.Rows.Modified[0]
	if !reflect.DeepEqual(mod.Key, []interface{}{int64(2)}) {
		t.Fatalf("modified key = %+v", mod.Key)
	}
	if mod.BasePosition != 1 || mod.TargetPosition != 1 {
		t.Fatalf("modified positions = %d / %d", mod.BasePosition, mod.TargetPosition)
	}
	if mod.BaseFingerprint != base.Snap.Index.Entries[1].Fingerprint {
		t.Fatalf("modified base fingerprint does not match the index")
	}
	if len(mod.Cells) != 1 {
		t.Fatalf("cells = %+v, want just score", mod.Cells)
	}
	cell := mod.Cells[0]
	if cell.Column != "score" || cell.Old != interface{}(2.0) || cell.New != interface{}(2.5) {
		t.Fatalf("cell change = %+v", cell)
	}

	if len(res.Rows.Removed) != 1 || res.Rows.Removed[0].Position != 2 {
		t.Fatalf("removed = %+v, want carol at 2", res.Rows.Removed)
	}
	if len(res.Rows.Added) != 1 || res.Rows.Added[0].Position != 2 {
		t.Fatalf("added = %+v, want dave at 2", res.Rows.Added)
	}
}

func TestDiffKeyedDuplicateKeysDegrade(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("v", snapshot.TypeString, 1),
	}
	base := makeSide(t, 1, cols, [][]interface{}{
		{int64(1), "x"},
		{int64(1), "y"},
		{int64(2), "keep"},
	})
	target := makeSide(t, 2, cols, [][]interface{}{
		{int64(1), "z"},
		{int64(2), "keep"},
	})

	d := mustDiffer(t)
	res, err := d.Diff(context.Background(), base, target, Options{Key: []string{"id"}})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Rows.Modified) != 0 {
		t.Fatalf("duplicated key paired anyway: %+v", res.Rows.Modified)
	}
	if len(res.Rows.Removed) != 2 || len(res.Rows.Added) != 1 {
		t.Fatalf("rows = %+v, want 2 removed and 1 added", res.Rows)
	}
}

func TestDiffKeyedNullKeysNeverMatch(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("v", snapshot.TypeString, 1),
	}
	base := makeSide(t, 1, cols, [][]interface{}{{nil, "x"}})
	target := makeSide(t, 2, cols, [][]interface{}{{nil, "y"}})

	d := mustDiffer(t)
	res, err := d.Diff(context.Background(), base, target, Options{Key: []string{"id"}})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Rows.Modified) != 0 {
		t.Fatalf("null keys paired: %+v", res.Rows.Modified)
	}
	if len(res.Rows.Removed) != 1 || len(res.Rows.Added) != 1 {
		t.Fatalf("rows = %+v, want 1 removed and 1 added", res.Rows)
	}
}

func TestDiffKeyValidation(t *testing.T) {
	intCols := []snapshot.ColumnSchema{col("id", snapshot.TypeInteger, 0)}
	base := makeSide(t, 1, intCols, nil)

	d := MakeDiffer(nil, stats.NilStatsReceiver())
	_, err := d.Diff(context.Background(), base, base, Options{Key: []string{"nope"}})
	if !snapshot.IsIncompatibleSchema(err) {
		t.Fatalf("missing key column error = %v", err)
	}

	strCols := []snapshot.ColumnSchema{col("id", snapshot.TypeString, 0)}
	target := makeSide(t, 2, strCols, nil)
	_, err = d.Diff(context.Background(), base, target, Options{Key: []string{"id"}})
	if !snapshot.IsIncompatibleSchema(err) {
		t.Fatalf("type-changed key column error = %v", err)
	}
}

func TestDiffFetchValues(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		col("x", snapshot.TypeInteger, 0),
		col("y", snapshot.TypeString, 1),
	}
	base := makeSide(t, 1, cols, [][]interface{}{{int64(1), "a"}})
	target := makeSide(t, 2, cols, [][]interface{}{{int64(2), "b"}})

	d := mustDiffer(t)
	res, err := d.Diff(context.Background(), base, target, Options{FetchValues: true})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Rows.Removed) != 1 || !reflect.DeepEqual(res.Rows.Removed[0].Values, []interface{}{int64(1), "a"}) {
		t.Fatalf("removed values = %+v", res.Rows.Removed)
	}
	if len(res.Rows.Added) != 1 || !reflect.DeepEqual(res.Rows.Added[0].Values, []interface{}{int64(2), "b"}) {
		t.Fatalf("added values = %+v", res.Rows.Added)
	}
}

func TestDiffKeyedTypeChangedCell(t *testing.T) {
	base := makeSide(t, 1, []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("score", snapshot.TypeInteger, 1),
	}, [][]interface{}{{int64(1), int64(10)}})
	target := makeSide(t, 2, []snapshot.ColumnSchema{
		col("id", snapshot.TypeInteger, 0),
		col("score", snapshot.TypeString, 1),
	}, [][]interface{}{{int64(1), "10"}})

	d := mustDiffer(t)
	res, err := d.Diff(context.Background(), base, target, Options{Key: []string{"id"}})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(res.Schema.TypeChanged) != 1 || res.Schema.TypeChanged[0].Name != "score" {
		t.Fatalf("type changed = %+v", res.Schema.TypeChanged)
	}
	if len(res.Rows.Modified) != 1 || len(res.Rows.Modified[0].Cells) != 1 {
		t.Fatalf("modified = %+v", res.Rows.Modified)
	}
	cell := res.Rows.Modified[0].Cells[0]
	if _, ok := cell.Old.(int64); !ok {
		t.Fatalf("old value = %T(%v), want int64", cell.Old, cell.Old)
	}
	if _, ok := cell.New.(string); !ok {
		t.Fatalf("new value = %T(%v), want string", cell.New, cell.New)
	}
}

func TestDiffEngineErrorSurfaced(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	eng := engine.NewMockEngine(mockCtrl)
	eng.EXPECT().Mount(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("mount exploded"))

	cols := []snapshot.ColumnSchema{col("id", snapshot.TypeInteger, 0)}
	base := makeSide(t, 1, cols, intRows(1))
	target := makeSide(t, 2, cols, intRows(2))

	d := MakeDiffer(eng, stats.NilStatsReceiver())
	_, err := d.Diff(context.Background(), base, target, Options{Key: []string{"id"}})
	var engineErr snapshot.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("engine failure surfaced as %v", err)
	}
}

func TestDiffCancelled(t *testing.T) {
	cols := []snapshot.ColumnSchema{col("id", snapshot.TypeInteger, 0)}
	base := makeSide(t, 1, cols, intRows(1))
	target := makeSide(t, 2, cols, intRows(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := mustDiffer(t)
	if _, err := d.Diff(ctx, base, target, Options{Key: []string{"id"}}); err == nil {
		t.Fatalf("cancelled diff succeeded")
	}
}
