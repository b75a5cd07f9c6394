package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
)

func testColumns() []snapshot.ColumnSchema {
	return []snapshot.ColumnSchema{
		{Name: "id", Type: snapshot.TypeInteger, Position: 0},
		{Name: "name", Type: snapshot.TypeString, Nullable: true, Position: 1},
	}
}

// makePut assembles a complete Put for the given rows, hashing and
// encoding them the way the snapshot creator does.
func makePut(t *testing.T, tag string, rows [][]interface{}) *Put {
	t.Helper()
	cols := testColumns()
	builder := snapshot.NewIndexBuilder()
	agg := hash.NewAggregate()
	var buf bytes.Buffer
	for _, row := range rows {
		cells := make([]hash.Digest, len(row))
		for i, v := range row {
			cells[i] = hash.Cell(v)
		}
		rowDigest := hash.Row(cells)
		builder.Add(rowDigest)
		agg.Add(rowDigest)
		if err := source.EncodeRow(&buf, row); err != nil {
			t.Fatalf("encoding row: %v", err)
		}
	}
	return &Put{
		Meta: snapshot.Meta{
			Tag:             tag,
			SchemaDigest:    snapshot.SchemaDigest(cols),
			AggregateDigest: agg.Sum(),
		},
		Columns: cols,
		Index:   builder.Build(),
		Rows:    bytes.NewReader(buf.Bytes()),
	}
}

func TestFileBackendPutGet(t *testing.T) {
	backend, err := MakeFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()

	rows := [][]interface{}{
		{int64(1), "alpha"},
		{int64(2), nil},
	}
	meta, err := backend.PutSnapshot(ctx, "ws", "orders", makePut(t, "v1", rows))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", meta.Seq)
	}
	if !meta.ID.Valid() {
		t.Fatalf("invalid id: %q", meta.ID)
	}
	if meta.Workspace != "ws" || meta.Dataset != "orders" || meta.Tag != "v1" {
		t.Fatalf("meta not completed: %+v", meta)
	}
	if meta.RowCount != 2 || meta.FormatVersion != snapshot.FormatVersion {
		t.Fatalf("unexpected row count or version: %+v", meta)
	}
	if meta.CreatedAt.IsZero() {
		t.Fatalf("created_at not assigned")
	}

	snap, err := backend.GetSnapshot(ctx, "ws", "orders", meta.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Meta.ID != meta.ID || snap.Meta.Seq != 1 || snap.Meta.Tag != "v1" {
		t.Fatalf("manifest mismatch: %+v", snap.Meta)
	}
	if !snap.Meta.CreatedAt.Equal(meta.CreatedAt) {
		t.Fatalf("created_at changed across roundtrip: %v vs %v", snap.Meta.CreatedAt, meta.CreatedAt)
	}
	if len(snap.Columns) != 2 || snap.Columns[1].Name != "name" {
		t.Fatalf("columns mismatch: %+v", snap.Columns)
	}
	if snap.Index.Len() != 2 {
		t.Fatalf("expected 2 index entries, got %d", snap.Index.Len())
	}

	rc, err := backend.OpenRows(ctx, "ws", "orders", meta.ID)
	if err != nil {
		t.Fatalf("open rows: %v", err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading rows: %v", err)
	}
	lines := strings.Count(string(payload), "\n")
	if lines != 2 {
		t.Fatalf("expected 2 row lines, got %d", lines)
	}

	meta2, err := backend.PutSnapshot(ctx, "ws", "orders", makePut(t, "", rows[:1]))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if meta2.Seq != 2 || meta2.ID == meta.ID {
		t.Fatalf("expected new seq and id, got %+v", meta2)
	}

	metas, err := backend.ListSnapshots(ctx, "ws", "orders")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 2 || metas[0].Seq != 1 || metas[1].Seq != 2 {
		t.Fatalf("unexpected history order: %+v", metas)
	}

	ok, err := backend.Exists(ctx, "ws", "orders", meta.ID)
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
}

func TestFileBackendVisibilityRequiresHistory(t *testing.T) {
	backend, err := MakeFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()

	meta, err := backend.PutSnapshot(ctx, "ws", "ds", makePut(t, "", [][]interface{}{{int64(1), "a"}}))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// A snapshot directory with no history record must stay invisible.
	orphan := snapshot.ID("snap-00000000deadbeef")
	orphanDir := filepath.Join(backend.Root(), "ws", "ds", "snapshots", string(orphan))
	if err := os.MkdirAll(orphanDir, 0777); err != nil {
		t.Fatalf("creating orphan dir: %v", err)
	}

	if ok, err := backend.Exists(ctx, "ws", "ds", orphan); err != nil || ok {
		t.Fatalf("orphan should not exist: ok=%v err=%v", ok, err)
	}
	if _, err := backend.GetSnapshot(ctx, "ws", "ds", orphan); !snapshot.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for orphan, got %v", err)
	}
	if _, err := backend.OpenRows(ctx, "ws", "ds", orphan); !snapshot.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for orphan rows, got %v", err)
	}

	metas, err := backend.ListSnapshots(ctx, "ws", "ds")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != meta.ID {
		t.Fatalf("expected only committed snapshot, got %+v", metas)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestFileBackendRollbackOnRowsError(t *testing.T) {
	backend, err := MakeFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()

	put := makePut(t, "", [][]interface{}{{int64(1), "a"}})
	put.Rows = errReader{err: fmt.Errorf("disk on fire")}
	if _, err := backend.PutSnapshot(ctx, "ws", "ds", put); err == nil {
		t.Fatalf("expected error from failing rows reader")
	}

	metas, err := backend.ListSnapshots(ctx, "ws", "ds")
	if err != nil {
		t.Fatalf("list after failed put: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("failed put left visible snapshots: %+v", metas)
	}
	entries, err := os.ReadDir(filepath.Join(backend.Root(), "ws", "ds", "snapshots"))
	if err != nil {
		t.Fatalf("reading snapshots dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed put left artifacts behind: %v", entries)
	}
}

func TestFileBackendValidation(t *testing.T) {
	backend, err := MakeFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()
	good := func() *Put { return makePut(t, "", [][]interface{}{{int64(1), "a"}}) }

	if _, err := backend.PutSnapshot(ctx, "..", "ds", good()); err == nil {
		t.Fatalf("expected error for workspace '..'")
	}
	if _, err := backend.PutSnapshot(ctx, "ws", "has space", good()); err == nil {
		t.Fatalf("expected error for dataset with space")
	}

	put := good()
	put.Rows = nil
	if _, err := backend.PutSnapshot(ctx, "ws", "ds", put); err == nil {
		t.Fatalf("expected error for missing rows")
	}

	put = good()
	put.Columns = []snapshot.ColumnSchema{
		{Name: "a", Type: snapshot.TypeInteger, Position: 0},
		{Name: "a", Type: snapshot.TypeInteger, Position: 1},
	}
	if _, err := backend.PutSnapshot(ctx, "ws", "ds", put); err == nil {
		t.Fatalf("expected error for duplicate column")
	}

	if _, err := backend.GetSnapshot(ctx, "ws", "nope", "snap-0011223344556677"); !snapshot.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing dataset, got %v", err)
	}
}

func TestFileBackendConcurrentPuts(t *testing.T) {
	backend, err := MakeFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rows := [][]interface{}{{int64(n), fmt.Sprintf("writer-%d", n)}}
			if _, err := backend.PutSnapshot(ctx, "ws", "shared", makePut(t, "", rows)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent put failed: %v", err)
	}

	metas, err := backend.ListSnapshots(ctx, "ws", "shared")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != writers {
		t.Fatalf("expected %d snapshots, got %d", writers, len(metas))
	}
	seen := map[snapshot.ID]bool{}
	for i, m := range metas {
		if m.Seq != uint64(i+1) {
			t.Fatalf("seq gap at %d: %+v", i, m)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate id %v", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestFileBackendListDatasets(t *testing.T) {
	backend, err := MakeFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ctx := context.Background()

	row := [][]interface{}{{int64(1), "a"}}
	if _, err := backend.PutSnapshot(ctx, "ws", "zebra", makePut(t, "", row)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := backend.PutSnapshot(ctx, "ws", "apple", makePut(t, "", row)); err != nil {
		t.Fatalf("put: %v", err)
	}
	last, err := backend.PutSnapshot(ctx, "ws", "apple", makePut(t, "v2", row))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := backend.PutSnapshot(ctx, "other", "pear", makePut(t, "", row)); err != nil {
		t.Fatalf("put: %v", err)
	}

	infos, err := backend.ListDatasets(ctx, "ws")
	if err != nil {
		t.Fatalf("list datasets: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "apple" || infos[1].Name != "zebra" {
		t.Fatalf("unexpected datasets: %+v", infos)
	}
	if infos[0].Snapshots != 2 || infos[0].Latest == nil || infos[0].Latest.ID != last.ID {
		t.Fatalf("unexpected apple info: %+v", infos[0])
	}

	if _, err := backend.ListDatasets(ctx, "missing"); !snapshot.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
