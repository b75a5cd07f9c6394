package store

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// countingBackend counts reads that reach the underlying store.
type countingBackend struct {
	Backend
	gets     int64
	rowReads int64
}

func (c *countingBackend) GetSnapshot(ctx context.Context, workspace, dataset string, id snapshot.ID) (*snapshot.Snapshot, error) {
	atomic.AddInt64(&c.gets, 1)
	return c.Backend.GetSnapshot(ctx, workspace, dataset, id)
}

func (c *countingBackend) OpenRows(ctx context.Context, workspace, dataset string, id snapshot.ID) (io.ReadCloser, error) {
	atomic.AddInt64(&c.rowReads, 1)
	return c.Backend.OpenRows(ctx, workspace, dataset, id)
}

// Groupcache registers group names and the HTTP pool globally, so all
// cached backend coverage lives in this one test.
func TestCachedBackend(t *testing.T) {
	underlying := &countingBackend{Backend: MakeFakeBackend()}
	cached, handler, err := MakeCachedBackend(underlying, &GroupcacheConfig{
		Name:        "test-cache",
		MemoryBytes: 1 << 20,
		AddrSelf:    "127.0.0.1:9999",
		Endpoint:    "/_gc/",
	}, stats.NilStatsReceiver())
	if err != nil {
		t.Fatalf("creating cached backend: %v", err)
	}
	if handler == nil {
		t.Fatalf("expected peer handler")
	}
	ctx := context.Background()

	rows := [][]interface{}{{int64(1), "a"}, {int64(2), "b"}}
	meta, err := cached.PutSnapshot(ctx, "ws", "ds", makePut(t, "v1", rows))
	if err != nil {
		t.Fatalf("put through cache: %v", err)
	}

	for i := 0; i < 3; i++ {
		snap, err := cached.GetSnapshot(ctx, "ws", "ds", meta.ID)
		if err != nil {
			t.Fatalf("cached get %d: %v", i, err)
		}
		if snap.Meta.ID != meta.ID || snap.Index.Len() != 2 || len(snap.Columns) != 2 {
			t.Fatalf("cached snapshot mismatch: %+v", snap.Meta)
		}
	}
	if n := atomic.LoadInt64(&underlying.gets); n != 1 {
		t.Fatalf("expected a single underlying get, saw %d", n)
	}

	var first []byte
	for i := 0; i < 2; i++ {
		rc, err := cached.OpenRows(ctx, "ws", "ds", meta.ID)
		if err != nil {
			t.Fatalf("cached rows %d: %v", i, err)
		}
		payload, _ := io.ReadAll(rc)
		rc.Close()
		if i == 0 {
			first = payload
		} else if string(first) != string(payload) {
			t.Fatalf("row payload changed between cached reads")
		}
	}
	if n := atomic.LoadInt64(&underlying.rowReads); n != 1 {
		t.Fatalf("expected a single underlying row read, saw %d", n)
	}

	if ok, err := cached.Exists(ctx, "ws", "ds", meta.ID); err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
	if ok, err := cached.Exists(ctx, "ws", "ds", "snap-ffffffffffffffff"); err != nil || ok {
		t.Fatalf("absent id should not exist: ok=%v err=%v", ok, err)
	}

	metas, err := cached.ListSnapshots(ctx, "ws", "ds")
	if err != nil || len(metas) != 1 {
		t.Fatalf("list through cache: %+v err=%v", metas, err)
	}
	if cached.Root() != underlying.Root() {
		t.Fatalf("root should delegate")
	}
}
