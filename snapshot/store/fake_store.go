package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// Implements Backend. FakeBackend keeps snapshots in memory, assigning
// seq and id the same way FileBackend does.
type FakeBackend struct {
	mu       sync.Mutex
	datasets map[string]*fakeDataset
}

type fakeDataset struct {
	history []snapshot.ID
	snaps   map[snapshot.ID]*fakeSnapshot
}

type fakeSnapshot struct {
	manifest Manifest
	index    *snapshot.RowIndex
	rows     []byte
}

func MakeFakeBackend() *FakeBackend {
	return &FakeBackend{datasets: make(map[string]*fakeDataset)}
}

func (f *FakeBackend) Root() string { return "fake" }

func (f *FakeBackend) PutSnapshot(ctx context.Context, workspace, dataset string, put *Put) (snapshot.Meta, error) {
	var none snapshot.Meta
	if err := ValidateName("workspace", workspace); err != nil {
		return none, err
	}
	if err := ValidateName("dataset", dataset); err != nil {
		return none, err
	}
	if err := snapshot.ValidateSchema(put.Columns); err != nil {
		return none, err
	}
	if put.Index == nil || put.Rows == nil {
		return none, snapshot.NewIoError(nil, "put for %s/%s is missing artifacts", workspace, dataset)
	}
	rows, err := io.ReadAll(put.Rows)
	if err != nil {
		return none, snapshot.NewIoError(err, "reading rows for %s/%s", workspace, dataset)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspace + "/" + dataset
	ds := f.datasets[key]
	if ds == nil {
		ds = &fakeDataset{snaps: make(map[snapshot.ID]*fakeSnapshot)}
		f.datasets[key] = ds
	}

	meta := put.Meta
	meta.Workspace = workspace
	meta.Dataset = dataset
	meta.Seq = uint64(len(ds.history)) + 1
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.FormatVersion = snapshot.FormatVersion
	meta.RowCount = uint64(put.Index.Len())
	meta.ID = snapshot.MakeID(meta.AggregateDigest, meta.SchemaDigest, dataset, meta.Seq, meta.CreatedAt)

	ds.snaps[meta.ID] = &fakeSnapshot{
		manifest: Manifest{Meta: meta, Columns: put.Columns},
		index:    put.Index,
		rows:     rows,
	}
	ds.history = append(ds.history, meta.ID)
	return meta, nil
}

func (f *FakeBackend) GetSnapshot(ctx context.Context, workspace, dataset string, id snapshot.ID) (*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup(workspace, dataset, id)
	if err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{
		Meta:    snap.manifest.Meta,
		Columns: snap.manifest.Columns,
		Index:   snap.index,
	}, nil
}

func (f *FakeBackend) ListSnapshots(ctx context.Context, workspace, dataset string) ([]snapshot.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, err := f.dataset(workspace, dataset)
	if err != nil {
		return nil, err
	}
	metas := make([]snapshot.Meta, 0, len(ds.history))
	for _, id := range ds.history {
		metas = append(metas, ds.snaps[id].manifest.Meta)
	}
	return metas, nil
}

func (f *FakeBackend) Exists(ctx context.Context, workspace, dataset string, id snapshot.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.datasets[workspace+"/"+dataset]
	if ds == nil {
		return false, nil
	}
	_, ok := ds.snaps[id]
	return ok, nil
}

func (f *FakeBackend) OpenRows(ctx context.Context, workspace, dataset string, id snapshot.ID) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup(workspace, dataset, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(snap.rows)), nil
}

func (f *FakeBackend) ListDatasets(ctx context.Context, workspace string) ([]DatasetInfo, error) {
	if err := ValidateName("workspace", workspace); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var infos []DatasetInfo
	for key, ds := range f.datasets {
		if len(key) <= len(workspace)+1 || key[:len(workspace)+1] != workspace+"/" {
			continue
		}
		info := DatasetInfo{Name: key[len(workspace)+1:], Snapshots: len(ds.history)}
		if len(ds.history) > 0 {
			m := ds.snaps[ds.history[len(ds.history)-1]].manifest.Meta
			info.Latest = &m
		}
		infos = append(infos, info)
	}
	if infos == nil {
		return nil, snapshot.NewNotFoundError("workspace %q not found", workspace)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (f *FakeBackend) dataset(workspace, dataset string) (*fakeDataset, error) {
	if err := ValidateName("workspace", workspace); err != nil {
		return nil, err
	}
	if err := ValidateName("dataset", dataset); err != nil {
		return nil, err
	}
	ds := f.datasets[workspace+"/"+dataset]
	if ds == nil {
		return nil, snapshot.NewNotFoundError("dataset %s/%s not found", workspace, dataset)
	}
	return ds, nil
}

func (f *FakeBackend) lookup(workspace, dataset string, id snapshot.ID) (*fakeSnapshot, error) {
	ds, err := f.dataset(workspace, dataset)
	if err != nil {
		return nil, err
	}
	snap, ok := ds.snaps[id]
	if !ok {
		return nil, snapshot.NewNotFoundError("snapshot %v not found in %s/%s", id, workspace, dataset)
	}
	return snap, nil
}
