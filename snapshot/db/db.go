// Package db ties the snapbase pieces together behind one handle:
// creating snapshots from data sources, resolving references, listing
// history, diffing two snapshots and querying one with SQL. Binaries
// and the CLI talk to a DB; the packages underneath stay independent.
package db

import (
	"bufio"
	"context"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/os/temp"
	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/diff"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/ref"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
	"github.com/peter-fm/snapbase-sub001/snapshot/store"
)

const (
	// DefaultHashWorkers is the number of goroutines fingerprinting row
	// chunks during creation when CreateOptions doesn't say otherwise.
	DefaultHashWorkers = 4

	// DefaultChunkRows is the number of rows per hash chunk.
	DefaultChunkRows = 1024
)

// EngineFactory opens a fresh query engine. The DB opens one per
// operation that needs SQL and closes it when the operation returns,
// so mounted tables never leak between calls.
type EngineFactory func() (engine.Engine, error)

// CreateOptions adjust snapshot creation.
type CreateOptions struct {
	// Tag labels the snapshot so it can be resolved by name later.
	// Empty means untagged.
	Tag string

	// HashWorkers overrides DefaultHashWorkers when positive.
	HashWorkers int

	// ChunkRows overrides DefaultChunkRows when positive.
	ChunkRows int
}

// DB is the high level entry point. Safe for concurrent use when the
// backend is.
type DB struct {
	backend  store.Backend
	engines  EngineFactory
	resolver *ref.Resolver
	stat     stats.StatsReceiver
}

// MakeDB returns a DB over the given backend. engines may be nil when
// no operation will need SQL (keyless digest-only diffs still work).
func MakeDB(backend store.Backend, engines EngineFactory, stat stats.StatsReceiver) *DB {
	return &DB{
		backend:  backend,
		engines:  engines,
		resolver: ref.MakeResolver(backend),
		stat:     stat.Scope("db"),
	}
}

// Create snapshots src into workspace/dataset: the source schema is
// captured as-is, every row is fingerprinted into the row index, the
// rows themselves are spooled and stored for later diffing and
// querying. Nothing is persisted unless the whole pipeline succeeds,
// so a failed or cancelled create leaves the dataset untouched.
func (d *DB) Create(ctx context.Context, workspace, dataset string, src source.DataSource, opts CreateOptions) (*snapshot.Snapshot, error) {
	defer d.stat.Latency("create_ms").Time().Stop()
	d.stat.Counter("creates").Inc(1)

	if opts.Tag != "" {
		if err := snapshot.ValidateTag(opts.Tag); err != nil {
			return nil, err
		}
	}
	cols, err := src.Columns(ctx)
	if err != nil {
		return nil, err
	}
	if err := snapshot.ValidateSchema(cols); err != nil {
		return nil, err
	}
	rows, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	spoolDir, err := temp.TempDirDefault()
	if err != nil {
		return nil, snapshot.NewIoError(err, "creating spool dir")
	}
	defer spoolDir.Remove()
	spool, err := spoolDir.TempFile("rows-")
	if err != nil {
		return nil, snapshot.NewIoError(err, "creating row spool")
	}
	defer spool.Close()

	index, aggregate, err := hashRows(ctx, cols, rows, spool, workersFor(opts), chunkRowsFor(opts))
	if err != nil {
		return nil, err
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, snapshot.NewIoError(err, "rewinding row spool")
	}
	put := &store.Put{
		Meta: snapshot.Meta{
			Tag:             opts.Tag,
			SchemaDigest:    snapshot.SchemaDigest(cols),
			AggregateDigest: aggregate,
		},
		Columns: cols,
		Index:   index,
		Rows:    bufio.NewReader(spool),
	}
	meta, err := d.backend.PutSnapshot(ctx, workspace, dataset, put)
	if err != nil {
		return nil, err
	}
	log.Infof("Created snapshot %v of %s/%s (%d rows)", meta.ID, workspace, dataset, meta.RowCount)
	return &snapshot.Snapshot{Meta: meta, Columns: cols, Index: index}, nil
}

// CreateFromQuery snapshots the result of a read-only query over an
// existing snapshot: the referenced snapshot's rows are mounted under
// their dataset name, query runs against them, and the result is
// committed as a new snapshot of dataset in the same workspace.
func (d *DB) CreateFromQuery(ctx context.Context, workspace, dataset, fromDataset, reference, query string, opts CreateOptions) (*snapshot.Snapshot, error) {
	from, err := d.Resolve(ctx, workspace, fromDataset, reference)
	if err != nil {
		return nil, err
	}
	if d.engines == nil {
		return nil, snapshot.NewEngineError(nil, "no query engine configured")
	}
	eng, err := d.engines()
	if err != nil {
		return nil, snapshot.NewEngineError(err, "opening query engine")
	}
	defer eng.Close()

	rc, err := d.backend.OpenRows(ctx, workspace, fromDataset, from.Meta.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if err := eng.Mount(ctx, fromDataset, from.Columns, source.MakeJSONLRows(rc, from.Columns)); err != nil {
		return nil, err
	}
	return d.Create(ctx, workspace, dataset, source.MakeQuerySource(eng, query), opts)
}

// ResolveMeta resolves a reference to snapshot metadata without loading
// the row index.
func (d *DB) ResolveMeta(ctx context.Context, workspace, dataset, reference string) (snapshot.Meta, error) {
	return d.resolver.Resolve(ctx, workspace, dataset, reference)
}

// Resolve resolves a reference and loads the full snapshot, index
// included.
func (d *DB) Resolve(ctx context.Context, workspace, dataset, reference string) (*snapshot.Snapshot, error) {
	meta, err := d.resolver.Resolve(ctx, workspace, dataset, reference)
	if err != nil {
		return nil, err
	}
	return d.backend.GetSnapshot(ctx, workspace, dataset, meta.ID)
}

// List returns the dataset's snapshot metadata, oldest first.
func (d *DB) List(ctx context.Context, workspace, dataset string) ([]snapshot.Meta, error) {
	return d.backend.ListSnapshots(ctx, workspace, dataset)
}

// Datasets summarizes the datasets under a workspace.
func (d *DB) Datasets(ctx context.Context, workspace string) ([]store.DatasetInfo, error) {
	return d.backend.ListDatasets(ctx, workspace)
}

// Diff resolves two references within one dataset and compares them,
// baseRef as the before side and targetRef as the after side.
func (d *DB) Diff(ctx context.Context, workspace, dataset, baseRef, targetRef string, opts diff.Options) (*snapshot.DiffResult, error) {
	base, err := d.Resolve(ctx, workspace, dataset, baseRef)
	if err != nil {
		return nil, err
	}
	target, err := d.Resolve(ctx, workspace, dataset, targetRef)
	if err != nil {
		return nil, err
	}

	var eng engine.Engine
	if d.engines != nil {
		eng, err = d.engines()
		if err != nil {
			return nil, snapshot.NewEngineError(err, "opening query engine")
		}
		defer eng.Close()
	}

	differ := diff.MakeDiffer(eng, d.stat)
	return differ.Diff(ctx, d.side(workspace, dataset, base), d.side(workspace, dataset, target), opts)
}

// Query mounts the referenced snapshot's rows as a table named after
// the dataset and runs one read-only statement against it.
func (d *DB) Query(ctx context.Context, workspace, dataset, reference, query string, args ...interface{}) (*engine.Result, error) {
	defer d.stat.Latency("query_ms").Time().Stop()
	d.stat.Counter("queries").Inc(1)

	snap, err := d.Resolve(ctx, workspace, dataset, reference)
	if err != nil {
		return nil, err
	}
	if d.engines == nil {
		return nil, snapshot.NewEngineError(nil, "no query engine configured")
	}
	eng, err := d.engines()
	if err != nil {
		return nil, snapshot.NewEngineError(err, "opening query engine")
	}
	defer eng.Close()

	rc, err := d.backend.OpenRows(ctx, workspace, dataset, snap.Meta.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if err := eng.Mount(ctx, dataset, snap.Columns, source.MakeJSONLRows(rc, snap.Columns)); err != nil {
		return nil, err
	}
	return eng.Execute(ctx, query, args...)
}

func (d *DB) side(workspace, dataset string, snap *snapshot.Snapshot) diff.Side {
	return diff.Side{
		Snap: snap,
		Rows: func(ctx context.Context) (io.ReadCloser, error) {
			return d.backend.OpenRows(ctx, workspace, dataset, snap.Meta.ID)
		},
	}
}

func workersFor(opts CreateOptions) int {
	if opts.HashWorkers > 0 {
		return opts.HashWorkers
	}
	return DefaultHashWorkers
}

func chunkRowsFor(opts CreateOptions) int {
	if opts.ChunkRows > 0 {
		return opts.ChunkRows
	}
	return DefaultChunkRows
}
