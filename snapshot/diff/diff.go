// Package diff compares two resolved snapshots at three tiers: the
// column schema, column identity and ordering, and the rows themselves.
package diff

import (
	"context"
	"io"
	"sort"

	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
)

// RowOpener streams one snapshot's stored rows as JSON lines. Backends
// provide these; the differ only opens them when a comparison needs
// actual cell values.
type RowOpener func(ctx context.Context) (io.ReadCloser, error)

// Side is one snapshot being compared, plus access to its stored rows.
type Side struct {
	Snap *snapshot.Snapshot
	Rows RowOpener
}

// Options control how much work a comparison does beyond digest
// matching.
type Options struct {
	// Key names the primary-key columns used to pair a changed row in
	// the base with its counterpart in the target. Without a key such
	// rows are reported as a removal plus an addition, because digests
	// alone cannot tell a changed row from an unrelated new one.
	Key []string

	// DetectRenames pairs a removed and an added column that share a
	// type and position and reports them as one renamed column. Off by
	// default: a name change is normally a remove plus an add.
	DetectRenames bool

	// FetchValues loads cell values for added and removed rows into the
	// result. Modified rows always carry values for their changed cells.
	FetchValues bool
}

// Differ computes DiffResults. The engine is only touched when a
// comparison needs row values, so a Differ with a nil engine can still
// serve digest-only comparisons.
type Differ struct {
	eng  engine.Engine
	stat stats.StatsReceiver
}

func MakeDiffer(eng engine.Engine, stat stats.StatsReceiver) *Differ {
	return &Differ{
		eng:  eng,
		stat: stat.Scope("diff"),
	}
}

// Diff compares base against target and reports every change as base
// becoming target. Equal aggregate digests short-circuit the row tier
// entirely.
func (d *Differ) Diff(ctx context.Context, base, target Side, opts Options) (*snapshot.DiffResult, error) {
	defer d.stat.Latency("diff_ms").Time().Stop()
	d.stat.Counter("diffs").Inc(1)

	if base.Snap == nil || base.Snap.Index == nil || target.Snap == nil || target.Snap.Index == nil {
		return nil, snapshot.NewIoError(nil, "diff needs two fully loaded snapshots")
	}
	if err := validateKey(opts.Key, base.Snap, target.Snap); err != nil {
		return nil, err
	}

	res := &snapshot.DiffResult{
		Base:   base.Snap.Meta.ID,
		Target: target.Snap.Meta.ID,
	}
	res.Schema, res.Column = schemaTier(base.Snap.Columns, target.Snap.Columns, opts.DetectRenames)

	if base.Snap.Meta.AggregateDigest == target.Snap.Meta.AggregateDigest {
		d.stat.Counter("short_circuits").Inc(1)
		return res, nil
	}

	rows, err := d.rowTier(ctx, base, target, opts)
	if err != nil {
		return nil, err
	}
	res.Rows = rows
	return res, nil
}

// validateKey checks the requested key columns exist on both sides with
// the same type. A key column that changes type cannot pair rows.
func validateKey(key []string, base, target *snapshot.Snapshot) error {
	for _, k := range key {
		bc, ok := base.Column(k)
		if !ok {
			return snapshot.NewIncompatibleSchemaError("key column %q is not in snapshot %s", k, base.Meta.ID)
		}
		tc, ok := target.Column(k)
		if !ok {
			return snapshot.NewIncompatibleSchemaError("key column %q is not in snapshot %s", k, target.Meta.ID)
		}
		if bc.Type != tc.Type {
			return snapshot.NewIncompatibleSchemaError(
				"key column %q changes type between %s (%s) and %s (%s)",
				k, base.Meta.ID, bc.Type, target.Meta.ID, tc.Type)
		}
	}
	return nil
}

// schemaTier computes the schema and column diffs. Columns are matched
// by name; a matched column with a changed type is a type change, one
// with a changed position a reorder. With detectRenames, leftover
// removed and added columns sharing a type and position collapse into
// renames.
func schemaTier(base, target []snapshot.ColumnSchema, detectRenames bool) (snapshot.SchemaDiff, snapshot.ColumnDiff) {
	var sd snapshot.SchemaDiff
	var cd snapshot.ColumnDiff

	targetByName := make(map[string]snapshot.ColumnSchema, len(target))
	for _, c := range target {
		targetByName[c.Name] = c
	}
	baseNames := make(map[string]bool, len(base))
	for _, c := range base {
		baseNames[c.Name] = true
		tc, ok := targetByName[c.Name]
		if !ok {
			sd.Removed = append(sd.Removed, c)
			continue
		}
		if c.Type != tc.Type {
			sd.TypeChanged = append(sd.TypeChanged, snapshot.TypeChange{
				Name: c.Name,
				From: c.Type,
				To:   tc.Type,
			})
		} else if c.Position != tc.Position {
			cd.Reordered = append(cd.Reordered, snapshot.ColumnMove{
				Name: c.Name,
				From: c.Position,
				To:   tc.Position,
			})
		}
	}
	for _, c := range target {
		if !baseNames[c.Name] {
			sd.Added = append(sd.Added, c)
		}
	}

	if detectRenames {
		sd.Added, sd.Removed, cd.Renamed = matchRenames(sd.Added, sd.Removed)
	}

	sort.Slice(sd.Added, func(i, j int) bool { return sd.Added[i].Name < sd.Added[j].Name })
	sort.Slice(sd.Removed, func(i, j int) bool { return sd.Removed[i].Name < sd.Removed[j].Name })
	sort.Slice(sd.TypeChanged, func(i, j int) bool { return sd.TypeChanged[i].Name < sd.TypeChanged[j].Name })
	sort.Slice(cd.Reordered, func(i, j int) bool { return cd.Reordered[i].Name < cd.Reordered[j].Name })
	sort.Slice(cd.Renamed, func(i, j int) bool { return cd.Renamed[i].Position < cd.Renamed[j].Position })
	return sd, cd
}

// matchRenames pairs removed with added columns by type and position.
// Positions are unique within a schema, so each side offers at most one
// candidate per position.
func matchRenames(added, removed []snapshot.ColumnSchema) (addedLeft, removedLeft []snapshot.ColumnSchema, renamed []snapshot.Rename) {
	addedByPos := make(map[int]snapshot.ColumnSchema, len(added))
	for _, c := range added {
		addedByPos[c.Position] = c
	}
	consumed := make(map[string]bool)
	for _, rc := range removed {
		ac, ok := addedByPos[rc.Position]
		if !ok || ac.Type != rc.Type {
			removedLeft = append(removedLeft, rc)
			continue
		}
		renamed = append(renamed, snapshot.Rename{
			From:     rc.Name,
			To:       ac.Name,
			Type:     rc.Type,
			Position: rc.Position,
		})
		consumed[ac.Name] = true
	}
	for _, c := range added {
		if !consumed[c.Name] {
			addedLeft = append(addedLeft, c)
		}
	}
	return addedLeft, removedLeft, renamed
}

// rowTier resolves the digest multisets into added, removed and, when a
// key is configured, modified rows.
func (d *Differ) rowTier(ctx context.Context, base, target Side, opts Options) (snapshot.RowDiff, error) {
	var rd snapshot.RowDiff
	removed, added := rowCandidates(base.Snap.Index, target.Snap.Index)
	if len(removed) == 0 && len(added) == 0 {
		return rd, nil
	}
	if len(opts.Key) == 0 && !opts.FetchValues {
		rd.Removed, rd.Added = rowChanges(removed), rowChanges(added)
		return rd, nil
	}

	pair, err := d.mountPair(ctx, base, target)
	if err != nil {
		return rd, err
	}
	defer pair.close(ctx)

	if len(opts.Key) > 0 {
		rd.Modified, removed, added, err = pair.matchKeyed(ctx, opts.Key, removed, added)
		if err != nil {
			return rd, err
		}
	}
	rd.Removed, rd.Added = rowChanges(removed), rowChanges(added)
	if opts.FetchValues {
		if err := pair.base.attachValues(ctx, rd.Removed); err != nil {
			return rd, err
		}
		if err := pair.target.attachValues(ctx, rd.Added); err != nil {
			return rd, err
		}
	}
	return rd, nil
}

// rowCandidates matches the two row multisets by digest. Rows sharing a
// digest pair up greedily in occurrence order, so an entry is surplus
// exactly when its occurrence number is at or past the other side's
// count for that digest. Surplus in base is a removal, surplus in
// target an addition.
func rowCandidates(base, target *snapshot.RowIndex) (removed, added []snapshot.IndexEntry) {
	targetCounts := digestCounts(target)
	for _, e := range base.Entries {
		if e.Fingerprint.Occurrence >= targetCounts[e.Fingerprint.Digest] {
			removed = append(removed, e)
		}
	}
	baseCounts := digestCounts(base)
	for _, e := range target.Entries {
		if e.Fingerprint.Occurrence >= baseCounts[e.Fingerprint.Digest] {
			added = append(added, e)
		}
	}
	return removed, added
}

func digestCounts(x *snapshot.RowIndex) map[hash.Digest]uint32 {
	m := make(map[hash.Digest]uint32, len(x.Entries))
	for _, e := range x.Entries {
		m[e.Fingerprint.Digest]++
	}
	return m
}

func rowChanges(entries []snapshot.IndexEntry) []snapshot.RowChange {
	if len(entries) == 0 {
		return nil
	}
	out := make([]snapshot.RowChange, len(entries))
	for i, e := range entries {
		out[i] = snapshot.RowChange{
			Fingerprint: e.Fingerprint,
			Position:    e.Position,
		}
	}
	return out
}
