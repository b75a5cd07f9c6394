package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
)

const (
	baseTable   = "diff_base"
	targetTable = "diff_target"

	// lookupChunk bounds the IN list of one targeted row query.
	lookupChunk = 256
)

// mountedTable is one snapshot's rows loaded into the engine, extended
// with a synthetic position column so single rows can be looked up.
type mountedTable struct {
	eng    engine.Engine
	name   string
	id     snapshot.ID
	cols   []snapshot.ColumnSchema
	posCol string
}

// tablePair is both sides of a comparison mounted side by side.
type tablePair struct {
	base, target *mountedTable
}

func (d *Differ) mountPair(ctx context.Context, base, target Side) (*tablePair, error) {
	posCol := posColumn(base.Snap.Columns, target.Snap.Columns)
	bt, err := d.mountSide(ctx, baseTable, base, posCol)
	if err != nil {
		return nil, err
	}
	tt, err := d.mountSide(ctx, targetTable, target, posCol)
	if err != nil {
		bt.close(ctx)
		return nil, err
	}
	return &tablePair{base: bt, target: tt}, nil
}

func (d *Differ) mountSide(ctx context.Context, name string, s Side, posCol string) (*mountedTable, error) {
	if d.eng == nil {
		return nil, snapshot.NewEngineError(nil, "no query engine configured for keyed or value comparisons")
	}
	if s.Rows == nil {
		return nil, snapshot.NewIoError(nil, "no row source for snapshot %s", s.Snap.Meta.ID)
	}
	rc, err := s.Rows(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	cols := make([]snapshot.ColumnSchema, 0, len(s.Snap.Columns)+1)
	cols = append(cols, s.Snap.Columns...)
	cols = append(cols, snapshot.ColumnSchema{
		Name:     posCol,
		Type:     snapshot.TypeInteger,
		Position: len(s.Snap.Columns),
	})
	rows := &posReader{rows: source.MakeJSONLRows(rc, s.Snap.Columns)}
	if err := d.eng.Mount(ctx, name, cols, rows); err != nil {
		return nil, engineFailure(err, "mounting snapshot %s as %s", s.Snap.Meta.ID, name)
	}
	return &mountedTable{
		eng:    d.eng,
		name:   name,
		id:     s.Snap.Meta.ID,
		cols:   s.Snap.Columns,
		posCol: posCol,
	}, nil
}

func (p *tablePair) close(ctx context.Context) {
	p.target.close(ctx)
	p.base.close(ctx)
}

func (t *mountedTable) close(ctx context.Context) {
	t.eng.Unmount(ctx, t.name)
}

// posReader appends each row's zero-based position as a trailing cell.
type posReader struct {
	rows engine.RowReader
	next int64
}

func (r *posReader) Next() ([]interface{}, error) {
	row, err := r.rows.Next()
	if err != nil {
		return nil, err
	}
	row = append(row, r.next)
	r.next++
	return row, nil
}

// posColumn picks a position-column name no snapshot column uses.
func posColumn(base, target []snapshot.ColumnSchema) string {
	name := "__pos"
	for taken(base, name) || taken(target, name) {
		name += "_"
	}
	return name
}

func taken(cols []snapshot.ColumnSchema, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// matchKeyed pairs removed with added candidates that hold the same
// primary key and turns each pair into a modified row with per-cell
// detail. Keys duplicated anywhere in either snapshot never pair, and
// neither do keys with a null component; those rows stay removed or
// added. Returns the modifications plus the candidates left unpaired.
func (p *tablePair) matchKeyed(ctx context.Context, key []string, removed, added []snapshot.IndexEntry) ([]snapshot.RowModification, []snapshot.IndexEntry, []snapshot.IndexEntry, error) {
	dupBase, err := p.base.duplicateKeys(ctx, key)
	if err != nil {
		return nil, nil, nil, err
	}
	dupTarget, err := p.target.duplicateKeys(ctx, key)
	if err != nil {
		return nil, nil, nil, err
	}
	baseKeys, err := p.base.keysAt(ctx, key, entryPositions(removed))
	if err != nil {
		return nil, nil, nil, err
	}
	targetKeys, err := p.target.keysAt(ctx, key, entryPositions(added))
	if err != nil {
		return nil, nil, nil, err
	}

	baseByKey := make(map[string]snapshot.IndexEntry, len(removed))
	for _, e := range removed {
		enc, ok := baseKeys[e.Position]
		if !ok || dupBase[enc] || dupTarget[enc] {
			continue
		}
		baseByKey[enc] = e
	}

	type pairing struct {
		base snapshot.IndexEntry
		tgt  snapshot.IndexEntry
	}
	var pairs []pairing
	pairedBase := make(map[uint64]bool)
	pairedTarget := make(map[uint64]bool)
	for _, e := range added {
		enc, ok := targetKeys[e.Position]
		if !ok || dupBase[enc] || dupTarget[enc] {
			continue
		}
		be, ok := baseByKey[enc]
		if !ok {
			continue
		}
		delete(baseByKey, enc)
		pairs = append(pairs, pairing{base: be, tgt: e})
		pairedBase[be.Position] = true
		pairedTarget[e.Position] = true
	}
	if len(pairs) == 0 {
		return nil, removed, added, nil
	}

	basePositions := make([]uint64, len(pairs))
	targetPositions := make([]uint64, len(pairs))
	for i, pr := range pairs {
		basePositions[i] = pr.base.Position
		targetPositions[i] = pr.tgt.Position
	}
	baseRows, err := p.base.rowsAt(ctx, basePositions)
	if err != nil {
		return nil, nil, nil, err
	}
	targetRows, err := p.target.rowsAt(ctx, targetPositions)
	if err != nil {
		return nil, nil, nil, err
	}

	shared := sharedColumns(p.base.cols, p.target.cols)
	keyIdx := columnPositions(p.base.cols, key)
	modified := make([]snapshot.RowModification, 0, len(pairs))
	for _, pr := range pairs {
		bRow, ok := baseRows[pr.base.Position]
		if !ok {
			return nil, nil, nil, snapshot.NewEngineError(nil, "row %d missing from %s", pr.base.Position, p.base.name)
		}
		tRow, ok := targetRows[pr.tgt.Position]
		if !ok {
			return nil, nil, nil, snapshot.NewEngineError(nil, "row %d missing from %s", pr.tgt.Position, p.target.name)
		}
		keyVals := make([]interface{}, len(keyIdx))
		for i, ki := range keyIdx {
			keyVals[i] = bRow[ki]
		}
		modified = append(modified, snapshot.RowModification{
			Key:               keyVals,
			BasePosition:      pr.base.Position,
			TargetPosition:    pr.tgt.Position,
			BaseFingerprint:   pr.base.Fingerprint,
			TargetFingerprint: pr.tgt.Fingerprint,
			Cells:             cellChanges(shared, bRow, tRow),
		})
	}
	sort.Slice(modified, func(i, j int) bool { return modified[i].BasePosition < modified[j].BasePosition })

	return modified, unpaired(removed, pairedBase), unpaired(added, pairedTarget), nil
}

// duplicateKeys returns the encoded keys held by more than one row.
func (t *mountedTable) duplicateKeys(ctx context.Context, key []string) (map[string]bool, error) {
	cols := make([]string, len(key))
	for i, k := range key {
		cols[i] = quoteIdent(k)
	}
	list := strings.Join(cols, ", ")
	q := "SELECT " + list + " FROM " + quoteIdent(t.name) +
		" GROUP BY " + list + " HAVING COUNT(*) > 1"
	res, err := t.eng.Execute(ctx, q)
	if err != nil {
		return nil, engineFailure(err, "finding duplicate keys in %s", t.name)
	}
	dups := make(map[string]bool, len(res.Rows))
	for _, row := range res.Rows {
		if enc, ok := encodeKey(row); ok {
			dups[enc] = true
		}
	}
	return dups, nil
}

// keysAt returns the encoded key of each listed row. Rows whose key has
// a null component are omitted.
func (t *mountedTable) keysAt(ctx context.Context, key []string, positions []uint64) (map[uint64]string, error) {
	sel := make([]string, 0, len(key)+1)
	sel = append(sel, quoteIdent(t.posCol))
	for _, k := range key {
		sel = append(sel, quoteIdent(k))
	}
	prefix := "SELECT " + strings.Join(sel, ", ") + " FROM " + quoteIdent(t.name) +
		" WHERE " + quoteIdent(t.posCol) + " IN "

	out := make(map[uint64]string, len(positions))
	err := eachChunk(ctx, positions, func(chunk []uint64) error {
		res, err := t.eng.Execute(ctx, prefix+inList(len(chunk)), posArgs(chunk)...)
		if err != nil {
			return engineFailure(err, "reading key columns from %s", t.name)
		}
		for _, row := range res.Rows {
			pos, ok := row[0].(int64)
			if !ok {
				return snapshot.NewEngineError(nil, "position column came back as %T from %s", row[0], t.name)
			}
			if enc, ok := encodeKey(row[1:]); ok {
				out[uint64(pos)] = enc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rowsAt returns the listed rows with values restored to the snapshot's
// declared column types.
func (t *mountedTable) rowsAt(ctx context.Context, positions []uint64) (map[uint64][]interface{}, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	sel := make([]string, 0, len(t.cols)+1)
	sel = append(sel, quoteIdent(t.posCol))
	for _, c := range t.cols {
		sel = append(sel, quoteIdent(c.Name))
	}
	prefix := "SELECT " + strings.Join(sel, ", ") + " FROM " + quoteIdent(t.name) +
		" WHERE " + quoteIdent(t.posCol) + " IN "

	out := make(map[uint64][]interface{}, len(positions))
	err := eachChunk(ctx, positions, func(chunk []uint64) error {
		res, err := t.eng.Execute(ctx, prefix+inList(len(chunk)), posArgs(chunk)...)
		if err != nil {
			return engineFailure(err, "reading rows from %s", t.name)
		}
		for _, row := range res.Rows {
			pos, ok := row[0].(int64)
			if !ok {
				return snapshot.NewEngineError(nil, "position column came back as %T from %s", row[0], t.name)
			}
			vals := make([]interface{}, len(t.cols))
			for i, c := range t.cols {
				v, err := restoreValue(row[i+1], c.Type)
				if err != nil {
					return snapshot.NewEngineError(err, "column %q of row %d in %s", c.Name, pos, t.name)
				}
				vals[i] = v
			}
			out[uint64(pos)] = vals
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// attachValues loads the full rows behind changes and fills in Values.
func (t *mountedTable) attachValues(ctx context.Context, changes []snapshot.RowChange) error {
	if len(changes) == 0 {
		return nil
	}
	positions := make([]uint64, len(changes))
	for i, c := range changes {
		positions[i] = c.Position
	}
	rows, err := t.rowsAt(ctx, positions)
	if err != nil {
		return err
	}
	for i := range changes {
		vals, ok := rows[changes[i].Position]
		if !ok {
			return snapshot.NewIoError(nil, "snapshot %s has no stored row at position %d", t.id, changes[i].Position)
		}
		changes[i].Values = vals
	}
	return nil
}

// sharedColumn maps one column name onto its cell offsets in each side.
type sharedColumn struct {
	name      string
	baseIdx   int
	targetIdx int
}

func sharedColumns(base, target []snapshot.ColumnSchema) []sharedColumn {
	targetByName := make(map[string]int, len(target))
	for i, c := range target {
		targetByName[c.Name] = i
	}
	var out []sharedColumn
	for i, c := range base {
		if j, ok := targetByName[c.Name]; ok {
			out = append(out, sharedColumn{name: c.Name, baseIdx: i, targetIdx: j})
		}
	}
	return out
}

// cellChanges compares a paired row column by column over the columns
// both snapshots share, in base schema order.
func cellChanges(shared []sharedColumn, bRow, tRow []interface{}) []snapshot.CellChange {
	var cells []snapshot.CellChange
	for _, sc := range shared {
		if hash.Cell(bRow[sc.baseIdx]) == hash.Cell(tRow[sc.targetIdx]) {
			continue
		}
		cells = append(cells, snapshot.CellChange{
			Column: sc.name,
			Old:    bRow[sc.baseIdx],
			New:    tRow[sc.targetIdx],
		})
	}
	return cells
}

func columnPositions(cols []snapshot.ColumnSchema, names []string) []int {
	byName := make(map[string]int, len(cols))
	for i, c := range cols {
		byName[c.Name] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}
	return out
}

func entryPositions(entries []snapshot.IndexEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Position
	}
	return out
}

func unpaired(entries []snapshot.IndexEntry, paired map[uint64]bool) []snapshot.IndexEntry {
	if len(paired) == 0 {
		return entries
	}
	out := make([]snapshot.IndexEntry, 0, len(entries)-len(paired))
	for _, e := range entries {
		if !paired[e.Position] {
			out = append(out, e)
		}
	}
	return out
}

// encodeKey folds key cell digests into a map key. A null component
// makes the key unusable for pairing, reported by ok=false.
func encodeKey(vals []interface{}) (enc string, ok bool) {
	b := make([]byte, 0, len(vals)*hash.Size)
	for _, v := range vals {
		if v == nil {
			return "", false
		}
		d := hash.Cell(v)
		b = append(b, d[:]...)
	}
	return string(b), true
}

// restoreValue undoes the widening engines apply to stored values, so
// reported cells carry the snapshot's declared types and hash exactly
// as they did at snapshot creation.
func restoreValue(v interface{}, t snapshot.ColumnType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case snapshot.TypeInteger:
		if x, ok := v.(int64); ok {
			return x, nil
		}
	case snapshot.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case snapshot.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
	case snapshot.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case snapshot.TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, err
			}
			return ts, nil
		}
	case snapshot.TypeBinary:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	}
	return nil, fmt.Errorf("cannot restore %T as %s", v, t)
}

// eachChunk runs f over positions in lookupChunk-sized batches,
// checking for cancellation between batches.
func eachChunk(ctx context.Context, positions []uint64, f func([]uint64) error) error {
	for start := 0; start < len(positions); start += lookupChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + lookupChunk
		if end > len(positions) {
			end = len(positions)
		}
		if err := f(positions[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func inList(n int) string {
	return "(?" + strings.Repeat(", ?", n-1) + ")"
}

func posArgs(positions []uint64) []interface{} {
	args := make([]interface{}, len(positions))
	for i, p := range positions {
		args[i] = int64(p)
	}
	return args
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// engineFailure types err as an EngineError unless it already is one.
func engineFailure(err error, msg string, args ...interface{}) error {
	var e snapshot.EngineError
	if errors.As(err, &e) {
		return err
	}
	return snapshot.NewEngineError(err, msg, args...)
}
