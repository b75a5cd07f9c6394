package snapshot

// TypeChange records a column present in both snapshots whose declared
// type differs. It is reported here rather than as a remove plus an add.
type TypeChange struct {
	Name string     `json:"name"`
	From ColumnType `json:"from"`
	To   ColumnType `json:"to"`
}

// SchemaDiff is the column-set difference between two snapshots. Each
// slice is sorted by column name.
type SchemaDiff struct {
	Added       []ColumnSchema `json:"added,omitempty"`
	Removed     []ColumnSchema `json:"removed,omitempty"`
	TypeChanged []TypeChange   `json:"type_changed,omitempty"`
}

// ColumnMove records a column that kept its name and type but moved to a
// different position.
type ColumnMove struct {
	Name string `json:"name"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

// Rename records a pair of columns judged to be the same column under a
// new name. Pairing is by identical type and position and happens only
// when the caller asks for it.
type Rename struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Type     ColumnType `json:"type"`
	Position int        `json:"position"`
}

// ColumnDiff describes identity and ordering changes among columns the
// two snapshots share.
type ColumnDiff struct {
	Reordered []ColumnMove `json:"reordered,omitempty"`
	Renamed   []Rename     `json:"renamed,omitempty"`
}

// RowChange is one row present in only one of the two snapshots.
// Position is the row's place in its own snapshot. Values carries the
// row's cells when the caller asked for them.
type RowChange struct {
	Fingerprint RowFingerprint `json:"fingerprint"`
	Position    uint64         `json:"position"`
	Values      []interface{}  `json:"values,omitempty"`
}

// CellChange is one cell of a modified row whose value differs between
// the two snapshots.
type CellChange struct {
	Column string      `json:"column"`
	Old    interface{} `json:"old"`
	New    interface{} `json:"new"`
}

// RowModification pairs a base row with the target row holding the same
// primary key, with the cells that changed between them.
type RowModification struct {
	Key               []interface{}  `json:"key"`
	BasePosition      uint64         `json:"base_position"`
	TargetPosition    uint64         `json:"target_position"`
	BaseFingerprint   RowFingerprint `json:"base_fingerprint"`
	TargetFingerprint RowFingerprint `json:"target_fingerprint"`
	Cells             []CellChange   `json:"cells"`
}

// RowDiff is the row-level difference between two snapshots. Added and
// Removed are in row-position order; Modified is ordered by base
// position.
type RowDiff struct {
	Added    []RowChange       `json:"added,omitempty"`
	Removed  []RowChange       `json:"removed,omitempty"`
	Modified []RowModification `json:"modified,omitempty"`
}

// DiffResult is a full three-tier comparison of two snapshots. Base is
// the older side of the comparison, Target the newer; every change is
// expressed as base becoming target.
type DiffResult struct {
	Base   ID         `json:"base"`
	Target ID         `json:"target"`
	Schema SchemaDiff `json:"schema"`
	Column ColumnDiff `json:"column"`
	Rows   RowDiff    `json:"rows"`
}

// Empty reports whether the comparison found no changes at any tier.
func (d *DiffResult) Empty() bool {
	return len(d.Schema.Added) == 0 &&
		len(d.Schema.Removed) == 0 &&
		len(d.Schema.TypeChanged) == 0 &&
		len(d.Column.Reordered) == 0 &&
		len(d.Column.Renamed) == 0 &&
		len(d.Rows.Added) == 0 &&
		len(d.Rows.Removed) == 0 &&
		len(d.Rows.Modified) == 0
}
