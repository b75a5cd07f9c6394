package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
)

// FormatVersion is written into every snapshot's metadata. Readers reject
// snapshots with a version they don't understand.
const FormatVersion = 1

// IDPrefix starts every snapshot ID.
const IDPrefix = "snap-"

// ID identifies a snapshot. IDs are derived from snapshot content at
// creation time and are stable across backends.
type ID string

var idRE = regexp.MustCompile(`^snap-[0-9a-f]{16}$`)

// Valid reports whether id has the canonical snap-<16 hex> shape.
func (id ID) Valid() bool {
	return idRE.MatchString(string(id))
}

// MakeID derives a snapshot ID from the content digests and lineage of a
// snapshot being created. The same content created at the same instant in
// the same dataset position always yields the same ID.
func MakeID(aggregate, schema hash.Digest, dataset string, seq uint64, createdAt time.Time) ID {
	b := make([]byte, 0, 2*hash.Size+len(dataset)+17)
	b = append(b, aggregate[:]...)
	b = append(b, schema[:]...)
	b = append(b, dataset...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, seq)
	b = binary.BigEndian.AppendUint64(b, uint64(createdAt.UTC().UnixNano()))
	d := hash.Bytes(b)
	return ID(IDPrefix + hex.EncodeToString(d[:8]))
}

// ColumnType classifies the values a column may hold. Sources coerce their
// native types onto these before hashing, so the same logical data hashes
// identically regardless of where it came from.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeString    ColumnType = "string"
	TypeBool      ColumnType = "bool"
	TypeTimestamp ColumnType = "timestamp"
	TypeBinary    ColumnType = "binary"
)

var columnTypes = map[ColumnType]bool{
	TypeInteger:   true,
	TypeFloat:     true,
	TypeString:    true,
	TypeBool:      true,
	TypeTimestamp: true,
	TypeBinary:    true,
}

// Valid reports whether t is one of the defined column types.
func (t ColumnType) Valid() bool {
	return columnTypes[t]
}

// ColumnSchema describes one column of a snapshotted dataset.
type ColumnSchema struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
	Position int        `json:"position"`
}

// ValidateSchema checks that cols form a usable schema: at least one
// column, unique non-empty names, known types, and positions that are
// exactly 0..len-1 in order.
func ValidateSchema(cols []ColumnSchema) error {
	if len(cols) == 0 {
		return NewSchemaError("schema has no columns")
	}
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		if c.Name == "" {
			return NewSchemaError("column at position %d has an empty name", i)
		}
		if seen[c.Name] {
			return NewSchemaError("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return NewSchemaError("column %q has unknown type %q", c.Name, c.Type)
		}
		if c.Position != i {
			return NewSchemaError("column %q has position %d, want %d", c.Name, c.Position, i)
		}
	}
	return nil
}

// SchemaDigest hashes a column list into a single digest. Any change to
// names, types, nullability or order changes the digest.
func SchemaDigest(cols []ColumnSchema) hash.Digest {
	b := []byte("schema\x00")
	for _, c := range cols {
		b = append(b, c.Name...)
		b = append(b, 0)
		b = append(b, c.Type...)
		b = append(b, 0)
		if c.Nullable {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = append(b, 0x1f)
	}
	return hash.Bytes(b)
}

// RowFingerprint identifies one row within a snapshot. Occurrence
// disambiguates rows whose content hashes to the same digest: the first
// such row has occurrence 0, the next 1, and so on in source order.
type RowFingerprint struct {
	Digest     hash.Digest `json:"digest"`
	Occurrence uint32      `json:"occurrence"`
}

// Meta is the identity and lineage record of one snapshot.
type Meta struct {
	ID              ID          `json:"id"`
	Workspace       string      `json:"workspace"`
	Dataset         string      `json:"dataset"`
	Seq             uint64      `json:"seq"`
	CreatedAt       time.Time   `json:"created_at"`
	Tag             string      `json:"tag,omitempty"`
	SchemaDigest    hash.Digest `json:"schema_digest"`
	AggregateDigest hash.Digest `json:"aggregate_digest"`
	RowCount        uint64      `json:"row_count"`
	FormatVersion   int         `json:"format_version"`
}

// Snapshot is a fully loaded snapshot: metadata, schema and row index.
// Row values are not held in memory; backends stream them on demand.
type Snapshot struct {
	Meta    Meta
	Columns []ColumnSchema
	Index   *RowIndex
}

// Column returns the schema entry for name.
func (s *Snapshot) Column(name string) (ColumnSchema, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

var tagRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{0,127}$`)

// ValidateTag checks that tag is usable as a snapshot tag. Tags must start
// with a letter, which keeps them from colliding with the other reference
// forms (IDs, "latest", ~N offsets and timestamps), and must not themselves
// be "latest" or shaped like an ID.
func ValidateTag(tag string) error {
	if !tagRE.MatchString(tag) {
		return NewInvalidReferenceError("invalid tag %q: must match %s", tag, tagRE)
	}
	if tag == "latest" {
		return NewInvalidReferenceError("invalid tag %q: reserved reference name", tag)
	}
	if ID(tag).Valid() {
		return NewInvalidReferenceError("invalid tag %q: collides with snapshot ID syntax", tag)
	}
	return nil
}
