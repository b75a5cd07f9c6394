// This package defines the Backend interface for persisting and reading
// snapshot artifacts, and Backend implementations: a local filesystem
// backend, a remote HTTP backend, and an in-memory caching wrapper.
package store

import (
	"context"
	"encoding/json"
	"io"
	"regexp"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// Artifact file names within a snapshot directory or archive.
const (
	MetadataFile = "metadata.json"
	RowIndexFile = "rowindex.bin"
	RowsFile     = "rows.jsonl"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName checks a workspace or dataset name. Names become path and
// URL segments, so the grammar is strict.
func ValidateName(kind, name string) error {
	if !nameRE.MatchString(name) || name == "." || name == ".." {
		return snapshot.NewInvalidReferenceError("invalid %s name %q", kind, name)
	}
	return nil
}

// Put carries everything needed to commit one snapshot. The backend
// assigns Seq and ID under the dataset write lock; any values present in
// Meta for those fields are ignored.
type Put struct {
	Meta    snapshot.Meta
	Columns []snapshot.ColumnSchema
	Index   *snapshot.RowIndex

	// Rows is the rows.jsonl artifact content, streamed.
	Rows io.Reader
}

// DatasetInfo summarizes one dataset for workspace listings.
type DatasetInfo struct {
	Name      string         `json:"name"`
	Snapshots int            `json:"snapshots"`
	Latest    *snapshot.Meta `json:"latest,omitempty"`
}

// Backend persists and retrieves snapshots keyed by workspace, dataset
// and snapshot ID.
//
// Atomicity: PutSnapshot either fully succeeds (the snapshot is readable
// by subsequent calls) or fully fails leaving no trace. Writes to one
// dataset are serialized by an advisory lock scoped to (workspace,
// dataset) with a bounded wait; ConflictError reports contention. Reads
// never block on writes and never observe a snapshot mid-commit.
type Backend interface {
	// PutSnapshot commits a snapshot and returns its completed metadata
	// with Seq and ID assigned.
	PutSnapshot(ctx context.Context, workspace, dataset string, put *Put) (snapshot.Meta, error)

	// GetSnapshot loads a committed snapshot's metadata, schema and row
	// index. Row values are not loaded; use OpenRows.
	GetSnapshot(ctx context.Context, workspace, dataset string, id snapshot.ID) (*snapshot.Snapshot, error)

	// ListSnapshots returns metadata for every committed snapshot of the
	// dataset, in creation (commit) order.
	ListSnapshots(ctx context.Context, workspace, dataset string) ([]snapshot.Meta, error)

	// Exists reports whether the snapshot is committed.
	Exists(ctx context.Context, workspace, dataset string, id snapshot.ID) (bool, error)

	// OpenRows streams the snapshot's canonical row artifact (rows.jsonl).
	OpenRows(ctx context.Context, workspace, dataset string, id snapshot.ID) (io.ReadCloser, error)

	// ListDatasets summarizes the datasets of a workspace.
	ListDatasets(ctx context.Context, workspace string) ([]DatasetInfo, error)

	// Root is the base location, like a directory or base URI.
	Root() string
}

// Manifest is the metadata.json artifact: snapshot metadata plus schema.
type Manifest struct {
	Meta    snapshot.Meta           `json:"meta"`
	Columns []snapshot.ColumnSchema `json:"columns"`
}

// EncodeManifest renders a manifest in its stored form.
func EncodeManifest(m Manifest) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, snapshot.NewIoError(err, "encoding manifest")
	}
	return append(b, '\n'), nil
}

// DecodeManifest parses a stored manifest.
func DecodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, snapshot.NewIoError(err, "decoding manifest")
	}
	return m, nil
}
