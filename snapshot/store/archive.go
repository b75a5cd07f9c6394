package store

import (
	"archive/tar"
	"bytes"
	"io"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// Snapshots travel between client and server as a tar stream with
// entries in a fixed order: metadata.json, rowindex.bin, then
// optionally rows.jsonl. Rows come last so a consumer that only wants
// the manifest and index can stop reading early.

// Archive is a decoded snapshot archive. Rows is non-nil only when the
// stream carried a rows entry, and must be consumed before the
// underlying reader is closed.
type Archive struct {
	Manifest Manifest
	Index    *snapshot.RowIndex
	Rows     io.Reader
}

// WriteArchive encodes manifest, index and (if rows is non-nil) the row
// payload as a tar stream. rowsLen must be the exact payload size since
// tar headers carry it.
func WriteArchive(w io.Writer, manifest Manifest, index *snapshot.RowIndex, rows io.Reader, rowsLen int64) error {
	encoded, err := EncodeManifest(manifest)
	if err != nil {
		return err
	}
	var indexBuf bytes.Buffer
	if _, err := index.WriteTo(&indexBuf); err != nil {
		return snapshot.NewIoError(err, "encoding row index for archive")
	}

	tw := tar.NewWriter(w)
	if err := writeArchiveEntry(tw, MetadataFile, bytes.NewReader(encoded), int64(len(encoded))); err != nil {
		return err
	}
	if err := writeArchiveEntry(tw, RowIndexFile, bytes.NewReader(indexBuf.Bytes()), int64(indexBuf.Len())); err != nil {
		return err
	}
	if rows != nil {
		if err := writeArchiveEntry(tw, RowsFile, rows, rowsLen); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return snapshot.NewIoError(err, "finishing archive")
	}
	return nil
}

func writeArchiveEntry(tw *tar.Writer, name string, r io.Reader, size int64) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    size,
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return snapshot.NewIoError(err, "writing archive header %s", name)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return snapshot.NewIoError(err, "writing archive entry %s", name)
	}
	return nil
}

// ReadArchive decodes the manifest and index entries of an archive. If
// the stream has a rows entry, Archive.Rows reads it; reading stops at
// that point so the payload is streamed rather than buffered.
func ReadArchive(r io.Reader) (*Archive, error) {
	tr := tar.NewReader(r)
	a := &Archive{}
	sawManifest, sawIndex := false, false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, snapshot.NewIoError(err, "reading archive")
		}
		switch hdr.Name {
		case MetadataFile:
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, snapshot.NewIoError(err, "reading archive manifest")
			}
			m, err := DecodeManifest(b)
			if err != nil {
				return nil, err
			}
			a.Manifest = m
			sawManifest = true
		case RowIndexFile:
			index, err := snapshot.ReadIndex(tr)
			if err != nil {
				return nil, err
			}
			a.Index = index
			sawIndex = true
		case RowsFile:
			if !sawManifest || !sawIndex {
				return nil, snapshot.NewIoError(nil, "archive rows entry precedes metadata")
			}
			a.Rows = tr
			return a, nil
		default:
			return nil, snapshot.NewIoError(nil, "unexpected archive entry %s", hdr.Name)
		}
	}
	if !sawManifest {
		return nil, snapshot.NewIoError(nil, "archive missing %s", MetadataFile)
	}
	if !sawIndex {
		return nil, snapshot.NewIoError(nil, "archive missing %s", RowIndexFile)
	}
	return a, nil
}
