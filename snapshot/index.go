package snapshot

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
)

const (
	indexMagic   = "SBIX"
	indexVersion = 1

	indexHeaderLen = 16
	indexRecordLen = hash.Size + 4 + 8
)

// IndexEntry is one row of a snapshot's index: the row's fingerprint and
// its zero-based position in source order.
type IndexEntry struct {
	Fingerprint RowFingerprint
	Position    uint64
}

// RowIndex holds a snapshot's row fingerprints in source order, with a
// digest lookup table for matching rows across snapshots.
type RowIndex struct {
	Entries []IndexEntry

	byDigest map[hash.Digest][]int
}

// NewRowIndex wraps entries, which must already be in position order.
func NewRowIndex(entries []IndexEntry) *RowIndex {
	x := &RowIndex{
		Entries:  entries,
		byDigest: make(map[hash.Digest][]int, len(entries)),
	}
	for i, e := range entries {
		x.byDigest[e.Fingerprint.Digest] = append(x.byDigest[e.Fingerprint.Digest], i)
	}
	return x
}

// Len returns the number of indexed rows.
func (x *RowIndex) Len() int {
	return len(x.Entries)
}

// Group returns the entries whose rows hash to d, in ascending occurrence
// order.
func (x *RowIndex) Group(d hash.Digest) []IndexEntry {
	idxs := x.byDigest[d]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]IndexEntry, len(idxs))
	for i, j := range idxs {
		out[i] = x.Entries[j]
	}
	return out
}

// Lookup returns the position of the row identified by fp.
func (x *RowIndex) Lookup(fp RowFingerprint) (uint64, bool) {
	for _, j := range x.byDigest[fp.Digest] {
		if x.Entries[j].Fingerprint.Occurrence == fp.Occurrence {
			return x.Entries[j].Position, true
		}
	}
	return 0, false
}

// IndexBuilder accumulates row digests in source order, assigning each an
// occurrence number and position.
type IndexBuilder struct {
	entries []IndexEntry
	counts  map[hash.Digest]uint32
}

func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{
		counts: make(map[hash.Digest]uint32),
	}
}

// Add records the next row's digest and returns its fingerprint.
func (b *IndexBuilder) Add(d hash.Digest) RowFingerprint {
	fp := RowFingerprint{
		Digest:     d,
		Occurrence: b.counts[d],
	}
	b.counts[d]++
	b.entries = append(b.entries, IndexEntry{
		Fingerprint: fp,
		Position:    uint64(len(b.entries)),
	})
	return fp
}

// Len returns the number of rows added so far.
func (b *IndexBuilder) Len() int {
	return len(b.entries)
}

// Build finalizes the index. The builder must not be used afterwards.
func (b *IndexBuilder) Build() *RowIndex {
	x := NewRowIndex(b.entries)
	b.entries = nil
	b.counts = nil
	return x
}

// WriteTo serializes the index in its binary form: a fixed header followed
// by one fixed-width record per row.
func (x *RowIndex) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var header [indexHeaderLen]byte
	copy(header[:4], indexMagic)
	binary.BigEndian.PutUint16(header[4:6], indexVersion)
	binary.BigEndian.PutUint64(header[8:16], uint64(len(x.Entries)))
	n, err := bw.Write(header[:])
	written := int64(n)
	if err != nil {
		return written, err
	}
	var rec [indexRecordLen]byte
	for _, e := range x.Entries {
		copy(rec[:hash.Size], e.Fingerprint.Digest[:])
		binary.BigEndian.PutUint32(rec[hash.Size:hash.Size+4], e.Fingerprint.Occurrence)
		binary.BigEndian.PutUint64(rec[hash.Size+4:], e.Position)
		n, err = bw.Write(rec[:])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	if err = bw.Flush(); err != nil {
		return written, err
	}
	return written, nil
}

// ReadIndex deserializes an index written by WriteTo.
func ReadIndex(r io.Reader) (*RowIndex, error) {
	br := bufio.NewReader(r)
	var header [indexHeaderLen]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, NewIoError(err, "row index: short header")
	}
	if string(header[:4]) != indexMagic {
		return nil, NewIoError(nil, "row index: bad magic %q", header[:4])
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != indexVersion {
		return nil, NewIoError(nil, "row index: unsupported version %d", v)
	}
	count := binary.BigEndian.Uint64(header[8:16])

	// Grow incrementally so a corrupt count can't force a huge allocation.
	capHint := count
	if capHint > 1<<20 {
		capHint = 1 << 20
	}
	entries := make([]IndexEntry, 0, capHint)
	var rec [indexRecordLen]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return nil, NewIoError(err, "row index: truncated at record %d of %d", i, count)
		}
		var e IndexEntry
		copy(e.Fingerprint.Digest[:], rec[:hash.Size])
		e.Fingerprint.Occurrence = binary.BigEndian.Uint32(rec[hash.Size : hash.Size+4])
		e.Position = binary.BigEndian.Uint64(rec[hash.Size+4:])
		entries = append(entries, e)
	}
	return NewRowIndex(entries), nil
}
