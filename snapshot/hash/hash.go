// Package hash provides deterministic content fingerprinting for cell values,
// rows, and columns. Digests depend only on canonicalized input bytes, never on
// memory layout or map iteration order, so they are stable across runs and
// across machines.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"time"
)

// Size is the digest width in bytes (256 bits).
const Size = sha256.Size

// Digest is a fixed-width content fingerprint.
type Digest [Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the leading 16 hex characters, used when embedding a digest in
// an identifier.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:8])
}

// MarshalText renders the digest as hex, so digests embed in JSON as strings
// rather than byte arrays.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("cannot parse digest %q: %v", s, err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("cannot parse digest %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Type tags prefixed to canonical payloads so that values of different declared
// types never collide (int 7 vs string "7"), and so that row/column/aggregate
// digests occupy separate domains.
const (
	tagNull   = 'n'
	tagInt    = 'i'
	tagFloat  = 'f'
	tagString = 's'
	tagBool   = 'b'
	tagTime   = 't'
	tagBytes  = 'x'
)

var (
	rowDomain = []byte("row\x00")
	colDomain = []byte("col\x00")
	aggDomain = []byte("agg\x00")
)

// Null is the reserved sentinel digest for a null cell. It is distinct from the
// digest of any real value, including the empty string and zero.
var Null = sum([]byte{tagNull})

// Canonical returns the exact tagged byte sequence a value hashes over. Two
// cells are content-equal iff their Canonical forms are byte-equal.
//
// Numeric canonicalization collapses formatting differences (1.50 and 1.5 hash
// identically) while preserving the integer/float distinction. Strings hash as
// their UTF-8 bytes, booleans as "true"/"false", timestamps as RFC3339Nano in
// UTC, binary as raw bytes. Nil yields the null sentinel payload.
//
// Canonical panics on a value outside the supported set; callers coerce source
// values to the canonical Go types before hashing.
func Canonical(v interface{}) []byte {
	switch v := v.(type) {
	case nil:
		return []byte{tagNull}
	case bool:
		if v {
			return []byte{tagBool, 't'}
		}
		return []byte{tagBool, 'f'}
	case int:
		return appendInt(int64(v))
	case int8:
		return appendInt(int64(v))
	case int16:
		return appendInt(int64(v))
	case int32:
		return appendInt(int64(v))
	case int64:
		return appendInt(v)
	case uint:
		return appendUint(uint64(v))
	case uint8:
		return appendUint(uint64(v))
	case uint16:
		return appendUint(uint64(v))
	case uint32:
		return appendUint(uint64(v))
	case uint64:
		return appendUint(v)
	case float32:
		return appendFloat(float64(v))
	case float64:
		return appendFloat(v)
	case string:
		return append([]byte{tagString}, v...)
	case []byte:
		return append([]byte{tagBytes}, v...)
	case time.Time:
		return append([]byte{tagTime}, v.UTC().Format(time.RFC3339Nano)...)
	default:
		panic(fmt.Errorf("hash: unsupported cell value type %T", v))
	}
}

func appendInt(i int64) []byte {
	return strconv.AppendInt([]byte{tagInt}, i, 10)
}

func appendUint(u uint64) []byte {
	return strconv.AppendUint([]byte{tagInt}, u, 10)
}

func appendFloat(f float64) []byte {
	// Shortest round-trip representation, so 1.50 and 1.5 canonicalize
	// identically.
	return strconv.AppendFloat([]byte{tagFloat}, f, 'g', -1, 64)
}

// Cell fingerprints a single canonicalized cell value.
func Cell(v interface{}) Digest {
	return sum(Canonical(v))
}

// Row fingerprints a row from its ordered cell digests.
func Row(cells []Digest) Digest {
	return sumDigests(rowDomain, cells)
}

// Column fingerprints a column from the ordered cell digests of that column.
func Column(cells []Digest) Digest {
	return sumDigests(colDomain, cells)
}

// Bytes fingerprints an arbitrary canonical byte sequence. Used for structured
// records (schema encodings) that are not cell values.
func Bytes(b []byte) Digest {
	return sum(b)
}

func sum(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

func sumDigests(domain []byte, ds []Digest) Digest {
	h := sha256.New()
	h.Write(domain)
	for _, d := range ds {
		h.Write(d[:])
	}
	var out Digest
	h.Sum(out[:0])
	return out
}

// Aggregate accumulates row fingerprints in row order into a single content
// digest, used as the cheap equality short-circuit between two snapshots.
type Aggregate struct {
	inner hash.Hash
	n     uint64
}

// NewAggregate starts an empty aggregate digest.
func NewAggregate() *Aggregate {
	a := &Aggregate{inner: sha256.New()}
	a.inner.Write(aggDomain)
	return a
}

// Add appends one row fingerprint.
func (a *Aggregate) Add(d Digest) {
	a.inner.Write(d[:])
	a.n++
}

// Count reports how many fingerprints were added.
func (a *Aggregate) Count() uint64 {
	return a.n
}

// Sum finalizes the aggregate. The Aggregate must not be reused after Sum.
func (a *Aggregate) Sum() Digest {
	var out Digest
	a.inner.Sum(out[:0])
	return out
}
