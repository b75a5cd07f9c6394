// Package ref resolves human-friendly snapshot references against a
// store backend. A reference is one of: an exact snapshot id, a user
// tag, the keyword "latest", a relative offset "~N" back from latest,
// or a timestamp naming the most recent snapshot at or before it.
package ref

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/store"
)

// Latest is the reserved reference naming the newest snapshot.
const Latest = "latest"

type Kind string

const (
	KindID        Kind = "id"
	KindTag       Kind = "tag"
	KindLatest    Kind = "latest"
	KindRelative  Kind = "relative"
	KindTimestamp Kind = "timestamp"
)

// Ref is a parsed reference expression. Only the field matching Kind is
// meaningful.
type Ref struct {
	Kind  Kind
	ID    snapshot.ID
	Tag   string
	Steps uint64
	At    time.Time
}

var relativeRE = regexp.MustCompile(`^~([0-9]+)$`)

// Parse classifies a reference expression without touching storage. The
// grammar forms are prefix-disjoint: ids carry the "snap-" prefix, tags
// must start with a letter and may not be "latest", timestamps start
// with a digit, offsets with '~'.
func Parse(reference string) (Ref, error) {
	expr := strings.TrimSpace(reference)
	if expr == "" {
		return Ref{}, snapshot.NewInvalidReferenceError("empty reference")
	}
	if id := snapshot.ID(expr); id.Valid() {
		return Ref{Kind: KindID, ID: id}, nil
	}
	if expr == Latest {
		return Ref{Kind: KindLatest}, nil
	}
	if m := relativeRE.FindStringSubmatch(expr); m != nil {
		steps, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Ref{}, snapshot.NewInvalidReferenceError("relative offset %q is out of range", expr)
		}
		return Ref{Kind: KindRelative, Steps: steps}, nil
	}
	if at, ok := parseTimestamp(expr); ok {
		return Ref{Kind: KindTimestamp, At: at}, nil
	}
	if err := snapshot.ValidateTag(expr); err == nil {
		return Ref{Kind: KindTag, Tag: expr}, nil
	}
	return Ref{}, snapshot.NewInvalidReferenceError("reference %q matches no supported form", reference)
}

// parseTimestamp accepts RFC3339 (with or without fractional seconds)
// and bare dates. A bare date names the whole day, so it resolves
// inclusively through its end.
func parseTimestamp(expr string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, expr); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", expr); err == nil {
		return t.Add(24*time.Hour - time.Nanosecond), true
	}
	return time.Time{}, false
}

// Resolver maps reference expressions to committed snapshots. It holds
// no state beyond the backend handle: every Resolve reads the backend
// at call time, so a concurrent commit is visible to the next call.
type Resolver struct {
	backend          store.Backend
	requireUniqueTag bool
}

func MakeResolver(backend store.Backend) *Resolver {
	return &Resolver{backend: backend}
}

// MakeStrictResolver returns a resolver that refuses tags naming more
// than one snapshot instead of picking the most recent.
func MakeStrictResolver(backend store.Backend) *Resolver {
	return &Resolver{backend: backend, requireUniqueTag: true}
}

// Resolve returns the meta of the snapshot the reference names.
func (r *Resolver) Resolve(ctx context.Context, workspace, dataset, reference string) (snapshot.Meta, error) {
	var none snapshot.Meta
	parsed, err := Parse(reference)
	if err != nil {
		return none, err
	}

	metas, err := r.backend.ListSnapshots(ctx, workspace, dataset)
	if err != nil {
		return none, err
	}
	if len(metas) == 0 {
		return none, snapshot.NewNotFoundError("dataset %s/%s has no snapshots", workspace, dataset)
	}

	switch parsed.Kind {
	case KindID:
		for _, m := range metas {
			if m.ID == parsed.ID {
				return m, nil
			}
		}
		return none, snapshot.NewNotFoundError("snapshot %v not found in %s/%s", parsed.ID, workspace, dataset)

	case KindLatest:
		return metas[len(metas)-1], nil

	case KindRelative:
		if parsed.Steps >= uint64(len(metas)) {
			return none, snapshot.NewNotFoundError("reference ~%d reaches before the first snapshot of %s/%s (%d total)",
				parsed.Steps, workspace, dataset, len(metas))
		}
		return metas[len(metas)-1-int(parsed.Steps)], nil

	case KindTag:
		var matches []snapshot.Meta
		for _, m := range metas {
			if m.Tag == parsed.Tag {
				matches = append(matches, m)
			}
		}
		if len(matches) == 0 {
			return none, snapshot.NewNotFoundError("tag %q not found in %s/%s", parsed.Tag, workspace, dataset)
		}
		if len(matches) > 1 && r.requireUniqueTag {
			return none, snapshot.NewAmbiguousReferenceError("tag %q names %d snapshots in %s/%s",
				parsed.Tag, len(matches), workspace, dataset)
		}
		return matches[len(matches)-1], nil

	case KindTimestamp:
		best := -1
		for i, m := range metas {
			if !m.CreatedAt.After(parsed.At) {
				best = i
			}
		}
		if best < 0 {
			return none, snapshot.NewNotFoundError("no snapshot of %s/%s at or before %v",
				workspace, dataset, parsed.At.Format(time.RFC3339))
		}
		return metas[best], nil
	}
	return none, snapshot.NewInvalidReferenceError("reference %q matches no supported form", reference)
}
