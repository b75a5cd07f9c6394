package snapshot

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/peter-fm/snapbase-sub001/snapshot/hash"
)

func TestMakeIDStable(t *testing.T) {
	agg := hash.Bytes([]byte("agg"))
	sch := hash.Bytes([]byte("schema"))
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	a := MakeID(agg, sch, "orders", 3, at)
	b := MakeID(agg, sch, "orders", 3, at)
	if a != b {
		t.Fatalf("same inputs produced different IDs: %v vs %v", a, b)
	}
	if !a.Valid() {
		t.Fatalf("generated ID %q is not valid", a)
	}
	if c := MakeID(agg, sch, "orders", 4, at); c == a {
		t.Fatalf("different seq produced same ID %v", c)
	}
	if c := MakeID(agg, sch, "users", 3, at); c == a {
		t.Fatalf("different dataset produced same ID %v", c)
	}
}

func TestIDValid(t *testing.T) {
	valid := []ID{"snap-0123456789abcdef", "snap-ffffffffffffffff"}
	for _, id := range valid {
		if !id.Valid() {
			t.Errorf("expected %q to be valid", id)
		}
	}
	invalid := []ID{
		"",
		"snap-",
		"snap-0123456789ABCDEF",
		"snap-0123456789abcde",
		"snap-0123456789abcdef0",
		"snip-0123456789abcdef",
		"0123456789abcdef",
	}
	for _, id := range invalid {
		if id.Valid() {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestValidateSchema(t *testing.T) {
	good := []ColumnSchema{
		{Name: "id", Type: TypeInteger, Position: 0},
		{Name: "name", Type: TypeString, Nullable: true, Position: 1},
	}
	if err := ValidateSchema(good); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	bad := map[string][]ColumnSchema{
		"empty": nil,
		"duplicate name": {
			{Name: "id", Type: TypeInteger, Position: 0},
			{Name: "id", Type: TypeString, Position: 1},
		},
		"empty name": {
			{Name: "", Type: TypeInteger, Position: 0},
		},
		"unknown type": {
			{Name: "id", Type: "decimal", Position: 0},
		},
		"gap in positions": {
			{Name: "id", Type: TypeInteger, Position: 0},
			{Name: "name", Type: TypeString, Position: 2},
		},
	}
	for name, cols := range bad {
		err := ValidateSchema(cols)
		if err == nil {
			t.Errorf("%s: expected error, got nil", name)
			continue
		}
		if _, ok := err.(SchemaError); !ok {
			t.Errorf("%s: expected SchemaError, got %T", name, err)
		}
	}
}

func TestSchemaDigestSensitivity(t *testing.T) {
	base := []ColumnSchema{
		{Name: "id", Type: TypeInteger, Position: 0},
		{Name: "amount", Type: TypeFloat, Nullable: true, Position: 1},
	}
	d := SchemaDigest(base)
	if d != SchemaDigest(base) {
		t.Fatalf("schema digest is not deterministic")
	}

	renamed := []ColumnSchema{
		{Name: "id", Type: TypeInteger, Position: 0},
		{Name: "total", Type: TypeFloat, Nullable: true, Position: 1},
	}
	retyped := []ColumnSchema{
		{Name: "id", Type: TypeInteger, Position: 0},
		{Name: "amount", Type: TypeString, Nullable: true, Position: 1},
	}
	flipped := []ColumnSchema{
		{Name: "id", Type: TypeInteger, Position: 0},
		{Name: "amount", Type: TypeFloat, Nullable: false, Position: 1},
	}
	reordered := []ColumnSchema{
		{Name: "amount", Type: TypeFloat, Nullable: true, Position: 0},
		{Name: "id", Type: TypeInteger, Position: 1},
	}
	for name, cols := range map[string][]ColumnSchema{
		"rename":       renamed,
		"type change":  retyped,
		"nullability":  flipped,
		"column order": reordered,
	} {
		if SchemaDigest(cols) == d {
			t.Errorf("%s did not change the schema digest", name)
		}
	}
}

func TestValidateTag(t *testing.T) {
	good := []string{"v1", "release-2024.03", "prod", "a", "Baseline_7"}
	for _, tag := range good {
		if err := ValidateTag(tag); err != nil {
			t.Errorf("expected tag %q to validate, got %v", tag, err)
		}
	}
	bad := []string{
		"",
		"latest",
		"snap-0123456789abcdef",
		"7days",
		"~1",
		"has space",
		"a/b",
		strings.Repeat("x", 200),
	}
	for _, tag := range bad {
		err := ValidateTag(tag)
		if err == nil {
			t.Errorf("expected tag %q to be rejected", tag)
			continue
		}
		if _, ok := err.(InvalidReferenceError); !ok {
			t.Errorf("tag %q: expected InvalidReferenceError, got %T", tag, err)
		}
	}
}

func TestMetaJSONDigestsAsHex(t *testing.T) {
	m := Meta{
		ID:              "snap-0123456789abcdef",
		Workspace:       "ws",
		Dataset:         "orders",
		Seq:             1,
		CreatedAt:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		SchemaDigest:    hash.Bytes([]byte("schema")),
		AggregateDigest: hash.Bytes([]byte("agg")),
		RowCount:        10,
		FormatVersion:   FormatVersion,
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"schema_digest":"`+m.SchemaDigest.String()+`"`) {
		t.Fatalf("schema digest not rendered as hex string: %s", s)
	}
	var back Meta
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.SchemaDigest != m.SchemaDigest || back.AggregateDigest != m.AggregateDigest {
		t.Fatalf("digests did not survive the round trip")
	}
	if strings.Contains(s, `"tag"`) {
		t.Fatalf("empty tag should be omitted: %s", s)
	}
}

func TestSnapshotColumn(t *testing.T) {
	s := &Snapshot{
		Columns: []ColumnSchema{
			{Name: "id", Type: TypeInteger, Position: 0},
			{Name: "name", Type: TypeString, Position: 1},
		},
	}
	c, ok := s.Column("name")
	if !ok || c.Type != TypeString {
		t.Fatalf("Column(name) = %+v, %v", c, ok)
	}
	if _, ok := s.Column("missing"); ok {
		t.Fatalf("Column(missing) unexpectedly found")
	}
}
