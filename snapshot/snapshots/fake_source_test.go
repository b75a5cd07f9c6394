package snapshots_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/snapshots"
)

func TestSliceSource(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		{Name: "id", Type: snapshot.TypeInteger, Position: 0},
	}
	rows := [][]interface{}{{int64(1)}, {int64(2)}}
	src := snapshots.MakeSliceSource(cols, rows)

	got, err := src.Columns(context.Background())
	if err != nil || !reflect.DeepEqual(got, cols) {
		t.Fatalf("Columns: %v %v", got, err)
	}

	rc, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	read, err := engine.ReadAll(rc)
	if err != nil || !reflect.DeepEqual(read, rows) {
		t.Fatalf("ReadAll: %v %v", read, err)
	}
}

func TestInvalidSource(t *testing.T) {
	src := snapshots.MakeInvalidSource()
	var se snapshot.SourceError

	if _, err := src.Columns(context.Background()); !errors.As(err, &se) {
		t.Fatalf("Columns: want SourceError, got %v", err)
	}
	if _, err := src.Open(context.Background()); !errors.As(err, &se) {
		t.Fatalf("Open: want SourceError, got %v", err)
	}
}

func TestFlakySource(t *testing.T) {
	cols := []snapshot.ColumnSchema{
		{Name: "id", Type: snapshot.TypeInteger, Position: 0},
	}
	rows := [][]interface{}{{int64(1)}, {int64(2)}, {int64(3)}}
	src := snapshots.MakeFlakySource(cols, rows, 2)

	rc, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	for i := 0; i < 2; i++ {
		if _, err := rc.Next(); err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
	}
	var se snapshot.SourceError
	if _, err := rc.Next(); !errors.As(err, &se) {
		t.Fatalf("row 2: want SourceError, got %v", err)
	}
}

func TestSequenceSource(t *testing.T) {
	src := snapshots.MakeSequenceSource(5)

	cols, err := src.Columns(context.Background())
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if err := snapshot.ValidateSchema(cols); err != nil {
		t.Fatalf("generated schema invalid: %v", err)
	}

	rc, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	rows, err := engine.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 5 || rows[3][0] != int64(3) || rows[3][1] != "row-3" {
		t.Fatalf("generated rows %v", rows)
	}
}
