package source

import (
	"context"
	"testing"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine/sqlengine"
)

func TestQuerySource(t *testing.T) {
	eng, err := sqlengine.New()
	if err != nil {
		t.Fatalf("sqlengine.New: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	cols := []snapshot.ColumnSchema{
		{Name: "id", Type: snapshot.TypeInteger, Position: 0},
		{Name: "name", Type: snapshot.TypeString, Nullable: true, Position: 1},
	}
	rows := [][]interface{}{
		{int64(2), "b"},
		{int64(1), nil},
	}
	if err := eng.Mount(ctx, "live", cols, engine.NewSliceReader(rows)); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	src := MakeQuerySource(eng, "SELECT id, name FROM live ORDER BY id")
	got, err := src.Columns(ctx)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if got[0].Name != "id" || got[0].Type != snapshot.TypeInteger {
		t.Fatalf("id column = %+v", got[0])
	}
	if got[1].Type != snapshot.TypeString || !got[1].Nullable {
		t.Fatalf("name column = %+v", got[1])
	}

	data := readAllRows(t, src)
	if len(data) != 2 {
		t.Fatalf("got %d rows", len(data))
	}
	if data[0][0].(int64) != 1 || data[0][1] != nil {
		t.Fatalf("first row = %v", data[0])
	}
}

func TestQuerySourceWidensIntToFloat(t *testing.T) {
	eng, err := sqlengine.New()
	if err != nil {
		t.Fatalf("sqlengine.New: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	src := MakeQuerySource(eng, "SELECT 1 AS v UNION ALL SELECT 2.5")
	cols, err := src.Columns(ctx)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if cols[0].Type != snapshot.TypeFloat {
		t.Fatalf("mixed int/float column inferred as %s", cols[0].Type)
	}
	data := readAllRows(t, src)
	for _, row := range data {
		if _, ok := row[0].(float64); !ok {
			t.Fatalf("value %v (%T) not widened to float64", row[0], row[0])
		}
	}
}

func TestQuerySourceBadQuery(t *testing.T) {
	eng, err := sqlengine.New()
	if err != nil {
		t.Fatalf("sqlengine.New: %v", err)
	}
	defer eng.Close()

	src := MakeQuerySource(eng, "SELECT * FROM missing_table")
	_, err = src.Columns(context.Background())
	if err == nil {
		t.Fatalf("query against missing table accepted")
	}
	if _, ok := err.(snapshot.SourceError); !ok {
		t.Fatalf("expected SourceError, got %T", err)
	}
}
