package schema

import (
	"testing"

	"github.com/spacetimedb/hostd/internal/sats"
)

func timestampType() sats.AlgebraicType {
	return sats.Product(sats.Field("micros_since_epoch", sats.I64()))
}

func TestValidateAcceptsWellFormedModule(t *testing.T) {
	ts := sats.NewTypespace()
	userRow := sats.Product(
		sats.Field("id", sats.U64()),
		sats.Field("name", sats.StringT()),
	)
	md := &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{
				Name:    "users",
				RowType: userRow,
				Indexes: []Index{{Name: "users_id_idx", Kind: IndexBTree, Columns: ColList{0}}},
				Unique:  []UniqueConstraint{{Name: "users_id_unique", Columns: ColList{0}}},
			},
		},
	}
	if err := Validate(md); err != nil {
		t.Fatalf("expected valid module, got %v", err)
	}
}

func TestValidateRejectsDuplicateTableNames(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(sats.Field("id", sats.U64()))
	md := &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{Name: "users", RowType: rowType},
			{Name: "users", RowType: rowType},
		},
	}
	if err := Validate(md); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestValidateRejectsBadColList(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(sats.Field("id", sats.U64()))
	md := &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{Name: "users", RowType: rowType, Indexes: []Index{{Name: "bad", Columns: ColList{5}}}},
		},
	}
	if err := Validate(md); err == nil {
		t.Fatal("expected out-of-range column error")
	}
}

func TestValidateRejectsBadSequence(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(sats.Field("id", sats.U64()), sats.Field("name", sats.StringT()))
	md := &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{Name: "users", RowType: rowType, Sequences: []Sequence{
				{Name: "seq", Column: 1, Start: 0, Min: 0, Max: 10, Increment: 1},
			}},
		},
	}
	if err := Validate(md); err == nil {
		t.Fatal("expected non-integer sequence column error")
	}
}

func TestValidateScheduleResolvesReducer(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(
		sats.Field("id", sats.U64()),
		sats.Field("due", timestampType()),
	)
	md := &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{
				Name:     "jobs",
				RowType:  rowType,
				Schedule: &Schedule{Column: 1, ReducerName: "run_job"},
			},
		},
		Reducers: []Reducer{
			{Name: "run_job", Params: sats.Product(sats.Field("row", rowType))},
		},
	}
	if err := Validate(md); err != nil {
		t.Fatalf("expected valid module, got %v", err)
	}
}

func TestValidateScheduleRejectsUnknownReducer(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(
		sats.Field("id", sats.U64()),
		sats.Field("due", timestampType()),
	)
	md := &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{Name: "jobs", RowType: rowType, Schedule: &Schedule{Column: 1, ReducerName: "missing"}},
		},
	}
	if err := Validate(md); err == nil {
		t.Fatal("expected unknown-reducer error")
	}
}
