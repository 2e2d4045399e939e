package schema

import (
	"reflect"
	"testing"

	"github.com/spacetimedb/hostd/internal/sats"
)

func buildSampleDef() *ModuleDef {
	ts := sats.NewTypespace()
	personRef := ts.Add(sats.Product(
		sats.Field("id", sats.U64()),
		sats.Field("name", sats.StringT()),
	))
	argsRef := ts.Add(sats.Product(sats.Field("name", sats.StringT())))

	return &ModuleDef{
		Typespace: ts,
		Tables: []Table{
			{
				Name:    "person",
				RowType: sats.RefTo(personRef),
				Indexes: []Index{
					{Name: "person_id_idx", Kind: IndexDirect, Columns: ColList{0}},
				},
				Unique: []UniqueConstraint{
					{Name: "person_id_unique", Columns: ColList{0}},
				},
				Sequences: []Sequence{
					{Name: "person_id_seq", Column: 0, Start: 1, Min: 1, Max: 1000, Increment: 1},
				},
				Schedule: &Schedule{Column: 1, ReducerName: "on_person_due"},
				RLS: []RowLevelSecurity{
					{Name: "owner_only", Filter: "owner = :sender"},
				},
				TableType:   TableTypeUser,
				TableAccess: AccessPublic,
			},
			{
				Name:        "system_log",
				RowType:     sats.Product(sats.Field("message", sats.StringT())),
				TableType:   TableTypeSystem,
				TableAccess: AccessPrivate,
			},
		},
		Reducers: []Reducer{
			{Name: "add_person", Params: sats.RefTo(argsRef)},
		},
		TypeAliases: []TypeAlias{
			{Name: "Person", Ref: personRef},
		},
		Views: []View{
			{Name: "person_names", Body: "select name from person"},
		},
	}
}

func TestEncodeDecodeModuleDefRoundTrip(t *testing.T) {
	want := buildSampleDef()

	raw, err := EncodeModuleDef(want)
	if err != nil {
		t.Fatalf("EncodeModuleDef: %v", err)
	}

	got, err := DecodeModuleDef(raw)
	if err != nil {
		t.Fatalf("DecodeModuleDef: %v", err)
	}

	if got.Typespace.Len() != want.Typespace.Len() {
		t.Fatalf("typespace length mismatch: want %d got %d", want.Typespace.Len(), got.Typespace.Len())
	}
	for i := 0; i < want.Typespace.Len(); i++ {
		wt, err := want.Typespace.Get(sats.Ref(i))
		if err != nil {
			t.Fatalf("want.Typespace.Get(%d): %v", i, err)
		}
		gt, err := got.Typespace.Get(sats.Ref(i))
		if err != nil {
			t.Fatalf("got.Typespace.Get(%d): %v", i, err)
		}
		if !reflect.DeepEqual(wt, gt) {
			t.Fatalf("typespace entry %d mismatch:\n want %+v\n  got %+v", i, wt, gt)
		}
	}

	if !reflect.DeepEqual(want.Tables, got.Tables) {
		t.Fatalf("tables mismatch:\n want %+v\n  got %+v", want.Tables, got.Tables)
	}
	if !reflect.DeepEqual(want.Reducers, got.Reducers) {
		t.Fatalf("reducers mismatch:\n want %+v\n  got %+v", want.Reducers, got.Reducers)
	}
	if !reflect.DeepEqual(want.TypeAliases, got.TypeAliases) {
		t.Fatalf("type aliases mismatch:\n want %+v\n  got %+v", want.TypeAliases, got.TypeAliases)
	}
	if !reflect.DeepEqual(want.Views, got.Views) {
		t.Fatalf("views mismatch:\n want %+v\n  got %+v", want.Views, got.Views)
	}
}

func TestEncodeModuleDefEmpty(t *testing.T) {
	def := &ModuleDef{Typespace: sats.NewTypespace()}
	raw, err := EncodeModuleDef(def)
	if err != nil {
		t.Fatalf("EncodeModuleDef: %v", err)
	}
	got, err := DecodeModuleDef(raw)
	if err != nil {
		t.Fatalf("DecodeModuleDef: %v", err)
	}
	if got.Typespace.Len() != 0 || len(got.Tables) != 0 || len(got.Reducers) != 0 {
		t.Fatalf("expected empty decoded module def, got %+v", got)
	}
}
