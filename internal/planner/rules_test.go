package planner

import (
	"testing"

	"github.com/spacetimedb/hostd/internal/sats"
)

func TestIndexScanRewrite(t *testing.T) {
	users := &TableSchema{
		Name:    "users",
		Columns: []string{"id", "name"},
		Indexes: []IndexDef{{ID: "users_id_idx", Columns: []uint32{0}}},
	}
	scan := NewTableScan(users, 0)
	filter := NewFilter(scan, Eq(TupleField{Label: 0, FieldPos: 0}, sats.U64Val(10)))

	out := Rewrite(filter)

	if out.Kind != IxScan {
		t.Fatalf("expected IxScan, got plan kind %v", out.Kind)
	}
	if out.IndexID != "users_id_idx" {
		t.Fatalf("expected users_id_idx, got %q", out.IndexID)
	}
	if out.Arg.Col != 0 {
		t.Fatalf("expected scan on column 0, got %d", out.Arg.Col)
	}
}

func TestConjunctionPushDown(t *testing.T) {
	a := &TableSchema{Name: "a", Columns: []string{"id", "x", "y"}}
	b := &TableSchema{Name: "b", Columns: []string{"id", "z"}}
	scanA := NewTableScan(a, 0)
	scanB := NewTableScan(b, 1)
	join := NewHashJoin(scanA, scanB,
		TupleField{Label: 0, FieldPos: 0},
		TupleField{Label: 1, FieldPos: 0},
		false,
	)
	pred := And(
		Eq(TupleField{Label: 0, FieldPos: 1}, sats.U64Val(1)),
		Eq(TupleField{Label: 0, FieldPos: 2}, sats.U64Val(2)),
		Eq(TupleField{Label: 1, FieldPos: 1}, sats.U64Val(3)),
	)
	filter := NewFilter(join, pred)

	out := Rewrite(filter)

	if out.Kind != HashJoin {
		t.Fatalf("expected the join to remain at the root, got %v", out.Kind)
	}
	if out.Lhs.Kind != Filter {
		t.Fatalf("expected a-predicates pushed onto a Filter over a, got %v", out.Lhs.Kind)
	}
	if out.Lhs.Input.Kind != TableScan || out.Lhs.Input.Label != 0 {
		t.Fatalf("expected the a-side filter to wrap a's TableScan")
	}
	if out.Lhs.Expr.Kind != ExprAnd || len(out.Lhs.Expr.Exprs) != 2 {
		t.Fatalf("expected both a-predicates combined, got %+v", out.Lhs.Expr)
	}
	if out.Rhs.Kind != Filter {
		t.Fatalf("expected the b-predicate pushed onto a Filter over b, got %v", out.Rhs.Kind)
	}
	if out.Rhs.Expr.Kind != ExprEq {
		t.Fatalf("expected a single predicate over b, got %+v", out.Rhs.Expr)
	}
}

func TestEqToIxScanPrefersSingleColumnIndex(t *testing.T) {
	schema := &TableSchema{
		Name:    "t",
		Columns: []string{"a", "b"},
		Indexes: []IndexDef{
			{ID: "leading_idx", Columns: []uint32{0, 1}},
			{ID: "single_idx", Columns: []uint32{0}},
		},
	}
	scan := NewTableScan(schema, 0)
	filter := NewFilter(scan, Eq(TupleField{Label: 0, FieldPos: 0}, sats.U64Val(5)))

	out := Rewrite(filter)

	if out.Kind != IxScan || out.IndexID != "single_idx" {
		t.Fatalf("expected single_idx preferred over leading_idx, got %v %q", out.Kind, out.IndexID)
	}
}

func TestEqToIxScanTieBreaksOnName(t *testing.T) {
	schema := &TableSchema{
		Name:    "t",
		Columns: []string{"a", "b", "c"},
		Indexes: []IndexDef{
			{ID: "zzz_idx", Columns: []uint32{0, 1}},
			{ID: "aaa_idx", Columns: []uint32{0, 2}},
		},
	}
	scan := NewTableScan(schema, 0)
	filter := NewFilter(scan, Eq(TupleField{Label: 0, FieldPos: 0}, sats.U64Val(5)))

	out := Rewrite(filter)

	if out.Kind != IxScan || out.IndexID != "aaa_idx" {
		t.Fatalf("expected lexicographically smallest leading-column index, got %q", out.IndexID)
	}
}

func TestHashToIxJoinPromotion(t *testing.T) {
	a := &TableSchema{Name: "a", Columns: []string{"id"}}
	b := &TableSchema{
		Name:    "b",
		Columns: []string{"a_id", "val"},
		Indexes: []IndexDef{{ID: "b_a_id_idx", Columns: []uint32{0}}},
	}
	scanA := NewTableScan(a, 0)
	scanB := NewTableScan(b, 1)
	join := NewHashJoin(scanA, scanB,
		TupleField{Label: 0, FieldPos: 0},
		TupleField{Label: 1, FieldPos: 0},
		false,
	)

	out := Rewrite(join)

	if out.Kind != IxJoin {
		t.Fatalf("expected IxJoin, got %v", out.Kind)
	}
	if out.RhsIndex != "b_a_id_idx" {
		t.Fatalf("expected b_a_id_idx, got %q", out.RhsIndex)
	}
}

func TestUniqueIxJoinRuleSetsUnique(t *testing.T) {
	a := &TableSchema{Name: "a", Columns: []string{"id"}}
	b := &TableSchema{
		Name:    "b",
		Columns: []string{"a_id"},
		Indexes: []IndexDef{{ID: "b_a_id_idx", Columns: []uint32{0}}},
		Unique:  []UniqueConstraint{{Columns: []uint32{0}}},
	}
	scanA := NewTableScan(a, 0)
	scanB := NewTableScan(b, 1)
	join := NewHashJoin(scanA, scanB,
		TupleField{Label: 0, FieldPos: 0},
		TupleField{Label: 1, FieldPos: 0},
		false,
	)

	out := Rewrite(join)

	if out.Kind != IxJoin || !out.Unique {
		t.Fatalf("expected a unique IxJoin, got kind=%v unique=%v", out.Kind, out.Unique)
	}
}

func TestComputePositionsResolvesJoinSides(t *testing.T) {
	a := &TableSchema{Name: "a", Columns: []string{"id"}}
	b := &TableSchema{Name: "b", Columns: []string{"a_id"}}
	scanA := NewTableScan(a, 0)
	scanB := NewTableScan(b, 1)
	join := NewHashJoin(scanA, scanB,
		TupleField{Label: 0, FieldPos: 0},
		TupleField{Label: 1, FieldPos: 0},
		false,
	)

	out := Rewrite(join)

	if out.LhsField.LabelPos == nil || *out.LhsField.LabelPos != 0 {
		t.Fatalf("expected lhs field resolved to side 0, got %+v", out.LhsField.LabelPos)
	}
	if out.RhsField.LabelPos == nil || *out.RhsField.LabelPos != 1 {
		t.Fatalf("expected rhs field resolved to side 1, got %+v", out.RhsField.LabelPos)
	}
}
