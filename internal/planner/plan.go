// Package planner rewrites a logical query plan into a physical one: it
// pushes filters toward the tables they constrain, turns equality
// predicates into index scans where an index exists, and promotes hash
// joins to index joins when the probed side has one.
package planner

import "github.com/spacetimedb/hostd/internal/sats"

// Label names one logical tuple-producing node in a plan — typically a
// table alias. Positions into the tuple a label produces are resolved
// late, by ComputePositions, so earlier rewrite passes can reorder the
// tree without tracking positions by hand.
type Label int

// IndexDef is one index available on a table, as the planner needs to
// see it: its id and the column positions it covers, leading column
// first.
type IndexDef struct {
	ID      string
	Columns []uint32
}

// UniqueConstraint names the column set a table guarantees is unique.
type UniqueConstraint struct {
	Columns []uint32
}

// TableSchema is the slice of a table's schema the planner consults:
// its indexes and unique constraints, keyed by column position rather
// than by the full internal/schema representation.
type TableSchema struct {
	Name    string
	Columns []string
	Indexes []IndexDef
	Unique  []UniqueConstraint
}

// TupleField addresses one column of one labeled tuple in the plan.
// LabelPos is nil until ComputePositions resolves it to the child index
// (0 for the left/only input, 1 for the right input of a join) that
// actually produces Label.
type TupleField struct {
	Label    Label
	LabelPos *int
	FieldPos uint32
}

// Unresolved reports whether ComputePositions still needs to run on
// this field.
func (f TupleField) Unresolved() bool { return f.LabelPos == nil }

// ExprKind discriminates a PhysicalExpr node.
type ExprKind int

const (
	ExprField ExprKind = iota
	ExprValue
	ExprEq
	ExprAnd
)

// Expr is a predicate or operand in a filter or join condition. Eq holds
// its field operand in Field and its value operand in Value; And holds
// its conjuncts in Exprs.
type Expr struct {
	Kind  ExprKind
	Field TupleField
	Value sats.Value
	Exprs []*Expr
}

func FieldExpr(f TupleField) *Expr  { return &Expr{Kind: ExprField, Field: f} }
func ValueExpr(v sats.Value) *Expr  { return &Expr{Kind: ExprValue, Value: v} }
func Eq(f TupleField, v sats.Value) *Expr {
	return &Expr{Kind: ExprEq, Field: f, Value: v}
}
func And(exprs ...*Expr) *Expr { return &Expr{Kind: ExprAnd, Exprs: exprs} }

// eachField calls fn on every TupleField reachable from e, including
// nested conjuncts.
func (e *Expr) eachField(fn func(*TupleField)) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ExprField, ExprEq:
		fn(&e.Field)
	case ExprAnd:
		for _, sub := range e.Exprs {
			sub.eachField(fn)
		}
	}
}

// Sarg is a single-argument index scan bound: the indexed column and
// the value it must equal. Only equality scans are modeled — spec.md
// §4.7 names no range-scan rewrite.
type Sarg struct {
	Col   uint32
	Value sats.Value
}

// Kind discriminates a Plan node.
type Kind int

const (
	TableScan Kind = iota
	IxScan
	Filter
	HashJoin
	IxJoin
	Project
	Union
	Intersect
	Sort
	Limit
)

// Plan is one physical plan node. Only the fields relevant to Kind are
// populated.
type Plan struct {
	Kind Kind

	// TableScan / IxScan
	Schema *TableSchema
	Label  Label

	// IxScan
	IndexID string
	Prefix  []sats.Value
	Arg     Sarg

	// Filter / Project / Sort / Limit
	Input *Plan

	// Filter
	Expr *Expr

	// HashJoin / IxJoin / Union / Intersect
	Lhs, Rhs *Plan

	// HashJoin / IxJoin
	LhsField TupleField
	Semi     bool
	Unique   bool

	// HashJoin only
	RhsField TupleField

	// IxJoin only: Rhs is always a TableScan; RhsIndex/RhsCol name the
	// index and column the join probes.
	RhsIndex string
	RhsCol   uint32

	// Project
	Columns []TupleField

	// Sort
	SortKeys []TupleField

	// Limit
	LimitN uint64
}

func NewTableScan(schema *TableSchema, label Label) *Plan {
	return &Plan{Kind: TableScan, Schema: schema, Label: label}
}

func NewFilter(input *Plan, expr *Expr) *Plan {
	return &Plan{Kind: Filter, Input: input, Expr: expr}
}

func NewHashJoin(lhs, rhs *Plan, lhsField, rhsField TupleField, semi bool) *Plan {
	return &Plan{Kind: HashJoin, Lhs: lhs, Rhs: rhs, LhsField: lhsField, RhsField: rhsField, Semi: semi}
}

func NewProject(input *Plan, cols []TupleField) *Plan {
	return &Plan{Kind: Project, Input: input, Columns: cols}
}

func NewUnion(lhs, rhs *Plan) *Plan {
	return &Plan{Kind: Union, Lhs: lhs, Rhs: rhs}
}

func NewIntersect(lhs, rhs *Plan) *Plan {
	return &Plan{Kind: Intersect, Lhs: lhs, Rhs: rhs}
}

func NewSort(input *Plan, keys []TupleField) *Plan {
	return &Plan{Kind: Sort, Input: input, SortKeys: keys}
}

func NewLimit(input *Plan, n uint64) *Plan {
	return &Plan{Kind: Limit, Input: input, LimitN: n}
}

// children returns p's immediate plan children in traversal order. Leaf
// nodes (TableScan, IxScan) return nil.
func (p *Plan) children() []*Plan {
	switch p.Kind {
	case Filter, Project, Sort, Limit:
		return []*Plan{p.Input}
	case HashJoin, IxJoin, Union, Intersect:
		return []*Plan{p.Lhs, p.Rhs}
	default:
		return nil
	}
}

// any reports whether p or any descendant satisfies pred.
func (p *Plan) any(pred func(*Plan) bool) bool {
	if p == nil {
		return false
	}
	if pred(p) {
		return true
	}
	for _, c := range p.children() {
		if c.any(pred) {
			return true
		}
	}
	return false
}

// producesLabel reports whether some TableScan or IxScan reachable from
// p carries the given label.
func producesLabel(p *Plan, label Label) bool {
	return p.any(func(n *Plan) bool {
		return (n.Kind == TableScan || n.Kind == IxScan) && n.Label == label
	})
}

// replaceScan returns a copy of the plan rooted at p with the TableScan
// carrying label replaced by wrap(scan). It reports whether a
// replacement was made.
func replaceScan(p *Plan, label Label, wrap func(*Plan) *Plan) (*Plan, bool) {
	if p == nil {
		return nil, false
	}
	if p.Kind == TableScan && p.Label == label {
		return wrap(p), true
	}
	switch p.Kind {
	case Filter:
		in, ok := replaceScan(p.Input, label, wrap)
		if !ok {
			return p, false
		}
		cp := *p
		cp.Input = in
		return &cp, true
	case Project, Sort, Limit:
		in, ok := replaceScan(p.Input, label, wrap)
		if !ok {
			return p, false
		}
		cp := *p
		cp.Input = in
		return &cp, true
	case HashJoin, IxJoin, Union, Intersect:
		if lhs, ok := replaceScan(p.Lhs, label, wrap); ok {
			cp := *p
			cp.Lhs = lhs
			return &cp, true
		}
		if rhs, ok := replaceScan(p.Rhs, label, wrap); ok {
			cp := *p
			cp.Rhs = rhs
			return &cp, true
		}
		return p, false
	default:
		return p, false
	}
}
