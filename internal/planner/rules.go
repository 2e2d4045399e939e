package planner

import "sort"

// Rewrite applies every rule to a fixpoint: passes keep running until one
// completes with no change anywhere in the tree.
func Rewrite(p *Plan) *Plan {
	for {
		next, changed := rewriteOnce(p)
		if !changed {
			return next
		}
		p = next
	}
}

var passes = []func(*Plan) (*Plan, bool){
	computePositionsAt,
	pushEqFilterAt,
	pushConjunctionAt,
	eqToIxScanAt,
	conjunctionToIxScanAt,
	hashToIxJoinAt,
	uniqueIxJoinAt,
	uniqueHashJoinAt,
}

// rewriteOnce rewrites p's children first, then tries each pass at p
// itself, stopping at the first one that matches. It reports whether
// anything changed anywhere in the subtree.
func rewriteOnce(p *Plan) (*Plan, bool) {
	if p == nil {
		return nil, false
	}

	changedBelow := false
	switch p.Kind {
	case Filter, Project, Sort, Limit:
		in, ok := rewriteOnce(p.Input)
		if ok {
			cp := *p
			cp.Input = in
			p = &cp
			changedBelow = true
		}
	case HashJoin, IxJoin, Union, Intersect:
		lhs, ok1 := rewriteOnce(p.Lhs)
		rhs, ok2 := rewriteOnce(p.Rhs)
		if ok1 || ok2 {
			cp := *p
			cp.Lhs, cp.Rhs = lhs, rhs
			p = &cp
			changedBelow = true
		}
	}

	for _, pass := range passes {
		if next, ok := pass(p); ok {
			return next, true
		}
	}
	return p, changedBelow
}

// labelPosIn returns the child index (0 or 1) of p that produces label,
// or nil if p does not produce it at all.
func labelPosIn(p *Plan, label Label) *int {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case TableScan, IxScan:
		if p.Label == label {
			zero := 0
			return &zero
		}
		return nil
	case Filter, Project, Sort, Limit:
		return labelPosIn(p.Input, label)
	case HashJoin, IxJoin, Union, Intersect:
		if producesLabel(p.Lhs, label) {
			zero := 0
			return &zero
		}
		if producesLabel(p.Rhs, label) {
			one := 1
			return &one
		}
		return nil
	default:
		return nil
	}
}

// computePositionsAt resolves every unresolved TupleField.LabelPos in a
// Filter's predicate or a join's key fields, against that node's own
// input(s).
func computePositionsAt(p *Plan) (*Plan, bool) {
	switch p.Kind {
	case Filter:
		if !anyUnresolved(p.Expr) {
			return p, false
		}
		expr := resolveExpr(p.Expr, p.Input)
		cp := *p
		cp.Expr = expr
		return &cp, true
	case HashJoin:
		if !p.LhsField.Unresolved() && !p.RhsField.Unresolved() {
			return p, false
		}
		cp := *p
		if p.LhsField.Unresolved() {
			cp.LhsField.LabelPos = labelPosIn(p, p.LhsField.Label)
		}
		if p.RhsField.Unresolved() {
			cp.RhsField.LabelPos = labelPosIn(p, p.RhsField.Label)
		}
		return &cp, true
	case IxJoin:
		if !p.LhsField.Unresolved() {
			return p, false
		}
		cp := *p
		cp.LhsField.LabelPos = labelPosIn(p, p.LhsField.Label)
		return &cp, true
	default:
		return p, false
	}
}

func anyUnresolved(e *Expr) bool {
	found := false
	e.eachField(func(f *TupleField) {
		if f.Unresolved() {
			found = true
		}
	})
	return found
}

func resolveExpr(e *Expr, input *Plan) *Expr {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ExprField:
		if !e.Field.Unresolved() {
			return e
		}
		cp := *e
		cp.Field.LabelPos = labelPosIn(input, e.Field.Label)
		return &cp
	case ExprEq:
		if !e.Field.Unresolved() {
			return e
		}
		cp := *e
		cp.Field.LabelPos = labelPosIn(input, e.Field.Label)
		return &cp
	case ExprAnd:
		exprs := make([]*Expr, len(e.Exprs))
		for i, sub := range e.Exprs {
			exprs[i] = resolveExpr(sub, input)
		}
		cp := *e
		cp.Exprs = exprs
		return &cp
	default:
		return e
	}
}

// pushEqFilterAt pushes Filter(input, field = value) down to wrap the
// TableScan that produces field's label, when input is not already that
// scan.
func pushEqFilterAt(p *Plan) (*Plan, bool) {
	if p.Kind != Filter || p.Expr.Kind != ExprEq {
		return p, false
	}
	if p.Input.Kind == TableScan {
		return p, false
	}
	label := p.Expr.Field.Label
	if !producesLabel(p.Input, label) {
		return p, false
	}
	expr := p.Expr
	wrapped, ok := replaceScan(p.Input, label, func(scan *Plan) *Plan {
		return NewFilter(scan, expr)
	})
	if !ok {
		return p, false
	}
	return wrapped, true
}

// pushConjunctionAt pushes the conjuncts of Filter(input, and(...)) that
// reference a single descendant TableScan down to wrap that scan,
// keeping the rest (if any) in a Filter above.
func pushConjunctionAt(p *Plan) (*Plan, bool) {
	if p.Kind != Filter || p.Expr.Kind != ExprAnd {
		return p, false
	}
	if p.Input.Kind == TableScan {
		return p, false
	}

	var target *Label
	for _, e := range p.Expr.Exprs {
		if e.Kind != ExprEq {
			continue
		}
		if producesLabel(p.Input, e.Field.Label) {
			l := e.Field.Label
			target = &l
			break
		}
	}
	if target == nil {
		return p, false
	}

	var leaf, root []*Expr
	for _, e := range p.Expr.Exprs {
		if e.Kind == ExprEq && e.Field.Label == *target {
			leaf = append(leaf, e)
		} else {
			root = append(root, e)
		}
	}

	wrapped, ok := replaceScan(p.Input, *target, func(scan *Plan) *Plan {
		return NewFilter(scan, combine(leaf))
	})
	if !ok {
		return p, false
	}
	if len(root) == 0 {
		return wrapped, true
	}
	return NewFilter(wrapped, combine(root)), true
}

func combine(exprs []*Expr) *Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return And(exprs...)
}

// findIndex applies spec.md §4.7's tie-break: prefer the exact
// single-column index over a matching leading column, then fewest
// columns, then lexicographically smallest name.
func findIndex(schema *TableSchema, col uint32) (string, bool) {
	var exact []IndexDef
	var leading []IndexDef
	for _, idx := range schema.Indexes {
		if len(idx.Columns) == 1 && idx.Columns[0] == col {
			exact = append(exact, idx)
		} else if len(idx.Columns) > 0 && idx.Columns[0] == col {
			leading = append(leading, idx)
		}
	}
	pick := func(candidates []IndexDef) (string, bool) {
		if len(candidates) == 0 {
			return "", false
		}
		sort.Slice(candidates, func(i, j int) bool {
			if len(candidates[i].Columns) != len(candidates[j].Columns) {
				return len(candidates[i].Columns) < len(candidates[j].Columns)
			}
			return candidates[i].ID < candidates[j].ID
		})
		return candidates[0].ID, true
	}
	if id, ok := pick(exact); ok {
		return id, true
	}
	return pick(leading)
}

// eqToIxScanAt turns Filter(TableScan(s), field = value) into an IxScan
// when s has a matching index.
func eqToIxScanAt(p *Plan) (*Plan, bool) {
	if p.Kind != Filter || p.Expr.Kind != ExprEq || p.Input.Kind != TableScan {
		return p, false
	}
	id, ok := findIndex(p.Input.Schema, p.Expr.Field.FieldPos)
	if !ok {
		return p, false
	}
	return &Plan{
		Kind:    IxScan,
		Schema:  p.Input.Schema,
		Label:   p.Input.Label,
		IndexID: id,
		Arg:     Sarg{Col: p.Expr.Field.FieldPos, Value: p.Expr.Value},
	}, true
}

// conjunctionToIxScanAt is eqToIxScanAt's variant for a conjunction: it
// picks the first conjunct with a matching index and leaves the rest as
// a Filter above the resulting IxScan.
func conjunctionToIxScanAt(p *Plan) (*Plan, bool) {
	if p.Kind != Filter || p.Expr.Kind != ExprAnd || p.Input.Kind != TableScan {
		return p, false
	}
	for i, e := range p.Expr.Exprs {
		if e.Kind != ExprEq {
			continue
		}
		id, ok := findIndex(p.Input.Schema, e.Field.FieldPos)
		if !ok {
			continue
		}
		scan := &Plan{
			Kind:    IxScan,
			Schema:  p.Input.Schema,
			Label:   p.Input.Label,
			IndexID: id,
			Arg:     Sarg{Col: e.Field.FieldPos, Value: e.Value},
		}
		rest := make([]*Expr, 0, len(p.Expr.Exprs)-1)
		rest = append(rest, p.Expr.Exprs[:i]...)
		rest = append(rest, p.Expr.Exprs[i+1:]...)
		if len(rest) == 0 {
			return scan, true
		}
		return NewFilter(scan, combine(rest)), true
	}
	return p, false
}

// hashToIxJoinAt promotes HashJoin(lhs, TableScan(rhs), rhs_field =
// lhs_field, semi) to an IxJoin when rhs has a single-column index on
// rhs_field.
func hashToIxJoinAt(p *Plan) (*Plan, bool) {
	if p.Kind != HashJoin || p.Rhs.Kind != TableScan {
		return p, false
	}
	id, ok := findSingletonIndex(p.Rhs.Schema, p.RhsField.FieldPos)
	if !ok {
		return p, false
	}
	return &Plan{
		Kind:     IxJoin,
		Lhs:      p.Lhs,
		Rhs:      p.Rhs,
		RhsIndex: id,
		RhsCol:   p.RhsField.FieldPos,
		LhsField: p.LhsField,
		Semi:     p.Semi,
		Unique:   false,
	}, true
}

// findSingletonIndex returns the index id of the single-column index on
// col, if any — HashToIxJoin only matches an exact singleton, no
// leading-column fallback (spec.md §4.7 rule 6 names a single-column
// index specifically).
func findSingletonIndex(schema *TableSchema, col uint32) (string, bool) {
	for _, idx := range schema.Indexes {
		if len(idx.Columns) == 1 && idx.Columns[0] == col {
			return idx.ID, true
		}
	}
	return "", false
}

func hasSingletonUnique(schema *TableSchema, col uint32) bool {
	for _, uc := range schema.Unique {
		if len(uc.Columns) == 1 && uc.Columns[0] == col {
			return true
		}
	}
	return false
}

// uniqueIxJoinAt marks an IxJoin unique once the probed column is known
// to be a unique key on the right side.
func uniqueIxJoinAt(p *Plan) (*Plan, bool) {
	if p.Kind != IxJoin || p.Unique {
		return p, false
	}
	if !hasSingletonUnique(p.Rhs.Schema, p.RhsCol) {
		return p, false
	}
	cp := *p
	cp.Unique = true
	return &cp, true
}

// uniqueHashJoinAt marks a HashJoin unique once the probed column is
// known to return at most one row on the right side.
func uniqueHashJoinAt(p *Plan) (*Plan, bool) {
	if p.Kind != HashJoin || p.Unique {
		return p, false
	}
	if p.Rhs.Kind != TableScan && p.Rhs.Kind != IxScan {
		return p, false
	}
	if !hasSingletonUnique(p.Rhs.Schema, p.RhsField.FieldPos) {
		return p, false
	}
	cp := *p
	cp.Unique = true
	return &cp, true
}
