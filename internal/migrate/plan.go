// Package migrate diffs two module schemas into an ordered list of steps
// drawn from a closed set, or rejects the diff when it contains a change
// the planner refuses to automate.
package migrate

import (
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
)

// StepKind is one of the closed set of migration step kinds spec.md §4.6
// names.
type StepKind int

const (
	AddTable StepKind = iota
	AddColumns
	ChangeColumns
	ChangeAccess
	AddIndex
	RemoveIndex
	AddSequence
	RemoveSequence
	AddSchedule
	RemoveSchedule
	AddRowLevelSecurity
	RemoveRowLevelSecurity
	AddView
	RemoveView
	UpdateView
	RemoveConstraint
	DisconnectAllUsers
)

func (k StepKind) String() string {
	names := [...]string{
		"AddTable", "AddColumns", "ChangeColumns", "ChangeAccess",
		"AddIndex", "RemoveIndex", "AddSequence", "RemoveSequence",
		"AddSchedule", "RemoveSchedule", "AddRowLevelSecurity", "RemoveRowLevelSecurity",
		"AddView", "RemoveView", "UpdateView", "RemoveConstraint", "DisconnectAllUsers",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// ColumnChange describes one column added or changed by an AddColumns or
// ChangeColumns step.
type ColumnChange struct {
	Position uint32
	Name     string
	Type     sats.AlgebraicType
	OldName  string // set when this is a pure rename
}

// Step is one migration action. Only the fields relevant to Kind are
// populated; the rest are zero.
type Step struct {
	Kind StepKind

	Table   string
	Columns []ColumnChange

	Access schema.TableAccess

	IndexName      string
	SequenceName   string
	ScheduleColumn uint32
	ReducerName    string
	RLSName        string
	RLSFilter      string
	ViewName       string
	ViewBody       string
	ConstraintName string
}

// Diff computes the ordered migration plan taking old to new, or returns a
// SchemaMismatch error naming the offending table/column if new contains a
// change the planner refuses to automate.
func Diff(old, updated *schema.ModuleDef) ([]Step, error) {
	var disconnect bool
	var addTableSteps []Step
	var removalSteps []Step
	var columnSteps []Step
	var otherSteps []Step

	for i := range updated.Tables {
		nt := &updated.Tables[i]
		ot, existed := old.TableByName(nt.Name)
		if !existed {
			steps, err := newTableSteps(nt)
			if err != nil {
				return nil, err
			}
			addTableSteps = append(addTableSteps, steps...)
			continue
		}

		removed, err := diffRemovals(ot, nt)
		if err != nil {
			return nil, err
		}
		removalSteps = append(removalSteps, removed...)
		if len(removed) > 0 {
			disconnect = true
		}

		colSteps, mismatch := diffColumns(old, updated, ot, nt)
		if mismatch != nil {
			return nil, mismatch
		}
		for _, cs := range colSteps {
			if cs.Kind == ChangeColumns && !isPureRename(cs) {
				disconnect = true
			}
		}
		columnSteps = append(columnSteps, colSteps...)

		added, err := diffAdditions(ot, nt)
		if err != nil {
			return nil, err
		}
		otherSteps = append(otherSteps, added...)

		if ot.TableAccess != nt.TableAccess {
			otherSteps = append(otherSteps, Step{Kind: ChangeAccess, Table: nt.Name, Access: nt.TableAccess})
		}
	}

	viewSteps := diffViews(old, updated)
	otherSteps = append(otherSteps, viewSteps...)

	var out []Step
	if disconnect {
		out = append(out, Step{Kind: DisconnectAllUsers})
	}
	out = append(out, addTableSteps...)
	out = append(out, removalSteps...)
	out = append(out, columnSteps...)
	out = append(out, otherSteps...)
	return out, nil
}

func isPureRename(s Step) bool {
	if s.Kind != ChangeColumns {
		return false
	}
	for _, c := range s.Columns {
		if c.OldName == "" {
			return false
		}
	}
	return true
}

func newTableSteps(nt *schema.Table) ([]Step, error) {
	steps := []Step{{Kind: AddTable, Table: nt.Name}}
	for _, idx := range nt.Indexes {
		steps = append(steps, Step{Kind: AddIndex, Table: nt.Name, IndexName: idx.Name})
	}
	for _, seq := range nt.Sequences {
		steps = append(steps, Step{Kind: AddSequence, Table: nt.Name, SequenceName: seq.Name})
	}
	if nt.Schedule != nil {
		steps = append(steps, Step{Kind: AddSchedule, Table: nt.Name, ScheduleColumn: nt.Schedule.Column, ReducerName: nt.Schedule.ReducerName})
	}
	for _, rls := range nt.RLS {
		steps = append(steps, Step{Kind: AddRowLevelSecurity, Table: nt.Name, RLSName: rls.Name, RLSFilter: rls.Filter})
	}
	return steps, nil
}

// diffRemovals emits RemoveIndex/RemoveSequence/RemoveSchedule/
// RemoveRowLevelSecurity/RemoveConstraint for anything present in ot but
// absent (by name) from nt.
func diffRemovals(ot, nt *schema.Table) ([]Step, error) {
	var steps []Step

	have := func(name string, names []string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}

	var newIdxNames []string
	for _, idx := range nt.Indexes {
		newIdxNames = append(newIdxNames, idx.Name)
	}
	for _, idx := range ot.Indexes {
		if !have(idx.Name, newIdxNames) {
			steps = append(steps, Step{Kind: RemoveIndex, Table: nt.Name, IndexName: idx.Name})
		}
	}

	var newSeqNames []string
	for _, seq := range nt.Sequences {
		newSeqNames = append(newSeqNames, seq.Name)
	}
	for _, seq := range ot.Sequences {
		if !have(seq.Name, newSeqNames) {
			steps = append(steps, Step{Kind: RemoveSequence, Table: nt.Name, SequenceName: seq.Name})
		}
	}

	if ot.Schedule != nil && nt.Schedule == nil {
		steps = append(steps, Step{Kind: RemoveSchedule, Table: nt.Name})
	}

	var newRLSNames []string
	for _, r := range nt.RLS {
		newRLSNames = append(newRLSNames, r.Name)
	}
	for _, r := range ot.RLS {
		if !have(r.Name, newRLSNames) {
			steps = append(steps, Step{Kind: RemoveRowLevelSecurity, Table: nt.Name, RLSName: r.Name})
		}
	}

	var newConstraintNames []string
	for _, uc := range nt.Unique {
		newConstraintNames = append(newConstraintNames, uc.Name)
	}
	for _, uc := range ot.Unique {
		if !have(uc.Name, newConstraintNames) {
			steps = append(steps, Step{Kind: RemoveConstraint, Table: nt.Name, ConstraintName: uc.Name})
		}
	}

	return steps, nil
}

// diffAdditions emits AddIndex/AddSequence/AddSchedule/AddRowLevelSecurity
// for anything present in nt (by name) but absent from ot. Identical
// policies already present under the same name produce no step.
func diffAdditions(ot, nt *schema.Table) ([]Step, error) {
	var steps []Step

	hasIdx := func(name string) bool {
		for _, idx := range ot.Indexes {
			if idx.Name == name {
				return true
			}
		}
		return false
	}
	for _, idx := range nt.Indexes {
		if !hasIdx(idx.Name) {
			steps = append(steps, Step{Kind: AddIndex, Table: nt.Name, IndexName: idx.Name})
		}
	}

	hasSeq := func(name string) bool {
		for _, seq := range ot.Sequences {
			if seq.Name == name {
				return true
			}
		}
		return false
	}
	for _, seq := range nt.Sequences {
		if !hasSeq(seq.Name) {
			steps = append(steps, Step{Kind: AddSequence, Table: nt.Name, SequenceName: seq.Name})
		}
	}

	if nt.Schedule != nil && (ot.Schedule == nil || *ot.Schedule != *nt.Schedule) {
		steps = append(steps, Step{Kind: AddSchedule, Table: nt.Name, ScheduleColumn: nt.Schedule.Column, ReducerName: nt.Schedule.ReducerName})
	}

	for _, r := range nt.RLS {
		var match *schema.RowLevelSecurity
		for i := range ot.RLS {
			if ot.RLS[i].Name == r.Name {
				match = &ot.RLS[i]
				break
			}
		}
		if match == nil {
			steps = append(steps, Step{Kind: AddRowLevelSecurity, Table: nt.Name, RLSName: r.Name, RLSFilter: r.Filter})
		} else if match.Filter != r.Filter {
			// A changed RLS rule is modeled as remove-then-add by the
			// caller's ordering (the removal already ran in
			// diffRemovals only when the name itself disappeared); a
			// same-named rule whose body changed is instead treated as
			// an in-place AddRowLevelSecurity, since the closed step set
			// has no "ChangeRowLevelSecurity" kind.
			steps = append(steps, Step{Kind: AddRowLevelSecurity, Table: nt.Name, RLSName: r.Name, RLSFilter: r.Filter})
		}
		// else: identical policy under the same name, no step.
	}

	return steps, nil
}

func diffViews(old, updated *schema.ModuleDef) []Step {
	var steps []Step
	for _, nv := range updated.Views {
		ov, existed := old.ViewByName(nv.Name)
		if !existed {
			steps = append(steps, Step{Kind: AddView, ViewName: nv.Name, ViewBody: nv.Body})
			continue
		}
		if ov.Body != nv.Body {
			steps = append(steps, Step{Kind: UpdateView, ViewName: nv.Name, ViewBody: nv.Body})
		}
	}
	for _, ov := range old.Views {
		if _, existed := updated.ViewByName(ov.Name); !existed {
			steps = append(steps, Step{Kind: RemoveView, ViewName: ov.Name})
		}
	}
	return steps
}

// diffColumns compares ot's and nt's row types column-by-column. A
// position present in both with the same type but a different name is a
// rename. A position present only in nt (nt has more columns, ot's
// columns are an exact prefix) is an addition. A position present in both
// with a different, structurally-incompatible type is a rejection.
func diffColumns(old, updated *schema.ModuleDef, ot, nt *schema.Table) ([]Step, error) {
	oldRow, err := old.Typespace.Resolve(ot.RowType)
	if err != nil {
		return nil, errs.Wrap(errs.SchemaMismatch, err)
	}
	newRow, err := updated.Typespace.Resolve(nt.RowType)
	if err != nil {
		return nil, errs.Wrap(errs.SchemaMismatch, err)
	}

	var changed []ColumnChange
	n := len(oldRow.Elements)
	if len(newRow.Elements) < n {
		return nil, errs.Newf(errs.SchemaMismatch, "migrate: table %q dropped columns, which this planner cannot automate", nt.Name)
	}
	for i := 0; i < n; i++ {
		oldElem := oldRow.Elements[i]
		newElem := newRow.Elements[i]
		oldName, newName := nameOf(oldElem.Name), nameOf(newElem.Name)
		identical := oldName == newName && structurallyIdentical(oldElem.Type, newElem.Type, old.Typespace, updated.Typespace)
		if identical {
			continue
		}
		if !structurallyCompatible(oldElem.Type, newElem.Type, old.Typespace, updated.Typespace) {
			return nil, errs.Newf(errs.SchemaMismatch, "migrate: table %q column %d changed to an incompatible type", nt.Name, i)
		}
		cc := ColumnChange{Position: uint32(i), Name: newName, Type: newElem.Type}
		if oldName != newName {
			cc.OldName = oldName
		}
		changed = append(changed, cc)
	}

	var steps []Step
	if len(changed) > 0 {
		steps = append(steps, Step{Kind: ChangeColumns, Table: nt.Name, Columns: changed})
	}
	if len(newRow.Elements) > n {
		var added []ColumnChange
		for i := n; i < len(newRow.Elements); i++ {
			added = append(added, ColumnChange{Position: uint32(i), Name: nameOf(newRow.Elements[i].Name), Type: newRow.Elements[i].Type})
		}
		steps = append(steps, Step{Kind: AddColumns, Table: nt.Name, Columns: added})
	}
	return steps, nil
}

func nameOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// structurallyIdentical reports whether two column types are the exact
// same shape, with no allowed widening.
func structurallyIdentical(a, b sats.AlgebraicType, tsA, tsB *sats.Typespace) bool {
	ra, err := tsA.Resolve(a)
	if err != nil {
		return false
	}
	rb, err := tsB.Resolve(b)
	if err != nil {
		return false
	}
	if ra.Kind != rb.Kind {
		return false
	}
	switch ra.Kind {
	case sats.KindProduct:
		if len(ra.Elements) != len(rb.Elements) {
			return false
		}
		for i := range ra.Elements {
			if !structurallyIdentical(ra.Elements[i].Type, rb.Elements[i].Type, tsA, tsB) {
				return false
			}
		}
		return true
	case sats.KindSum:
		if len(ra.Variants) != len(rb.Variants) {
			return false
		}
		for i := range ra.Variants {
			if !structurallyIdentical(ra.Variants[i].Type, rb.Variants[i].Type, tsA, tsB) {
				return false
			}
		}
		return true
	case sats.KindArray:
		return structurallyIdentical(*ra.Elem, *rb.Elem, tsA, tsB)
	case sats.KindMap:
		return structurallyIdentical(*ra.Key, *rb.Key, tsA, tsB) && structurallyIdentical(*ra.Val, *rb.Val, tsA, tsB)
	default:
		return true
	}
}

// structurallyCompatible reports whether two column types share the same
// canonical layout — the bar spec.md §4.6 sets for an automatic
// ChangeColumns type change, as opposed to a rejected incompatible change.
func structurallyCompatible(a, b sats.AlgebraicType, tsA, tsB *sats.Typespace) bool {
	ra, err := tsA.Resolve(a)
	if err != nil {
		return false
	}
	rb, err := tsB.Resolve(b)
	if err != nil {
		return false
	}
	if ra.Kind != rb.Kind {
		// Widening an integer's width in place is the one cross-kind
		// case the planner still allows automatically, since it never
		// changes which bytes already on disk mean.
		signed := func(k sats.Kind) bool {
			switch k {
			case sats.KindI8, sats.KindI16, sats.KindI32, sats.KindI64, sats.KindI128, sats.KindI256:
				return true
			}
			return false
		}
		return ra.Kind.IsInteger() && rb.Kind.IsInteger() &&
			widthOf(ra.Kind) < widthOf(rb.Kind) && (!signed(ra.Kind) || signed(rb.Kind))
	}
	switch ra.Kind {
	case sats.KindProduct:
		if len(ra.Elements) != len(rb.Elements) {
			return false
		}
		for i := range ra.Elements {
			if !structurallyCompatible(ra.Elements[i].Type, rb.Elements[i].Type, tsA, tsB) {
				return false
			}
		}
		return true
	case sats.KindSum:
		if len(ra.Variants) != len(rb.Variants) {
			return false
		}
		for i := range ra.Variants {
			if !structurallyCompatible(ra.Variants[i].Type, rb.Variants[i].Type, tsA, tsB) {
				return false
			}
		}
		return true
	case sats.KindArray:
		return structurallyCompatible(*ra.Elem, *rb.Elem, tsA, tsB)
	case sats.KindMap:
		return structurallyCompatible(*ra.Key, *rb.Key, tsA, tsB) && structurallyCompatible(*ra.Val, *rb.Val, tsA, tsB)
	default:
		return true
	}
}

func widthOf(k sats.Kind) int {
	switch k {
	case sats.KindI8, sats.KindU8:
		return 8
	case sats.KindI16, sats.KindU16:
		return 16
	case sats.KindI32, sats.KindU32:
		return 32
	case sats.KindI64, sats.KindU64:
		return 64
	case sats.KindI128, sats.KindU128:
		return 128
	case sats.KindI256, sats.KindU256:
		return 256
	default:
		return 0
	}
}
