package schema

import (
	"unicode"

	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

// Validate checks md against every rule spec.md §4.5 names, returning the
// first violation found. A nil return means md is safe to publish.
func Validate(md *ModuleDef) error {
	if err := checkUniqueNames(md); err != nil {
		return err
	}
	for i := range md.Tables {
		if err := validateTable(md, &md.Tables[i]); err != nil {
			return err
		}
	}
	return nil
}

func checkUniqueNames(md *ModuleDef) error {
	tableNames := make(map[string]struct{})
	indexNames := make(map[string]struct{})
	constraintNames := make(map[string]struct{})
	sequenceNames := make(map[string]struct{})
	scheduleNames := make(map[string]struct{}) // keyed by table name, one schedule per table
	aliasNames := make(map[string]struct{})

	for _, t := range md.Tables {
		if !isValidIdentifier(t.Name) {
			return errs.Newf(errs.Validation, "schema: %q is not a valid identifier", t.Name)
		}
		if _, dup := tableNames[t.Name]; dup {
			return errs.Newf(errs.Validation, "schema: duplicate table name %q", t.Name)
		}
		tableNames[t.Name] = struct{}{}

		for _, idx := range t.Indexes {
			if _, dup := indexNames[idx.Name]; dup {
				return errs.Newf(errs.Validation, "schema: duplicate index name %q", idx.Name)
			}
			indexNames[idx.Name] = struct{}{}
		}
		for _, uc := range t.Unique {
			if _, dup := constraintNames[uc.Name]; dup {
				return errs.Newf(errs.Validation, "schema: duplicate constraint name %q", uc.Name)
			}
			constraintNames[uc.Name] = struct{}{}
		}
		for _, seq := range t.Sequences {
			if _, dup := sequenceNames[seq.Name]; dup {
				return errs.Newf(errs.Validation, "schema: duplicate sequence name %q", seq.Name)
			}
			sequenceNames[seq.Name] = struct{}{}
		}
		if t.Schedule != nil {
			if _, dup := scheduleNames[t.Name]; dup {
				return errs.Newf(errs.Validation, "schema: duplicate schedule on table %q", t.Name)
			}
			scheduleNames[t.Name] = struct{}{}
		}
	}
	for _, alias := range md.TypeAliases {
		if _, dup := aliasNames[alias.Name]; dup {
			return errs.Newf(errs.Validation, "schema: duplicate type alias %q", alias.Name)
		}
		aliasNames[alias.Name] = struct{}{}
	}
	return nil
}

func validateTable(md *ModuleDef, t *Table) error {
	rowType, err := md.Typespace.Resolve(t.RowType)
	if err != nil {
		return errs.Wrap(errs.Validation, err)
	}
	if rowType.Kind != sats.KindProduct {
		return errs.Newf(errs.Validation, "schema: table %q row type must resolve to a Product", t.Name)
	}
	numCols := uint32(len(rowType.Elements))

	checkColList := func(cols ColList) error {
		for _, c := range cols {
			if c >= numCols {
				return errs.Newf(errs.Validation, "schema: table %q references out-of-range column %d", t.Name, c)
			}
		}
		return nil
	}
	for _, idx := range t.Indexes {
		if err := checkColList(idx.Columns); err != nil {
			return err
		}
	}
	for _, uc := range t.Unique {
		if err := checkColList(uc.Columns); err != nil {
			return err
		}
	}
	for _, seq := range t.Sequences {
		if seq.Column >= numCols {
			return errs.Newf(errs.Validation, "schema: sequence %q references out-of-range column %d", seq.Name, seq.Column)
		}
		colType := rowType.Elements[seq.Column].Type
		resolvedCol, err := md.Typespace.Resolve(colType)
		if err != nil {
			return errs.Wrap(errs.Validation, err)
		}
		if !resolvedCol.Kind.IsInteger() {
			return errs.Newf(errs.Validation, "schema: sequence %q column must be an integer type, got %s", seq.Name, resolvedCol.Kind)
		}
		if seq.Increment == 0 {
			return errs.Newf(errs.Validation, "schema: sequence %q increment must be nonzero", seq.Name)
		}
		if seq.Min >= seq.Max {
			return errs.Newf(errs.Validation, "schema: sequence %q requires min < max", seq.Name)
		}
		if seq.Start < seq.Min || seq.Start > seq.Max {
			return errs.Newf(errs.Validation, "schema: sequence %q start %d out of range [%d,%d]", seq.Name, seq.Start, seq.Min, seq.Max)
		}
	}
	if t.Schedule != nil {
		if t.Schedule.Column >= numCols {
			return errs.Newf(errs.Validation, "schema: schedule on table %q references out-of-range column %d", t.Name, t.Schedule.Column)
		}
		colType := rowType.Elements[t.Schedule.Column].Type
		if !isTimestampType(colType, md.Typespace) {
			return errs.Newf(errs.Validation, "schema: schedule column on table %q must be Timestamp", t.Name)
		}
		reducer, ok := md.ReducerByName(t.Schedule.ReducerName)
		if !ok {
			return errs.Newf(errs.Validation, "schema: schedule on table %q names unknown reducer %q", t.Name, t.Schedule.ReducerName)
		}
		params, err := md.Typespace.Resolve(reducer.Params)
		if err != nil {
			return errs.Wrap(errs.Validation, err)
		}
		if len(params.Elements) == 0 {
			return errs.Newf(errs.Validation, "schema: scheduled reducer %q must accept the row type as its first argument", reducer.Name)
		}
		firstArg, err := md.Typespace.Resolve(params.Elements[0].Type)
		if err != nil {
			return errs.Wrap(errs.Validation, err)
		}
		if !typesStructurallyEqual(firstArg, rowType) {
			return errs.Newf(errs.Validation, "schema: scheduled reducer %q's first argument must match table %q's row type", reducer.Name, t.Name)
		}
	}
	if !rowType.CustomOrder && !isCanonicalOrder(rowType) {
		return errs.Newf(errs.Validation, "schema: table %q row type is not in canonical element order", t.Name)
	}
	return nil
}

// isTimestampType recognizes the canonical Timestamp encoding: a Product
// wrapping a single i64 (microseconds since epoch), matching how the rest
// of this codebase represents Timestamp as a plain SATS type rather than a
// distinguished AlgebraicType kind.
func isTimestampType(t sats.AlgebraicType, ts *sats.Typespace) bool {
	resolved, err := ts.Resolve(t)
	if err != nil {
		return false
	}
	if resolved.Kind != sats.KindProduct || len(resolved.Elements) != 1 {
		return false
	}
	inner, err := ts.Resolve(resolved.Elements[0].Type)
	if err != nil {
		return false
	}
	return inner.Kind == sats.KindI64
}

func typesStructurallyEqual(a, b sats.AlgebraicType) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case sats.KindProduct:
		if len(a.Elements) != len(b.Elements) {
			return false
		}
		for i := range a.Elements {
			if !typesStructurallyEqual(a.Elements[i].Type, b.Elements[i].Type) {
				return false
			}
		}
		return true
	case sats.KindSum:
		if len(a.Variants) != len(b.Variants) {
			return false
		}
		for i := range a.Variants {
			if !typesStructurallyEqual(a.Variants[i].Type, b.Variants[i].Type) {
				return false
			}
		}
		return true
	case sats.KindArray:
		return typesStructurallyEqual(*a.Elem, *b.Elem)
	case sats.KindMap:
		return typesStructurallyEqual(*a.Key, *b.Key) && typesStructurallyEqual(*a.Val, *b.Val)
	default:
		return true
	}
}

// isCanonicalOrder reports whether t's elements are already in the order
// sats.CanonicalOrder would assign — always true for this package's
// identity-order policy, kept as a named check so a future non-identity
// canonical order rule has one call site to change.
func isCanonicalOrder(t sats.AlgebraicType) bool {
	return sats.IsCanonicalOrder(t)
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}
