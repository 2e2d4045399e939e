// Package schema defines the validated form of a module's self-description
// — tables, indexes, constraints, sequences, schedules, and reducers — and
// the checks a raw description must pass before the host will publish it.
package schema

import "github.com/spacetimedb/hostd/internal/sats"

// TableType distinguishes host-owned system tables from user-defined ones.
type TableType uint8

const (
	TableTypeUser TableType = iota
	TableTypeSystem
)

// TableAccess controls whether a table's rows are visible to subscribers
// outside the identities the module explicitly grants access to.
type TableAccess uint8

const (
	AccessPublic TableAccess = iota
	AccessPrivate
)

// IndexKind distinguishes a direct single-column lookup index from a
// general B-tree index over one or more columns.
type IndexKind uint8

const (
	IndexBTree IndexKind = iota
	IndexDirect
)

// ColList is an ordered list of column positions within a table's row type.
type ColList []uint32

// Index is a named lookup structure over a ColList.
type Index struct {
	Name    string
	Kind    IndexKind
	Columns ColList
}

// UniqueConstraint names a ColList whose values must be unique per row.
type UniqueConstraint struct {
	Name    string
	Columns ColList
}

// Sequence is a monotone generator bound to one integer column.
type Sequence struct {
	Name      string
	Column    uint32
	Start     int64
	Min       int64
	Max       int64
	Increment int64
}

// Schedule marks a table as producing timer-fired reducer calls: the
// column holding the due Timestamp, and the reducer to invoke with that
// row as its argument.
type Schedule struct {
	Column      uint32
	ReducerName string
}

// RowLevelSecurity is one named, opaquely-stored filter attached to a
// table. The planner does not interpret the filter body; only
// internal/rls evaluates it against a caller identity at query time.
type RowLevelSecurity struct {
	Name   string
	Filter string
}

// Table is one table's full validated definition.
type Table struct {
	Name          string
	RowType       sats.AlgebraicType // a Ref into the owning ModuleDef's Typespace
	Indexes       []Index
	Unique        []UniqueConstraint
	Sequences     []Sequence
	Schedule      *Schedule
	RLS           []RowLevelSecurity
	TableType     TableType
	TableAccess   TableAccess
}

// Reducer is one declared reducer: its name and its formal parameter
// types as a Product (the argument tuple __call_reducer__ decodes into).
type Reducer struct {
	Name   string
	Params sats.AlgebraicType // Product
}

// TypeAlias names a typespace Ref so it can be referenced by name from
// client codegen or other modules — unused internally beyond the
// uniqueness check validation enforces.
type TypeAlias struct {
	Name string
	Ref  sats.Ref
}

// View is a named read-only query over the module's tables. The migration
// planner treats its Body opaquely — changing the body without changing
// the view's external (column) shape still needs to be flagged, which is
// what UpdateView is for.
type View struct {
	Name string
	Body string
}

// ModuleDef is a module's complete validated self-description, built once
// per publish and shared by reference thereafter.
type ModuleDef struct {
	Typespace   *sats.Typespace
	Tables      []Table
	Reducers    []Reducer
	TypeAliases []TypeAlias
	Views       []View
}

// ViewByName returns the view named name, if any.
func (m *ModuleDef) ViewByName(name string) (*View, bool) {
	for i := range m.Views {
		if m.Views[i].Name == name {
			return &m.Views[i], true
		}
	}
	return nil, false
}

// TableByName returns the table named name, if any.
func (m *ModuleDef) TableByName(name string) (*Table, bool) {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i], true
		}
	}
	return nil, false
}

// ReducerByName returns the reducer named name, if any.
func (m *ModuleDef) ReducerByName(name string) (*Reducer, bool) {
	for i := range m.Reducers {
		if m.Reducers[i].Name == name {
			return &m.Reducers[i], true
		}
	}
	return nil, false
}
