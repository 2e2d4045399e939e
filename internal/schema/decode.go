// Raw module description wire format: how a guest's __describe_module__
// buffer is structured, and how the host turns it back into a ModuleDef
// before Validate ever sees it. Grounded on meta.go's self-describing
// AlgebraicType fixpoint (sats.ValueFromType/TypeFromValue) for the
// typespace itself, with the surrounding Table/Reducer/Index/etc. shape
// laid out as plain BSATN products the same way spec.md §3 describes
// them — this is the "RawModuleDef" spec.md §6 names without spelling
// out its exact field layout.
package schema

import (
	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

// wireType builds the Product type a RawModuleDef buffer conforms to.
// Every embedded AlgebraicType (a table's row type, a reducer's
// parameter tuple) is carried as a self-describing value via
// sats.RefTo(sats.MetaTypeRef) rather than a second bespoke type
// encoding, since MetaTypespace already gives the wire format a
// recursive type description for free.
func wireType() sats.AlgebraicType {
	algebraicType := sats.RefTo(sats.MetaTypeRef)

	indexDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("kind", sats.U8()),
		sats.Field("columns", sats.ArrayOf(sats.U32())),
	)
	uniqueDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("columns", sats.ArrayOf(sats.U32())),
	)
	sequenceDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("column", sats.U32()),
		sats.Field("start", sats.I64()),
		sats.Field("min", sats.I64()),
		sats.Field("max", sats.I64()),
		sats.Field("increment", sats.I64()),
	)
	scheduleDef := sats.Product(
		sats.Field("column", sats.U32()),
		sats.Field("reducer_name", sats.StringT()),
	)
	rlsDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("filter", sats.StringT()),
	)
	tableDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("row_type", algebraicType),
		sats.Field("indexes", sats.ArrayOf(indexDef)),
		sats.Field("unique", sats.ArrayOf(uniqueDef)),
		sats.Field("sequences", sats.ArrayOf(sequenceDef)),
		sats.Field("schedule", sats.Option(scheduleDef)),
		sats.Field("rls", sats.ArrayOf(rlsDef)),
		sats.Field("table_type", sats.U8()),
		sats.Field("table_access", sats.U8()),
	)
	reducerDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("params", algebraicType),
	)
	typeAliasDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("ref", sats.U32()),
	)
	viewDef := sats.Product(
		sats.Field("name", sats.StringT()),
		sats.Field("body", sats.StringT()),
	)

	return sats.Product(
		sats.Field("typespace", sats.ArrayOf(algebraicType)),
		sats.Field("tables", sats.ArrayOf(tableDef)),
		sats.Field("reducers", sats.ArrayOf(reducerDef)),
		sats.Field("type_aliases", sats.ArrayOf(typeAliasDef)),
		sats.Field("views", sats.ArrayOf(viewDef)),
	)
}

// EncodeModuleDef serializes def into the raw buffer a guest's
// __describe_module__ export would return. Used by tests and by any
// fixture that builds a module description without a compiled guest.
func EncodeModuleDef(def *ModuleDef) ([]byte, error) {
	wireTS := sats.MetaTypespace()

	typespaceVals := make([]sats.Value, def.Typespace.Len())
	for i := range typespaceVals {
		t, err := def.Typespace.Get(sats.Ref(i))
		if err != nil {
			return nil, err
		}
		typespaceVals[i] = sats.ValueFromType(t)
	}

	tableVals := make([]sats.Value, len(def.Tables))
	for i, tbl := range def.Tables {
		var scheduleVal sats.Value
		if tbl.Schedule != nil {
			scheduleVal = sats.SomeVal(sats.ProductVal(
				sats.U32Val(tbl.Schedule.Column),
				sats.StringVal(tbl.Schedule.ReducerName),
			))
		} else {
			scheduleVal = sats.NoneVal()
		}

		indexVals := make([]sats.Value, len(tbl.Indexes))
		for j, ix := range tbl.Indexes {
			indexVals[j] = sats.ProductVal(sats.StringVal(ix.Name), sats.U8Val(uint8(ix.Kind)), colListVal(ix.Columns))
		}
		uniqueVals := make([]sats.Value, len(tbl.Unique))
		for j, u := range tbl.Unique {
			uniqueVals[j] = sats.ProductVal(sats.StringVal(u.Name), colListVal(u.Columns))
		}
		seqVals := make([]sats.Value, len(tbl.Sequences))
		for j, s := range tbl.Sequences {
			seqVals[j] = sats.ProductVal(
				sats.StringVal(s.Name), sats.U32Val(s.Column),
				sats.I64Val(s.Start), sats.I64Val(s.Min), sats.I64Val(s.Max), sats.I64Val(s.Increment),
			)
		}
		rlsVals := make([]sats.Value, len(tbl.RLS))
		for j, rls := range tbl.RLS {
			rlsVals[j] = sats.ProductVal(sats.StringVal(rls.Name), sats.StringVal(rls.Filter))
		}

		tableVals[i] = sats.ProductVal(
			sats.StringVal(tbl.Name),
			sats.ValueFromType(tbl.RowType),
			sats.ArrayVal(indexVals...),
			sats.ArrayVal(uniqueVals...),
			sats.ArrayVal(seqVals...),
			scheduleVal,
			sats.ArrayVal(rlsVals...),
			sats.U8Val(uint8(tbl.TableType)),
			sats.U8Val(uint8(tbl.TableAccess)),
		)
	}

	reducerVals := make([]sats.Value, len(def.Reducers))
	for i, r := range def.Reducers {
		reducerVals[i] = sats.ProductVal(sats.StringVal(r.Name), sats.ValueFromType(r.Params))
	}

	aliasVals := make([]sats.Value, len(def.TypeAliases))
	for i, a := range def.TypeAliases {
		aliasVals[i] = sats.ProductVal(sats.StringVal(a.Name), sats.U32Val(uint32(a.Ref)))
	}

	viewVals := make([]sats.Value, len(def.Views))
	for i, v := range def.Views {
		viewVals[i] = sats.ProductVal(sats.StringVal(v.Name), sats.StringVal(v.Body))
	}

	top := sats.ProductVal(
		sats.ArrayVal(typespaceVals...),
		sats.ArrayVal(tableVals...),
		sats.ArrayVal(reducerVals...),
		sats.ArrayVal(aliasVals...),
		sats.ArrayVal(viewVals...),
	)

	return bsatn.Encode(top, wireType(), wireTS)
}

func colListVal(cols ColList) sats.Value {
	vals := make([]sats.Value, len(cols))
	for i, c := range cols {
		vals[i] = sats.U32Val(c)
	}
	return sats.ArrayVal(vals...)
}

func colListFromValue(v sats.Value) ColList {
	out := make(ColList, len(v.Arr))
	for i, e := range v.Arr {
		out[i] = e.U32
	}
	return out
}

// DecodeModuleDef parses raw — the bytes a guest's __describe_module__
// export returned — into a ModuleDef. It does not call Validate; callers
// run that separately (dbregistry's Resolver contract keeps decode and
// validate as two steps so a caller can report which one rejected a
// module).
func DecodeModuleDef(raw []byte) (*ModuleDef, error) {
	wireTS := sats.MetaTypespace()
	v, err := bsatn.Decode(raw, wireType(), wireTS)
	if err != nil {
		return nil, err
	}
	if len(v.Prod) != 5 {
		return nil, errs.New(errs.Decode, "schema: malformed RawModuleDef: expected 5 top-level fields")
	}

	typespaceVal, tablesVal, reducersVal, aliasesVal, viewsVal := v.Prod[0], v.Prod[1], v.Prod[2], v.Prod[3], v.Prod[4]

	ts := sats.NewTypespace()
	for _, tv := range typespaceVal.Arr {
		t, err := sats.TypeFromValue(tv)
		if err != nil {
			return nil, errs.Wrap(errs.Decode, err)
		}
		ts.Add(t)
	}

	tables := make([]Table, len(tablesVal.Arr))
	for i, tv := range tablesVal.Arr {
		if len(tv.Prod) != 9 {
			return nil, errs.New(errs.Decode, "schema: malformed table definition")
		}
		rowType, err := sats.TypeFromValue(tv.Prod[1])
		if err != nil {
			return nil, errs.Wrap(errs.Decode, err)
		}

		indexes := make([]Index, len(tv.Prod[2].Arr))
		for j, iv := range tv.Prod[2].Arr {
			indexes[j] = Index{Name: iv.Prod[0].Str, Kind: IndexKind(iv.Prod[1].U8), Columns: colListFromValue(iv.Prod[2])}
		}
		uniques := make([]UniqueConstraint, len(tv.Prod[3].Arr))
		for j, uv := range tv.Prod[3].Arr {
			uniques[j] = UniqueConstraint{Name: uv.Prod[0].Str, Columns: colListFromValue(uv.Prod[1])}
		}
		sequences := make([]Sequence, len(tv.Prod[4].Arr))
		for j, sv := range tv.Prod[4].Arr {
			sequences[j] = Sequence{
				Name: sv.Prod[0].Str, Column: sv.Prod[1].U32,
				Start: sv.Prod[2].I64, Min: sv.Prod[3].I64, Max: sv.Prod[4].I64, Increment: sv.Prod[5].I64,
			}
		}
		var schedule *Schedule
		if sv := tv.Prod[5]; sv.SumTag == 0 && sv.SumVal != nil {
			schedule = &Schedule{Column: sv.SumVal.Prod[0].U32, ReducerName: sv.SumVal.Prod[1].Str}
		}
		rlsRules := make([]RowLevelSecurity, len(tv.Prod[6].Arr))
		for j, rv := range tv.Prod[6].Arr {
			rlsRules[j] = RowLevelSecurity{Name: rv.Prod[0].Str, Filter: rv.Prod[1].Str}
		}
		if len(indexes) == 0 {
			indexes = nil
		}
		if len(uniques) == 0 {
			uniques = nil
		}
		if len(sequences) == 0 {
			sequences = nil
		}
		if len(rlsRules) == 0 {
			rlsRules = nil
		}

		tables[i] = Table{
			Name:        tv.Prod[0].Str,
			RowType:     rowType,
			Indexes:     indexes,
			Unique:      uniques,
			Sequences:   sequences,
			Schedule:    schedule,
			RLS:         rlsRules,
			TableType:   TableType(tv.Prod[7].U8),
			TableAccess: TableAccess(tv.Prod[8].U8),
		}
	}

	reducers := make([]Reducer, len(reducersVal.Arr))
	for i, rv := range reducersVal.Arr {
		params, err := sats.TypeFromValue(rv.Prod[1])
		if err != nil {
			return nil, errs.Wrap(errs.Decode, err)
		}
		reducers[i] = Reducer{Name: rv.Prod[0].Str, Params: params}
	}

	aliases := make([]TypeAlias, len(aliasesVal.Arr))
	for i, av := range aliasesVal.Arr {
		aliases[i] = TypeAlias{Name: av.Prod[0].Str, Ref: sats.Ref(av.Prod[1].U32)}
	}

	views := make([]View, len(viewsVal.Arr))
	for i, vv := range viewsVal.Arr {
		views[i] = View{Name: vv.Prod[0].Str, Body: vv.Prod[1].Str}
	}

	return &ModuleDef{
		Typespace:   ts,
		Tables:      tables,
		Reducers:    reducers,
		TypeAliases: aliases,
		Views:       views,
	}, nil
}
