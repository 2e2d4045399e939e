package host

import (
	"context"
	"sort"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/storage"
)

// Guest is one instantiated wasm module version, sandboxed by wasmer.
// It implements ModuleInstance by exposing exactly the host imports
// spec.md names and binding each reducer call's storage operations to
// whichever *storage.Tx the caller hands to CallReducer.
type Guest struct {
	store    *wasmer.Store
	module   *wasmer.Module
	instance *wasmer.Instance
	memory   *wasmer.Memory

	sources *SourceTable
	buffers *BufferTable

	rowType func(tableID uint32) (sats.AlgebraicType, bool)
	typesp  *sats.Typespace

	currentTx *storage.Tx
}

// RowTypeLookup resolves a table id to its row type, so host imports can
// BSATN-encode/decode row bytes crossing the guest boundary.
type RowTypeLookup func(tableID uint32) (sats.AlgebraicType, bool)

// LoadGuest instantiates code under a fresh wasmer engine/store, wires the
// host imports, and runs every __preinit__NN_name export in lexicographic
// name order before returning — mirroring how the original runtime's
// registration cell orders its setup hooks.
func LoadGuest(code []byte, rowType RowTypeLookup, ts *sats.Typespace) (*Guest, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, errs.Wrap(errs.Sandbox, err)
	}

	g := &Guest{
		store:   store,
		module:  module,
		sources: NewSourceTable(),
		buffers: NewBufferTable(),
		rowType: rowType,
		typesp:  ts,
	}

	imports := g.registerHostImports(store)
	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return nil, errs.Wrap(errs.Sandbox, err)
	}
	g.instance = instance

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, errs.Newf(errs.Sandbox, "host: guest module exports no linear memory")
	}
	g.memory = mem

	if err := g.runPreinitHooks(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Guest) runPreinitHooks() error {
	const prefix = "__preinit__"
	var names []string
	for _, export := range g.module.Exports() {
		name := export.Name()
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fn, err := g.instance.Exports.GetFunction(name)
		if err != nil {
			return errs.Wrap(errs.Sandbox, err)
		}
		if _, err := fn(); err != nil {
			return errs.Wrap(errs.Sandbox, err)
		}
	}
	return nil
}

// DescribeModule calls the guest's __describe_module__ export and reads
// back the buffer it allocates.
func (g *Guest) DescribeModule(ctx context.Context) ([]byte, error) {
	fn, err := g.instance.Exports.GetFunction("__describe_module__")
	if err != nil {
		return nil, errs.Wrap(errs.Sandbox, err)
	}
	result, err := fn()
	if err != nil {
		return nil, errs.Wrap(errs.Sandbox, err)
	}
	handle, err := asU32(result)
	if err != nil {
		return nil, err
	}
	buf, _ := g.buffers.Take(handle)
	return buf, nil
}

// CallReducer binds tx to the guest's current-transaction slot for the
// duration of the call, invokes __call_reducer__ with the ABI's fixed
// lanes plus a freshly opened BytesSource over args, and returns whatever
// buffer the guest allocated for its result.
func (g *Guest) CallReducer(ctx context.Context, tx *storage.Tx, id uint32, sender Identity, addr ConnectionId, timestamp uint64, args []byte) ([]byte, error) {
	g.currentTx = tx
	defer func() { g.currentTx = nil }()

	fn, err := g.instance.Exports.GetFunction("__call_reducer__")
	if err != nil {
		return nil, errs.Wrap(errs.Sandbox, err)
	}

	s0, s1, s2, s3 := sender.Lanes()
	a0, a1 := addr.Lanes()
	src := g.sources.Open(args)
	defer g.sources.Close(src)

	result, err := fn(int32(id), int64(s0), int64(s1), int64(s2), int64(s3), int64(a0), int64(a1), int64(timestamp), int32(src))
	if err != nil {
		return nil, err
	}
	handle, err := asU32(result)
	if err != nil {
		return nil, err
	}
	buf, _ := g.buffers.Take(handle)
	return buf, nil
}

func asU32(v any) (uint32, error) {
	switch n := v.(type) {
	case int32:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case uint32:
		return n, nil
	default:
		return 0, errs.Newf(errs.Sandbox, "host: unexpected guest return type %T", v)
	}
}

// registerHostImports builds the "env" import namespace: the byte-buffer
// handshake functions plus the row storage primitives, each bound to
// whatever *storage.Tx CallReducer currently has bound.
func (g *Guest) registerHostImports(store *wasmer.Store) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32 := wasmer.ValueKind(wasmer.I32)

	bytesSourceRead := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32, i32),
			wasmer.NewValueTypes(i32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle := uint32(args[0].I32())
			ptr := args[1].I32()
			lenPtr := args[2].I32()

			src, ok := g.sources.Get(handle)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			mem := g.memory.Data()
			want := g.readU32(mem, lenPtr)
			n, status := src.Read(mem[ptr : int(ptr)+int(want)])
			g.writeU32(mem, lenPtr, uint32(n))
			return []wasmer.Value{wasmer.NewI32(status)}, nil
		},
	)

	bufferAlloc := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32),
			wasmer.NewValueTypes(i32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			data := make([]byte, ln)
			copy(data, g.memory.Data()[ptr:int(ptr)+int(ln)])
			return []wasmer.Value{wasmer.NewI32(int32(g.buffers.Alloc(data)))}, nil
		},
	)

	consoleLog := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			// Swallowed: message text crosses via the same memory window
			// as every other host call; a production build would route
			// this through the host's own structured logger.
			return []wasmer.Value{}, nil
		},
	)

	rowInsert := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32, i32),
			wasmer.NewValueTypes(i32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			tableID := uint32(args[0].I32())
			ptr, ln := args[1].I32(), args[2].I32()
			if g.currentTx == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			rowT, ok := g.rowType(tableID)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			data := make([]byte, ln)
			copy(data, g.memory.Data()[ptr:int(ptr)+int(ln)])
			value, err := bsatn.Decode(data, rowT, g.typesp)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if _, err := g.currentTx.Insert(tableID, value); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	rowDelete := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32, i32),
			wasmer.NewValueTypes(i32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			tableID := uint32(args[0].I32())
			ptr, ln := args[1].I32(), args[2].I32()
			if g.currentTx == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			keyBytes := make([]byte, ln)
			copy(keyBytes, g.memory.Data()[ptr:int(ptr)+int(ln)])
			key := storage.DataKey{Kind: storage.KindInline, Inline: keyBytes}
			if err := g.currentTx.Delete(tableID, key); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	tableScan := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32),
			wasmer.NewValueTypes(i32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			tableID := uint32(args[0].I32())
			if g.currentTx == nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			rowT, ok := g.rowType(tableID)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			rows, err := g.currentTx.Scan(tableID)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			arrayType := sats.AlgebraicType{Kind: sats.KindArray, Elem: &rowT}
			encoded, err := bsatn.Encode(sats.ArrayVal(rows...), arrayType, g.typesp)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(g.buffers.Alloc(encoded)))}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"_bytes_source_read": bytesSourceRead,
		"_buffer_alloc":      bufferAlloc,
		"_console_log":       consoleLog,
		"_row_insert":        rowInsert,
		"_row_delete":        rowDelete,
		"_table_scan":        tableScan,
	})

	return imports
}

func (g *Guest) readU32(mem []byte, ptr int32) uint32 {
	b := mem[ptr : ptr+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (g *Guest) writeU32(mem []byte, ptr int32, v uint32) {
	mem[ptr] = byte(v)
	mem[ptr+1] = byte(v >> 8)
	mem[ptr+2] = byte(v >> 16)
	mem[ptr+3] = byte(v >> 24)
}
