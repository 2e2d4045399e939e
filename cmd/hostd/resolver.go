package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/dbregistry"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/host"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
)

// fsResolver implements dbregistry.Resolver by reading a compiled module
// straight off disk: moduleDir/<name>.wasm. It loads a throwaway Guest
// purely to call __describe_module__ — DescribeModule never touches a
// row-typed import, so an empty typespace and a lookup that always
// misses are enough to run it — then decodes and validates the result
// before handing it back. The registry loads its own, real Guest (wired
// to the validated typespace) separately once this returns.
type fsResolver struct {
	moduleDir string
	logger    zerolog.Logger
}

func (f *fsResolver) Resolve(ctx context.Context, name string) (dbregistry.ModuleSource, error) {
	path := filepath.Join(f.moduleDir, name+".wasm")
	code, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dbregistry.ModuleSource{}, errs.Newf(errs.Validation, "hostd: no module published for database %q", name)
		}
		return dbregistry.ModuleSource{}, errs.Wrap(errs.Storage, err)
	}

	probe, err := host.LoadGuest(code, noRowType, sats.NewTypespace())
	if err != nil {
		return dbregistry.ModuleSource{}, errs.Wrap(errs.Sandbox, err)
	}

	raw, err := probe.DescribeModule(ctx)
	if err != nil {
		return dbregistry.ModuleSource{}, errs.Wrap(errs.Sandbox, err)
	}

	def, err := schema.DecodeModuleDef(raw)
	if err != nil {
		return dbregistry.ModuleSource{}, err
	}
	if err := schema.Validate(def); err != nil {
		return dbregistry.ModuleSource{}, err
	}

	f.logger.Info().Str("database", name).Int("tables", len(def.Tables)).Int("reducers", len(def.Reducers)).Msg("resolved module")
	return dbregistry.ModuleSource{Def: def, WasmCode: code}, nil
}

func noRowType(tableID uint32) (sats.AlgebraicType, bool) {
	return sats.AlgebraicType{}, false
}
