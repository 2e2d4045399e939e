package host

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
	"github.com/spacetimedb/hostd/internal/storage"
)

// ModuleInstance is one loaded guest module version. Guest (guest.go) is
// the wasmer-backed implementation; tests exercise the calling discipline
// in Runtime against a fake.
type ModuleInstance interface {
	// DescribeModule returns the guest's BSATN-encoded ModuleDef.
	DescribeModule(ctx context.Context) ([]byte, error)
	// CallReducer invokes the reducer at zero-based id, with tx bound to
	// the guest's instance-tx slot for the duration of the call. Args is
	// the BSATN-encoded argument product. The returned buffer is the
	// ABI's return buffer verbatim: empty on success, an error string on
	// reducer-reported failure. A non-nil error means the guest trapped.
	CallReducer(ctx context.Context, tx *storage.Tx, id uint32, sender Identity, addr ConnectionId, timestamp uint64, args []byte) ([]byte, error)
}

// Runtime drives the calling discipline around one module's reducer
// invocations against one transactional store.
type Runtime struct {
	store  *storage.Store
	module ModuleInstance
	def    *schema.ModuleDef
	logger zerolog.Logger
}

// NewRuntime ties a loaded module instance to the store its reducers
// operate on. def is the module's validated schema, used to resolve
// reducer names to ABI ids and argument types.
func NewRuntime(store *storage.Store, module ModuleInstance, def *schema.ModuleDef, logger zerolog.Logger) *Runtime {
	return &Runtime{store: store, module: module, def: def, logger: logger.With().Str("component", "host").Logger()}
}

// Invoke runs one reducer call start to finish: begins a transaction,
// binds it to the guest's instance-tx slot via ModuleInstance.CallReducer,
// and commits or rolls back per the ABI's calling discipline.
//
//   - Empty return buffer  -> commit.
//   - Non-empty return buffer -> rollback; the bytes are the error string.
//   - Guest trap (CallReducer returns an error) -> rollback; a fatal
//     module event is logged.
func (r *Runtime) Invoke(ctx context.Context, reducerID uint32, sender Identity, addr ConnectionId, args []byte) error {
	_, err := r.InvokeWithResult(ctx, reducerID, sender, addr, args)
	return err
}

// InvokeWithResult is Invoke, additionally returning the store's
// CommitResult on success so a caller sitting above the host (the
// subscription broadcaster) can turn its Deltas into a TransactionUpdate
// without re-deriving them from the reducer's side effects.
func (r *Runtime) InvokeWithResult(ctx context.Context, reducerID uint32, sender Identity, addr ConnectionId, args []byte) (*storage.CommitResult, error) {
	timestamp := uint64(time.Now().UnixMicro())
	tx := r.store.BeginTx()

	result, err := r.module.CallReducer(ctx, tx, reducerID, sender, addr, timestamp, args)
	if err != nil {
		tx.Rollback()
		r.logger.Error().Err(err).Uint32("reducer_id", reducerID).Msg("fatal module event: guest trapped")
		return nil, errs.Wrap(errs.Sandbox, err)
	}
	if len(result) > 0 {
		tx.Rollback()
		r.logger.Warn().Uint32("reducer_id", reducerID).Str("reducer_error", string(result)).Msg("reducer returned error, rolled back")
		return nil, errs.Newf(errs.Sandbox, "reducer error: %s", string(result))
	}
	cr, err := tx.Commit()
	if err != nil {
		r.logger.Warn().Err(err).Uint32("reducer_id", reducerID).Msg("reducer commit rejected")
		return nil, err
	}
	r.logger.Debug().Uint32("reducer_id", reducerID).Uint64("version", cr.Version).Int("deltas", len(cr.Deltas)).Msg("reducer invoked")
	return cr, nil
}

// InvokeByName resolves reducerName against the module's declared reducer
// list and calls Invoke with its position as the ABI id.
func (r *Runtime) InvokeByName(ctx context.Context, reducerName string, sender Identity, addr ConnectionId, args []byte) error {
	_, err := r.InvokeByNameWithResult(ctx, reducerName, sender, addr, args)
	return err
}

// InvokeByNameWithResult is InvokeByName, additionally returning the
// store's CommitResult on success.
func (r *Runtime) InvokeByNameWithResult(ctx context.Context, reducerName string, sender Identity, addr ConnectionId, args []byte) (*storage.CommitResult, error) {
	id, ok := r.reducerID(reducerName)
	if !ok {
		return nil, errs.Newf(errs.Validation, "host: unknown reducer %q", reducerName)
	}
	return r.InvokeWithResult(ctx, id, sender, addr, args)
}

// InvokeScheduledRow is a scheduler.Invoke implementation: it encodes row
// as the reducer's sole argument and calls it as a system-originated
// invocation (zero identity, no connection).
func (r *Runtime) InvokeScheduledRow(ctx context.Context, reducerName string, row sats.Value) error {
	reducer, ok := r.def.ReducerByName(reducerName)
	if !ok {
		return errs.Newf(errs.Validation, "host: unknown reducer %q", reducerName)
	}
	params, err := r.def.Typespace.Resolve(reducer.Params)
	if err != nil {
		return err
	}
	args, err := bsatn.Encode(sats.ProductVal(row), params, r.def.Typespace)
	if err != nil {
		return errs.Wrap(errs.Decode, err)
	}
	return r.InvokeByName(ctx, reducerName, Identity{}, ConnectionId{}, args)
}

func (r *Runtime) reducerID(name string) (uint32, bool) {
	for i, reducer := range r.def.Reducers {
		if reducer.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}
