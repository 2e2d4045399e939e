// Package dbregistry lazily creates and owns one running instance — a
// transactional store, a loaded guest module, the reducer-call runtime,
// the scheduled-reducer poller, and the subscription broadcast hub — per
// named database a host process serves.
package dbregistry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/audit"
	"github.com/spacetimedb/hostd/internal/broadcast"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/host"
	"github.com/spacetimedb/hostd/internal/logging"
	"github.com/spacetimedb/hostd/internal/rls"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
	"github.com/spacetimedb/hostd/internal/scheduler"
	"github.com/spacetimedb/hostd/internal/storage"
)

// ModuleSource is what a Resolver hands back for one database: its
// already-validated schema and the wasm bytes implementing it. Decoding
// a module's raw self-description into *schema.ModuleDef and validating
// it (internal/schema.Validate) is the caller's concern — by the time a
// ModuleSource reaches the registry it is trusted.
type ModuleSource struct {
	Def      *schema.ModuleDef
	WasmCode []byte
}

// Resolver looks up the module backing a named database, the one piece
// of per-database material the registry cannot construct on its own.
type Resolver interface {
	Resolve(ctx context.Context, name string) (ModuleSource, error)
}

// Options configures a Registry.
type Options struct {
	DataDir          string
	CommitBatch      int
	SchedulerPoll    time.Duration
	BroadcastBudget  int64
	Resolver         Resolver
	Logger           zerolog.Logger
}

// Instance bundles one database's running components.
type Instance struct {
	Name      string
	Def       *schema.ModuleDef
	Store     *storage.Store
	Guest     *host.Guest
	Runtime   *host.Runtime
	Scheduler *scheduler.Scheduler
	Broadcast *broadcast.Hub
	RLS       *rls.Store

	closeOnce sync.Once
}

// Close stops the instance's scheduler and closes its store. Safe to
// call more than once.
func (inst *Instance) Close() error {
	var err error
	inst.closeOnce.Do(func() {
		if inst.Scheduler != nil {
			inst.Scheduler.Stop()
		}
		err = inst.Store.Close()
	})
	return err
}

// Status is a lightweight snapshot of one registered instance, for
// listing/diagnostics.
type Status struct {
	Name      string
	CreatedAt time.Time
	Tables    int
	Reducers  int
	Subs      int
}

// Registry lazily creates and caches one Instance per database name.
type Registry struct {
	mu      sync.RWMutex
	opts    Options
	items   map[string]*Instance
	created map[string]time.Time
	audit   *audit.Log
}

// New returns an empty Registry. It opens the shared administrative audit
// log under opts.DataDir; a failure to open it is logged and tolerated,
// since the audit trail records administrative operations for later
// review and isn't load-bearing for serving a database.
func New(opts Options) *Registry {
	r := &Registry{
		opts:    opts,
		items:   make(map[string]*Instance),
		created: make(map[string]time.Time),
	}
	log, err := audit.Open(filepath.Join(opts.DataDir, "_audit"))
	if err != nil {
		opts.Logger.Warn().Err(err).Msg("dbregistry: audit log unavailable")
	} else {
		r.audit = log
	}
	return r
}

// Get returns the running Instance for name, creating and starting it on
// first access.
func (r *Registry) Get(ctx context.Context, name string) (*Instance, error) {
	id := normalizeName(name)

	r.mu.RLock()
	if inst, ok := r.items[id]; ok {
		r.mu.RUnlock()
		return inst, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.items[id]; ok {
		return inst, nil
	}

	inst, err := r.start(ctx, id)
	if err != nil {
		return nil, err
	}
	r.items[id] = inst
	r.created[id] = time.Now()
	return inst, nil
}

func (r *Registry) start(ctx context.Context, id string) (*Instance, error) {
	if r.opts.Resolver == nil {
		return nil, errs.New(errs.Validation, "dbregistry: no module resolver configured")
	}
	src, err := r.opts.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(src.Def); err != nil {
		return nil, err
	}

	logger := logging.Component(r.opts.Logger, "db:"+id)

	dataDir := filepath.Join(r.opts.DataDir, id)
	store, err := storage.Open(dataDir, src.Def.Typespace, r.opts.CommitBatch)
	if err != nil {
		return nil, err
	}
	store.Observe(id, logger)

	for i, table := range src.Def.Tables {
		if err := store.RegisterTable(uint32(i), table.RowType); err != nil {
			store.Close()
			return nil, err
		}
	}

	lookup := rowTypeLookupFor(src.Def)
	guest, err := host.LoadGuest(src.WasmCode, lookup, src.Def.Typespace)
	if err != nil {
		store.Close()
		return nil, err
	}

	runtime := host.NewRuntime(store, guest, src.Def, logger)

	pollInterval := r.opts.SchedulerPoll
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	sched := scheduler.New(store, runtime.InvokeScheduledRow, pollInterval, logger)
	for i, table := range src.Def.Tables {
		if table.Schedule != nil {
			sched.Register(uint32(i), *table.Schedule)
		}
	}
	sched.Start()

	hub := broadcast.New(r.opts.BroadcastBudget)
	rlsStore := rls.NewStore()

	if r.audit != nil {
		detail := map[string]any{"tables": len(src.Def.Tables), "reducers": len(src.Def.Reducers)}
		if err := r.audit.Append("system", "publish", "database", id, detail); err != nil {
			logger.Warn().Err(err).Msg("audit: record publish")
		}
	}

	return &Instance{
		Name:      id,
		Def:       src.Def,
		Store:     store,
		Guest:     guest,
		Runtime:   runtime,
		Scheduler: sched,
		Broadcast: hub,
		RLS:       rlsStore,
	}, nil
}

func rowTypeLookupFor(def *schema.ModuleDef) host.RowTypeLookup {
	return func(tableID uint32) (sats.AlgebraicType, bool) {
		if int(tableID) >= len(def.Tables) {
			return sats.AlgebraicType{}, false
		}
		return def.Tables[tableID].RowType, true
	}
}

// Close tears down and removes the instance named name, if any.
func (r *Registry) Close(name string) error {
	id := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.items[id]
	if !ok {
		return nil
	}
	delete(r.items, id)
	delete(r.created, id)
	return inst.Close()
}

// List returns a Status snapshot of every currently running instance.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.items))
	for id, inst := range r.items {
		out = append(out, Status{
			Name:      id,
			CreatedAt: r.created[id],
			Tables:    len(inst.Def.Tables),
			Reducers:  len(inst.Def.Reducers),
			Subs:      inst.Broadcast.Len(),
		})
	}
	return out
}

// normalizeName makes a client-supplied database name safe to use as a
// filesystem directory component.
func normalizeName(s string) string {
	b := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, r)
		case r >= 'A' && r <= 'Z':
			b = append(b, r+('a'-'A'))
		case r == '-' || r == '_' || r == '.':
			b = append(b, '-')
		}
	}
	if len(b) == 0 {
		return "default"
	}
	return string(b)
}
