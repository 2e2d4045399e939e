// Command hostd runs the database process: it serves one WebSocket
// subscribe endpoint per named database, loading each database's module
// from its on-disk wasm file on first access and dispatching reducer
// calls and row-delta broadcasts over the connections it accepts.
//
// Publishing a module, running the CLI, and generating client bindings
// are the surrounding tooling's job, not this process's — a new wasm
// file dropped into its module directory is picked up the next time
// that database name is resolved.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/dbregistry"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/host"
	"github.com/spacetimedb/hostd/internal/httpx"
	"github.com/spacetimedb/hostd/internal/logging"
	"github.com/spacetimedb/hostd/internal/protocol"
	"github.com/spacetimedb/hostd/internal/rls"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/storage"
	"github.com/spacetimedb/hostd/internal/ws"
	"github.com/spacetimedb/hostd/pkg/config"
)

// subprotocol is the WebSocket subprotocol a subscribe connection
// negotiates, naming this host's bsatn-framed protocol the way a client
// library's Sec-WebSocket-Protocol offer would.
const subprotocol = "v1.bsatn.spacetimedb"

func main() {
	cfg, err := loadOrInitConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hostd: load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "hostd: invalid config:", err)
		os.Exit(1)
	}
	ws.IdleTimeout = cfg.IdleTimeout()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	moduleDir := filepath.Join(cfg.DataDir, "modules")
	if err := os.MkdirAll(moduleDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create module directory")
	}

	registry := dbregistry.New(dbregistry.Options{
		DataDir:         filepath.Join(cfg.DataDir, "databases"),
		CommitBatch:     cfg.CommitBatch,
		SchedulerPoll:   cfg.SchedulerPoll(),
		BroadcastBudget: cfg.BroadcastByteBudget,
		Resolver:        &fsResolver{moduleDir: moduleDir, logger: logger},
		Logger:          logger,
	})

	srv := &server{cfg: cfg, registry: registry, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/v1/database/", srv.handleDatabase)

	var handler http.Handler = mux
	if cfg.BearerToken != "" {
		handler = httpx.RequireBearer(staticToken(cfg.BearerToken))(handler)
	} else {
		logger.Warn().Msg("bearer_token not set: subscribe connections are unauthenticated")
	}
	handler = httpx.RequestID(httpx.Logging(logger)(handler))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // a subscribe connection's writer runs for the connection's lifetime
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("hostd listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		logger.Info().Msg("hostd shut down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}
}

// loadOrInitConfig loads the on-disk config, writing out the default one
// on first run rather than failing because nothing has been configured
// yet.
func loadOrInitConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = config.Default()
	if err := config.Save(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// staticToken authenticates every request bearing the configured shared
// token as the same all-zero Identity. A deployment wanting distinct
// per-caller identities supplies its own httpx.TokenAuthenticator.
type staticToken string

func (t staticToken) Authenticate(ctx context.Context, token string) (host.Identity, error) {
	if token != string(t) {
		return host.Identity{}, errs.New(errs.Auth, "hostd: invalid bearer token")
	}
	return host.Identity{}, nil
}

type server struct {
	cfg      *config.Config
	registry *dbregistry.Registry
	logger   zerolog.Logger
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleDatabase routes /v1/database/{db}/subscribe; any other suffix
// under /v1/database/ is not part of this process's surface (module
// publishing, the SQL HTTP endpoint, and the rest of the client-facing
// API are external tooling's job per this core's scope).
func (s *server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/database/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "subscribe" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	dbName := parts[0]

	inst, err := s.registry.Get(r.Context(), dbName)
	if err != nil {
		httpx.JSONError(w, r, http.StatusNotFound, "not_found", err.Error())
		return
	}

	conn, err := ws.Accept(w, r, []string{subprotocol}, s.logger)
	if err != nil {
		return // Accept already wrote the error response
	}

	identity, _ := httpx.IdentityFromContext(r.Context())

	sc := &subscribeConn{
		inst:       inst,
		conn:       conn,
		caller:     conn.Options().ConnectionID,
		identity:   identity,
		subscribed: make(map[uint32]struct{}),
		logger:     logging.Component(s.logger, "subscribe:"+dbName),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go sc.forwardBroadcasts(ctx)
	go sc.readLoop(ctx)

	if err := conn.Run(ctx); err != nil {
		sc.logger.Debug().Err(err).Msg("subscribe connection ended")
	}
}

// subscribeConn ties one accepted ws.Conn to one database instance: it
// dispatches inbound ClientMessages against the instance's runtime and
// forwards broadcast deltas back out, filtered to the tables this
// connection has subscribed to.
type subscribeConn struct {
	inst       *dbregistry.Instance
	conn       *ws.Conn
	caller     host.ConnectionId
	identity   host.Identity
	subscribed map[uint32]struct{}
	logger     zerolog.Logger
}

// rlsAllowed reports whether this connection's identity is bound to every
// row-level-security rule governing the given tables. A connection denied
// on any one table in the set drops the whole envelope/table rather than
// stripping individual rows, since neither the planner nor internal/rls
// interprets an RLS rule's filter body — internal/rls only decides
// whether the caller is bound to a named rule at all.
func (sc *subscribeConn) rlsAllowed(tableIDs []uint32) bool {
	identity := rls.Identity(sc.identity)
	for _, tableID := range tableIDs {
		if int(tableID) >= len(sc.inst.Def.Tables) {
			continue
		}
		table := sc.inst.Def.Tables[tableID]
		if len(table.RLS) == 0 {
			continue
		}
		names := make([]string, len(table.RLS))
		for i, rule := range table.RLS {
			names[i] = rule.Name
		}
		if !sc.inst.RLS.AllowAll(names, identity) {
			return false
		}
	}
	return true
}

// forwardBroadcasts relays every commit whose touched tables overlap
// this connection's subscription set. Every subscriber on a database
// shares one broadcast.Hub, so per-connection table filtering happens
// here against the envelope callReducer wraps the payload in (see
// encodeEnvelope), not at publish time.
func (sc *subscribeConn) forwardBroadcasts(ctx context.Context) {
	subID := fmt.Sprintf("%x", sc.caller)
	sub := sc.inst.Broadcast.Subscribe(subID)
	defer sub.Close()

	for {
		envelope, ok := sub.Recv()
		if !ok {
			if err := sub.Err(); err != nil {
				_ = sc.conn.Send(ctx, protocol.EncodeError(err.Error()))
			}
			return
		}
		tableIDs, payload, err := decodeEnvelope(envelope)
		if err != nil {
			continue
		}
		if !sc.overlaps(tableIDs) || !sc.rlsAllowed(tableIDs) {
			continue
		}
		if err := sc.conn.Send(ctx, payload); err != nil {
			return
		}
	}
}

func (sc *subscribeConn) overlaps(tableIDs []uint32) bool {
	for _, id := range tableIDs {
		if _, ok := sc.subscribed[id]; ok {
			return true
		}
	}
	return false
}

// readLoop drains the connection's inbound ClientMessages for as long as
// conn.Run keeps the socket alive; it runs alongside conn.Run rather
// than inside it since Incoming() only starts closing once Run's own
// read/write/keep-alive loops have all exited.
func (sc *subscribeConn) readLoop(ctx context.Context) {
	for data := range sc.conn.Incoming() {
		sc.handleClientMessage(ctx, data)
	}
}

func (sc *subscribeConn) handleClientMessage(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		_ = sc.conn.Send(ctx, protocol.EncodeError(err.Error()))
		return
	}

	switch msg.Kind {
	case protocol.ClientSubscribe:
		for _, id := range msg.TableIDs {
			sc.subscribed[id] = struct{}{}
		}
		_ = sc.conn.Send(ctx, protocol.EncodeInitialUpdate(sc.initialSnapshot(msg.TableIDs)))
	case protocol.ClientUnsubscribe:
		for _, id := range msg.TableIDs {
			delete(sc.subscribed, id)
		}
	case protocol.ClientCallReducer:
		sc.callReducer(ctx, msg)
	}
}

// initialSnapshot encodes every currently-committed row of the
// newly-subscribed tables, the one-time catch-up a Subscribe response
// sends ahead of any later delta.
func (sc *subscribeConn) initialSnapshot(tableIDs []uint32) []protocol.TableUpdate {
	tx := sc.inst.Store.BeginTx()
	defer tx.Rollback()

	out := make([]protocol.TableUpdate, 0, len(tableIDs))
	for _, tableID := range tableIDs {
		if !sc.rlsAllowed([]uint32{tableID}) {
			continue
		}
		values, err := tx.Scan(tableID)
		if err != nil {
			continue
		}
		rows, err := encodeRows(sc.inst, tableID, values)
		if err != nil {
			continue
		}
		out = append(out, protocol.TableUpdate{TableID: tableID, InsertRows: rows})
	}
	return out
}

func (sc *subscribeConn) callReducer(ctx context.Context, msg protocol.ClientMessage) {
	result, err := sc.inst.Runtime.InvokeByNameWithResult(ctx, msg.Reducer, sc.identity, sc.caller, msg.Args)
	update := protocol.TransactionUpdate{Reducer: msg.Reducer, CallerAddress: sc.caller}
	if err != nil {
		update.OK = false
		update.Message = err.Error()
		_ = sc.conn.Send(ctx, protocol.EncodeTransactionUpdate(update))
		return
	}

	update.OK = true
	tables, tableIDs := sc.deltaTableUpdates(result.Deltas)
	update.Tables = tables

	payload := protocol.EncodeTransactionUpdate(update)
	evicted := sc.inst.Broadcast.Publish(encodeEnvelope(tableIDs, payload))
	for _, id := range evicted {
		sc.logger.Warn().Str("subscriber", id).Msg("evicted slow consumer")
	}
}

// deltaTableUpdates groups a commit's row deltas by table, encoding each
// row against that table's row type, and returns both the protocol-level
// TableUpdates and the distinct table ids touched (the latter feeds the
// broadcast envelope's filter header).
func (sc *subscribeConn) deltaTableUpdates(deltas []storage.RowDelta) ([]protocol.TableUpdate, []uint32) {
	order := make([]uint32, 0, 4)
	inserts := make(map[uint32][][]byte)
	deletes := make(map[uint32][][]byte)

	for _, d := range deltas {
		encoded, err := encodeRow(sc.inst, d.TableID, d.Row)
		if err != nil {
			continue
		}
		if _, seen := inserts[d.TableID]; !seen {
			if _, seen2 := deletes[d.TableID]; !seen2 {
				order = append(order, d.TableID)
			}
		}
		switch d.Op {
		case storage.OpInsert:
			inserts[d.TableID] = append(inserts[d.TableID], encoded)
		case storage.OpDelete:
			deletes[d.TableID] = append(deletes[d.TableID], encoded)
		}
	}

	out := make([]protocol.TableUpdate, 0, len(order))
	for _, id := range order {
		out = append(out, protocol.TableUpdate{TableID: id, InsertRows: inserts[id], DeleteRows: deletes[id]})
	}
	return out, order
}

func encodeRow(inst *dbregistry.Instance, tableID uint32, v sats.Value) ([]byte, error) {
	rowType, err := inst.Def.Typespace.Resolve(inst.Def.Tables[tableID].RowType)
	if err != nil {
		return nil, err
	}
	return bsatn.Encode(v, rowType, inst.Def.Typespace)
}

func encodeRows(inst *dbregistry.Instance, tableID uint32, values []sats.Value) ([][]byte, error) {
	if int(tableID) >= len(inst.Def.Tables) {
		return nil, errs.Newf(errs.Validation, "hostd: unknown table %d", tableID)
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		row, err := encodeRow(inst, tableID, v)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// encodeEnvelope and decodeEnvelope wrap a payload destined for
// broadcast.Hub.Publish with the set of table ids it touches, so every
// subscribeConn fed the same payload by the hub can cheaply decide
// whether it overlaps its own subscription set without re-parsing the
// protocol-framed TransactionUpdate inside. Same little-endian, u32-length-prefixed
// style internal/protocol's own framing uses.
func encodeEnvelope(tableIDs []uint32, payload []byte) []byte {
	buf := make([]byte, 0, 4+4*len(tableIDs)+len(payload))
	buf = appendU32(buf, uint32(len(tableIDs)))
	for _, id := range tableIDs {
		buf = appendU32(buf, id)
	}
	return append(buf, payload...)
}

func decodeEnvelope(data []byte) ([]uint32, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errs.New(errs.Decode, "hostd: truncated broadcast envelope")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	pos := 4
	ids := make([]uint32, n)
	for i := range ids {
		if pos+4 > len(data) {
			return nil, nil, errs.New(errs.Decode, "hostd: truncated broadcast envelope")
		}
		ids[i] = binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
	}
	return ids, data[pos:], nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
