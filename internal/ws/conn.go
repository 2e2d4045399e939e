package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/spacetimedb/hostd/internal/errs"
)

// IdleTimeout is the keep-alive interval: a connection with no inbound
// traffic for this long is pinged, and closed if the next interval also
// passes with no traffic and the ping unanswered. A var, not a const, so
// tests can shrink it rather than running real-time for 30s+30s.
var IdleTimeout = 30 * time.Second

// ReadLimit bounds a single inbound frame, guarding against a client
// flooding the connection with an oversized message.
const ReadLimit = 4 << 20

// Conn is one accepted subscribe connection: a full-duplex byte-message
// pair (Incoming, Outgoing) plus the keep-alive loop that watches for
// idle traffic, layered over a raw *websocket.Conn.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger zerolog.Logger

	incoming chan []byte
	outgoing chan []byte

	activity chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	mu        sync.Mutex
}

// Accept upgrades r to a WebSocket, parses its subscribe query parameters,
// and returns a running Conn. Callers read ClientMessage payloads from
// Incoming() and enqueue ServerMessage payloads with Send. Incoming() is
// closed, and the underlying socket torn down, once Run's context ends or
// the peer disconnects; the outgoing queue behind Send is not closed.
func Accept(w http.ResponseWriter, r *http.Request, subprotocols []string, logger zerolog.Logger) (*Conn, error) {
	opts, err := ParseOptions(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err)
	}
	wsConn.SetReadLimit(ReadLimit)

	c := &Conn{
		ws:       wsConn,
		opts:     opts,
		logger:   logger.With().Str("component", "ws").Logger(),
		incoming: make(chan []byte, 64),
		outgoing: make(chan []byte, 64),
		activity: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	return c, nil
}

// Options returns the connection's parsed subscribe parameters.
func (c *Conn) Options() Options { return c.opts }

// Incoming yields each decoded ClientMessage payload received from the
// peer, in arrival order. Closed once the connection ends.
func (c *Conn) Incoming() <-chan []byte { return c.incoming }

// Send enqueues a ServerMessage payload for the write loop to compress,
// frame, and write. It never blocks past ctx; a full outgoing queue is
// the connection's own backpressure signal to the caller.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	select {
	case c.outgoing <- payload:
		return nil
	case <-c.closed:
		return errs.New(errs.Transport, "ws: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the read loop, write loop, and keep-alive loop until ctx is
// canceled, the peer disconnects, or a keep-alive timeout fires. It
// blocks until all three have exited and the socket is closed.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.readLoop(ctx, cancel) }()
	go func() { defer wg.Done(); c.writeLoop(ctx, cancel) }()
	go func() { defer wg.Done(); c.keepAliveLoop(ctx, cancel) }()
	wg.Wait()

	close(c.incoming)
	c.ws.Close(websocket.StatusNormalClosure, "bye")

	c.mu.Lock()
	err := c.closeErr
	c.mu.Unlock()
	return err
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
}

func (c *Conn) markActivity() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

func (c *Conn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		c.markActivity()
		select {
		case c.incoming <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case payload, ok := <-c.outgoing:
			if !ok {
				return
			}
			frame, err := compress(c.opts.Compression, payload)
			if err != nil {
				c.fail(err)
				return
			}
			if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
				c.fail(errs.Wrap(errs.Transport, err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// keepAliveLoop implements spec's ping/pong idle-timeout contract: a
// ping is sent after IdleTimeout of silence, and the connection is
// closed as timed out if a further IdleTimeout passes with the pong
// still outstanding.
func (c *Conn) keepAliveLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	timer := time.NewTimer(IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-c.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(IdleTimeout)
		case <-timer.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, IdleTimeout)
			err := c.ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.fail(errs.New(errs.Transport, "ws: idle timeout, no pong received"))
				return
			}
			timer.Reset(IdleTimeout)
		case <-ctx.Done():
			return
		}
	}
}
