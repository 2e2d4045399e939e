// Package ws implements the subscribe-connection transport: the query-
// string handshake, per-message compression framing, and the keep-alive
// ping/pong discipline described for a database's WebSocket endpoint.
// A connection speaks in raw byte payloads — the encoding of those
// payloads as ServerMessage/ClientMessage frames is a concern of the
// caller (internal/protocol, used from cmd/hostd), not of this package.
package ws

import (
	"encoding/hex"
	"net/url"

	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/host"
)

// Compression is the negotiated payload compression for server->client
// frames. Client->server frames are never compressed; the client's own
// compression choice is only ever the one it asks the server to use for
// replies.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionBrotli
	CompressionGzip
)

// Tag returns the one-byte frame-prefix value for c.
func (c Compression) Tag() byte { return byte(c) }

func parseCompression(s string) (Compression, error) {
	switch s {
	case "None":
		return CompressionNone, nil
	case "Brotli":
		return CompressionBrotli, nil
	case "Gzip":
		return CompressionGzip, nil
	default:
		return 0, errs.Newf(errs.Transport, "ws: unsupported compression %q", s)
	}
}

// Options is the parsed form of a subscribe URL's query string.
type Options struct {
	Compression  Compression
	Light        bool
	Confirmed    bool
	HasConfirmed bool
	ConnectionID host.ConnectionId
}

// ParseOptions validates and parses a subscribe request's query
// parameters: compression, light, confirmed, connection_id.
func ParseOptions(q url.Values) (Options, error) {
	var opts Options

	comp := q.Get("compression")
	if comp == "" {
		return opts, errs.New(errs.Transport, "ws: missing required compression parameter")
	}
	c, err := parseCompression(comp)
	if err != nil {
		return opts, err
	}
	opts.Compression = c

	if light := q.Get("light"); light != "" {
		b, err := parseBool(light)
		if err != nil {
			return opts, errs.Newf(errs.Transport, "ws: invalid light parameter %q", light)
		}
		opts.Light = b
	}

	if confirmed := q.Get("confirmed"); confirmed != "" {
		b, err := parseBool(confirmed)
		if err != nil {
			return opts, errs.Newf(errs.Transport, "ws: invalid confirmed parameter %q", confirmed)
		}
		opts.Confirmed = b
		opts.HasConfirmed = true
	}

	if raw := q.Get("connection_id"); raw != "" {
		id, err := parseConnectionID(raw)
		if err != nil {
			return opts, err
		}
		opts.ConnectionID = id
	}

	return opts, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errs.Newf(errs.Transport, "ws: not a boolean: %q", s)
	}
}

func parseConnectionID(s string) (host.ConnectionId, error) {
	var id host.ConnectionId
	if len(s) != 32 {
		return id, errs.Newf(errs.Transport, "ws: connection_id must be 32 hex chars, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, errs.Wrap(errs.Transport, err)
	}
	copy(id[:], raw)
	return id, nil
}
