// Package protocol frames the messages a subscribe connection exchanges
// once a WebSocket is established: what a client asks for (subscribe to
// a table set, call a reducer) and what the host reports back (an
// initial row snapshot, a committed transaction's effects, an error).
// Row payloads are opaque BSATN-encoded products produced elsewhere
// (internal/bsatn, against a table's row type); this package only lays
// out the envelope around them, the same hand-rolled length-prefixed
// style internal/storage's WAL uses for its own commit records rather
// than routing control-plane framing through the generic codec.
package protocol

import (
	"encoding/binary"

	"github.com/spacetimedb/hostd/internal/errs"
)

// ClientKind tags an incoming ClientMessage.
type ClientKind uint8

const (
	ClientSubscribe ClientKind = iota
	ClientCallReducer
	ClientUnsubscribe
)

// ClientMessage is one decoded request from a subscribe connection.
type ClientMessage struct {
	Kind     ClientKind
	TableIDs []uint32 // Subscribe, Unsubscribe
	Reducer  string    // CallReducer
	Args     []byte    // CallReducer: BSATN-encoded argument product
}

// ServerKind tags an outgoing ServerMessage.
type ServerKind uint8

const (
	ServerInitialUpdate ServerKind = iota
	ServerTransactionUpdate
	ServerError
)

// TableUpdate is one table's row changes: BSATN-encoded rows, already
// framed per-row, conforming to that table's row type.
type TableUpdate struct {
	TableID     uint32
	InsertRows  [][]byte
	DeleteRows  [][]byte
}

// TransactionUpdate reports one reducer invocation's outcome to every
// subscriber whose tables it touched.
type TransactionUpdate struct {
	Reducer        string
	OK             bool
	Message        string // populated on failure
	CallerIdentity [32]byte
	CallerAddress  [16]byte
	Tables         []TableUpdate
}

// EncodeInitialUpdate frames the row snapshot sent right after a
// successful Subscribe.
func EncodeInitialUpdate(tables []TableUpdate) []byte {
	buf := []byte{byte(ServerInitialUpdate)}
	buf = appendTableUpdates(buf, tables)
	return buf
}

// EncodeTransactionUpdate frames one reducer call's reported effects.
func EncodeTransactionUpdate(u TransactionUpdate) []byte {
	buf := []byte{byte(ServerTransactionUpdate)}
	if u.OK {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, u.Reducer)
	buf = appendString(buf, u.Message)
	buf = append(buf, u.CallerIdentity[:]...)
	buf = append(buf, u.CallerAddress[:]...)
	buf = appendTableUpdates(buf, u.Tables)
	return buf
}

// EncodeError frames a connection-level error report.
func EncodeError(message string) []byte {
	buf := []byte{byte(ServerError)}
	return appendString(buf, message)
}

func appendTableUpdates(buf []byte, tables []TableUpdate) []byte {
	buf = appendU32(buf, uint32(len(tables)))
	for _, t := range tables {
		buf = appendU32(buf, t.TableID)
		buf = appendRows(buf, t.InsertRows)
		buf = appendRows(buf, t.DeleteRows)
	}
	return buf
}

func appendRows(buf []byte, rows [][]byte) []byte {
	buf = appendU32(buf, uint32(len(rows)))
	for _, row := range rows {
		buf = appendU32(buf, uint32(len(row)))
		buf = append(buf, row...)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// DecodeClientMessage parses one inbound frame's bytes.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	d := &decoder{buf: data}
	tagByte, err := d.byteVal()
	if err != nil {
		return ClientMessage{}, err
	}
	switch ClientKind(tagByte) {
	case ClientSubscribe, ClientUnsubscribe:
		ids, err := d.u32Slice()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Kind: ClientKind(tagByte), TableIDs: ids}, nil
	case ClientCallReducer:
		name, err := d.string()
		if err != nil {
			return ClientMessage{}, err
		}
		args, err := d.bytesVal()
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Kind: ClientCallReducer, Reducer: name, Args: args}, nil
	default:
		return ClientMessage{}, errs.Newf(errs.Decode, "protocol: unknown client message tag %d", tagByte)
	}
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) need(n int) error {
	if len(d.buf)-d.pos < n {
		return errs.New(errs.Decode, "protocol: truncated message")
	}
	return nil
}

func (d *decoder) byteVal() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *decoder) bytesVal() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytesVal()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) u32Slice() ([]uint32, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
