package ws

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/spacetimedb/hostd/internal/errs"
)

// compress frames payload for the wire: a one-byte compression tag
// followed by the (possibly compressed) bytes, per the server->client
// frame layout.
func compress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		out := make([]byte, 1+len(payload))
		out[0] = c.Tag()
		copy(out[1:], payload)
		return out, nil
	case CompressionBrotli:
		var buf bytes.Buffer
		buf.WriteByte(c.Tag())
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		return buf.Bytes(), nil
	case CompressionGzip:
		var buf bytes.Buffer
		buf.WriteByte(c.Tag())
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errs.Newf(errs.Transport, "ws: unknown compression tag %d", c)
	}
}

// decompress reverses compress, reading the leading tag byte to decide
// how to interpret the remainder. Used by tests and by any client-side
// reader this host's own tests drive against itself.
func decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errs.New(errs.Transport, "ws: empty frame")
	}
	tag := Compression(frame[0])
	body := frame[1:]
	switch tag {
	case CompressionNone:
		return body, nil
	case CompressionBrotli:
		r := brotli.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		return out, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		return out, nil
	default:
		return nil, errs.Newf(errs.Transport, "ws: unsupported compression tag %d", tag)
	}
}
