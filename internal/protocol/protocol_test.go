package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeClientSubscribe(t *testing.T) {
	buf := []byte{byte(ClientSubscribe)}
	buf = appendU32(buf, 2)
	buf = appendU32(buf, 3)
	buf = appendU32(buf, 7)

	msg, err := DecodeClientMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != ClientSubscribe {
		t.Fatalf("kind = %v, want ClientSubscribe", msg.Kind)
	}
	if len(msg.TableIDs) != 2 || msg.TableIDs[0] != 3 || msg.TableIDs[1] != 7 {
		t.Fatalf("table ids = %v, want [3 7]", msg.TableIDs)
	}
}

func TestDecodeClientCallReducer(t *testing.T) {
	buf := []byte{byte(ClientCallReducer)}
	buf = appendString(buf, "send_message")
	buf = appendString(buf, "hello")

	msg, err := DecodeClientMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != ClientCallReducer || msg.Reducer != "send_message" || string(msg.Args) != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeClientMessageRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeClientMessage([]byte{99}); err == nil {
		t.Fatalf("expected an unknown tag to be rejected")
	}
}

func TestDecodeClientMessageRejectsTruncatedInput(t *testing.T) {
	buf := []byte{byte(ClientSubscribe)}
	buf = appendU32(buf, 5) // claims 5 ids, supplies none
	if _, err := DecodeClientMessage(buf); err == nil {
		t.Fatalf("expected truncated input to be rejected")
	}
}

func TestEncodeInitialUpdateRoundTripsTableLayout(t *testing.T) {
	out := EncodeInitialUpdate([]TableUpdate{
		{TableID: 1, InsertRows: [][]byte{{1, 2, 3}, {4, 5}}},
	})
	if out[0] != byte(ServerInitialUpdate) {
		t.Fatalf("expected the initial-update tag byte first")
	}
	if !bytes.Contains(out, []byte{1, 2, 3}) {
		t.Fatalf("expected the encoded row bytes to appear in the frame")
	}
}

func TestEncodeTransactionUpdateMarksFailure(t *testing.T) {
	out := EncodeTransactionUpdate(TransactionUpdate{
		Reducer: "do_thing",
		OK:      false,
		Message: "boom",
	})
	if out[0] != byte(ServerTransactionUpdate) {
		t.Fatalf("expected the transaction-update tag byte first")
	}
	if out[1] != 0 {
		t.Fatalf("expected the ok byte to be 0 on failure")
	}
}

func TestEncodeErrorIncludesMessage(t *testing.T) {
	out := EncodeError("bad request")
	if out[0] != byte(ServerError) {
		t.Fatalf("expected the error tag byte first")
	}
	if !bytes.Contains(out, []byte("bad request")) {
		t.Fatalf("expected the message text in the frame")
	}
}
