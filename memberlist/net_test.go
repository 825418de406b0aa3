package memberlist

import (
	"bytes"
	"testing"
)

func TestCompoundMessage_RoundTrip(t *testing.T) {
	msgs := [][]byte{
		[]byte("one"),
		[]byte("two-longer"),
		[]byte("3"),
	}

	buf := makeCompoundMessage(msgs)
	// makeCompoundMessage's output leads with the msgCompound tag byte;
	// decodeCompoundMessage expects that already stripped, as handleCommand
	// does before dispatch.
	trunc, parts, err := decodeCompoundMessage(buf[1:])
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if trunc != 0 {
		t.Fatalf("expected no truncation, got %d", trunc)
	}
	if len(parts) != len(msgs) {
		t.Fatalf("expected %d parts, got %d", len(msgs), len(parts))
	}
	for i, part := range parts {
		if !bytes.Equal(part, msgs[i]) {
			t.Fatalf("part %d mismatch: got %q want %q", i, part, msgs[i])
		}
	}
}

func TestCompoundMessage_Truncated(t *testing.T) {
	msgs := [][]byte{[]byte("one"), []byte("two")}
	buf := makeCompoundMessage(msgs)

	// Chop off the last message's bytes to simulate an MTU-truncated datagram.
	truncated := buf[:len(buf)-2]
	trunc, parts, err := decodeCompoundMessage(truncated[1:])
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if trunc != 1 {
		t.Fatalf("expected 1 truncated part, got %d", trunc)
	}
	if len(parts) != 1 {
		t.Fatalf("expected the first complete part to still decode, got %d", len(parts))
	}
}

func TestDecodeCompoundMessage_EmptyBuffer(t *testing.T) {
	if _, _, err := decodeCompoundMessage(nil); err == nil {
		t.Fatalf("expected an error decoding an empty compound message")
	}
}
