package memberlist

import (
	"bytes"
	"testing"
)

func TestKeyring_PrimaryAndRotation(t *testing.T) {
	k1 := []byte("0123456789abcdef")
	k2 := []byte("fedcba9876543210")

	kr, err := NewKeyring([][]byte{k1}, k1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(kr.GetPrimaryKey(), k1) {
		t.Fatalf("expected k1 as primary")
	}

	if err := kr.AddKey(k2); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(kr.GetPrimaryKey(), k1) {
		t.Fatalf("adding a key must not change the primary")
	}

	if err := kr.UseKey(k2); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(kr.GetPrimaryKey(), k2) {
		t.Fatalf("expected k2 to become primary")
	}

	if err := kr.RemoveKey(k2); err != errRemovePrimary {
		t.Fatalf("expected errRemovePrimary, got %v", err)
	}

	if err := kr.UseKey(k1); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := kr.RemoveKey(k2); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(kr.GetKeys()) != 1 {
		t.Fatalf("expected 1 key left, got %d", len(kr.GetKeys()))
	}
}

func TestKeyring_RejectsBadKeySize(t *testing.T) {
	if _, err := NewKeyring([][]byte{[]byte("short")}, nil); err != errInvalidKeySize {
		t.Fatalf("expected errInvalidKeySize, got %v", err)
	}
}

func TestEncryptDecryptPayload_RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef01234567")
	kr, err := NewKeyring([][]byte{key}, key)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	plain := []byte("hello gossip")
	extra := []byte("label")
	enc, err := encryptPayload(kr, plain, extra)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatalf("ciphertext should not equal plaintext")
	}

	dec, err := decryptPayload(kr, enc, extra)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip mismatch: got %q", dec)
	}
}

func TestDecryptPayload_TriesEveryKey(t *testing.T) {
	oldKey := []byte("aaaaaaaaaaaaaaaa")
	newKey := []byte("bbbbbbbbbbbbbbbb")

	senderRing, err := NewKeyring([][]byte{oldKey}, oldKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	enc, err := encryptPayload(senderRing, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Receiver has already rotated to newKey as primary but kept oldKey
	// installed; decrypt must still succeed by trying every key.
	receiverRing, err := NewKeyring([][]byte{newKey, oldKey}, newKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	dec, err := decryptPayload(receiverRing, enc, nil)
	if err != nil {
		t.Fatalf("expected decrypt to succeed trying every installed key: %v", err)
	}
	if string(dec) != "payload" {
		t.Fatalf("bad payload: %q", dec)
	}
}
