package cluster

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteKeyringFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	keys := [][]byte{
		[]byte("0123456789abcdef0123456789abcdef"),
		[]byte("fedcba9876543210fedcba9876543210"),
	}

	if err := writeKeyringFile(path, keys); err != nil {
		t.Fatalf("err: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(encoded) != 2 {
		t.Fatalf("expected 2 encoded keys, got %d", len(encoded))
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded[0])
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if string(decoded) != string(keys[0]) {
		t.Fatalf("expected first key to round-trip, got %q", decoded)
	}
}

func TestWriteKeyringFile_PermissionsAreOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	if err := writeKeyringFile(path, [][]byte{[]byte("k")}); err != nil {
		t.Fatalf("err: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected keyring file mode 0600, got %v", info.Mode().Perm())
	}
}
