package keys

import (
	"path/filepath"
	"testing"

	"dagchain.dev/validator/cryptoprovider"
)

func TestWriteReadKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".primary-0-key.json")
	priv := []byte("a-private-key-of-some-length-32")
	if err := WriteKeyFile(path, priv); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}
	got, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile: %v", err)
	}
	if string(got) != string(priv) {
		t.Fatalf("round trip mismatch: got %q want %q", got, priv)
	}
}

func TestGeneratePrimaryKeyWritesValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".primary-1-key.json")
	kp, err := GeneratePrimaryKey(cryptoprovider.DevProvider{}, path)
	if err != nil {
		t.Fatalf("GeneratePrimaryKey: %v", err)
	}
	got, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile: %v", err)
	}
	if string(got) != string(kp.Private) {
		t.Fatal("persisted key does not match generated key")
	}
}

func TestDevDirLayout(t *testing.T) {
	dir := DevPrimaryDir("/root/data", 1, 3)
	want := "/root/data/.bft-1/primary-3"
	if dir != want {
		t.Fatalf("DevPrimaryDir = %q, want %q", dir, want)
	}
	wdir := DevWorkerDir("/root/data", 1, 3, 0)
	wantW := "/root/data/.bft-1/worker-3-0"
	if wdir != wantW {
		t.Fatalf("DevWorkerDir = %q, want %q", wdir, wantW)
	}
}
