// Package keys loads and writes the key files at the system boundary:
// .primary-{id}-key.json (BLS-shaped), .primary-{id}-network-key.json and
// .worker-{id}-key.json (Ed25519). Keys are stored base64 encoded with a
// leading discriminator byte that must be skipped on decode, and dev-mode
// paths are derived deterministically from a seat id rather than a fixed
// production directory.
package keys

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/xerrors"
)

// discriminatorByte: the first decoded byte of a key file is a type tag a
// richer key library would consume; this repository's simplified key
// format does not, so it is written as a constant and skipped on read.
const discriminatorByte = 0x01

// DevPrimaryDir/DevWorkerDir produce the dev-mode primary/worker layout:
// `.bft-{network}/primary-{id}` and `.bft-{network}/worker-{primaryID}-{workerID}`,
// rooted under root.
func DevPrimaryDir(root string, network uint16, devID uint16) string {
	return filepath.Join(root, fmt.Sprintf(".bft-%d", network), fmt.Sprintf("primary-%d", devID))
}

func DevWorkerDir(root string, network uint16, primaryID uint16, workerID uint32) string {
	return filepath.Join(root, fmt.Sprintf(".bft-%d", network), fmt.Sprintf("worker-%d-%d", primaryID, workerID))
}

// ProdPrimaryDir reproduces the production-mode path: storage/bft-{network}/primary.
func ProdPrimaryDir(root string, network uint16) string {
	return filepath.Join(root, "storage", fmt.Sprintf("bft-%d", network), "primary")
}

func ProdWorkerDir(root string, network uint16, workerID uint32) string {
	return filepath.Join(root, "storage", fmt.Sprintf("bft-%d", network), fmt.Sprintf("worker-%d", workerID))
}

// KeyPair is a public/private key pair as stored in one of the key files.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// WriteKeyFile writes priv base64-encoded with the discriminator byte
// prepended.
func WriteKeyFile(path string, priv []byte) error {
	tagged := append([]byte{discriminatorByte}, priv...)
	encoded := base64.StdEncoding.EncodeToString(tagged)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return xerrors.Configf("keys: create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return xerrors.Configf("keys: write %s: %w", path, err)
	}
	return nil
}

// ReadKeyFile reads a base64 key file and strips the leading
// discriminator byte.
func ReadKeyFile(path string) ([]byte, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Configf("keys: read %s: %w", path, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(contents)))
	if err != nil {
		return nil, xerrors.Configf("keys: decode base64 %s: %w", path, err)
	}
	if len(decoded) < 2 {
		return nil, xerrors.Configf("keys: %s too short to contain a discriminator byte and key", path)
	}
	return decoded[1:], nil
}

// GeneratePrimaryKey creates a fresh BLS-shaped keypair (see
// cryptoprovider's package doc for why this is Ed25519-backed) and writes
// it to path.
func GeneratePrimaryKey(p cryptoprovider.Provider, path string) (*KeyPair, error) {
	pub, priv, err := p.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate primary key: %w", err)
	}
	if err := WriteKeyFile(path, priv); err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}
