// Package store is the bbolt-backed key-value layer: one bucket per
// consensus namespace (certificates by id and by round, batches,
// transmissions, last-executed sub-dag index, votes), plus the ledger's
// own block/chainstate/balance buckets kept in the same file.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"dagchain.dev/validator/xerrors"
)

var (
	bucketCertificatesByID     = []byte("certificates_by_id")
	bucketCertificatesByRound  = []byte("certificates_by_round")
	bucketBatches              = []byte("batches")
	bucketTransmissions        = []byte("transmissions")
	bucketLastExecutedSubDag   = []byte("last_executed_sub_dag_index")
	bucketVotesByHeader        = []byte("votes_by_header")
	bucketLedgerBlocks         = []byte("blocks")
	bucketLedgerChainState     = []byte("chainstate")
	bucketLedgerBalances       = []byte("balances")

	allBuckets = [][]byte{
		bucketCertificatesByID,
		bucketCertificatesByRound,
		bucketBatches,
		bucketTransmissions,
		bucketLastExecutedSubDag,
		bucketVotesByHeader,
		bucketLedgerBlocks,
		bucketLedgerChainState,
		bucketLedgerBalances,
	}

	lastExecutedKey = []byte("last_executed_sub_dag_index")
)

// DB wraps one bbolt file per node datadir.
type DB struct {
	db   *bolt.DB
	path string
}

func Open(datadir string) (*DB, error) {
	if datadir == "" {
		return nil, xerrors.Configf("store: datadir required")
	}
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, xerrors.Configf("store: create datadir: %w", err)
	}
	path := filepath.Join(datadir, "validator.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, xerrors.Storagef("store: open bbolt: %w", err)
	}
	d := &DB{db: bdb, path: path}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, xerrors.Storagef("store: init buckets: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Path() string { return d.path }

// --- certificates_by_id / certificates_by_round ---

// PutCertificate writes the certificate under both namespaces: keyed by
// its id, and keyed by round||author||id so per-round range scans stay
// cheap.
func (d *DB) PutCertificate(id [32]byte, round uint64, author []byte, encoded []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCertificatesByID).Put(id[:], encoded); err != nil {
			return err
		}
		key := roundAuthorKey(round, author, id)
		return tx.Bucket(bucketCertificatesByRound).Put(key, id[:])
	})
}

func (d *DB) GetCertificateByID(id [32]byte) ([]byte, bool, error) {
	return d.get(bucketCertificatesByID, id[:])
}

// CertificateIDsForRound returns every certificate id stored for round,
// in key order (author-prefixed, so stable but not author-sorted beyond
// byte order).
func (d *DB) CertificateIDsForRound(round uint64) ([][32]byte, error) {
	prefix := roundPrefix(round)
	var out [][32]byte
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCertificatesByRound).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var id [32]byte
			copy(id[:], v)
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

func (d *DB) DeleteCertificatesForRound(round uint64) error {
	prefix := roundPrefix(round)
	return d.db.Update(func(tx *bolt.Tx) error {
		idsBucket := tx.Bucket(bucketCertificatesByRound)
		byIDBucket := tx.Bucket(bucketCertificatesByID)
		c := idsBucket.Cursor()
		var keysToDelete [][]byte
		var idsToDelete [][]byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
			idsToDelete = append(idsToDelete, append([]byte(nil), v...))
		}
		for _, k := range keysToDelete {
			if err := idsBucket.Delete(k); err != nil {
				return err
			}
		}
		for _, id := range idsToDelete {
			if err := byIDBucket.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- batches ---

func (d *DB) PutBatch(digest [32]byte, encoded []byte) error {
	return d.put(bucketBatches, digest[:], encoded)
}

func (d *DB) GetBatch(digest [32]byte) ([]byte, bool, error) {
	return d.get(bucketBatches, digest[:])
}

// --- transmissions ---

func (d *DB) PutTransmission(id []byte, payload []byte) error {
	return d.put(bucketTransmissions, id, payload)
}

func (d *DB) GetTransmission(id []byte) ([]byte, bool, error) {
	return d.get(bucketTransmissions, id)
}

func (d *DB) HasTransmission(id []byte) (bool, error) {
	_, ok, err := d.get(bucketTransmissions, id)
	return ok, err
}

// --- last_executed_sub_dag_index ---
//
// Crash recovery reads back
// this single persisted key, never replayed from the DAG.

func (d *DB) PutLastExecutedSubDagIndex(index uint64) error {
	var b [8]byte
	putU64(b[:], index)
	return d.put(bucketLastExecutedSubDag, lastExecutedKey, b[:])
}

func (d *DB) GetLastExecutedSubDagIndex() (uint64, error) {
	v, ok, err := d.get(bucketLastExecutedSubDag, lastExecutedKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, xerrors.Storagef("store: corrupt last_executed_sub_dag_index record")
	}
	return getU64(v), nil
}

// --- votes_by_header ---

func (d *DB) PutVote(headerID [32]byte, voter []byte, signature []byte) error {
	key := append(append([]byte{}, headerID[:]...), voter...)
	return d.put(bucketVotesByHeader, key, signature)
}

func (d *DB) VotesForHeader(headerID [32]byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVotesByHeader).Cursor()
		for k, v := c.Seek(headerID[:]); k != nil && hasPrefix(k, headerID[:]); k, v = c.Next() {
			voter := append([]byte(nil), k[32:]...)
			out[string(voter)] = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// --- ledger blocks / chainstate / balances ---

func (d *DB) PutLedgerBlock(height uint64, encoded []byte) error {
	var key [8]byte
	putU64(key[:], height)
	return d.put(bucketLedgerBlocks, key[:], encoded)
}

func (d *DB) GetLedgerBlock(height uint64) ([]byte, bool, error) {
	var key [8]byte
	putU64(key[:], height)
	return d.get(bucketLedgerBlocks, key[:])
}

func (d *DB) PutChainStateField(key string, value []byte) error {
	return d.put(bucketLedgerChainState, []byte(key), value)
}

func (d *DB) GetChainStateField(key string) ([]byte, bool, error) {
	return d.get(bucketLedgerChainState, []byte(key))
}

func (d *DB) PutBalance(account string, balance uint64) error {
	var b [8]byte
	putU64(b[:], balance)
	return d.put(bucketLedgerBalances, []byte(account), b[:])
}

func (d *DB) GetBalance(account string) (uint64, bool, error) {
	v, ok, err := d.get(bucketLedgerBalances, []byte(account))
	if err != nil || !ok {
		return 0, ok, err
	}
	return getU64(v), true, nil
}

// AllBalances returns a snapshot of the full balance map; the ledger reads
// it on startup to restore persisted balances.
func (d *DB) AllBalances() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedgerBalances).ForEach(func(k, v []byte) error {
			out[string(k)] = getU64(v)
			return nil
		})
	})
	return out, err
}

// --- generic helpers ---

func (d *DB) put(bucket, key, value []byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
	if err != nil {
		return xerrors.Storagef("store: put %s: %w", string(bucket), err)
	}
	return nil
}

func (d *DB) get(bucket, key []byte) ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, xerrors.Storagef("store: get %s: %w", string(bucket), err)
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

func roundPrefix(round uint64) []byte {
	var b [8]byte
	putU64(b[:], round)
	return b[:]
}

func roundAuthorKey(round uint64, author []byte, id [32]byte) []byte {
	key := roundPrefix(round)
	key = append(key, author...)
	key = append(key, id[:]...)
	return key
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
