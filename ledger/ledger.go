// Package ledger is the balance-transfer ledger and consensus façade the
// execution bridge drives: mempool admission, deterministic block
// proposal, pure validation, and commit. The consensus core treats it as
// an external collaborator behind a narrow interface; this implementation
// keeps per-account balances and nonces so independent validators can
// compare state maps byte for byte.
package ledger

import (
	"bytes"
	"fmt"
	"sync"

	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/store"
	"dagchain.dev/validator/wirecodec"
	"dagchain.dev/validator/xerrors"
)

// Transaction is the ledger's only supported operation: move Amount from
// From to To, guarded by a monotonically increasing per-account Nonce.
// Signature is carried and encoded, but the ledger does not verify it.
type Transaction struct {
	ID        [32]byte
	From      string
	To        string
	Amount    uint64
	Nonce     uint64
	Signature []byte
}

func (tx Transaction) Encode() []byte {
	w := wirecodec.NewWriter()
	w.WriteString(tx.From)
	w.WriteString(tx.To)
	w.WriteU64(tx.Amount)
	w.WriteU64(tx.Nonce)
	w.WriteBytes(tx.Signature)
	return w.Bytes()
}

func DecodeTransaction(p cryptoprovider.Provider, b []byte) (*Transaction, error) {
	c := wirecodec.NewCursor(b)
	from, err := c.ReadString(256)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx from: %w", err)
	}
	to, err := c.ReadString(256)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx to: %w", err)
	}
	amount, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx amount: %w", err)
	}
	nonce, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx nonce: %w", err)
	}
	sig, err := c.ReadBytes(4096)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx sig: %w", err)
	}
	if !c.Done() {
		return nil, fmt.Errorf("ledger: decode tx: trailing bytes")
	}
	tx := Transaction{From: from, To: to, Amount: amount, Nonce: nonce, Signature: sig}
	tx.ID = p.SHA3_256(tx.Encode())
	return &tx, nil
}

// Block is the ledger's block; consumers treat it as opaque except for
// the named fields.
type Block struct {
	Height         uint64
	Round          uint64
	Hash           [32]byte
	PreviousHash   [32]byte
	TransactionIDs [][32]byte
	Header         []byte
	Transactions   []Transaction
}

func (b Block) Encode() []byte {
	w := wirecodec.NewWriter()
	w.WriteU64(b.Height)
	w.WriteU64(b.Round)
	w.WriteFixed32(b.PreviousHash)
	w.WriteCompactSize(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		w.WriteBytes(tx.Encode())
	}
	w.WriteBytes(b.Header)
	return w.Bytes()
}

func DecodeBlock(p cryptoprovider.Provider, b []byte) (*Block, error) {
	c := wirecodec.NewCursor(b)
	height, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("ledger: decode block height: %w", err)
	}
	round, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("ledger: decode block round: %w", err)
	}
	prev, err := c.ReadFixed32()
	if err != nil {
		return nil, fmt.Errorf("ledger: decode block prev hash: %w", err)
	}
	numTx, err := c.ReadCompactSize()
	if err != nil {
		return nil, fmt.Errorf("ledger: decode block num_tx: %w", err)
	}
	if numTx > 1<<20 {
		return nil, fmt.Errorf("ledger: decode block: too many transactions")
	}
	txs := make([]Transaction, 0, numTx)
	ids := make([][32]byte, 0, numTx)
	for i := uint64(0); i < numTx; i++ {
		raw, err := c.ReadBytes(1 << 20)
		if err != nil {
			return nil, fmt.Errorf("ledger: decode block tx %d: %w", i, err)
		}
		tx, err := DecodeTransaction(p, raw)
		if err != nil {
			return nil, fmt.Errorf("ledger: decode block tx %d: %w", i, err)
		}
		txs = append(txs, *tx)
		ids = append(ids, tx.ID)
	}
	header, err := c.ReadBytes(1 << 20)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode block header: %w", err)
	}
	if !c.Done() {
		return nil, fmt.Errorf("ledger: decode block: trailing bytes")
	}
	blk := &Block{Height: height, Round: round, PreviousHash: prev, Header: header, Transactions: txs, TransactionIDs: ids}
	blk.Hash = p.SHA3_256(blk.Encode())
	return blk, nil
}

// TransactionValidator is the narrow stateless-ish validity check the
// worker mempool consumes before admitting a transmission. Kept as its own
// interface, separate from the full Ledger, so the worker package can be
// tested against a stub without standing up a real ledger.
type TransactionValidator interface {
	CheckTransactionBasic(payload []byte) error
	CheckSolutionBasic(commitment, solution []byte) error
}

// Ledger is the collaborator-facing façade: mempool
// admission, block proposal/validation/advancement, and state queries. All
// mutation is serialized by mu so callers never need an external lock
// around it.
type Ledger struct {
	mu       sync.Mutex
	provider cryptoprovider.Provider
	db       *store.DB

	height       uint64
	tipHash      [32]byte
	balances     map[string]uint64
	nonces       map[string]uint64
	confirmed    map[[32]byte]bool
	mempool      map[[32]byte]Transaction
	mempoolOrder [][32]byte
}

func New(p cryptoprovider.Provider, db *store.DB, genesisBalances map[string]uint64) (*Ledger, error) {
	l := &Ledger{
		provider:  p,
		db:        db,
		balances:  make(map[string]uint64, len(genesisBalances)),
		nonces:    make(map[string]uint64),
		confirmed: make(map[[32]byte]bool),
		mempool:   make(map[[32]byte]Transaction),
	}
	if db != nil {
		existing, err := db.AllBalances()
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			l.balances = existing
			if err := l.replayPersistedBlocks(); err != nil {
				return nil, err
			}
			return l, nil
		}
	}
	for acct, bal := range genesisBalances {
		l.balances[acct] = bal
		if db != nil {
			if err := db.PutBalance(acct, bal); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

// replayPersistedBlocks rebuilds height, tip, nonces, and the confirmed
// transaction-id set from the persisted block chain after a restart. The
// balance buckets are authoritative and are not re-applied.
func (l *Ledger) replayPersistedBlocks() error {
	for h := uint64(1); ; h++ {
		raw, ok, err := l.db.GetLedgerBlock(h)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		blk, err := DecodeBlock(l.provider, raw)
		if err != nil {
			return xerrors.Storagef("ledger: persisted block %d undecodable: %w", h, err)
		}
		for _, tx := range blk.Transactions {
			l.confirmed[tx.ID] = true
			l.nonces[tx.From]++
		}
		l.height = blk.Height
		l.tipHash = blk.Hash
	}
}

// CheckTransactionBasic validates structure only: well-formed payload,
// nonzero amount, distinct endpoints. The transaction's Signature is not
// verified here or anywhere else in the ledger.
func (l *Ledger) CheckTransactionBasic(payload []byte) error {
	tx, err := DecodeTransaction(l.provider, payload)
	if err != nil {
		return xerrors.Validationf("ledger: malformed transaction: %w", err)
	}
	if tx.Amount == 0 {
		return xerrors.Validationf("ledger: zero-amount transaction")
	}
	if tx.From == "" || tx.To == "" || tx.From == tx.To {
		return xerrors.Validationf("ledger: invalid transfer endpoints")
	}
	return nil
}

// CheckSolutionBasic accepts a solution when commitment is a non-empty
// prefix of SHA3-256(solution). No epoch challenge or proof target is
// checked; the real BLS-puzzle verification is an external collaborator,
// matching the "domain-simplified" stance documented in DESIGN.md.
func (l *Ledger) CheckSolutionBasic(commitment, solution []byte) error {
	if len(commitment) == 0 {
		return xerrors.Validationf("ledger: empty solution commitment")
	}
	want := l.provider.SHA3_256(solution)
	if len(commitment) > len(want) {
		return xerrors.Validationf("ledger: oversized commitment")
	}
	if !bytes.Equal(want[:len(commitment)], commitment) {
		return xerrors.Validationf("ledger: solution does not match commitment")
	}
	return nil
}

// AddUnconfirmedTransaction admits payload into the mempool after checking
// it against current balances/nonces. Fails on duplicate, invalid, or
// conflicting state.
func (l *Ledger) AddUnconfirmedTransaction(payload []byte) (*Transaction, error) {
	if err := l.CheckTransactionBasic(payload); err != nil {
		return nil, err
	}
	tx, err := DecodeTransaction(l.provider, payload)
	if err != nil {
		return nil, xerrors.Validationf("ledger: decode: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.mempool[tx.ID]; dup {
		return nil, xerrors.Validationf("ledger: duplicate unconfirmed transaction")
	}
	if tx.Nonce != l.nonces[tx.From]+l.pendingNonceDelta(tx.From) {
		return nil, xerrors.Validationf("ledger: out-of-order nonce for %s", tx.From)
	}
	if l.balances[tx.From] < tx.Amount {
		return nil, xerrors.Validationf("ledger: insufficient balance for %s", tx.From)
	}
	l.mempool[tx.ID] = *tx
	l.mempoolOrder = append(l.mempoolOrder, tx.ID)
	return tx, nil
}

func (l *Ledger) pendingNonceDelta(account string) uint64 {
	var n uint64
	for _, id := range l.mempoolOrder {
		if l.mempool[id].From == account {
			n++
		}
	}
	return n
}

// ProposeNextBlock builds a block from the current mempool contents in
// admission order. The result is deterministic given mempool contents;
// no RNG is needed for a balance-transfer ledger with no coinbase
// selection to randomize. round is the consensus round whose sub-dag
// drove this proposal, folded into the block before its hash is taken so
// the two never drift apart.
func (l *Ledger) ProposeNextBlock(round uint64) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.mempoolOrder) == 0 {
		return nil, xerrors.Validationf("ledger: empty mempool, nothing to propose")
	}
	txs := make([]Transaction, 0, len(l.mempoolOrder))
	ids := make([][32]byte, 0, len(l.mempoolOrder))
	for _, id := range l.mempoolOrder {
		txs = append(txs, l.mempool[id])
		ids = append(ids, id)
	}
	blk := &Block{
		Height:         l.height + 1,
		Round:          round,
		PreviousHash:   l.tipHash,
		TransactionIDs: ids,
		Transactions:   txs,
		Header:         []byte(fmt.Sprintf("height=%d", l.height+1)),
	}
	blk.Hash = l.provider.SHA3_256(blk.Encode())
	return blk, nil
}

// CheckNextBlock is pure validation: previous-hash linkage, monotonic
// height, and that every included transaction is individually admissible
// against the pre-block balances (re-simulated, never mutating state).
func (l *Ledger) CheckNextBlock(blk *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkNextBlockLocked(blk)
}

func (l *Ledger) checkNextBlockLocked(blk *Block) error {
	if blk == nil {
		return xerrors.Validationf("ledger: nil block")
	}
	if blk.Height != l.height+1 {
		return xerrors.Validationf("ledger: block height %d != expected %d", blk.Height, l.height+1)
	}
	if blk.PreviousHash != l.tipHash {
		return xerrors.Validationf("ledger: block previous_hash mismatch")
	}
	sim := make(map[string]uint64, len(l.balances))
	for k, v := range l.balances {
		sim[k] = v
	}
	simNonce := make(map[string]uint64, len(l.nonces))
	for k, v := range l.nonces {
		simNonce[k] = v
	}
	for _, tx := range blk.Transactions {
		if tx.Amount == 0 || tx.From == tx.To {
			return xerrors.Validationf("ledger: invalid transaction in block")
		}
		if tx.Nonce != simNonce[tx.From] {
			return xerrors.Validationf("ledger: nonce mismatch for %s in block", tx.From)
		}
		if sim[tx.From] < tx.Amount {
			return xerrors.Validationf("ledger: insufficient balance for %s in block", tx.From)
		}
		sim[tx.From] -= tx.Amount
		sim[tx.To] += tx.Amount
		simNonce[tx.From]++
	}
	return nil
}

// AdvanceToNextBlock commits blk's transactions to the balance map, bumps
// height/tip, persists to storage, and drops the included transactions
// from the mempool. It re-runs the CheckNextBlock validation first and
// returns its error without changing any state if it fails.
func (l *Ledger) AdvanceToNextBlock(blk *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkNextBlockLocked(blk); err != nil {
		return err
	}
	for _, tx := range blk.Transactions {
		l.balances[tx.From] -= tx.Amount
		l.balances[tx.To] += tx.Amount
		l.nonces[tx.From]++
		l.confirmed[tx.ID] = true
		delete(l.mempool, tx.ID)
	}
	l.mempoolOrder = filterIDs(l.mempoolOrder, blk.TransactionIDs)
	l.height = blk.Height
	l.tipHash = blk.Hash
	if l.db != nil {
		if err := l.db.PutLedgerBlock(blk.Height, blk.Encode()); err != nil {
			return xerrors.Storagef("ledger: persist block: %w", err)
		}
		for acct, bal := range l.balances {
			if err := l.db.PutBalance(acct, bal); err != nil {
				return xerrors.Storagef("ledger: persist balance: %w", err)
			}
		}
	}
	return nil
}

// ClearMemoryPool recovers from a failed block proposal: the bridge
// clears the mempool and skips the round rather than retrying with stale
// data.
func (l *Ledger) ClearMemoryPool() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mempool = make(map[[32]byte]Transaction)
	l.mempoolOrder = nil
}

func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *Ledger) TipHash() [32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tipHash
}

// HasTransaction reports whether id is already confirmed in a block or
// currently pending in the mempool, used by the worker mempool's
// four-way dedupe.
func (l *Ledger) HasTransaction(id [32]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmed[id] {
		return true
	}
	_, pending := l.mempool[id]
	return pending
}

// Balances returns a deep copy snapshot, used to compare state maps
// across validators.
func (l *Ledger) Balances() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

func filterIDs(order [][32]byte, remove [][32]byte) [][32]byte {
	removed := make(map[[32]byte]bool, len(remove))
	for _, id := range remove {
		removed[id] = true
	}
	out := order[:0:0]
	for _, id := range order {
		if !removed[id] {
			out = append(out, id)
		}
	}
	return out
}
