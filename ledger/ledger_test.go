package ledger

import (
	"testing"

	"dagchain.dev/validator/cryptoprovider"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(cryptoprovider.DevProvider{}, nil, map[string]uint64{
		"A": 1_000_000,
		"B": 2_000_000,
		"C": 3_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func mustTx(from, to string, amount, nonce uint64) []byte {
	tx := Transaction{From: from, To: to, Amount: amount, Nonce: nonce, Signature: []byte("sig")}
	return tx.Encode()
}

func TestAddUnconfirmedTransactionRejectsDuplicateAndBadNonce(t *testing.T) {
	l := newTestLedger(t)
	payload := mustTx("A", "B", 100, 0)
	if _, err := l.AddUnconfirmedTransaction(payload); err != nil {
		t.Fatalf("first admission should succeed: %v", err)
	}
	if _, err := l.AddUnconfirmedTransaction(payload); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	badNonce := mustTx("A", "B", 100, 5)
	if _, err := l.AddUnconfirmedTransaction(badNonce); err == nil {
		t.Fatalf("expected out-of-order nonce rejection")
	}
	good := mustTx("A", "B", 100, 1)
	if _, err := l.AddUnconfirmedTransaction(good); err != nil {
		t.Fatalf("sequential nonce should be admitted: %v", err)
	}
}

func TestProposeCheckAdvanceRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.AddUnconfirmedTransaction(mustTx("A", "B", 100, 0)); err != nil {
		t.Fatal(err)
	}
	blk, err := l.ProposeNextBlock(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.CheckNextBlock(blk); err != nil {
		t.Fatalf("own proposal must validate: %v", err)
	}
	if err := l.AdvanceToNextBlock(blk); err != nil {
		t.Fatal(err)
	}
	if l.Height() != 1 {
		t.Fatalf("height = %d, want 1", l.Height())
	}
	bal := l.Balances()
	if bal["A"] != 999_900 || bal["B"] != 2_000_100 {
		t.Fatalf("unexpected balances after advance: %+v", bal)
	}
}

func TestEmptyMempoolProducesNoProposal(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.ProposeNextBlock(1); err == nil {
		t.Fatalf("expected error proposing from an empty mempool")
	}
}

func TestCheckNextBlockRejectsWrongHeight(t *testing.T) {
	l := newTestLedger(t)
	blk := &Block{Height: 7, PreviousHash: l.TipHash()}
	if err := l.CheckNextBlock(blk); err == nil {
		t.Fatalf("expected height mismatch rejection")
	}
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	blk := &Block{
		Height:       1,
		Round:        3,
		PreviousHash: [32]byte{1, 2, 3},
		Transactions: []Transaction{{From: "A", To: "B", Amount: 10, Nonce: 0, Signature: []byte("s")}},
	}
	blk.Transactions[0].ID = p.SHA3_256(blk.Transactions[0].Encode())
	blk.TransactionIDs = [][32]byte{blk.Transactions[0].ID}
	blk.Hash = p.SHA3_256(blk.Encode())

	decoded, err := DecodeBlock(p, blk.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Height != blk.Height || decoded.Hash != blk.Hash {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, blk)
	}
	if len(decoded.TransactionIDs) != 1 || decoded.TransactionIDs[0] != blk.TransactionIDs[0] {
		t.Fatalf("transaction id round-trip mismatch")
	}
}

func TestHasTransactionCoversPendingAndConfirmed(t *testing.T) {
	l := newTestLedger(t)
	tx, err := l.AddUnconfirmedTransaction(mustTx("A", "B", 100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !l.HasTransaction(tx.ID) {
		t.Fatalf("expected pending transaction to be visible")
	}
	blk, err := l.ProposeNextBlock(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AdvanceToNextBlock(blk); err != nil {
		t.Fatal(err)
	}
	if !l.HasTransaction(tx.ID) {
		t.Fatalf("expected confirmed transaction to remain visible after advance")
	}
}
