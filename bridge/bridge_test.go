package bridge

import (
	"errors"
	"testing"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/ledger"
	"dagchain.dev/validator/types"
)

type stubLedger struct {
	admitErr     error
	admitted     [][]byte
	proposed     *ledger.Block
	proposeErr   error
	checkErr     error
	advanceErr   error
	advanced     bool
	clearedCount int
}

func (s *stubLedger) AddUnconfirmedTransaction(payload []byte) (*ledger.Transaction, error) {
	if s.admitErr != nil {
		return nil, s.admitErr
	}
	s.admitted = append(s.admitted, payload)
	return &ledger.Transaction{}, nil
}

func (s *stubLedger) ProposeNextBlock(round uint64) (*ledger.Block, error) {
	if s.proposeErr != nil {
		return nil, s.proposeErr
	}
	blk := &ledger.Block{Height: 1, Round: round, TransactionIDs: [][32]byte{{1}, {2}}}
	s.proposed = blk
	return blk, nil
}

func (s *stubLedger) CheckNextBlock(blk *ledger.Block) error { return s.checkErr }

func (s *stubLedger) AdvanceToNextBlock(blk *ledger.Block) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	s.advanced = true
	return nil
}

func (s *stubLedger) ClearMemoryPool() { s.clearedCount++ }

type stubTransport struct {
	broadcasts int
	round      uint64
	height     uint64
}

func (s *stubTransport) BroadcastNewBlock(round uint64, height uint64, hash [32]byte, encoded []byte) {
	s.broadcasts++
	s.round = round
	s.height = height
}

func fakeCert(author committee.Address, round uint64, id byte, digest types.BatchDigest) *types.BatchCertificate {
	return &types.BatchCertificate{
		Header: types.BatchHeader{
			Author:  author,
			Round:   round,
			Payload: map[types.BatchDigest]uint32{digest: 0},
		},
		ID: types.CertificateID{id},
	}
}

func TestNonLeaderStoresOutputWithoutProducingBlock(t *testing.T) {
	self := committee.Address("self")
	other := committee.Address("other")
	led := &stubLedger{}
	transport := &stubTransport{}
	b := New(self, transport, led, nil)

	digest := types.BatchDigest{1}
	cert := fakeCert(other, 3, 1, digest)
	output := &types.ConsensusOutput{
		SubDag:  types.SubDag{Leader: cert, Certificates: []*types.BatchCertificate{cert}},
		Batches: map[types.CertificateID]map[types.BatchDigest][]types.Transmission{cert.ID: {digest: {{ID: types.TransmissionID{Kind: types.TransmissionTransaction, Digest: [32]byte{9}}, Payload: []byte("tx")}}}},
	}

	if err := b.HandleConsensusOutput(output); err != nil {
		t.Fatal(err)
	}
	if len(led.admitted) != 0 {
		t.Fatalf("non-leader must not admit transactions")
	}
	if transport.broadcasts != 0 {
		t.Fatalf("non-leader must not broadcast a block")
	}
}

func TestLeaderProducesAndBroadcastsBlock(t *testing.T) {
	self := committee.Address("self")
	led := &stubLedger{}
	transport := &stubTransport{}
	b := New(self, transport, led, nil)

	digest := types.BatchDigest{1}
	cert := fakeCert(self, 4, 1, digest)
	output := &types.ConsensusOutput{
		SubDag:  types.SubDag{Leader: cert, Certificates: []*types.BatchCertificate{cert}},
		Batches: map[types.CertificateID]map[types.BatchDigest][]types.Transmission{cert.ID: {digest: {{ID: types.TransmissionID{Kind: types.TransmissionTransaction, Digest: [32]byte{9}}, Payload: []byte("tx")}}}},
	}

	if err := b.HandleConsensusOutput(output); err != nil {
		t.Fatal(err)
	}
	if len(led.admitted) != 1 {
		t.Fatalf("expected one admitted transaction, got %d", len(led.admitted))
	}
	if !led.advanced {
		t.Fatalf("expected block to be advanced")
	}
	if transport.broadcasts != 1 || transport.round != 4 {
		t.Fatalf("expected one broadcast at round 4, got %d broadcasts at round %d", transport.broadcasts, transport.round)
	}
}

func TestLeaderSkipsRoundWhenNothingAdmitted(t *testing.T) {
	self := committee.Address("self")
	led := &stubLedger{admitErr: errors.New("already confirmed")}
	transport := &stubTransport{}
	b := New(self, transport, led, nil)

	digest := types.BatchDigest{1}
	cert := fakeCert(self, 4, 1, digest)
	output := &types.ConsensusOutput{
		SubDag:  types.SubDag{Leader: cert, Certificates: []*types.BatchCertificate{cert}},
		Batches: map[types.CertificateID]map[types.BatchDigest][]types.Transmission{cert.ID: {digest: {{ID: types.TransmissionID{Kind: types.TransmissionTransaction, Digest: [32]byte{9}}, Payload: []byte("tx")}}}},
	}

	if err := b.HandleConsensusOutput(output); err != nil {
		t.Fatal(err)
	}
	if transport.broadcasts != 0 {
		t.Fatalf("expected no block when nothing was admitted")
	}
	if led.advanced {
		t.Fatalf("expected ledger not to advance")
	}
}

func TestValidateIncomingBlockDetectsOutOfOrderTransactions(t *testing.T) {
	self := committee.Address("self")
	led := &stubLedger{}
	transport := &stubTransport{}
	b := New(self, transport, led, nil)

	digest := types.BatchDigest{1}
	cert := fakeCert(committee.Address("leader"), 4, 1, digest)
	idA := types.TransmissionID{Kind: types.TransmissionTransaction, Digest: [32]byte{1}}
	idB := types.TransmissionID{Kind: types.TransmissionTransaction, Digest: [32]byte{2}}
	output := &types.ConsensusOutput{
		SubDag: types.SubDag{Leader: cert, Certificates: []*types.BatchCertificate{cert}},
		Batches: map[types.CertificateID]map[types.BatchDigest][]types.Transmission{
			cert.ID: {digest: {{ID: idA, Payload: []byte("a")}, {ID: idB, Payload: []byte("b")}}},
		},
	}
	// Store the expected order without triggering block production (leader
	// is "leader", not self).
	if err := b.HandleConsensusOutput(output); err != nil {
		t.Fatal(err)
	}

	// A block listing the same two transactions in reversed order must be
	// rejected, even though check_next_block itself reports success.
	blk := &ledger.Block{Height: 1, TransactionIDs: [][32]byte{idB.Digest, idA.Digest}}
	if err := b.ValidateIncomingBlock(blk); err == nil {
		t.Fatalf("expected rejection of out-of-order block")
	}

	good := &ledger.Block{Height: 1, TransactionIDs: [][32]byte{idA.Digest, idB.Digest}}
	if err := b.ValidateIncomingBlock(good); err != nil {
		t.Fatalf("expected correctly-ordered block to validate: %v", err)
	}
}
