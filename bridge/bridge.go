// Package bridge is the execution bridge between committed consensus
// output and the ledger: leader-check-then-return, the
// decode-admit-skip-invalid loop over a sub-dag's transmissions, the
// propose/check-next-block/advance/clear-on-failure sequence, and the
// non-leader validation path that recomputes the expected transaction
// order and compares it against a broadcast block.
package bridge

import (
	"sync"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/ledger"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/xerrors"
)

// Transport is the narrow outbound capability the bridge needs: broadcast
// a newly produced block.
type Transport interface {
	BroadcastNewBlock(round uint64, height uint64, hash [32]byte, encoded []byte)
}

// Ledger is the slice of the ledger façade the bridge
// drives. Kept as its own interface so bridge logic is testable against a
// stub, matching the worker/primary packages' dependency-injection shape.
type Ledger interface {
	AddUnconfirmedTransaction(payload []byte) (*ledger.Transaction, error)
	ProposeNextBlock(round uint64) (*ledger.Block, error)
	CheckNextBlock(blk *ledger.Block) error
	AdvanceToNextBlock(blk *ledger.Block) error
	ClearMemoryPool()
}

// Bridge consumes one ConsensusOutput at a time, in commit order, and
// turns it into ledger state transitions.
type Bridge struct {
	self      committee.Address
	transport Transport
	ledger    Ledger
	log       *logging.Logger

	mu         sync.Mutex
	lastOutput *types.ConsensusOutput // for non-leader NewBlock order validation
}

func New(self committee.Address, transport Transport, l Ledger, log *logging.Logger) *Bridge {
	return &Bridge{self: self, transport: transport, ledger: l, log: log}
}

// HandleConsensusOutput consumes one committed sub-dag. Every validator
// stores the output for later NewBlock validation; only the node that
// authored the sub-dag's leader certificate proceeds to produce a block
// (leader-check-then-return).
func (b *Bridge) HandleConsensusOutput(output *types.ConsensusOutput) error {
	b.mu.Lock()
	b.lastOutput = output
	b.mu.Unlock()

	if output.SubDag.Leader.Header.Author != b.self {
		return nil
	}
	return b.produceBlock(output)
}

// orderedTransmissions walks a sub-dag's certificates and their batches in
// canonical order (already established by bullshark.extractSubDag /
// types.SortCanonical) and within each certificate, batch digests in
// ascending byte order, so the result is identical on every validator.
func orderedTransmissions(output *types.ConsensusOutput) []types.Transmission {
	var out []types.Transmission
	for _, cert := range output.SubDag.Certificates {
		digests := make([]types.BatchDigest, 0, len(cert.Header.Payload))
		for d := range cert.Header.Payload {
			digests = append(digests, d)
		}
		sortDigests(digests)
		perCert := output.Batches[cert.ID]
		for _, d := range digests {
			out = append(out, perCert[d]...)
		}
	}
	return out
}

func sortDigests(digests []types.BatchDigest) {
	for i := 1; i < len(digests); i++ {
		for j := i; j > 0 && string(digests[j-1][:]) > string(digests[j][:]); j-- {
			digests[j-1], digests[j] = digests[j], digests[j-1]
		}
	}
}

// produceBlock gathers every
// transmission across the sub-dag's batches in canonical order, admit
// each as a ledger transaction (skipping ones that fail basic validity,
// e.g. already confirmed or malformed), propose a block from whatever
// got admitted, validate it, and either advance the ledger and broadcast
// the block or clear the mempool and skip the round on failure.
func (b *Bridge) produceBlock(output *types.ConsensusOutput) error {
	admitted := 0
	for _, t := range orderedTransmissions(output) {
		if t.ID.Kind != types.TransmissionTransaction {
			continue
		}
		if _, err := b.ledger.AddUnconfirmedTransaction(t.Payload); err != nil {
			if b.log != nil {
				b.log.Warnf("bridge: skipping transmission %s: %v", t.ID, err)
			}
			continue
		}
		admitted++
	}
	if admitted == 0 {
		if b.log != nil {
			b.log.Event("block_skipped", map[string]any{"round": output.SubDag.Leader.Header.Round, "reason": "no admissible transactions"})
		}
		return nil
	}

	blk, err := b.ledger.ProposeNextBlock(output.SubDag.Leader.Header.Round)
	if err != nil {
		b.ledger.ClearMemoryPool()
		return xerrors.LogicBug("bridge: propose failed after admitting %d transmissions: %v", admitted, err)
	}
	if err := b.ledger.CheckNextBlock(blk); err != nil {
		b.ledger.ClearMemoryPool()
		return xerrors.Validationf("bridge: self-proposed block failed validation: %w", err)
	}
	if err := b.ledger.AdvanceToNextBlock(blk); err != nil {
		return xerrors.Storagef("bridge: advance failed: %w", err)
	}
	if b.log != nil {
		b.log.Event("block_produced", map[string]any{"height": blk.Height, "round": blk.Round, "num_tx": len(blk.Transactions)})
	}
	b.transport.BroadcastNewBlock(blk.Round, blk.Height, blk.Hash, blk.Encode())
	return nil
}

// ValidateIncomingBlock is the non-leader receive path: a non-leader
// never rejects a
// peer purely for broadcasting as a non-leader; it relies entirely on
// check_next_block plus a transaction-order recheck. The recheck
// recomputes the expected transaction order from this node's own
// previously executed ConsensusOutput, intersects it with the ids the
// incoming block actually includes (a leader may have skipped some, e.g.
// already-confirmed ones), and requires the intersection to appear in the
// block in that same relative order.
func (b *Bridge) ValidateIncomingBlock(blk *ledger.Block) error {
	if err := b.ledger.CheckNextBlock(blk); err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.lastOutput
	b.mu.Unlock()
	if prev == nil {
		return nil // nothing executed locally yet to check order against
	}
	expected := orderedTransmissions(prev)
	included := make(map[[32]byte]bool, len(blk.TransactionIDs))
	for _, id := range blk.TransactionIDs {
		included[id] = true
	}
	var expectedIncluded [][32]byte
	for _, t := range expected {
		if t.ID.Kind == types.TransmissionTransaction && included[t.ID.Digest] {
			expectedIncluded = append(expectedIncluded, t.ID.Digest)
		}
	}
	if len(expectedIncluded) != len(blk.TransactionIDs) {
		return xerrors.Protocolf(20, "bridge: block includes transactions outside the expected consensus order")
	}
	for i, id := range blk.TransactionIDs {
		if id != expectedIncluded[i] {
			return xerrors.Protocolf(20, "bridge: block transaction order does not match consensus order at index %d", i)
		}
	}
	return nil
}
