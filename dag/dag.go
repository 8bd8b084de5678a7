// Package dag is the in-memory round-indexed certificate graph: round ->
// author -> certificate maps with insert/contains/get accessors and a
// two-phase commit/garbage-collection step. RWMutex-guarded.
package dag

import (
	"sync"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/xerrors"
)

// DAG is the round -> author -> certificate graph. A committee snapshot is
// supplied per-operation rather than stored; the committee is an external
// authority the DAG consults, not something it owns.
type DAG struct {
	mu                   sync.RWMutex
	rounds               map[uint64]map[committee.Address]*types.BatchCertificate
	lastCommittedRound   uint64
	lastCommittedAuthors map[committee.Address]uint64 // author -> highest committed round
}

func New() *DAG {
	return &DAG{
		rounds:               make(map[uint64]map[committee.Address]*types.BatchCertificate),
		lastCommittedAuthors: make(map[committee.Address]uint64),
	}
}

// GenesisRound is the round whose certificates need no parent-quorum
// check: there are no round -1 certificates to require quorum from.
const GenesisRound uint64 = 0

// Insert is idempotent in (round, author): a second insert for the same
// slot is a silent no-op. It
// rejects an author absent from the committee and, except at the
// committee's genesis round, a certificate whose parents do not meet
// quorum stake at round-1.
func (d *DAG) Insert(cert *types.BatchCertificate, cm *committee.Committee) error {
	if cert == nil {
		return xerrors.LogicBug("dag: insert nil certificate")
	}
	author := cert.Header.Author
	round := cert.Header.Round
	if !cm.IsMember(author) {
		return xerrors.Protocolf(20, "dag: certificate author %x not in committee", author.Bytes())
	}
	if round != GenesisRound {
		if err := d.checkParentQuorum(cert, cm); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	byAuthor, ok := d.rounds[round]
	if !ok {
		byAuthor = make(map[committee.Address]*types.BatchCertificate)
		d.rounds[round] = byAuthor
	}
	if _, exists := byAuthor[author]; exists {
		return nil
	}
	byAuthor[author] = cert
	return nil
}

// checkParentQuorum verifies the certificate's parents, restricted to
// round-1, carry combined stake meeting quorum_threshold(epoch). Parents
// already garbage-collected (absent from round-1 entirely because the
// round itself was evicted) are tolerated: a certificate referencing
// now-evicted history is accepted on trust.
func (d *DAG) checkParentQuorum(cert *types.BatchCertificate, cm *committee.Committee) error {
	parentRound := cert.Header.Round - 1
	d.mu.RLock()
	byAuthor, haveRound := d.rounds[parentRound]
	d.mu.RUnlock()
	if !haveRound {
		// The parent round has already been garbage collected; there is
		// nothing left to check against, so the certificate is accepted on
		// trust for history before the retained window.
		return nil
	}
	var stake uint64
	present := make(map[committee.Address]bool)
	byIDLookup := make(map[types.CertificateID]committee.Address, len(byAuthor))
	for addr, c := range byAuthor {
		byIDLookup[c.ID] = addr
	}
	for _, pid := range cert.Header.Parents {
		addr, ok := byIDLookup[pid]
		if !ok {
			continue
		}
		if present[addr] {
			continue
		}
		present[addr] = true
		stake += cm.Stake(addr)
	}
	quorum, err := cm.QuorumThreshold()
	if err != nil {
		return err
	}
	if stake < quorum {
		return xerrors.Protocolf(20, "dag: certificate round %d parents have stake %d, need quorum %d", cert.Header.Round, stake, quorum)
	}
	return nil
}

func (d *DAG) ContainsInRound(round uint64, id types.CertificateID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byAuthor, ok := d.rounds[round]
	if !ok {
		return false
	}
	for _, c := range byAuthor {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (d *DAG) GetForRoundWithAuthor(round uint64, author committee.Address) (*types.BatchCertificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byAuthor, ok := d.rounds[round]
	if !ok {
		return nil, false
	}
	c, ok := byAuthor[author]
	return c, ok
}

func (d *DAG) GetForRoundWithID(round uint64, id types.CertificateID) (*types.BatchCertificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byAuthor, ok := d.rounds[round]
	if !ok {
		return nil, false
	}
	for _, c := range byAuthor {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// GetCertificatesForRound returns a snapshot slice of every certificate
// stored at round, in no particular order (callers that need canonical
// order use types.SortCanonical).
func (d *DAG) GetCertificatesForRound(round uint64) []*types.BatchCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byAuthor, ok := d.rounds[round]
	if !ok {
		return nil
	}
	out := make([]*types.BatchCertificate, 0, len(byAuthor))
	for _, c := range byAuthor {
		out = append(out, c)
	}
	return out
}

func (d *DAG) LastCommittedRound() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastCommittedRound
}

// Commit advances last_committed_round to the max over
// last_committed_authors, evicts every round at or below
// last_committed_round - max_gc_rounds, and for every round still present
// at or below cert.Round removes cert.Author's entry (that author is now
// committed through cert.Round). Empty round maps are removed entirely,
// so every retained round holds at least one certificate.
func (d *DAG) Commit(cert *types.BatchCertificate, maxGCRounds uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	author := cert.Header.Author
	round := cert.Header.Round
	if round > d.lastCommittedAuthors[author] {
		d.lastCommittedAuthors[author] = round
	}

	var maxRound uint64
	for _, r := range d.lastCommittedAuthors {
		if r > maxRound {
			maxRound = r
		}
	}
	d.lastCommittedRound = maxRound

	// Eviction boundary is inclusive: a round exactly max_gc_rounds behind
	// last_committed_round is evicted, not merely everything strictly
	// older (committing round 3 with max_gc_rounds=1 evicts round 2
	// entirely).
	if d.lastCommittedRound >= maxGCRounds {
		gcBoundary := d.lastCommittedRound - maxGCRounds
		for r := range d.rounds {
			if r <= gcBoundary {
				delete(d.rounds, r)
			}
		}
	}

	for r, byAuthor := range d.rounds {
		if r <= round {
			delete(byAuthor, author)
			if len(byAuthor) == 0 {
				delete(d.rounds, r)
			}
		}
	}
}

// Rounds returns the set of rounds currently retained, for tests and GC
// assertions.
func (d *DAG) Rounds() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, 0, len(d.rounds))
	for r := range d.rounds {
		out = append(out, r)
	}
	return out
}
