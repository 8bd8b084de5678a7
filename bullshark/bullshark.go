// Package bullshark implements the leader-commit rule and sub-DAG
// extraction: deterministic per-wave leader election, an
// availability-stake support check at the wave's odd round, and a causal
// walk that emits each newly committed leader's uncommitted past in
// canonical order.
package bullshark

import (
	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/dag"
	"dagchain.dev/validator/store"
	"dagchain.dev/validator/types"
)

// Wave returns the wave number a round belongs to: rounds 2k and 2k+1
// both belong to wave k.
func Wave(round uint64) uint64 { return round / 2 }

// WaveLeaderRound is the round wave k's leader certificate lives at: 2k.
func WaveLeaderRound(wave uint64) uint64 { return wave * 2 }

// WaveSupportRound is the round whose certificates decide wave k's
// commit: 2k+1, the round whose parents sit at the leader's round.
func WaveSupportRound(wave uint64) uint64 { return wave*2 + 1 }

// Committer runs the leader-election and commit rule over one DAG.
type Committer struct {
	d        *dag.DAG
	provider cryptoprovider.Provider
	emitted  map[types.CertificateID]bool
}

func New(d *dag.DAG, provider cryptoprovider.Provider) *Committer {
	return &Committer{d: d, provider: provider, emitted: make(map[types.CertificateID]bool)}
}

// TryCommit checks whether wave k's leader, seated at round 2k, can be
// committed given the current DAG contents at cm's epoch: committable once
// availability_threshold stake of round-(2k+1) certificates reference it,
// directly or transitively. If so, it walks every prior wave's leader seat,
// commits every uncommitted leader that lies on the new leader's causal
// path (in increasing round order), and returns one SubDag per newly
// committed leader, in commit order.
func (c *Committer) TryCommit(cm *committee.Committee, wave uint64, maxGCRounds uint64) ([]*types.SubDag, error) {
	leaderRound := WaveLeaderRound(wave)
	supportRound := WaveSupportRound(wave)
	leaderAddr := cm.LeaderForWave(c.provider, wave)
	leaderCert, ok := c.d.GetForRoundWithAuthor(leaderRound, leaderAddr)
	if !ok {
		return nil, nil
	}
	if c.emitted[leaderCert.ID] {
		return nil, nil
	}
	availability, err := cm.AvailabilityThreshold()
	if err != nil {
		return nil, err
	}
	if !c.leaderHasSupport(leaderCert, supportRound, cm, availability) {
		return nil, nil
	}

	// Walk every prior wave's leader seat, keeping only uncommitted
	// leaders that lie on this leader's causal path, then commit in
	// increasing round order. Already-committed leaders have left the DAG
	// (or are in the emitted set), so they drop out here.
	var pending []*types.BatchCertificate
	for w := uint64(0); ; w++ {
		r := WaveLeaderRound(w)
		if r > leaderRound {
			break
		}
		if r == leaderRound {
			pending = append(pending, leaderCert)
			continue
		}
		addr := cm.LeaderForWave(c.provider, w)
		cert, ok := c.d.GetForRoundWithAuthor(r, addr)
		if !ok {
			continue
		}
		if c.emitted[cert.ID] {
			continue
		}
		if !c.leaderHasCausalPath(cert, leaderCert) {
			continue
		}
		pending = append(pending, cert)
	}

	subdags := make([]*types.SubDag, 0, len(pending))
	for _, leader := range pending {
		sub := c.extractSubDag(leader)
		subdags = append(subdags, sub)
		c.d.Commit(leader, maxGCRounds)
	}
	return subdags, nil
}

// leaderHasSupport reports whether at least availability stake of round's
// certificates reference leader directly or transitively.
func (c *Committer) leaderHasSupport(leader *types.BatchCertificate, round uint64, cm *committee.Committee, availability uint64) bool {
	certs := c.d.GetCertificatesForRound(round)
	var stake uint64
	counted := make(map[committee.Address]bool)
	for _, cert := range certs {
		if counted[cert.Header.Author] {
			continue
		}
		if c.references(cert, leader) {
			counted[cert.Header.Author] = true
			stake += cm.Stake(cert.Header.Author)
		}
	}
	return stake >= availability
}

// references reports whether from can reach target by walking parent
// links (direct or transitive).
func (c *Committer) references(from *types.BatchCertificate, target *types.BatchCertificate) bool {
	visited := map[types.CertificateID]bool{from.ID: true}
	queue := []*types.BatchCertificate{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.ID == target.ID {
			return true
		}
		if cur.Header.Round <= target.Header.Round {
			continue
		}
		parentRound := cur.Header.Round - 1
		for _, pid := range cur.Header.Parents {
			if visited[pid] {
				continue
			}
			parent, ok := c.d.GetForRoundWithID(parentRound, pid)
			if !ok {
				continue
			}
			visited[pid] = true
			queue = append(queue, parent)
		}
	}
	return false
}

func (c *Committer) leaderHasCausalPath(earlier, later *types.BatchCertificate) bool {
	return c.references(later, earlier)
}

// extractSubDag collects leader's causal past not already emitted, in
// canonical order (round ascending, then author bytes ascending),
// so re-extraction never re-emits a certificate.
func (c *Committer) extractSubDag(leader *types.BatchCertificate) *types.SubDag {
	visited := map[types.CertificateID]bool{leader.ID: true}
	var members []*types.BatchCertificate
	queue := []*types.BatchCertificate{leader}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if !c.emitted[cur.ID] {
			members = append(members, cur)
			c.emitted[cur.ID] = true
		}
		if cur.Header.Round == dag.GenesisRound {
			continue
		}
		parentRound := cur.Header.Round - 1
		for _, pid := range cur.Header.Parents {
			if visited[pid] {
				continue
			}
			parent, ok := c.d.GetForRoundWithID(parentRound, pid)
			if !ok {
				continue
			}
			visited[pid] = true
			queue = append(queue, parent)
		}
	}
	types.SortCanonical(members)
	return &types.SubDag{Leader: leader, Certificates: members}
}

// MaterializeOutput fetches each sub-dag certificate's sealed batches and
// their transmission payloads from storage, producing the full
// ConsensusOutput the execution bridge consumes. A
// batch or transmission absent from local storage is skipped rather than
// treated as an error: the DAG's parent-quorum rule only guarantees a
// certificate's header was backed by quorum stake at formation time, not
// that this node personally holds every referenced batch body yet, a gap
// the sync engine's pull-based fetch is responsible for closing.
func (c *Committer) MaterializeOutput(sub *types.SubDag, storage *store.DB) (*types.ConsensusOutput, error) {
	out := &types.ConsensusOutput{SubDag: *sub, Batches: make(map[types.CertificateID]map[types.BatchDigest][]types.Transmission)}
	if storage == nil {
		return out, nil
	}
	for _, cert := range sub.Certificates {
		batches := make(map[types.BatchDigest][]types.Transmission, len(cert.Header.Payload))
		for digest := range cert.Header.Payload {
			raw, ok, err := storage.GetBatch(digest)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			batch, err := types.DecodeBatch(raw)
			if err != nil {
				return nil, err
			}
			txs := make([]types.Transmission, 0, len(batch.Transmissions))
			for _, tid := range batch.Transmissions {
				payload, ok, err := storage.GetTransmission(tid.StorageKey())
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				txs = append(txs, types.Transmission{ID: tid, Payload: payload})
			}
			batches[digest] = txs
		}
		out.Batches[cert.ID] = batches
	}
	return out, nil
}
