package bullshark

import (
	"testing"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/dag"
	"dagchain.dev/validator/types"
)

type member struct {
	addr committee.Address
	priv []byte
}

func makeCommittee(t *testing.T, n int) (*committee.Committee, []member) {
	t.Helper()
	p := cryptoprovider.DevProvider{}
	members := make([]member, n)
	cmMembers := make([]committee.Member, n)
	for i := 0; i < n; i++ {
		pub, priv, err := p.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		addr := committee.AddressFromPublicKey(pub)
		members[i] = member{addr: addr, priv: priv}
		cmMembers[i] = committee.Member{Address: addr, Stake: 1}
	}
	cm, err := committee.New(1, cmMembers)
	if err != nil {
		t.Fatal(err)
	}
	return cm, members
}

// sign produces a certificate for (author, round) with the given parent
// set, signed by every member passed in sigs (all of whom must be
// members of cm), mirroring how a formed certificate looks once quorum
// stake of signatures has accumulated around a header.
func sign(t *testing.T, p cryptoprovider.Provider, author member, round, epoch uint64, parents []types.CertificateID, signers []member) *types.BatchCertificate {
	t.Helper()
	h := types.BatchHeader{Author: author.addr, Round: round, Epoch: epoch, Parents: parents, Payload: map[types.BatchDigest]uint32{}}
	selfSig, err := p.SignBLS(author.priv, p.SHA3_256(h.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	h.SignatureByAuthor = selfSig
	sigs := make(map[committee.Address][]byte, len(signers))
	digest := p.SHA3_256(h.Encode())
	for _, s := range signers {
		sig, err := p.SignBLS(s.priv, digest)
		if err != nil {
			t.Fatal(err)
		}
		sigs[s.addr] = sig
	}
	return types.NewCertificate(p, h, sigs)
}

// buildFullRound inserts one certificate per committee member at round,
// each parented on every certificate present at round-1 (or none, at
// genesis), so that every round that follows genesis trivially has
// quorum-stake parents and every certificate in round references every
// certificate in round-1.
func buildFullRound(t *testing.T, p cryptoprovider.Provider, d *dag.DAG, cm *committee.Committee, members []member, round uint64, parents []types.CertificateID) []types.CertificateID {
	t.Helper()
	ids := make([]types.CertificateID, 0, len(members))
	for _, m := range members {
		cert := sign(t, p, m, round, cm.Epoch(), parents, members)
		if err := d.Insert(cert, cm); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, cert.ID)
	}
	return ids
}

func TestTryCommitNoSupportYet(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	cm, members := makeCommittee(t, 4)
	d := dag.New()
	buildFullRound(t, p, d, cm, members, dag.GenesisRound, nil)

	c := New(d, p)
	subdags, err := c.TryCommit(cm, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(subdags) != 0 {
		t.Fatalf("expected no commit before round 1 certificates support the wave-0 leader, got %d", len(subdags))
	}
}

func TestTryCommitAtAvailabilityThreshold(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	cm, members := makeCommittee(t, 4)
	d := dag.New()

	genesisIDs := buildFullRound(t, p, d, cm, members, dag.GenesisRound, nil)
	round1IDs := buildFullRound(t, p, d, cm, members, 1, genesisIDs)
	buildFullRound(t, p, d, cm, members, 2, round1IDs)

	c := New(d, p)
	subdags, err := c.TryCommit(cm, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(subdags) != 1 {
		t.Fatalf("expected exactly one committed sub-dag, got %d", len(subdags))
	}
	leaderAddr := cm.LeaderForWave(p, 0)
	if subdags[0].Leader.Header.Author != leaderAddr {
		t.Fatalf("committed leader does not match elected wave-0 leader")
	}
	if subdags[0].Leader.Header.Round != 0 {
		t.Fatalf("expected wave-0 leader at round 0, got %d", subdags[0].Leader.Header.Round)
	}

	for i := 1; i < len(subdags[0].Certificates); i++ {
		a, b := subdags[0].Certificates[i-1], subdags[0].Certificates[i]
		if a.Header.Round > b.Header.Round {
			t.Fatalf("sub-dag certificates not in canonical round order")
		}
	}
}

func TestTryCommitIsIdempotentAcrossCalls(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	cm, members := makeCommittee(t, 4)
	d := dag.New()

	genesisIDs := buildFullRound(t, p, d, cm, members, dag.GenesisRound, nil)
	round1IDs := buildFullRound(t, p, d, cm, members, 1, genesisIDs)
	buildFullRound(t, p, d, cm, members, 2, round1IDs)

	c := New(d, p)
	first, err := c.TryCommit(cm, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one sub-dag on first call, got %d", len(first))
	}
	second, err := c.TryCommit(cm, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no re-commit of an already-committed wave, got %d", len(second))
	}
}
