package primary

import (
	"testing"
	"time"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/dag"
	"dagchain.dev/validator/types"
)

type memberKey struct {
	addr committee.Address
	priv []byte
}

func makeCommittee(t *testing.T, n int) (*committee.Committee, []memberKey) {
	t.Helper()
	p := cryptoprovider.DevProvider{}
	keys := make([]memberKey, n)
	members := make([]committee.Member, n)
	for i := 0; i < n; i++ {
		pub, priv, err := p.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		addr := committee.AddressFromPublicKey(pub)
		keys[i] = memberKey{addr: addr, priv: priv}
		members[i] = committee.Member{Address: addr, Stake: 1}
	}
	cm, err := committee.New(1, members)
	if err != nil {
		t.Fatal(err)
	}
	return cm, keys
}

type noopTransport struct {
	headers []types.BatchHeader
	certs   []*types.BatchCertificate
}

func (t *noopTransport) BroadcastHeader(h types.BatchHeader)        { t.headers = append(t.headers, h) }
func (t *noopTransport) BroadcastCertificate(c *types.BatchCertificate) { t.certs = append(t.certs, c) }

type emptyBatchSource struct{ n int }

func (s emptyBatchSource) ReadyBatches(max int) (map[types.BatchDigest]uint32, int) {
	return map[types.BatchDigest]uint32{}, s.n
}

func seedGenesis(t *testing.T, d *dag.DAG, cm *committee.Committee, keys []memberKey) {
	t.Helper()
	p := cryptoprovider.DevProvider{}
	for _, k := range keys {
		h := types.BatchHeader{Author: k.addr, Round: dag.GenesisRound, Epoch: 1, Payload: map[types.BatchDigest]uint32{}}
		sig, err := p.SignBLS(k.priv, p.SHA3_256(h.Encode()))
		if err != nil {
			t.Fatal(err)
		}
		h.SignatureByAuthor = sig
		cert := types.NewCertificate(p, h, map[committee.Address][]byte{k.addr: sig})
		if err := d.Insert(cert, cm); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAssembleAndFormCertificateAtQuorum(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	cm, keys := makeCommittee(t, 4)
	d := dag.New()
	seedGenesis(t, d, cm, keys)

	transport := &noopTransport{}
	self := keys[0]
	pr := New(self.addr, self.priv, Config{MaxHeaderNumOfBatches: 1, MinHeaderDelay: 0, MaxHeaderDelay: time.Millisecond, Epoch: 1}, p, transport, d, emptyBatchSource{n: 1}, nil)

	ok, err := pr.TryAssemble(cm, time.Now().Add(-time.Second), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected assembly to proceed")
	}
	if len(transport.headers) != 1 {
		t.Fatalf("expected one header broadcast")
	}
	headerID := transport.headers[0].ID(p)

	// Collect signatures from the other 3 members to reach quorum (3 of 4).
	var lastCert *types.BatchCertificate
	for _, k := range keys[1:] {
		digest := p.SHA3_256(transport.headers[0].Encode())
		sig, err := p.SignBLS(k.priv, digest)
		if err != nil {
			t.Fatal(err)
		}
		cert, err := pr.ReceiveSignature(cm, headerID, k.addr, sig)
		if err != nil {
			t.Fatal(err)
		}
		if cert != nil {
			lastCert = cert
		}
	}
	if lastCert == nil {
		t.Fatalf("expected certificate to form once quorum reached")
	}
	if len(transport.certs) != 1 {
		t.Fatalf("expected certificate broadcast")
	}
	if pr.Round() != 2 {
		t.Fatalf("expected round to advance to 2, got %d", pr.Round())
	}
}

func TestReceiveSignatureRejectsNonMember(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	cm, keys := makeCommittee(t, 4)
	d := dag.New()
	seedGenesis(t, d, cm, keys)
	transport := &noopTransport{}
	self := keys[0]
	pr := New(self.addr, self.priv, Config{MaxHeaderNumOfBatches: 1, MinHeaderDelay: 0, MaxHeaderDelay: time.Millisecond, Epoch: 1}, p, transport, d, emptyBatchSource{n: 1}, nil)
	if _, err := pr.TryAssemble(cm, time.Now().Add(-time.Second), time.Now()); err != nil {
		t.Fatal(err)
	}
	headerID := transport.headers[0].ID(p)
	outsider := committee.AddressFromPublicKey([]byte("outsider"))
	if _, err := pr.ReceiveSignature(cm, headerID, outsider, []byte("sig")); err == nil {
		t.Fatalf("expected rejection of non-member signer")
	}
}
