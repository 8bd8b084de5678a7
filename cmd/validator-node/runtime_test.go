package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/config"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/xerrors"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError, "test")
}

func TestCommitteeFromFileOrderIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := provisionDev(dir, 0, 0); err != nil {
		t.Fatal(err)
	}
	cf, err := config.LoadCommittee(dir)
	if err != nil {
		t.Fatal(err)
	}
	cm1, _, err := committeeFromFile(cf)
	if err != nil {
		t.Fatal(err)
	}
	cm2, _, err := committeeFromFile(cf)
	if err != nil {
		t.Fatal(err)
	}
	m1, m2 := cm1.Members(), cm2.Members()
	if len(m1) != devSeats {
		t.Fatalf("expected %d members, got %d", devSeats, len(m1))
	}
	for i := range m1 {
		if m1[i].Address != m2[i].Address {
			t.Fatalf("member order differs at %d", i)
		}
	}
	p := cryptoprovider.DevProvider{}
	if genesisHeaderFor(p, cm1) != genesisHeaderFor(p, cm2) {
		t.Fatalf("genesis header not deterministic")
	}
}

func TestNewNodeWiresOwnSeat(t *testing.T) {
	dir := t.TempDir()
	if err := provisionDev(dir, 0, 2); err != nil {
		t.Fatal(err)
	}
	n, err := newNode(Config{DataDir: dir, NodeAddr: "127.0.0.1:0", DevID: 2}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer n.db.Close()
	if !n.cm.IsMember(n.self) {
		t.Fatalf("own address not a committee member")
	}
	if n.selfWorkerAddr == "" || n.selfPrimaryAddr == "" {
		t.Fatalf("intra addresses not wired: worker=%q primary=%q", n.selfWorkerAddr, n.selfPrimaryAddr)
	}
	if len(n.peerPrimaryAddrs) != devSeats-1 || len(n.peerWorkerAddrs) != devSeats-1 {
		t.Fatalf("expected %d peers, got primary=%d worker=%d", devSeats-1, len(n.peerPrimaryAddrs), len(n.peerWorkerAddrs))
	}
}

func TestNewNodeRejectsForeignKey(t *testing.T) {
	dir := t.TempDir()
	if err := provisionDev(dir, 0, 0); err != nil {
		t.Fatal(err)
	}
	// A seat-0 key provisioned under a different network id (9) is not a
	// member of this directory's committee.
	foreign := t.TempDir()
	if err := provisionDev(foreign, 9, 0); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(t, foreign, dir, ".primary-0-key.json"); err != nil {
		t.Fatal(err)
	}
	if _, err := newNode(Config{DataDir: dir, NodeAddr: "127.0.0.1:0", DevID: 0}, testLogger()); err == nil {
		t.Fatalf("expected non-member key to be rejected")
	}
}

func TestVerifyCertificateStakeAndSignatures(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	type seat struct {
		addr committee.Address
		priv []byte
	}
	seats := make([]seat, devSeats)
	members := make([]committee.Member, devSeats)
	for i := range seats {
		pub, priv := p.DeriveKey(p.SHA3_256([]byte{byte(i)}))
		seats[i] = seat{addr: committee.AddressFromPublicKey(pub), priv: priv}
		members[i] = committee.Member{Address: seats[i].addr, Stake: 1}
	}
	cm, err := committee.New(1, members)
	if err != nil {
		t.Fatal(err)
	}
	n := &Node{provider: p, cm: cm}

	header := types.BatchHeader{Author: seats[0].addr, Round: 0, Epoch: 1, Timestamp: 1}
	selfSig, err := p.SignBLS(seats[0].priv, p.SHA3_256(header.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	header.SignatureByAuthor = selfSig
	digest := p.SHA3_256(header.Encode())

	sign := func(count int) map[committee.Address][]byte {
		sigs := make(map[committee.Address][]byte, count)
		for i := 0; i < count; i++ {
			sig, err := p.SignBLS(seats[i].priv, digest)
			if err != nil {
				t.Fatal(err)
			}
			sigs[seats[i].addr] = sig
		}
		return sigs
	}

	// Quorum for 4 seats of stake 1 is 3.
	if err := n.verifyCertificate(types.NewCertificate(p, header, sign(2))); err == nil {
		t.Fatalf("expected sub-quorum certificate to be rejected")
	}
	if err := n.verifyCertificate(types.NewCertificate(p, header, sign(3))); err != nil {
		t.Fatalf("expected quorum certificate to verify: %v", err)
	}

	// A forged signature must be rejected even at quorum count.
	sigs := sign(3)
	sigs[seats[2].addr] = sigs[seats[1].addr]
	if err := n.verifyCertificate(types.NewCertificate(p, header, sigs)); err == nil {
		t.Fatalf("expected forged signature to be rejected")
	}
}

func TestHandleGatewayFrameUnknownTagIsViolation(t *testing.T) {
	n := &Node{provider: cryptoprovider.DevProvider{}, log: testLogger()}
	err := n.handleGatewayFrame("peer:1")(0xEE, nil)
	if err == nil {
		t.Fatalf("expected unknown tag to be a protocol violation")
	}
	if xerrors.BanScoreDelta(err) == 0 {
		t.Fatalf("expected a ban-score delta on protocol violation, got %v", err)
	}
}

func copyFile(t *testing.T, fromDir, toDir, name string) error {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(fromDir, name))
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(toDir, name), b, 0o600)
}
