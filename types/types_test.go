package types

import (
	"testing"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
)

func TestBatchHeaderEncodeDecodeRoundTrip(t *testing.T) {
	p := cryptoprovider.DevProvider{}
	h := BatchHeader{
		Author: committee.Address("alice-pubkey"),
		Round:  5,
		Epoch:  1,
		Parents: []CertificateID{
			{0x01, 0x02},
			{0x00, 0x09},
		},
		Payload:           map[BatchDigest]uint32{{0xaa}: 1, {0xbb}: 2},
		Timestamp:         1234567,
		SignatureByAuthor: []byte("sig-bytes"),
	}
	encoded := h.Encode()
	decoded, err := DecodeBatchHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeBatchHeader: %v", err)
	}
	if decoded.ID(p) != h.ID(p) {
		t.Fatal("decoded header must produce the identical CertificateID")
	}
	if decoded.Round != h.Round || decoded.Epoch != h.Epoch {
		t.Fatal("round/epoch mismatch after round trip")
	}
	if len(decoded.Payload) != len(h.Payload) {
		t.Fatal("payload mismatch after round trip")
	}
}

func TestCanonicalSortIsIdempotentAndDeterministic(t *testing.T) {
	mk := func(round uint64, author string) *BatchCertificate {
		return &BatchCertificate{Header: BatchHeader{Round: round, Author: committee.Address(author)}}
	}
	certs := []*BatchCertificate{mk(2, "b"), mk(1, "z"), mk(2, "a"), mk(1, "a")}
	SortCanonical(certs)
	want := []string{"1:a", "1:z", "2:a", "2:b"}
	for i, c := range certs {
		got := string(rune('0'+int(c.Header.Round))) + ":" + string(c.Header.Author)
		if got != want[i] {
			t.Fatalf("index %d: got %q want %q", i, got, want[i])
		}
	}
	before := append([]*BatchCertificate(nil), certs...)
	SortCanonical(certs)
	for i := range certs {
		if certs[i] != before[i] {
			t.Fatal("sorting an already-sorted slice must be a no-op")
		}
	}
}

func TestSignedStakeIgnoresNonMembers(t *testing.T) {
	members := []committee.Member{
		{Address: "a", Stake: 1}, {Address: "b", Stake: 1},
		{Address: "c", Stake: 1}, {Address: "d", Stake: 1},
	}
	cm, err := committee.New(1, members)
	if err != nil {
		t.Fatalf("committee.New: %v", err)
	}
	cert := BatchCertificate{
		Signatures: map[committee.Address][]byte{
			"a": []byte("sig"), "nonmember": []byte("sig"),
		},
	}
	if got := cert.SignedStake(cm); got != 1 {
		t.Fatalf("SignedStake = %d, want 1", got)
	}
}

func FuzzDecodeBatchHeader(f *testing.F) {
	h := BatchHeader{
		Author:            committee.Address("fuzz-author"),
		Round:             3,
		Epoch:             1,
		Parents:           []CertificateID{{0x01}},
		Payload:           map[BatchDigest]uint32{{0xcc}: 0},
		Timestamp:         99,
		SignatureByAuthor: []byte("sig"),
	}
	f.Add(h.Encode())
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		p := cryptoprovider.DevProvider{}
		decoded, err := DecodeBatchHeader(data)
		if err != nil {
			return
		}
		// Anything that decodes must survive a canonical re-encode with
		// the same id.
		again, err := DecodeBatchHeader(decoded.Encode())
		if err != nil {
			t.Fatalf("re-decode of canonical encoding failed: %v", err)
		}
		if again.ID(p) != decoded.ID(p) {
			t.Fatalf("decode/encode/decode changed the certificate id")
		}
	})
}
