// Package types holds the wire-level data model shared by every component:
// Transmission, Batch, BatchHeader, BatchCertificate, DAG/SubDag,
// ConsensusOutput. Canonical binary encodings use the wirecodec
// cursor/writer helpers.
package types

import (
	"fmt"
	"sort"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/wirecodec"
)

// TransmissionKind distinguishes a transaction from a coinbase solution.
type TransmissionKind byte

const (
	TransmissionTransaction TransmissionKind = 1
	TransmissionSolution    TransmissionKind = 2
)

// TransmissionID is content-addressed: the transaction id or puzzle
// commitment, tagged with its kind so the two namespaces never collide.
type TransmissionID struct {
	Kind   TransmissionKind
	Digest [32]byte
}

func (id TransmissionID) String() string {
	return fmt.Sprintf("%d:%x", id.Kind, id.Digest)
}

// StorageKey is the byte key a TransmissionID is stored/looked up under in
// the "transmissions" bucket: kind byte followed by the digest.
func (id TransmissionID) StorageKey() []byte {
	out := make([]byte, 0, 33)
	out = append(out, byte(id.Kind))
	out = append(out, id.Digest[:]...)
	return out
}

// Transmission is one unconfirmed transaction or solution, as ingested by
// a worker.
type Transmission struct {
	ID      TransmissionID
	Payload []byte
}

func NewTransmission(p cryptoprovider.Provider, kind TransmissionKind, payload []byte) Transmission {
	digest := p.SHA3_256(payload)
	return Transmission{ID: TransmissionID{Kind: kind, Digest: digest}, Payload: payload}
}

// BatchDigest identifies one worker batch's transmission set.
type BatchDigest [32]byte

// Batch is a worker's sealed bag of transmissions over one batching window.
type Batch struct {
	WorkerID      uint32
	Transmissions []TransmissionID
	Timestamp     int64
}

func (b Batch) Digest(p cryptoprovider.Provider) BatchDigest {
	return p.SHA3_256(b.Encode())
}

// Encode produces the canonical byte encoding stored under a batch's
// digest key (store bucket "batches"), so a sealed batch's transmission
// list can be recovered for sub-DAG materialization.
func (b Batch) Encode() []byte {
	w := wirecodec.NewWriter()
	w.WriteU32(b.WorkerID)
	w.WriteU64(uint64(b.Timestamp))
	w.WriteCompactSize(uint64(len(b.Transmissions)))
	for _, t := range b.Transmissions {
		w.WriteU8(byte(t.Kind))
		w.WriteFixed32(t.Digest)
	}
	return w.Bytes()
}

func DecodeBatch(b []byte) (*Batch, error) {
	c := wirecodec.NewCursor(b)
	workerID, err := c.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("types: decode batch worker_id: %w", err)
	}
	ts, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("types: decode batch timestamp: %w", err)
	}
	n, err := c.ReadCompactSize()
	if err != nil {
		return nil, fmt.Errorf("types: decode batch num_transmissions: %w", err)
	}
	if n > 1<<20 {
		return nil, fmt.Errorf("types: decode batch: too many transmissions")
	}
	transmissions := make([]TransmissionID, 0, n)
	for i := uint64(0); i < n; i++ {
		kind, err := c.ReadU8()
		if err != nil {
			return nil, fmt.Errorf("types: decode batch transmission %d kind: %w", i, err)
		}
		digest, err := c.ReadFixed32()
		if err != nil {
			return nil, fmt.Errorf("types: decode batch transmission %d digest: %w", i, err)
		}
		transmissions = append(transmissions, TransmissionID{Kind: TransmissionKind(kind), Digest: digest})
	}
	if !c.Done() {
		return nil, fmt.Errorf("types: decode batch: trailing bytes")
	}
	return &Batch{WorkerID: workerID, Transmissions: transmissions, Timestamp: int64(ts)}, nil
}

// CertificateID identifies a BatchCertificate; it is hash(header).
type CertificateID [32]byte

func (c CertificateID) String() string { return fmt.Sprintf("%x", [32]byte(c)) }

// BatchHeader is produced by a primary once it holds quorum-stake parent
// certificates and enough sealed worker batches.
type BatchHeader struct {
	Author            committee.Address
	Round             uint64
	Epoch             uint64
	Parents           []CertificateID           // must come from round-1
	Payload           map[BatchDigest]uint32    // batch digest -> worker id
	Timestamp         int64
	SignatureByAuthor []byte
}

// Encode produces the canonical byte encoding used for hashing and for the
// wire. SignatureByAuthor is included so a decoded header reproduces the
// identical CertificateID.
func (h BatchHeader) Encode() []byte {
	w := wirecodec.NewWriter()
	w.WriteBytes(h.Author.Bytes())
	w.WriteU64(h.Round)
	w.WriteU64(h.Epoch)
	parents := append([]CertificateID(nil), h.Parents...)
	sort.Slice(parents, func(i, j int) bool {
		return string(parents[i][:]) < string(parents[j][:])
	})
	w.WriteCompactSize(uint64(len(parents)))
	for _, p := range parents {
		w.WriteFixed32([32]byte(p))
	}
	digests := make([]BatchDigest, 0, len(h.Payload))
	for d := range h.Payload {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool {
		return string(digests[i][:]) < string(digests[j][:])
	})
	w.WriteCompactSize(uint64(len(digests)))
	for _, d := range digests {
		w.WriteFixed32([32]byte(d))
		w.WriteU32(h.Payload[d])
	}
	w.WriteU64(uint64(h.Timestamp))
	w.WriteBytes(h.SignatureByAuthor)
	return w.Bytes()
}

func DecodeBatchHeader(b []byte) (*BatchHeader, error) {
	c := wirecodec.NewCursor(b)
	authorBytes, err := c.ReadBytes(4096)
	if err != nil {
		return nil, fmt.Errorf("types: decode header author: %w", err)
	}
	round, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("types: decode header round: %w", err)
	}
	epoch, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("types: decode header epoch: %w", err)
	}
	numParents, err := c.ReadCompactSize()
	if err != nil {
		return nil, fmt.Errorf("types: decode header num_parents: %w", err)
	}
	if numParents > 1<<20 {
		return nil, fmt.Errorf("types: decode header: too many parents")
	}
	parents := make([]CertificateID, 0, numParents)
	for i := uint64(0); i < numParents; i++ {
		fb, err := c.ReadFixed32()
		if err != nil {
			return nil, fmt.Errorf("types: decode header parent %d: %w", i, err)
		}
		parents = append(parents, CertificateID(fb))
	}
	numPayload, err := c.ReadCompactSize()
	if err != nil {
		return nil, fmt.Errorf("types: decode header num_payload: %w", err)
	}
	if numPayload > 1<<20 {
		return nil, fmt.Errorf("types: decode header: too many payload entries")
	}
	payload := make(map[BatchDigest]uint32, numPayload)
	for i := uint64(0); i < numPayload; i++ {
		fb, err := c.ReadFixed32()
		if err != nil {
			return nil, fmt.Errorf("types: decode header payload digest %d: %w", i, err)
		}
		workerID, err := c.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("types: decode header payload worker %d: %w", i, err)
		}
		payload[BatchDigest(fb)] = workerID
	}
	timestamp, err := c.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("types: decode header timestamp: %w", err)
	}
	sig, err := c.ReadBytes(4096)
	if err != nil {
		return nil, fmt.Errorf("types: decode header signature: %w", err)
	}
	if !c.Done() {
		return nil, fmt.Errorf("types: decode header: trailing bytes")
	}
	return &BatchHeader{
		Author:            committee.Address(authorBytes),
		Round:             round,
		Epoch:             epoch,
		Parents:           parents,
		Payload:           payload,
		Timestamp:         int64(timestamp),
		SignatureByAuthor: sig,
	}, nil
}

func (h BatchHeader) ID(p cryptoprovider.Provider) CertificateID {
	return CertificateID(p.SHA3_256(h.Encode()))
}

// BatchCertificate is a header plus signatures from distinct committee
// members whose combined stake meets the quorum threshold. Immutable once
// formed. ID is computed once at construction time (NewCertificate)
// and cached, since every downstream component (DAG, committer, storage
// keys) compares certificates by id far more often than it hashes headers.
type BatchCertificate struct {
	Header     BatchHeader
	Signatures map[committee.Address][]byte
	ID         CertificateID
}

// NewCertificate builds a BatchCertificate with its id pre-computed.
func NewCertificate(p cryptoprovider.Provider, header BatchHeader, sigs map[committee.Address][]byte) *BatchCertificate {
	return &BatchCertificate{Header: header, Signatures: sigs, ID: header.ID(p)}
}

// SignedStake sums the stake of every signer present in cm, ignoring
// signatures from non-members (the caller is expected to have already
// verified each signature cryptographically).
func (c BatchCertificate) SignedStake(cm *committee.Committee) uint64 {
	var total uint64
	for addr := range c.Signatures {
		total += cm.Stake(addr)
	}
	return total
}

// Encode produces the canonical wire encoding of a certificate: its header
// followed by the signature set, sorted by signer address bytes so the
// encoding is deterministic regardless of map iteration order.
func (c BatchCertificate) Encode() []byte {
	w := wirecodec.NewWriter()
	headerBytes := c.Header.Encode()
	w.WriteBytes(headerBytes)
	addrs := make([]committee.Address, 0, len(c.Signatures))
	for a := range c.Signatures {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return string(addrs[i]) < string(addrs[j]) })
	w.WriteCompactSize(uint64(len(addrs)))
	for _, a := range addrs {
		w.WriteBytes(a.Bytes())
		w.WriteBytes(c.Signatures[a])
	}
	return w.Bytes()
}

// DecodeCertificate parses the wire form produced by Encode and
// recomputes ID from the decoded header, matching NewCertificate.
func DecodeCertificate(p cryptoprovider.Provider, b []byte) (*BatchCertificate, error) {
	c := wirecodec.NewCursor(b)
	headerBytes, err := c.ReadBytes(1 << 20)
	if err != nil {
		return nil, fmt.Errorf("types: decode certificate header: %w", err)
	}
	header, err := DecodeBatchHeader(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("types: decode certificate header body: %w", err)
	}
	n, err := c.ReadCompactSize()
	if err != nil {
		return nil, fmt.Errorf("types: decode certificate num_signatures: %w", err)
	}
	if n > 1<<20 {
		return nil, fmt.Errorf("types: decode certificate: too many signatures")
	}
	sigs := make(map[committee.Address][]byte, n)
	for i := uint64(0); i < n; i++ {
		addrBytes, err := c.ReadBytes(4096)
		if err != nil {
			return nil, fmt.Errorf("types: decode certificate signer %d: %w", i, err)
		}
		sig, err := c.ReadBytes(4096)
		if err != nil {
			return nil, fmt.Errorf("types: decode certificate signature %d: %w", i, err)
		}
		sigs[committee.Address(addrBytes)] = sig
	}
	if !c.Done() {
		return nil, fmt.Errorf("types: decode certificate: trailing bytes")
	}
	return NewCertificate(p, *header, sigs), nil
}

// SubDag is a committed leader certificate plus its causal-past
// certificates not already committed, in canonical order (round ascending,
// then author bytes ascending).
type SubDag struct {
	Leader       *BatchCertificate
	Certificates []*BatchCertificate // canonical order, includes Leader
}

func (s *SubDag) NumBatches() int {
	n := 0
	for _, c := range s.Certificates {
		n += len(c.Header.Payload)
	}
	return n
}

// SortCanonical orders certs by round ascending, then author bytes
// ascending. Sorting an already-sorted slice is a no-op (stable, total
// order), so re-sorting is idempotent.
func SortCanonical(certs []*BatchCertificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		if certs[i].Header.Round != certs[j].Header.Round {
			return certs[i].Header.Round < certs[j].Header.Round
		}
		return string(certs[i].Header.Author) < string(certs[j].Header.Author)
	})
}

// ConsensusOutput bundles a SubDag with the materialized transmissions per
// batch (keyed by batch digest within each certificate).
type ConsensusOutput struct {
	SubDag  SubDag
	Batches map[CertificateID]map[BatchDigest][]Transmission
}
