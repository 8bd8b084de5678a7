package intra

import (
	"fmt"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/wirecodec"
)

// Vote is one primary's signature over another primary's in-flight
// header.
type Vote struct {
	HeaderID types.CertificateID
	Signer   committee.Address
	Sig      []byte
}

func EncodeVote(v Vote) []byte {
	w := wirecodec.NewWriter()
	w.WriteFixed32([32]byte(v.HeaderID))
	w.WriteBytes(v.Signer.Bytes())
	w.WriteBytes(v.Sig)
	return w.Bytes()
}

func DecodeVote(b []byte) (Vote, error) {
	var out Vote
	c := wirecodec.NewCursor(b)
	id, err := c.ReadFixed32()
	if err != nil {
		return out, fmt.Errorf("intra: decode vote header id: %w", err)
	}
	signer, err := c.ReadBytes(4096)
	if err != nil {
		return out, fmt.Errorf("intra: decode vote signer: %w", err)
	}
	sig, err := c.ReadBytes(4096)
	if err != nil {
		return out, fmt.Errorf("intra: decode vote sig: %w", err)
	}
	if !c.Done() {
		return out, fmt.Errorf("intra: decode vote: trailing bytes")
	}
	out.HeaderID = types.CertificateID(id)
	out.Signer = committee.AddressFromPublicKey(signer)
	out.Sig = sig
	return out, nil
}

// Worker-plane messages carry an explicit From address (the sender's own
// configured worker intra address) rather than relying on an accepted
// connection's ephemeral remote port, since that port never matches any
// address a peer is reachable at for the reply.

// EncodeWorkerPing/DecodeWorkerPing carry a worker's ready transmission
// ids.
func EncodeWorkerPing(from string, ids []types.TransmissionID) []byte {
	w := wirecodec.NewWriter()
	w.WriteString(from)
	w.WriteCompactSize(uint64(len(ids)))
	for _, id := range ids {
		w.WriteU8(byte(id.Kind))
		w.WriteFixed32(id.Digest)
	}
	return w.Bytes()
}

func DecodeWorkerPing(b []byte) (from string, ids []types.TransmissionID, err error) {
	c := wirecodec.NewCursor(b)
	from, err = c.ReadString(1024)
	if err != nil {
		return "", nil, fmt.Errorf("intra: decode ping from: %w", err)
	}
	n, err := c.ReadCompactSize()
	if err != nil {
		return "", nil, fmt.Errorf("intra: decode ping count: %w", err)
	}
	if n > 1<<20 {
		return "", nil, fmt.Errorf("intra: decode ping: too many ids")
	}
	ids = make([]types.TransmissionID, 0, n)
	for i := uint64(0); i < n; i++ {
		kind, err := c.ReadU8()
		if err != nil {
			return "", nil, fmt.Errorf("intra: decode ping id %d kind: %w", i, err)
		}
		digest, err := c.ReadFixed32()
		if err != nil {
			return "", nil, fmt.Errorf("intra: decode ping id %d digest: %w", i, err)
		}
		ids = append(ids, types.TransmissionID{Kind: types.TransmissionKind(kind), Digest: digest})
	}
	if !c.Done() {
		return "", nil, fmt.Errorf("intra: decode ping: trailing bytes")
	}
	return from, ids, nil
}

func EncodeTransmissionRequest(from string, id types.TransmissionID) []byte {
	w := wirecodec.NewWriter()
	w.WriteString(from)
	w.WriteU8(byte(id.Kind))
	w.WriteFixed32(id.Digest)
	return w.Bytes()
}

func DecodeTransmissionRequest(b []byte) (from string, id types.TransmissionID, err error) {
	c := wirecodec.NewCursor(b)
	from, err = c.ReadString(1024)
	if err != nil {
		return "", id, fmt.Errorf("intra: decode transmission request from: %w", err)
	}
	kind, err := c.ReadU8()
	if err != nil {
		return "", id, fmt.Errorf("intra: decode transmission request kind: %w", err)
	}
	digest, err := c.ReadFixed32()
	if err != nil {
		return "", id, fmt.Errorf("intra: decode transmission request digest: %w", err)
	}
	if !c.Done() {
		return "", id, fmt.Errorf("intra: decode transmission request: trailing bytes")
	}
	id.Kind = types.TransmissionKind(kind)
	id.Digest = digest
	return from, id, nil
}

// EncodeTransmissionResponse carries the fetched payload plus, for
// solutions, the raw commitment so the receiver can re-validate at seal
// time. commitment is empty for transactions.
func EncodeTransmissionResponse(from string, id types.TransmissionID, payload, commitment []byte) []byte {
	w := wirecodec.NewWriter()
	w.WriteString(from)
	w.WriteU8(byte(id.Kind))
	w.WriteFixed32(id.Digest)
	w.WriteBytes(payload)
	w.WriteBytes(commitment)
	return w.Bytes()
}

func DecodeTransmissionResponse(b []byte) (from string, id types.TransmissionID, payload, commitment []byte, err error) {
	c := wirecodec.NewCursor(b)
	from, err = c.ReadString(1024)
	if err != nil {
		return "", id, nil, nil, fmt.Errorf("intra: decode transmission response from: %w", err)
	}
	kind, err := c.ReadU8()
	if err != nil {
		return "", id, nil, nil, fmt.Errorf("intra: decode transmission response kind: %w", err)
	}
	digest, err := c.ReadFixed32()
	if err != nil {
		return "", id, nil, nil, fmt.Errorf("intra: decode transmission response digest: %w", err)
	}
	payload, err = c.ReadBytes(32 << 20)
	if err != nil {
		return "", id, nil, nil, fmt.Errorf("intra: decode transmission response payload: %w", err)
	}
	commitment, err = c.ReadBytes(4096)
	if err != nil {
		return "", id, nil, nil, fmt.Errorf("intra: decode transmission response commitment: %w", err)
	}
	if !c.Done() {
		return "", id, nil, nil, fmt.Errorf("intra: decode transmission response: trailing bytes")
	}
	id.Kind = types.TransmissionKind(kind)
	id.Digest = digest
	return from, id, payload, commitment, nil
}
