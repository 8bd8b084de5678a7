package gateway

import (
	"fmt"

	"dagchain.dev/validator/wirecodec"
)

func encodeChallengeRequest(r ChallengeRequest) []byte {
	w := wirecodec.NewWriter()
	w.WriteU32(r.Version)
	w.WriteU32(uint32(r.ListenerPort))
	w.WriteU8(r.NodeType)
	w.WriteString(r.Address)
	w.WriteFixed32(r.Nonce)
	return w.Bytes()
}

func decodeChallengeRequest(b []byte) (ChallengeRequest, error) {
	var out ChallengeRequest
	c := wirecodec.NewCursor(b)
	version, err := c.ReadU32()
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge request version: %w", err)
	}
	port, err := c.ReadU32()
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge request port: %w", err)
	}
	nodeType, err := c.ReadU8()
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge request node type: %w", err)
	}
	addr, err := c.ReadString(1024)
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge request address: %w", err)
	}
	nonce, err := c.ReadFixed32()
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge request nonce: %w", err)
	}
	if !c.Done() {
		return out, fmt.Errorf("gateway: decode challenge request: trailing bytes")
	}
	out.Version = version
	out.ListenerPort = uint16(port)
	out.NodeType = nodeType
	out.Address = addr
	out.Nonce = nonce
	return out, nil
}

func encodeChallengeResponse(r ChallengeResponse) []byte {
	w := wirecodec.NewWriter()
	w.WriteFixed32(r.GenesisHeader)
	w.WriteBytes(r.Signature)
	return w.Bytes()
}

func decodeChallengeResponse(b []byte) (ChallengeResponse, error) {
	var out ChallengeResponse
	c := wirecodec.NewCursor(b)
	header, err := c.ReadFixed32()
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge response header: %w", err)
	}
	sig, err := c.ReadBytes(4096)
	if err != nil {
		return out, fmt.Errorf("gateway: decode challenge response sig: %w", err)
	}
	if !c.Done() {
		return out, fmt.Errorf("gateway: decode challenge response: trailing bytes")
	}
	out.GenesisHeader = header
	out.Signature = sig
	return out, nil
}

func encodeConsensusIdentity(id ConsensusIdentity) []byte {
	w := wirecodec.NewWriter()
	w.WriteBytes(id.PublicKey)
	w.WriteBytes(id.Signature)
	return w.Bytes()
}

func decodeConsensusIdentity(b []byte) (ConsensusIdentity, error) {
	var out ConsensusIdentity
	c := wirecodec.NewCursor(b)
	pub, err := c.ReadBytes(4096)
	if err != nil {
		return out, fmt.Errorf("gateway: decode consensus identity pub: %w", err)
	}
	sig, err := c.ReadBytes(4096)
	if err != nil {
		return out, fmt.Errorf("gateway: decode consensus identity sig: %w", err)
	}
	if !c.Done() {
		return out, fmt.Errorf("gateway: decode consensus identity: trailing bytes")
	}
	out.PublicKey = pub
	out.Signature = sig
	return out, nil
}

// EncodeBlockRequest/EncodeBlockResponse/EncodeNewBlock are the three
// message shapes the sync engine and execution bridge hand to the
// gateway for transmission.

func EncodeBlockRequest(startHeight, endHeight uint64) []byte {
	w := wirecodec.NewWriter()
	w.WriteU64(startHeight)
	w.WriteU64(endHeight)
	return w.Bytes()
}

func DecodeBlockRequest(b []byte) (start, end uint64, err error) {
	c := wirecodec.NewCursor(b)
	start, err = c.ReadU64()
	if err != nil {
		return 0, 0, err
	}
	end, err = c.ReadU64()
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func EncodeBlockResponse(startHeight, endHeight uint64, blocks [][]byte) []byte {
	w := wirecodec.NewWriter()
	w.WriteU64(startHeight)
	w.WriteU64(endHeight)
	w.WriteCompactSize(uint64(len(blocks)))
	for _, blk := range blocks {
		w.WriteBytes(blk)
	}
	return w.Bytes()
}

func DecodeBlockResponse(b []byte) (start, end uint64, blocks [][]byte, err error) {
	c := wirecodec.NewCursor(b)
	start, err = c.ReadU64()
	if err != nil {
		return 0, 0, nil, err
	}
	end, err = c.ReadU64()
	if err != nil {
		return 0, 0, nil, err
	}
	n, err := c.ReadCompactSize()
	if err != nil {
		return 0, 0, nil, err
	}
	if n > 1<<20 {
		return 0, 0, nil, fmt.Errorf("gateway: block response claims too many blocks: %d", n)
	}
	blocks = make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		blk, err := c.ReadBytes(32 << 20)
		if err != nil {
			return 0, 0, nil, err
		}
		blocks = append(blocks, blk)
	}
	if !c.Done() {
		return 0, 0, nil, fmt.Errorf("gateway: decode block response: trailing bytes")
	}
	return start, end, blocks, nil
}

// PingPayload advertises the sender's node type and chain tip as a block
// locator. A zero-height ping carries no locator worth recording.
type PingPayload struct {
	NodeType     byte
	Height       uint64
	TipHash      [32]byte
	PreviousHash [32]byte
}

func EncodePing(p PingPayload) []byte {
	w := wirecodec.NewWriter()
	w.WriteU8(p.NodeType)
	w.WriteU64(p.Height)
	w.WriteFixed32(p.TipHash)
	w.WriteFixed32(p.PreviousHash)
	return w.Bytes()
}

func DecodePing(b []byte) (PingPayload, error) {
	var out PingPayload
	c := wirecodec.NewCursor(b)
	nodeType, err := c.ReadU8()
	if err != nil {
		return out, fmt.Errorf("gateway: decode ping node type: %w", err)
	}
	height, err := c.ReadU64()
	if err != nil {
		return out, fmt.Errorf("gateway: decode ping height: %w", err)
	}
	tip, err := c.ReadFixed32()
	if err != nil {
		return out, fmt.Errorf("gateway: decode ping tip: %w", err)
	}
	prev, err := c.ReadFixed32()
	if err != nil {
		return out, fmt.Errorf("gateway: decode ping prev: %w", err)
	}
	if !c.Done() {
		return out, fmt.Errorf("gateway: decode ping: trailing bytes")
	}
	out.NodeType = nodeType
	out.Height = height
	out.TipHash = tip
	out.PreviousHash = prev
	return out, nil
}

// EncodeUnconfirmedTransaction carries UnconfirmedTransaction{id, tx}.
// The id is recomputed by the receiving worker; it rides
// along so a receiver can pre-filter duplicates without decoding tx.
func EncodeUnconfirmedTransaction(id [32]byte, tx []byte) []byte {
	w := wirecodec.NewWriter()
	w.WriteFixed32(id)
	w.WriteBytes(tx)
	return w.Bytes()
}

func DecodeUnconfirmedTransaction(b []byte) (id [32]byte, tx []byte, err error) {
	c := wirecodec.NewCursor(b)
	id, err = c.ReadFixed32()
	if err != nil {
		return id, nil, fmt.Errorf("gateway: decode unconfirmed transaction id: %w", err)
	}
	tx, err = c.ReadBytes(1 << 20)
	if err != nil {
		return id, nil, fmt.Errorf("gateway: decode unconfirmed transaction body: %w", err)
	}
	if !c.Done() {
		return id, nil, fmt.Errorf("gateway: decode unconfirmed transaction: trailing bytes")
	}
	return id, tx, nil
}

// EncodeUnconfirmedSolution carries UnconfirmedSolution{commitment,
// solution}.
func EncodeUnconfirmedSolution(commitment, solution []byte) []byte {
	w := wirecodec.NewWriter()
	w.WriteBytes(commitment)
	w.WriteBytes(solution)
	return w.Bytes()
}

func DecodeUnconfirmedSolution(b []byte) (commitment, solution []byte, err error) {
	c := wirecodec.NewCursor(b)
	commitment, err = c.ReadBytes(4096)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: decode unconfirmed solution commitment: %w", err)
	}
	solution, err = c.ReadBytes(1 << 20)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: decode unconfirmed solution body: %w", err)
	}
	if !c.Done() {
		return nil, nil, fmt.Errorf("gateway: decode unconfirmed solution: trailing bytes")
	}
	return commitment, solution, nil
}

// EncodePuzzleResponse carries PuzzleResponse{epoch_challenge,
// block_header}, answering a bare PuzzleRequest.
func EncodePuzzleResponse(epochChallenge [32]byte, blockHeader []byte) []byte {
	w := wirecodec.NewWriter()
	w.WriteFixed32(epochChallenge)
	w.WriteBytes(blockHeader)
	return w.Bytes()
}

func DecodePuzzleResponse(b []byte) (epochChallenge [32]byte, blockHeader []byte, err error) {
	c := wirecodec.NewCursor(b)
	epochChallenge, err = c.ReadFixed32()
	if err != nil {
		return epochChallenge, nil, fmt.Errorf("gateway: decode puzzle response challenge: %w", err)
	}
	blockHeader, err = c.ReadBytes(1 << 20)
	if err != nil {
		return epochChallenge, nil, fmt.Errorf("gateway: decode puzzle response header: %w", err)
	}
	if !c.Done() {
		return epochChallenge, nil, fmt.Errorf("gateway: decode puzzle response: trailing bytes")
	}
	return epochChallenge, blockHeader, nil
}

func EncodeNewBlock(round, height uint64, hash [32]byte, encoded []byte) []byte {
	w := wirecodec.NewWriter()
	w.WriteU64(round)
	w.WriteU64(height)
	w.WriteFixed32(hash)
	w.WriteBytes(encoded)
	return w.Bytes()
}

func DecodeNewBlock(b []byte) (round, height uint64, hash [32]byte, encoded []byte, err error) {
	c := wirecodec.NewCursor(b)
	round, err = c.ReadU64()
	if err != nil {
		return
	}
	height, err = c.ReadU64()
	if err != nil {
		return
	}
	hash, err = c.ReadFixed32()
	if err != nil {
		return
	}
	encoded, err = c.ReadBytes(32 << 20)
	if err != nil {
		return
	}
	if !c.Done() {
		err = fmt.Errorf("gateway: decode new block: trailing bytes")
	}
	return
}
