// Package primary assembles batch headers and drives the signature
// round that turns them into certificates: wait for quorum-stake parents
// and ready batches, broadcast the header, accumulate committee
// signatures, and emit the certificate once quorum stake has signed.
// Background loops are goroutines bounded by context.Context.
package primary

import (
	"context"
	"sync"
	"time"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/dag"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/xerrors"
)

// Transport is the narrow outbound capability the primary needs from the
// router: broadcast a freshly assembled header for
// signing, and broadcast a completed certificate.
type Transport interface {
	BroadcastHeader(h types.BatchHeader)
	BroadcastCertificate(c *types.BatchCertificate)
}

// BatchSource supplies sealed worker batches ready to go into a header's
// payload. The primary does not own the workers directly; it asks for
// however many are ready.
type BatchSource interface {
	// ReadyBatches returns up to max sealed (digest -> worker id) entries
	// ready for inclusion, and the total count currently sealed (used to
	// decide whether the num-of-batches threshold is met).
	ReadyBatches(max int) (map[types.BatchDigest]uint32, int)
}

// Config holds the header assembly timing tunables.
type Config struct {
	MaxHeaderNumOfBatches uint64
	MinHeaderDelay        time.Duration
	MaxHeaderDelay        time.Duration
	Epoch                 uint64
}

func DefaultConfig(epoch uint64) Config {
	return Config{
		MaxHeaderNumOfBatches: 20,
		MinHeaderDelay:        500 * time.Millisecond,
		MaxHeaderDelay:        2 * time.Second,
		Epoch:                 epoch,
	}
}

// inFlightHeader tracks one header's signature-collection round. A
// primary signs at most one header per (round, author), itself, so at
// most one is in flight at a time: the primary refuses to assemble a new
// header while the previous header is still collecting signatures.
type inFlightHeader struct {
	header types.BatchHeader
	id     types.CertificateID
	sigs   map[committee.Address][]byte
}

// Primary assembles headers for one committee member (self) and collects
// signatures from the committee to form certificates.
type Primary struct {
	self      committee.Address
	priv      []byte
	cfg       Config
	provider  cryptoprovider.Provider
	transport Transport
	dagStore  *dag.DAG
	batches   BatchSource
	log       *logging.Logger

	mu          sync.Mutex
	round       uint64
	inFlight    *inFlightHeader
	signedRound map[uint64]bool // rounds this primary has already signed its own header for

	signedPeersMu sync.Mutex
	signedPeers   map[signedKey]bool // (round, author) pairs already granted a signature
}

type signedKey struct {
	round  uint64
	author committee.Address
}

func New(self committee.Address, priv []byte, cfg Config, provider cryptoprovider.Provider, transport Transport, d *dag.DAG, batches BatchSource, log *logging.Logger) *Primary {
	return &Primary{
		self:        self,
		priv:        priv,
		cfg:         cfg,
		provider:    provider,
		transport:   transport,
		dagStore:    d,
		batches:     batches,
		log:         log,
		round:       dag.GenesisRound + 1,
		signedRound: make(map[uint64]bool),
		signedPeers: make(map[signedKey]bool),
	}
}

func (p *Primary) Round() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// TryAssemble starts a header round: it looks for quorum-stake
// parent certificates at round-1, and either enough sealed batches or the
// max header delay elapsed (gated by a minimum delay so headers aren't
// assembled the instant parents arrive). Returns false if not yet ready,
// or if a header is still collecting signatures.
func (p *Primary) TryAssemble(cm *committee.Committee, roundStart time.Time, now time.Time) (bool, error) {
	p.mu.Lock()
	if p.inFlight != nil {
		p.mu.Unlock()
		return false, nil
	}
	round := p.round
	if p.signedRound[round] {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	parents, err := p.quorumParents(cm, round-1)
	if err != nil {
		return false, nil
	}

	elapsed := now.Sub(roundStart)
	if elapsed < p.cfg.MinHeaderDelay {
		return false, nil
	}
	payload, numBatches := p.batches.ReadyBatches(int(p.cfg.MaxHeaderNumOfBatches))
	enoughBatches := uint64(numBatches) >= p.cfg.MaxHeaderNumOfBatches
	delayElapsed := elapsed >= p.cfg.MaxHeaderDelay
	if !enoughBatches && !delayElapsed {
		return false, nil
	}

	header := types.BatchHeader{
		Author:    p.self,
		Round:     round,
		Epoch:     p.cfg.Epoch,
		Parents:   parents,
		Payload:   payload,
		Timestamp: now.Unix(),
	}
	sig, err := p.provider.SignBLS(p.priv, p.provider.SHA3_256(header.Encode()))
	if err != nil {
		return false, err
	}
	header.SignatureByAuthor = sig
	id := header.ID(p.provider)

	p.mu.Lock()
	p.inFlight = &inFlightHeader{header: header, id: id, sigs: map[committee.Address][]byte{p.self: sig}}
	p.signedRound[round] = true
	p.mu.Unlock()

	p.transport.BroadcastHeader(header)
	if p.log != nil {
		p.log.Event("header_assembled", map[string]any{"round": round, "num_batches": numBatches})
	}
	return true, nil
}

// quorumParents selects every certificate at parentRound and fails until
// their combined stake meets quorum. It has no genesis exception: the
// primary's first header is at round GenesisRound+1, whose parents are the
// genesis-round certificates.
func (p *Primary) quorumParents(cm *committee.Committee, parentRound uint64) ([]types.CertificateID, error) {
	certs := p.dagStore.GetCertificatesForRound(parentRound)
	quorum, err := cm.QuorumThreshold()
	if err != nil {
		return nil, err
	}
	var stake uint64
	ids := make([]types.CertificateID, 0, len(certs))
	for _, c := range certs {
		stake += cm.Stake(c.Header.Author)
		ids = append(ids, c.ID)
	}
	if stake < quorum {
		return nil, xerrors.Transientf("primary: round %d parents not yet at quorum (%d/%d)", parentRound, stake, quorum)
	}
	return ids, nil
}

// ReceiveSignature handles an incoming vote on the in-flight header:
// verifies the signer is a committee member and the signature binds
// hash(header); equivocation (a second signature from the same signer)
// is ignored. Once accumulated stake meets
// quorum, forms a BatchCertificate, inserts it into the local DAG, and
// broadcasts it.
func (p *Primary) ReceiveSignature(cm *committee.Committee, headerID types.CertificateID, signer committee.Address, sig []byte) (*types.BatchCertificate, error) {
	if !cm.IsMember(signer) {
		return nil, xerrors.Protocolf(10, "primary: signature from non-member %x", signer.Bytes())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil || p.inFlight.id != headerID {
		return nil, nil // no longer (or not yet) the header in flight; drop silently
	}
	digest := p.provider.SHA3_256(p.inFlight.header.Encode())
	if !p.provider.VerifyBLS(signer.Bytes(), sig, digest) {
		return nil, xerrors.Protocolf(20, "primary: invalid signature from %x", signer.Bytes())
	}
	if _, already := p.inFlight.sigs[signer]; already {
		return nil, nil
	}
	p.inFlight.sigs[signer] = sig

	var stake uint64
	for addr := range p.inFlight.sigs {
		stake += cm.Stake(addr)
	}
	quorum, err := cm.QuorumThreshold()
	if err != nil {
		return nil, err
	}
	if stake < quorum {
		return nil, nil
	}

	cert := types.NewCertificate(p.provider, p.inFlight.header, p.inFlight.sigs)
	if err := p.dagStore.Insert(cert, cm); err != nil {
		return nil, err
	}
	p.transport.BroadcastCertificate(cert)
	if p.log != nil {
		p.log.Event("certificate_formed", map[string]any{"round": p.inFlight.header.Round, "id": cert.ID.String()})
	}
	p.round = p.inFlight.header.Round + 1
	p.inFlight = nil
	return cert, nil
}

// SignHeaderFromPeer verifies and signs a header broadcast by another
// primary. A primary signs at
// most one header per (round, author); a second header for a round it has
// already signed for is ignored (equivocation at the signing step).
func (p *Primary) SignHeaderFromPeer(cm *committee.Committee, h types.BatchHeader) ([]byte, error) {
	if !cm.IsMember(h.Author) {
		return nil, xerrors.Protocolf(20, "primary: header author %x not in committee", h.Author.Bytes())
	}
	p.signedPeersMu.Lock()
	key := signedKey{round: h.Round, author: h.Author}
	if p.signedPeers[key] {
		p.signedPeersMu.Unlock()
		return nil, nil
	}
	p.signedPeersMu.Unlock()
	digest := p.provider.SHA3_256(h.Encode())
	if !p.provider.VerifyBLS(h.Author.Bytes(), h.SignatureByAuthor, digest) {
		return nil, xerrors.Protocolf(30, "primary: header self-signature invalid")
	}
	sig, err := p.provider.SignBLS(p.priv, digest)
	if err != nil {
		return nil, err
	}
	p.signedPeersMu.Lock()
	p.signedPeers[key] = true
	p.signedPeersMu.Unlock()
	return sig, nil
}

// RunAssemblyLoop calls TryAssemble on a fixed tick until ctx is
// cancelled.
func (p *Primary) RunAssemblyLoop(ctx context.Context, cm *committee.Committee, tick time.Duration) {
	roundStart := time.Now()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastRound := p.Round()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if p.Round() != lastRound {
				roundStart = now
				lastRound = p.Round()
			}
			if _, err := p.TryAssemble(cm, roundStart, now); err != nil && p.log != nil {
				p.log.Warnf("primary: assemble failed: %v", err)
			}
		}
	}
}
