// Package gateway is the peer handshake, catalog, and message-propagation
// layer: a four-collection peer catalog
// (connected/connecting/candidate/restricted), the two-round
// ChallengeRequest/ChallengeResponse handshake plus the validator-only
// ConsensusId extension, and the fire-and-forget propagation primitives.
// Framing rides on transport.Conn.
package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/transport"
	"dagchain.dev/validator/xerrors"
)

// CurrentVersion is bumped whenever the handshake payload shape changes.
// A peer advertising an older version is rejected.
const CurrentVersion uint32 = 1

// MaximumConnectionFailures is a failure-count cap that the gateway does
// not read: restrict moves a peer to the restricted catalog on every
// failure, the first one included.
const MaximumConnectionFailures = 5

// RestrictionTimeout is how long a restricted peer is refused reconnects.
const RestrictionTimeout = 5 * time.Minute

// Message tags, one-byte discriminants.
const (
	TagChallengeRequest byte = iota + 1
	TagChallengeResponse
	TagDisconnect
	TagPing
	TagPong
	TagBlockRequest
	TagBlockResponse
	TagNewBlock
	TagUnconfirmedSolution
	TagUnconfirmedTransaction
	TagPuzzleRequest
	TagPuzzleResponse
	TagConsensusID
)

// DisconnectReason enumerates the handshake rejection reasons.
type DisconnectReason int

const (
	ReasonOutdatedVersion DisconnectReason = iota
	ReasonBadGenesis
	ReasonInvalidSignature
	ReasonRestricted
	ReasonTooManyFailures
	ReasonSelfDial
	ReasonAlreadyConnected
	ReasonAlreadyHandshaking
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonOutdatedVersion:
		return "outdated_client_version"
	case ReasonBadGenesis:
		return "incorrect_genesis_header"
	case ReasonInvalidSignature:
		return "invalid_signature"
	case ReasonRestricted:
		return "peer_restricted"
	case ReasonTooManyFailures:
		return "too_many_failures"
	case ReasonSelfDial:
		return "self_dial"
	case ReasonAlreadyConnected:
		return "already_connected"
	case ReasonAlreadyHandshaking:
		return "already_handshaking"
	default:
		return "unknown"
	}
}

// ChallengeRequest is the first message of the handshake.
type ChallengeRequest struct {
	Version      uint32
	ListenerPort uint16
	NodeType     byte
	Address      string
	Nonce        [32]byte
}

// ChallengeResponse answers a ChallengeRequest with the genesis header and
// a signature over the nonce it received.
type ChallengeResponse struct {
	GenesisHeader [32]byte
	Signature     []byte
}

// ConsensusIdentity is the validator-to-validator handshake extension:
// a committee-member public key plus a signature over it,
// proving the peer on the other end of the connection controls that BLS
// key.
type ConsensusIdentity struct {
	PublicKey []byte
	Signature []byte
}

// Peer is one entry in a catalog.
type Peer struct {
	Address       string
	Conn          *transport.Conn
	NodeType      byte
	Failures      int
	RestrictedAt  time.Time
	ConsensusAddr committee.Address
	HasConsensus  bool
}

// Connector is the narrow outbound capability a Gateway needs to dial a
// peer. Decoupled from net.Dialer so tests can substitute an in-process
// pipe.
type Connector interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

type netConnector struct{}

func (netConnector) Dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// ConsensusStarter is invoked exactly once, the moment connected committee
// members first reach quorum stake.
type ConsensusStarter interface {
	StartConsensus()
}

// Gateway owns the four peer collections and the propagation primitives.
// Each collection is guarded by its own mutex rather than one global
// lock; readers dominate.
type Gateway struct {
	self           string
	genesisHeader  [32]byte
	provider       cryptoprovider.Provider
	priv           []byte
	consensusPriv  []byte
	consensusPub   []byte
	cm             *committee.Committee
	connector      Connector
	log            *logging.Logger
	consensus      ConsensusStarter
	consensusOnce  sync.Once

	connMu      sync.RWMutex
	connected   map[string]*Peer
	connecting  map[string]bool
	candidate   map[string]bool
	restricted  map[string]*Peer
}

// New constructs a Gateway for self (own listen address), signing with
// priv for the base handshake and consensusPriv/consensusPub for the
// ConsensusId extension.
func New(self string, genesisHeader [32]byte, provider cryptoprovider.Provider, priv, consensusPriv, consensusPub []byte, cm *committee.Committee, log *logging.Logger) *Gateway {
	return &Gateway{
		self:           self,
		genesisHeader:  genesisHeader,
		provider:       provider,
		priv:           priv,
		consensusPriv:  consensusPriv,
		consensusPub:   consensusPub,
		cm:             cm,
		connector:      netConnector{},
		log:            log,
		connected:      make(map[string]*Peer),
		connecting:     make(map[string]bool),
		candidate:      make(map[string]bool),
		restricted:     make(map[string]*Peer),
	}
}

// SetConsensusStarter wires the BFT instance starter, invoked once quorum
// connected-committee stake is reached.
func (g *Gateway) SetConsensusStarter(c ConsensusStarter) { g.consensus = c }

// SetConnector overrides the dialer, used in tests to substitute an
// in-memory pipe for a real TCP socket.
func (g *Gateway) SetConnector(c Connector) { g.connector = c }

func (g *Gateway) isRestricted(addr string) bool {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	p, ok := g.restricted[addr]
	if !ok {
		return false
	}
	return time.Now().Before(p.RestrictedAt.Add(RestrictionTimeout))
}

// restrict moves addr into the restricted catalog and bumps its failure
// count. Every call restricts addr for RestrictionTimeout from now,
// whatever the count.
func (g *Gateway) restrict(addr string, reason DisconnectReason) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	delete(g.connected, addr)
	delete(g.connecting, addr)
	delete(g.candidate, addr)
	p, ok := g.restricted[addr]
	if !ok {
		p = &Peer{Address: addr}
		g.restricted[addr] = p
	}
	p.Failures++
	p.RestrictedAt = time.Now()
	if g.log != nil {
		g.log.Event("peer_restricted", map[string]any{"addr": addr, "reason": reason.String(), "failures": p.Failures})
	}
}

// beginConnecting reserves addr in the connecting set, collapsing
// concurrent two-way dials, keeping a peer in at most one collection.
// Returns false if addr is self, already connected,
// already connecting, or restricted.
func (g *Gateway) beginConnecting(addr string) (DisconnectReason, bool) {
	if addr == g.self {
		return ReasonSelfDial, false
	}
	if g.isRestricted(addr) {
		return ReasonRestricted, false
	}
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if _, ok := g.connected[addr]; ok {
		return ReasonAlreadyConnected, false
	}
	if g.connecting[addr] {
		return ReasonAlreadyHandshaking, false
	}
	g.connecting[addr] = true
	return 0, true
}

func (g *Gateway) endConnecting(addr string) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	delete(g.connecting, addr)
}

func (g *Gateway) promoteConnected(p *Peer) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	delete(g.connecting, p.Address)
	delete(g.candidate, p.Address)
	g.connected[p.Address] = p
}

// Disconnect removes addr from the connected and (if present) consensus
// collections. The BFT instance, if running, continues as long as quorum
// among remaining connected members holds.
func (g *Gateway) Disconnect(addr string) {
	g.connMu.Lock()
	p, ok := g.connected[addr]
	delete(g.connected, addr)
	g.connMu.Unlock()
	if !ok {
		return
	}
	if p.Conn != nil {
		_ = p.Conn.Close()
	}
	if g.log != nil {
		g.log.Event("peer_disconnected", map[string]any{"addr": addr})
	}
}

// Connected snapshots the connected catalog's addresses.
func (g *Gateway) Connected() []string {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	out := make([]string, 0, len(g.connected))
	for a := range g.connected {
		out = append(out, a)
	}
	return out
}

// Dial initiates the base handshake as the initiator, and if nodeType
// is a validator, the ConsensusId extension.
func (g *Gateway) Dial(ctx context.Context, addr string, listenerPort uint16, nodeType byte) error {
	reason, ok := g.beginConnecting(addr)
	if !ok {
		return xerrors.Protocolf(0, "gateway: dial %s refused: %s", addr, reason)
	}
	defer g.endConnecting(addr)

	nc, err := g.connector.Dial(ctx, addr)
	if err != nil {
		g.restrict(addr, ReasonTooManyFailures)
		return xerrors.Transientf("gateway: dial %s: %w", addr, err)
	}
	conn := transport.NewConn(nc, transport.MagicGateway)

	nonceI := g.randomNonce()
	req := ChallengeRequest{Version: CurrentVersion, ListenerPort: listenerPort, NodeType: nodeType, Address: g.self, Nonce: nonceI}
	if err := conn.WriteFrame(TagChallengeRequest, encodeChallengeRequest(req)); err != nil {
		g.restrict(addr, ReasonTooManyFailures)
		return err
	}

	// Step 2: responder's ChallengeResponse over nonce_i, then its own
	// ChallengeRequest carrying nonce_r.
	frame, err := conn.ReadFrame()
	if err != nil {
		g.restrict(addr, ReasonTooManyFailures)
		return err
	}
	if frame.Tag != TagChallengeResponse {
		g.restrict(addr, ReasonInvalidSignature)
		return xerrors.Protocolf(10, "gateway: %s: expected ChallengeResponse, got tag %d", addr, frame.Tag)
	}
	resp, err := decodeChallengeResponse(frame.Payload)
	if err != nil {
		g.restrict(addr, ReasonBadGenesis)
		return err
	}
	if resp.GenesisHeader != g.genesisHeader {
		g.restrict(addr, ReasonBadGenesis)
		return xerrors.Protocolf(50, "gateway: %s: genesis header mismatch", addr)
	}

	frame, err = conn.ReadFrame()
	if err != nil {
		g.restrict(addr, ReasonTooManyFailures)
		return err
	}
	if frame.Tag != TagChallengeRequest {
		g.restrict(addr, ReasonInvalidSignature)
		return xerrors.Protocolf(10, "gateway: %s: expected responder ChallengeRequest, got tag %d", addr, frame.Tag)
	}
	respReq, err := decodeChallengeRequest(frame.Payload)
	if err != nil {
		return err
	}
	if respReq.Version < CurrentVersion {
		g.restrict(addr, ReasonOutdatedVersion)
		_ = conn.WriteFrame(TagDisconnect, []byte{byte(ReasonOutdatedVersion)})
		return xerrors.Protocolf(30, "gateway: %s: outdated version %d", addr, respReq.Version)
	}

	// Step 3: initiator's own ChallengeResponse over nonce_r.
	sigR, err := g.provider.SignBLS(g.priv, g.provider.SHA3_256(respReq.Nonce[:]))
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(TagChallengeResponse, encodeChallengeResponse(ChallengeResponse{GenesisHeader: g.genesisHeader, Signature: sigR})); err != nil {
		g.restrict(addr, ReasonTooManyFailures)
		return err
	}

	p := &Peer{Address: addr, Conn: conn, NodeType: nodeType}
	if nodeType == NodeTypeValidator {
		if err := g.exchangeConsensusIdentity(conn, p); err != nil {
			g.restrict(addr, ReasonInvalidSignature)
			return err
		}
	}
	g.promoteConnected(p)
	g.maybeStartConsensus()
	if g.log != nil {
		g.log.Event("peer_connected", map[string]any{"addr": addr, "initiator": true})
	}
	return nil
}

// NodeType constants.
const (
	NodeTypeClient byte = iota
	NodeTypeValidator
	NodeTypeBeacon
)

// Accept handles an inbound connection as the responder, returning the
// peer's advertised address on success so the
// caller can attach a ReadLoop to it.
func (g *Gateway) Accept(ctx context.Context, nc net.Conn) (string, error) {
	conn := transport.NewConn(nc, transport.MagicGateway)
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", err
	}
	if frame.Tag != TagChallengeRequest {
		return "", xerrors.Protocolf(10, "gateway: expected ChallengeRequest, got tag %d", frame.Tag)
	}
	req, err := decodeChallengeRequest(frame.Payload)
	if err != nil {
		return "", err
	}
	addr := req.Address
	reason, ok := g.beginConnecting(addr)
	if !ok {
		_ = conn.WriteFrame(TagDisconnect, []byte{byte(reason)})
		return "", xerrors.Protocolf(0, "gateway: accept %s refused: %s", addr, reason)
	}
	defer g.endConnecting(addr)

	if req.Version < CurrentVersion {
		g.restrict(addr, ReasonOutdatedVersion)
		_ = conn.WriteFrame(TagDisconnect, []byte{byte(ReasonOutdatedVersion)})
		return "", xerrors.Protocolf(30, "gateway: %s: outdated version %d", addr, req.Version)
	}

	sigI, err := g.provider.SignBLS(g.priv, g.provider.SHA3_256(req.Nonce[:]))
	if err != nil {
		return "", err
	}
	if err := conn.WriteFrame(TagChallengeResponse, encodeChallengeResponse(ChallengeResponse{GenesisHeader: g.genesisHeader, Signature: sigI})); err != nil {
		return "", err
	}
	nonceR := g.randomNonce()
	ourReq := ChallengeRequest{Version: CurrentVersion, Address: g.self, Nonce: nonceR}
	if err := conn.WriteFrame(TagChallengeRequest, encodeChallengeRequest(ourReq)); err != nil {
		return "", err
	}

	frame, err = conn.ReadFrame()
	if err != nil {
		g.restrict(addr, ReasonTooManyFailures)
		return "", err
	}
	if frame.Tag != TagChallengeResponse {
		g.restrict(addr, ReasonInvalidSignature)
		return "", xerrors.Protocolf(10, "gateway: %s: expected final ChallengeResponse, got tag %d", addr, frame.Tag)
	}
	resp, err := decodeChallengeResponse(frame.Payload)
	if err != nil {
		return "", err
	}
	if resp.GenesisHeader != g.genesisHeader {
		g.restrict(addr, ReasonBadGenesis)
		return "", xerrors.Protocolf(50, "gateway: %s: genesis header mismatch", addr)
	}

	p := &Peer{Address: addr, Conn: conn, NodeType: req.NodeType}
	if req.NodeType == NodeTypeValidator {
		if err := g.exchangeConsensusIdentity(conn, p); err != nil {
			g.restrict(addr, ReasonInvalidSignature)
			return "", err
		}
	}
	g.promoteConnected(p)
	g.maybeStartConsensus()
	if g.log != nil {
		g.log.Event("peer_connected", map[string]any{"addr": addr, "initiator": false})
	}
	return addr, nil
}

// exchangeConsensusIdentity: both sides exchange a ConsensusId{public_key, signature over
// public_key}; the connection is dropped if the peer's key is not in the
// committee or the signature does not verify.
func (g *Gateway) exchangeConsensusIdentity(conn *transport.Conn, p *Peer) error {
	sig, err := g.provider.SignBLS(g.consensusPriv, g.provider.SHA3_256(g.consensusPub))
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(TagConsensusID, encodeConsensusIdentity(ConsensusIdentity{PublicKey: g.consensusPub, Signature: sig})); err != nil {
		return err
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return err
	}
	if frame.Tag != TagConsensusID {
		return fmt.Errorf("gateway: expected ConsensusId, got tag %d", frame.Tag)
	}
	id, err := decodeConsensusIdentity(frame.Payload)
	if err != nil {
		return err
	}
	addr := committee.AddressFromPublicKey(id.PublicKey)
	if g.cm == nil || !g.cm.IsMember(addr) {
		return fmt.Errorf("gateway: consensus identity not a committee member")
	}
	if !g.provider.VerifyBLS(id.PublicKey, id.Signature, g.provider.SHA3_256(id.PublicKey)) {
		return fmt.Errorf("gateway: consensus identity signature invalid")
	}
	p.ConsensusAddr = addr
	p.HasConsensus = true
	return nil
}

// maybeStartConsensus starts the BFT consensus instance exactly once,
// the first time locally connected committee members hold quorum stake.
func (g *Gateway) maybeStartConsensus() {
	if g.cm == nil || g.consensus == nil {
		return
	}
	g.connMu.RLock()
	var stake uint64
	for _, p := range g.connected {
		if p.HasConsensus {
			stake += g.cm.Stake(p.ConsensusAddr)
		}
	}
	g.connMu.RUnlock()
	quorum, err := g.cm.QuorumThreshold()
	if err != nil {
		return
	}
	if stake < quorum {
		return
	}
	g.consensusOnce.Do(func() {
		if g.log != nil {
			g.log.Event("bft_started", map[string]any{"stake": stake, "quorum": quorum})
		}
		g.consensus.StartConsensus()
	})
}

func (g *Gateway) randomNonce() [32]byte {
	// Derived from the self address and current time rather than a
	// crypto/rand read, since the nonce only needs to defeat a trivial
	// replay within one handshake, not resist cryptographic prediction;
	// signatures over it are what actually authenticate the peer.
	seed := fmt.Sprintf("%s:%d:%p", g.self, time.Now().UnixNano(), g)
	return g.provider.SHA3_256([]byte(seed))
}

// Send transmits a tagged message to one connected peer by address,
// fire-and-forget with no end-to-end acknowledgement.
func (g *Gateway) Send(addr string, tag byte, payload []byte) error {
	g.connMu.RLock()
	p, ok := g.connected[addr]
	g.connMu.RUnlock()
	if !ok {
		return xerrors.Transientf("gateway: send to %s: not connected", addr)
	}
	return p.Conn.WriteFrame(tag, payload)
}

// Broadcast sends a tagged message to every connected peer.
func (g *Gateway) Broadcast(tag byte, payload []byte) {
	g.Propagate(tag, payload, nil)
}

// Propagate sends to every connected peer except those in exclude.
// Fire-and-forget per peer; one peer's send failure does not abort the
// others.
func (g *Gateway) Propagate(tag byte, payload []byte, exclude map[string]bool) {
	g.connMu.RLock()
	peers := make([]*Peer, 0, len(g.connected))
	for addr, p := range g.connected {
		if exclude != nil && exclude[addr] {
			continue
		}
		peers = append(peers, p)
	}
	g.connMu.RUnlock()
	for _, p := range peers {
		if err := p.Conn.WriteFrame(tag, payload); err != nil {
			if g.log != nil {
				g.log.Warnf("gateway: propagate to %s failed: %v", p.Address, err)
			}
		}
	}
}

// PropagateToValidators sends only to connected peers that completed the
// ConsensusId extension.
func (g *Gateway) PropagateToValidators(tag byte, payload []byte) {
	g.connMu.RLock()
	peers := make([]*Peer, 0, len(g.connected))
	for _, p := range g.connected {
		if p.HasConsensus {
			peers = append(peers, p)
		}
	}
	g.connMu.RUnlock()
	for _, p := range peers {
		if err := p.Conn.WriteFrame(tag, payload); err != nil && g.log != nil {
			g.log.Warnf("gateway: propagate to validator %s failed: %v", p.Address, err)
		}
	}
}

// PropagateToBeacons sends only to connected peers of NodeTypeBeacon.
func (g *Gateway) PropagateToBeacons(tag byte, payload []byte) {
	g.connMu.RLock()
	peers := make([]*Peer, 0, len(g.connected))
	for _, p := range g.connected {
		if p.NodeType == NodeTypeBeacon {
			peers = append(peers, p)
		}
	}
	g.connMu.RUnlock()
	for _, p := range peers {
		if err := p.Conn.WriteFrame(tag, payload); err != nil && g.log != nil {
			g.log.Warnf("gateway: propagate to beacon %s failed: %v", p.Address, err)
		}
	}
}

// ReadLoop owns one peer's read task, dispatching frames to handle
// until ctx is cancelled or the connection errors.
func (g *Gateway) ReadLoop(ctx context.Context, addr string, handle func(tag byte, payload []byte) error) {
	g.connMu.RLock()
	p, ok := g.connected[addr]
	g.connMu.RUnlock()
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := p.Conn.ReadFrame()
		if err != nil {
			g.Disconnect(addr)
			return
		}
		if err := handle(frame.Tag, frame.Payload); err != nil {
			if xerrors.BanScoreDelta(err) > 0 {
				g.restrict(addr, ReasonInvalidSignature)
				return
			}
			if g.log != nil {
				g.log.Warnf("gateway: handling frame from %s: %v", addr, err)
			}
		}
	}
}
