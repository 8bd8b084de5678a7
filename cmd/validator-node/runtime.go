package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dagchain.dev/validator/bridge"
	"dagchain.dev/validator/bullshark"
	"dagchain.dev/validator/committee"
	"dagchain.dev/validator/config"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/dag"
	"dagchain.dev/validator/gateway"
	"dagchain.dev/validator/intra"
	"dagchain.dev/validator/keys"
	"dagchain.dev/validator/ledger"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/primary"
	"dagchain.dev/validator/store"
	"dagchain.dev/validator/syncengine"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/wirecodec"
	"dagchain.dev/validator/worker"
	"dagchain.dev/validator/xerrors"
)

// Config is the node binary's effective configuration after flag parsing
// and (in dev mode) seat provisioning.
type Config struct {
	DataDir      string
	NodeAddr     string
	RestAddr     string
	TrustedPeers []string
	LogLevel     string
	Network      uint16
	DevID        int
}

// Node wires every subsystem of the validator core together: the worker
// mempool and batcher, the primary, the certificate DAG and committer, the
// execution bridge, the gateway, and the sync engine. It implements
// gateway.ConsensusStarter so the BFT loops start exactly once, the moment
// connected committee stake reaches quorum.
type Node struct {
	cfg      Config
	params   config.ParametersFile
	log      *logging.Logger
	provider cryptoprovider.Provider

	cm      *committee.Committee
	self    committee.Address
	blsPriv []byte
	netPriv []byte

	db        *store.DB
	ledger    *ledger.Ledger
	dagStore  *dag.DAG
	wrk       *worker.Worker
	batcher   *worker.Batcher
	prim      *primary.Primary
	committer *bullshark.Committer
	brdg      *bridge.Bridge
	gw        *gateway.Gateway
	sync      *syncengine.Engine
	hub       *intra.Hub

	primaryAddrs     map[committee.Address]string
	peerPrimaryAddrs []string
	peerWorkerAddrs  []string
	selfPrimaryAddr  string
	selfWorkerAddr   string
	selfTxAddr       string

	runCtx    context.Context
	startOnce sync.Once
	wg        sync.WaitGroup
	fatal     chan error

	commitMu     sync.Mutex
	highestRound uint64
	subDagIndex  uint64
}

// loadGenesisBalances reads the optional .genesis.json faucet map. A
// missing file means an empty genesis state.
func loadGenesisBalances(root string) (map[string]uint64, error) {
	path := filepath.Join(root, ".genesis.json")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Configf("node: read %s: %w", path, err)
	}
	var out map[string]uint64
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, xerrors.Configf("node: parse %s: %w", path, err)
	}
	return out, nil
}

// committeeFromFile converts the decoded .committee.json into a Committee
// plus the address book the intra plane dials. Authorities are sorted by
// their base64 public-key strings so every node builds the identical member ordering;
// leader election indexes into that ordering, so it must agree everywhere.
func committeeFromFile(cf *config.CommitteeFile) (*committee.Committee, map[committee.Address]string, error) {
	pubs := make([]string, 0, len(cf.Authorities))
	for pubB64 := range cf.Authorities {
		pubs = append(pubs, pubB64)
	}
	sort.Strings(pubs)

	members := make([]committee.Member, 0, len(pubs))
	addrs := make(map[committee.Address]string, len(pubs))
	for _, pubB64 := range pubs {
		pub, err := base64.StdEncoding.DecodeString(pubB64)
		if err != nil {
			return nil, nil, xerrors.Configf("node: committee key %q: %w", pubB64, err)
		}
		a := cf.Authorities[pubB64]
		addr := committee.AddressFromPublicKey(pub)
		members = append(members, committee.Member{Address: addr, Stake: a.Stake})
		addrs[addr] = a.PrimaryAddress
	}
	cm, err := committee.New(cf.Epoch, members)
	if err != nil {
		return nil, nil, xerrors.Configf("node: %w", err)
	}
	return cm, addrs, nil
}

// genesisHeaderFor derives the shared genesis header hash from the
// committee contents rather than the config file's bytes, so nodes whose
// files differ in formatting still agree on it.
func genesisHeaderFor(p cryptoprovider.Provider, cm *committee.Committee) [32]byte {
	w := wirecodec.NewWriter()
	w.WriteU64(cm.Epoch())
	for _, m := range cm.Members() {
		w.WriteBytes(m.Address.Bytes())
		w.WriteU64(m.Stake)
	}
	return p.SHA3_256(w.Bytes())
}

// newNode loads configuration and keys from cfg.DataDir and constructs the
// fully wired (but not yet running) node.
func newNode(cfg Config, log *logging.Logger) (*Node, error) {
	provider := cryptoprovider.DevProvider{}

	cf, err := config.LoadCommittee(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	wf, err := config.LoadWorkers(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	params, err := config.LoadParameters(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cm, primaryAddrs, err := committeeFromFile(cf)
	if err != nil {
		return nil, err
	}

	keyID := cfg.DevID
	if keyID < 0 {
		keyID = 0
	}
	blsPriv, err := keys.ReadKeyFile(filepath.Join(cfg.DataDir, fmt.Sprintf(".primary-%d-key.json", keyID)))
	if err != nil {
		return nil, err
	}
	netPriv, err := keys.ReadKeyFile(filepath.Join(cfg.DataDir, fmt.Sprintf(".primary-%d-network-key.json", keyID)))
	if err != nil {
		return nil, err
	}
	selfPub := provider.PublicKey(blsPriv)
	if selfPub == nil {
		return nil, xerrors.Configf("node: primary key file holds a malformed private key")
	}
	self := committee.AddressFromPublicKey(selfPub)
	if !cm.IsMember(self) {
		return nil, xerrors.Configf("node: own key %x is not a committee member", selfPub)
	}

	n := &Node{
		cfg:          cfg,
		params:       *params,
		log:          log,
		provider:     provider,
		cm:           cm,
		self:         self,
		blsPriv:      blsPriv,
		netPriv:      netPriv,
		primaryAddrs: primaryAddrs,
		fatal:        make(chan error, 1),
	}
	n.selfPrimaryAddr = primaryAddrs[self]
	selfB64 := base64.StdEncoding.EncodeToString(selfPub)
	for pubB64, workers := range wf.Workers {
		entry, ok := workers[0]
		if !ok {
			continue
		}
		if pubB64 == selfB64 {
			n.selfWorkerAddr = entry.WorkerAddress
			n.selfTxAddr = entry.TransactionsAddr
			continue
		}
		n.peerWorkerAddrs = append(n.peerWorkerAddrs, entry.WorkerAddress)
	}
	sort.Strings(n.peerWorkerAddrs)
	if n.selfWorkerAddr == "" {
		return nil, xerrors.Configf("node: .workers.json has no worker 0 entry for own key")
	}
	for addr, primaryAddr := range primaryAddrs {
		if addr != self {
			n.peerPrimaryAddrs = append(n.peerPrimaryAddrs, primaryAddr)
		}
	}
	sort.Strings(n.peerPrimaryAddrs)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, xerrors.Storagef("node: open store: %w", err)
	}
	n.db = db

	genesis, err := loadGenesisBalances(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(provider, db, genesis)
	if err != nil {
		return nil, err
	}
	n.ledger = l

	n.dagStore = dag.New()
	n.committer = bullshark.New(n.dagStore, provider)
	n.hub = intra.New(log.With("intra"))

	wcfg := worker.Config{
		WorkerID:                 0,
		MaxTransmissionsPerBatch: int(params.MaxTransmissionsPerBatch),
		MaxBatchDelay:            time.Duration(params.MaxBatchDelayMs) * time.Millisecond,
		PingInterval:             time.Duration(params.WorkerPingIntervalMs) * time.Millisecond,
		ReadyQueueCapFactor:      3,
	}
	n.wrk = worker.New(wcfg, workerTransport{n: n}, db, l, log.With("worker"))
	n.batcher = worker.NewBatcher(n.wrk, db, provider, wcfg, log.With("worker"))

	pcfg := primary.Config{
		MaxHeaderNumOfBatches: params.MaxHeaderNumOfBatches,
		MinHeaderDelay:        time.Duration(params.MinHeaderDelayMs) * time.Millisecond,
		MaxHeaderDelay:        time.Duration(params.MaxHeaderDelayMs) * time.Millisecond,
		Epoch:                 cm.Epoch(),
	}
	n.prim = primary.New(self, blsPriv, pcfg, provider, primaryTransport{n: n}, n.dagStore, n.batcher, log.With("primary"))

	n.brdg = bridge.New(self, bridgeTransport{n: n}, l, log.With("bridge"))

	genesisHeader := genesisHeaderFor(provider, cm)
	n.gw = gateway.New(cfg.NodeAddr, genesisHeader, provider, netPriv, blsPriv, selfPub, cm, log.With("gateway"))
	n.gw.SetConsensusStarter(n)

	n.sync = syncengine.New(l, syncTransport{n: n}, log.With("sync"))

	if idx, err := db.GetLastExecutedSubDagIndex(); err == nil {
		n.subDagIndex = idx
	}
	return n, nil
}

// workerTransport adapts the intra hub's worker plane to worker.Transport.
type workerTransport struct{ n *Node }

func (t workerTransport) BroadcastPing(ids []types.TransmissionID) {
	t.n.hub.Broadcast(t.n.peerWorkerAddrs, intra.TagWorkerPing, intra.EncodeWorkerPing(t.n.selfWorkerAddr, ids))
}

func (t workerTransport) SendTransmissionRequest(peer string, id types.TransmissionID) {
	if err := t.n.hub.Send(peer, intra.TagTransmissionRequest, intra.EncodeTransmissionRequest(t.n.selfWorkerAddr, id)); err != nil {
		t.n.log.Warnf("node: transmission request to %s: %v", peer, err)
	}
}

// primaryTransport adapts the intra hub's primary plane to
// primary.Transport.
type primaryTransport struct{ n *Node }

func (t primaryTransport) BroadcastHeader(h types.BatchHeader) {
	t.n.hub.Broadcast(t.n.peerPrimaryAddrs, intra.TagBatchHeader, h.Encode())
}

func (t primaryTransport) BroadcastCertificate(c *types.BatchCertificate) {
	t.n.hub.Broadcast(t.n.peerPrimaryAddrs, intra.TagBatchCertificate, c.Encode())
}

// bridgeTransport hands freshly produced blocks to the gateway.
type bridgeTransport struct{ n *Node }

func (t bridgeTransport) BroadcastNewBlock(round, height uint64, hash [32]byte, encoded []byte) {
	t.n.gw.Broadcast(gateway.TagNewBlock, gateway.EncodeNewBlock(round, height, hash, encoded))
}

// syncTransport issues BlockRequests through the gateway.
type syncTransport struct{ n *Node }

func (t syncTransport) RequestBlocks(peer string, startHeight, endHeight uint64) {
	if err := t.n.gw.Send(peer, gateway.TagBlockRequest, gateway.EncodeBlockRequest(startHeight, endHeight)); err != nil {
		t.n.log.Warnf("node: block request to %s: %v", peer, err)
	}
}

// StartConsensus implements gateway.ConsensusStarter: launch the BFT loops
// exactly once, after connected committee stake first reaches quorum.
func (n *Node) StartConsensus() {
	n.startOnce.Do(func() {
		n.log.Event("consensus_started", map[string]any{"epoch": n.cm.Epoch(), "round": n.prim.Round()})
		n.spawn(func(ctx context.Context) { n.wrk.RunPingLoop(ctx) })
		n.spawn(func(ctx context.Context) {
			n.batcher.RunSealLoop(ctx, time.Duration(n.params.MaxBatchDelayMs)*time.Millisecond)
		})
		n.spawn(func(ctx context.Context) { n.prim.RunAssemblyLoop(ctx, n.cm, 100*time.Millisecond) })
	})
}

func (n *Node) spawn(fn func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.runCtx)
	}()
}

// observeCertificate persists a newly formed or received certificate and
// runs the commit rule over every wave the DAG can now decide.
func (n *Node) observeCertificate(cert *types.BatchCertificate) {
	if err := n.db.PutCertificate(cert.ID, cert.Header.Round, cert.Header.Author.Bytes(), cert.Encode()); err != nil {
		n.reportFatal(xerrors.Storagef("node: persist certificate: %w", err))
		return
	}
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	if cert.Header.Round > n.highestRound {
		n.highestRound = cert.Header.Round
	}
	for w := bullshark.Wave(n.dagStore.LastCommittedRound()); bullshark.WaveSupportRound(w) <= n.highestRound; w++ {
		subdags, err := n.committer.TryCommit(n.cm, w, n.params.GCDepth)
		if err != nil {
			n.log.Warnf("node: commit wave %d: %v", w, err)
			continue
		}
		for _, sub := range subdags {
			out, err := n.committer.MaterializeOutput(sub, n.db)
			if err != nil {
				n.reportFatal(xerrors.Storagef("node: materialize sub-dag: %w", err))
				return
			}
			if err := n.brdg.HandleConsensusOutput(out); err != nil {
				if xerrors.IsFatal(err) {
					n.reportFatal(err)
					return
				}
				n.log.Warnf("node: consensus output: %v", err)
			}
			n.subDagIndex++
			if err := n.db.PutLastExecutedSubDagIndex(n.subDagIndex); err != nil {
				n.reportFatal(xerrors.Storagef("node: persist sub-dag index: %w", err))
				return
			}
			n.log.Event("sub_dag_committed", map[string]any{
				"index":  n.subDagIndex,
				"round":  sub.Leader.Header.Round,
				"leader": string(sub.Leader.Header.Author),
			})
		}
	}
}

func (n *Node) reportFatal(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// handleIntraFrame dispatches one frame from the primary/worker RPC plane.
func (n *Node) handleIntraFrame(peerAddr string, tag byte, payload []byte) error {
	switch tag {
	case intra.TagBatchHeader:
		h, err := types.DecodeBatchHeader(payload)
		if err != nil {
			return err
		}
		sig, err := n.prim.SignHeaderFromPeer(n.cm, *h)
		if err != nil || sig == nil {
			return err
		}
		authorAddr, ok := n.primaryAddrs[h.Author]
		if !ok {
			return xerrors.LogicBug("node: committee member %x has no primary address", h.Author.Bytes())
		}
		vote := intra.Vote{HeaderID: h.ID(n.provider), Signer: n.self, Sig: sig}
		return n.hub.Send(authorAddr, intra.TagVote, intra.EncodeVote(vote))

	case intra.TagVote:
		v, err := intra.DecodeVote(payload)
		if err != nil {
			return err
		}
		if err := n.db.PutVote(v.HeaderID, v.Signer.Bytes(), v.Sig); err != nil {
			return xerrors.Storagef("node: persist vote: %w", err)
		}
		cert, err := n.prim.ReceiveSignature(n.cm, v.HeaderID, v.Signer, v.Sig)
		if err != nil {
			return err
		}
		if cert != nil {
			n.observeCertificate(cert)
		}
		return nil

	case intra.TagBatchCertificate:
		cert, err := types.DecodeCertificate(n.provider, payload)
		if err != nil {
			return err
		}
		if err := n.verifyCertificate(cert); err != nil {
			return err
		}
		if err := n.dagStore.Insert(cert, n.cm); err != nil {
			return err
		}
		n.observeCertificate(cert)
		return nil

	case intra.TagWorkerPing:
		from, ids, err := intra.DecodeWorkerPing(payload)
		if err != nil {
			return err
		}
		n.spawn(func(ctx context.Context) { n.wrk.HandlePing(ctx, from, ids) })
		return nil

	case intra.TagTransmissionRequest:
		from, id, err := intra.DecodeTransmissionRequest(payload)
		if err != nil {
			return err
		}
		if t, ok := n.wrk.Get(id); ok {
			return n.hub.Send(from, intra.TagTransmissionResponse, intra.EncodeTransmissionResponse(n.selfWorkerAddr, id, t.Payload, t.Commitment))
		}
		if raw, ok, err := n.db.GetTransmission(id.StorageKey()); err == nil && ok {
			return n.hub.Send(from, intra.TagTransmissionResponse, intra.EncodeTransmissionResponse(n.selfWorkerAddr, id, raw, nil))
		}
		return nil

	case intra.TagTransmissionResponse:
		from, id, body, commitment, err := intra.DecodeTransmissionResponse(payload)
		if err != nil {
			return err
		}
		n.wrk.HandleTransmissionResponse(from, worker.Transmission{ID: id, Payload: body, Commitment: commitment})
		return nil

	case intra.TagUnconfirmedTransaction:
		_, err := n.wrk.Process(types.TransmissionTransaction, payload, nil)
		return err

	default:
		return xerrors.Protocolf(10, "node: unexpected intra tag %d from %s", tag, peerAddr)
	}
}

// verifyCertificate checks what the DAG's insert invariant assumes has
// already been checked: every signature verifies over the
// header digest, and the combined signer stake meets quorum.
func (n *Node) verifyCertificate(cert *types.BatchCertificate) error {
	digest := n.provider.SHA3_256(cert.Header.Encode())
	for signer, sig := range cert.Signatures {
		if !n.cm.IsMember(signer) {
			return xerrors.Protocolf(20, "node: certificate signer not in committee")
		}
		if !n.provider.VerifyBLS(signer.Bytes(), sig, digest) {
			return xerrors.Protocolf(30, "node: certificate carries an invalid signature")
		}
	}
	quorum, err := n.cm.QuorumThreshold()
	if err != nil {
		return err
	}
	if cert.SignedStake(n.cm) < quorum {
		return xerrors.Protocolf(30, "node: certificate stake below quorum")
	}
	return nil
}

// handleGatewayFrame returns the per-peer dispatch function the gateway's
// read loop drives.
func (n *Node) handleGatewayFrame(peerAddr string) func(tag byte, payload []byte) error {
	return func(tag byte, payload []byte) error {
		switch tag {
		case gateway.TagPing:
			p, err := gateway.DecodePing(payload)
			if err != nil {
				return err
			}
			if p.Height > 0 {
				n.sync.RecordLocator(p.Height, p.TipHash, p.PreviousHash)
			}
			return n.gw.Send(peerAddr, gateway.TagPong, nil)

		case gateway.TagPong, gateway.TagDisconnect:
			if tag == gateway.TagDisconnect {
				n.gw.Disconnect(peerAddr)
			}
			return nil

		case gateway.TagBlockRequest:
			start, end, err := gateway.DecodeBlockRequest(payload)
			if err != nil {
				return err
			}
			if end < start || end-start >= syncengine.RequestBatchSize {
				return xerrors.Protocolf(20, "node: block request range [%d,%d] out of bounds", start, end)
			}
			tip := n.ledger.Height()
			var blocks [][]byte
			for h := start; h <= end && h <= tip; h++ {
				raw, ok, err := n.db.GetLedgerBlock(h)
				if err != nil {
					return xerrors.Storagef("node: read block %d: %w", h, err)
				}
				if !ok {
					break
				}
				blocks = append(blocks, raw)
			}
			return n.gw.Send(peerAddr, gateway.TagBlockResponse, gateway.EncodeBlockResponse(start, end, blocks))

		case gateway.TagBlockResponse:
			_, _, blocks, err := gateway.DecodeBlockResponse(payload)
			if err != nil {
				return err
			}
			return n.sync.HandleResponse(blocks, func(raw []byte) (*ledger.Block, error) {
				return ledger.DecodeBlock(n.provider, raw)
			})

		case gateway.TagNewBlock:
			_, _, hash, encoded, err := gateway.DecodeNewBlock(payload)
			if err != nil {
				return err
			}
			blk, err := ledger.DecodeBlock(n.provider, encoded)
			if err != nil {
				return xerrors.Protocolf(15, "node: new block from %s undecodable: %w", peerAddr, err)
			}
			if blk.Hash != hash {
				return xerrors.Protocolf(20, "node: new block hash does not match its contents")
			}
			if blk.Height <= n.ledger.Height() {
				return nil
			}
			if err := n.brdg.ValidateIncomingBlock(blk); err != nil {
				n.log.Warnf("node: rejecting block height %d from %s: %v", blk.Height, peerAddr, err)
				return err
			}
			if err := n.ledger.AdvanceToNextBlock(blk); err != nil {
				return err
			}
			n.log.Event("block_advanced", map[string]any{"height": blk.Height, "source": peerAddr})
			n.gw.Propagate(tag, payload, map[string]bool{peerAddr: true})
			return nil

		case gateway.TagUnconfirmedTransaction:
			wireID, tx, err := gateway.DecodeUnconfirmedTransaction(payload)
			if err != nil {
				return err
			}
			id := n.provider.SHA3_256(tx)
			if id != wireID {
				return xerrors.Protocolf(15, "node: unconfirmed transaction id does not match its body")
			}
			known := n.wrk.ContainsTransmission(types.TransmissionID{Kind: types.TransmissionTransaction, Digest: id})
			if _, err := n.wrk.Process(types.TransmissionTransaction, tx, nil); err != nil {
				return err
			}
			if !known {
				n.gw.Propagate(tag, payload, map[string]bool{peerAddr: true})
			}
			return nil

		case gateway.TagUnconfirmedSolution:
			commitment, solution, err := gateway.DecodeUnconfirmedSolution(payload)
			if err != nil {
				return err
			}
			known := n.wrk.ContainsTransmission(types.TransmissionID{Kind: types.TransmissionSolution, Digest: n.provider.SHA3_256(commitment)})
			if _, err := n.wrk.Process(types.TransmissionSolution, solution, commitment); err != nil {
				return err
			}
			if !known {
				n.gw.Propagate(tag, payload, map[string]bool{peerAddr: true})
			}
			return nil

		case gateway.TagPuzzleRequest:
			challenge := n.epochChallenge()
			tip := n.ledger.TipHash()
			return n.gw.Send(peerAddr, gateway.TagPuzzleResponse, gateway.EncodePuzzleResponse(challenge, tip[:]))

		case gateway.TagPuzzleResponse:
			return nil

		default:
			return xerrors.Protocolf(10, "node: unexpected gateway tag %d from %s", tag, peerAddr)
		}
	}
}

// epochChallenge is the stub per-epoch puzzle challenge (the real puzzle is
// an external collaborator): a hash of the epoch number and the
// shared genesis header.
func (n *Node) epochChallenge() [32]byte {
	w := wirecodec.NewWriter()
	w.WriteU64(n.cm.Epoch())
	gh := genesisHeaderFor(n.provider, n.cm)
	w.WriteFixed32(gh)
	return n.provider.SHA3_256(w.Bytes())
}

// Run starts every listener and loop and blocks until ctx is cancelled
// (clean shutdown, nil) or a fatal error surfaces.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.runCtx = runCtx

	gwListener, err := net.Listen("tcp", n.cfg.NodeAddr)
	if err != nil {
		return xerrors.Configf("node: listen %s: %w", n.cfg.NodeAddr, err)
	}
	n.spawn(func(ctx context.Context) { n.acceptGateway(ctx, gwListener) })

	intraAddrs := dedupeStrings([]string{n.selfPrimaryAddr, n.selfWorkerAddr, n.selfTxAddr})
	for _, addr := range intraAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return xerrors.Configf("node: listen intra %s: %w", addr, err)
		}
		listener := ln
		n.spawn(func(ctx context.Context) { n.hub.AcceptLoop(ctx, listener, n.handleIntraFrame) })
	}

	if n.cfg.RestAddr != "" {
		adminListener, err := net.Listen("tcp", n.cfg.RestAddr)
		if err != nil {
			return xerrors.Configf("node: listen rest %s: %w", n.cfg.RestAddr, err)
		}
		n.spawn(func(ctx context.Context) { n.serveAdmin(ctx, adminListener) })
	}

	n.spawn(n.dialTrustedPeers)
	n.spawn(n.runGatewayPingLoop)
	n.spawn(n.runSyncLoop)

	n.log.Event("node_started", map[string]any{
		"node": n.cfg.NodeAddr, "rest": n.cfg.RestAddr,
		"primary": n.selfPrimaryAddr, "worker": n.selfWorkerAddr,
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-n.fatal:
		n.log.Errorf("node: fatal: %v", runErr)
	}
	cancel()
	gwListener.Close()
	for _, a := range n.gw.Connected() {
		n.gw.Disconnect(a)
	}
	n.wg.Wait()
	if err := n.db.Close(); err != nil && runErr == nil {
		runErr = xerrors.Storagef("node: close store: %w", err)
	}
	return runErr
}

func (n *Node) acceptGateway(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warnf("node: gateway accept: %v", err)
			continue
		}
		conn := nc
		n.spawn(func(ctx context.Context) {
			addr, err := n.gw.Accept(ctx, conn)
			if err != nil {
				n.log.Warnf("node: handshake: %v", err)
				conn.Close()
				return
			}
			n.gw.ReadLoop(ctx, addr, n.handleGatewayFrame(addr))
		})
	}
}

// dialTrustedPeers dials every configured peer that is not currently
// connected, then repeats every 3 seconds until ctx is cancelled, so a
// peer that drops is redialed by the same loop.
func (n *Node) dialTrustedPeers(ctx context.Context) {
	_, portStr, _ := net.SplitHostPort(n.cfg.NodeAddr)
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		connected := make(map[string]bool)
		for _, a := range n.gw.Connected() {
			connected[a] = true
		}
		for _, peer := range n.cfg.TrustedPeers {
			if connected[peer] {
				continue
			}
			peerAddr := peer
			if err := n.gw.Dial(ctx, peerAddr, port, gateway.NodeTypeValidator); err != nil {
				n.log.Debugf("node: dial %s: %v", peerAddr, err)
				continue
			}
			n.spawn(func(ctx context.Context) {
				n.gw.ReadLoop(ctx, peerAddr, n.handleGatewayFrame(peerAddr))
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) runGatewayPingLoop(ctx context.Context) {
	interval := time.Duration(n.params.WorkerPingIntervalMs) * time.Millisecond * 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip := n.ledger.TipHash()
			n.gw.Broadcast(gateway.TagPing, gateway.EncodePing(gateway.PingPayload{
				NodeType: gateway.NodeTypeValidator,
				Height:   n.ledger.Height(),
				TipHash:  tip,
			}))
		}
	}
}

func (n *Node) runSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := n.gw.Connected()
			if len(peers) == 0 {
				continue
			}
			for _, rng := range n.sync.ComputeMissing() {
				n.sync.RequestFrom(rng, peers)
			}
		}
	}
}

// serveAdmin is the minimal admin surface behind the --rest listen
// address: height, balance map, and peer catalog snapshots.
// The full query surface is an external collaborator.
func (n *Node) serveAdmin(ctx context.Context, ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/height", func(w http.ResponseWriter, r *http.Request) {
		writeAdminJSON(w, map[string]any{"height": n.ledger.Height()})
	})
	mux.HandleFunc("/balances", func(w http.ResponseWriter, r *http.Request) {
		writeAdminJSON(w, n.ledger.Balances())
	})
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		writeAdminJSON(w, n.gw.Connected())
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		n.log.Warnf("node: admin server: %v", err)
	}
}

func writeAdminJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
