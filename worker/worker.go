// Package worker is the per-worker mempool: a ready queue, a
// proposed-batch pointer, a pending-transmission-request map with
// one-shot completion, four-way dedupe against
// ready/proposed/storage/ledger, re-filtering at draw time, and the
// ping/request/response pull-reconciliation loop. Mutex-guarded maps and
// ticker loops cancelled by context.Context.
package worker

import (
	"context"
	"sync"
	"time"

	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/store"
	"dagchain.dev/validator/types"
	"dagchain.dev/validator/xerrors"
)

// LedgerView is the narrow slice of the ledger façade the
// worker needs: validating a transmission before admission, and checking
// whether it has already been confirmed.
type LedgerView interface {
	CheckTransactionBasic(payload []byte) error
	CheckSolutionBasic(commitment, solution []byte) error
	HasTransaction(id [32]byte) bool
}

// Transport is the narrow outbound capability the worker needs from the
// gateway/router: broadcast a ping to the committee and send a
// point-to-point request/response to one peer. Decoupling this from a
// concrete network type lets worker logic be unit tested without
// sockets.
type Transport interface {
	BroadcastPing(ids []types.TransmissionID)
	SendTransmissionRequest(peer string, id types.TransmissionID)
}

// PendingRequest tracks a pull-based fetch in flight: the
// peer it was sent to, and a one-shot completion channel. A response from
// any other peer is ignored.
type PendingRequest struct {
	Peer string
	done chan Transmission
}

// Transmission is the worker's in-memory view of one unconfirmed item.
// Commitment is retained for solutions so draw-time re-validation can
// check the raw commitment, not its hash; it is nil for transactions and
// for solutions fetched from peers that did not supply one.
type Transmission struct {
	ID         types.TransmissionID
	Payload    []byte
	Commitment []byte
}

// Config holds the batching tunables.
type Config struct {
	WorkerID                 uint32
	MaxTransmissionsPerBatch int
	MaxBatchDelay            time.Duration
	PingInterval             time.Duration
	ReadyQueueCapFactor      int // back-pressure cap = MaxTransmissionsPerBatch * this
}

func DefaultConfig(workerID uint32) Config {
	return Config{
		WorkerID:                 workerID,
		MaxTransmissionsPerBatch: 100,
		MaxBatchDelay:            time.Second,
		PingInterval:             2 * time.Second,
		ReadyQueueCapFactor:      3,
	}
}

// Worker is one committee member's per-worker mempool.
type Worker struct {
	cfg       Config
	transport Transport
	storage   *store.DB
	ledger    LedgerView
	log       *logging.Logger

	mu       sync.Mutex
	ready    map[types.TransmissionID]Transmission
	order    []types.TransmissionID // FIFO order for Take's "oldest N"
	proposed map[types.TransmissionID]bool
	pending  map[types.TransmissionID]*PendingRequest
}

func New(cfg Config, transport Transport, storage *store.DB, ledger LedgerView, log *logging.Logger) *Worker {
	if cfg.MaxTransmissionsPerBatch <= 0 {
		cfg.MaxTransmissionsPerBatch = 100
	}
	if cfg.ReadyQueueCapFactor <= 0 {
		cfg.ReadyQueueCapFactor = 3
	}
	return &Worker{
		cfg:       cfg,
		transport: transport,
		storage:   storage,
		ledger:    ledger,
		log:       log,
		ready:     make(map[types.TransmissionID]Transmission),
		proposed:  make(map[types.TransmissionID]bool),
		pending:   make(map[types.TransmissionID]*PendingRequest),
	}
}

func (w *Worker) readyCap() int { return w.cfg.MaxTransmissionsPerBatch * w.cfg.ReadyQueueCapFactor }

// NumTransmissions is the ready-queue size.
func (w *Worker) NumTransmissions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ready)
}

// TransmissionIDs snapshots the ready queue's ids in FIFO order.
func (w *Worker) TransmissionIDs() []types.TransmissionID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.TransmissionID, len(w.order))
	copy(out, w.order)
	return out
}

func (w *Worker) Get(id types.TransmissionID) (Transmission, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.ready[id]
	return t, ok
}

// ContainsTransmission is the four-way dedupe: ready
// queue, proposed batch, storage, ledger.
func (w *Worker) ContainsTransmission(id types.TransmissionID) bool {
	w.mu.Lock()
	_, inReady := w.ready[id]
	_, inProposed := w.proposed[id]
	w.mu.Unlock()
	if inReady || inProposed {
		return true
	}
	if w.storage != nil {
		idBytes := id.StorageKey()
		if has, err := w.storage.HasTransmission(idBytes); err == nil && has {
			return true
		}
	}
	if w.ledger != nil && w.ledger.HasTransaction(id.Digest) {
		return true
	}
	return false
}

// SetProposed marks ids as belonging to the primary's currently-proposed
// batch, so ContainsTransmission's dedupe sees them even before they reach
// storage.
func (w *Worker) SetProposed(ids []types.TransmissionID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.proposed = make(map[types.TransmissionID]bool, len(ids))
	for _, id := range ids {
		w.proposed[id] = true
	}
}

// ClearProposed releases the proposed-batch marker, e.g. after the batch
// was sealed into storage or the proposal was abandoned.
func (w *Worker) ClearProposed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.proposed = make(map[types.TransmissionID]bool)
}

// Process handles one unconfirmed transmission from a peer or a local
// submitter: dedupe, validate, insert. Validation failure drops the
// transmission and returns an error to the submitter.
func (w *Worker) Process(kind types.TransmissionKind, payload []byte, commitment []byte) (types.TransmissionID, error) {
	p := cryptoprovider.DevProvider{}
	var id types.TransmissionID
	switch kind {
	case types.TransmissionTransaction:
		id = types.TransmissionID{Kind: kind, Digest: p.SHA3_256(payload)}
		if w.ContainsTransmission(id) {
			return id, nil
		}
		if err := w.ledger.CheckTransactionBasic(payload); err != nil {
			return id, err
		}
	case types.TransmissionSolution:
		id = types.TransmissionID{Kind: kind, Digest: p.SHA3_256(commitment)}
		if w.ContainsTransmission(id) {
			return id, nil
		}
		if err := w.ledger.CheckSolutionBasic(commitment, payload); err != nil {
			return id, err
		}
	default:
		return id, xerrors.LogicBug("worker: unknown transmission kind %d", kind)
	}
	w.insert(Transmission{ID: id, Payload: payload, Commitment: commitment})
	return id, nil
}

func (w *Worker) insert(t Transmission) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.ready[t.ID]; exists {
		return
	}
	w.ready[t.ID] = t
	w.order = append(w.order, t.ID)
}

// Reinsert puts a transmission back into the ready queue, e.g. after a
// batch proposal failed to seal. A no-op if it's already present anywhere
// in the four dedupe views.
func (w *Worker) Reinsert(t Transmission) bool {
	if w.ContainsTransmission(t.ID) {
		return false
	}
	w.insert(t)
	return true
}

// Take removes and returns up to n of the oldest ready transmissions,
// re-filtering at draw time: anything that has since appeared in storage,
// the ledger, or the proposed batch is dropped rather than handed out,
// and solutions are re-checked for validity since the epoch challenge may
// have advanced between enqueue and seal.
func (w *Worker) Take(n int) []Transmission {
	w.mu.Lock()
	candidates := make([]types.TransmissionID, len(w.order))
	copy(candidates, w.order)
	w.mu.Unlock()

	out := make([]Transmission, 0, n)
	var consumed []types.TransmissionID
	for _, id := range candidates {
		if len(out) >= n {
			break
		}
		w.mu.Lock()
		t, ok := w.ready[id]
		inProposed := w.proposed[id]
		w.mu.Unlock()
		if !ok {
			continue
		}
		if inProposed {
			consumed = append(consumed, id)
			continue
		}
		if w.storage != nil {
			if has, err := w.storage.HasTransmission(id.StorageKey()); err == nil && has {
				consumed = append(consumed, id)
				continue
			}
		}
		if w.ledger != nil && w.ledger.HasTransaction(id.Digest) {
			consumed = append(consumed, id)
			continue
		}
		if id.Kind == types.TransmissionSolution && len(t.Commitment) > 0 {
			if err := w.ledger.CheckSolutionBasic(t.Commitment, t.Payload); err != nil {
				consumed = append(consumed, id)
				continue
			}
		}
		out = append(out, t)
		consumed = append(consumed, id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	takenSet := make(map[types.TransmissionID]bool, len(out))
	for _, t := range out {
		takenSet[t.ID] = true
		delete(w.ready, t.ID)
	}
	for _, id := range consumed {
		if !takenSet[id] {
			delete(w.ready, id)
		}
	}
	w.order = filterOrder(w.order, consumed)
	return out
}

func filterOrder(order []types.TransmissionID, remove []types.TransmissionID) []types.TransmissionID {
	removed := make(map[types.TransmissionID]bool, len(remove))
	for _, id := range remove {
		removed[id] = true
	}
	out := order[:0:0]
	for _, id := range order {
		if !removed[id] {
			out = append(out, id)
		}
	}
	return out
}

// BroadcastPing advertises up to one batch's worth of ready ids to the
// committee.
func (w *Worker) BroadcastPing() {
	ids := w.TransmissionIDs()
	if len(ids) > w.cfg.MaxTransmissionsPerBatch {
		ids = ids[:w.cfg.MaxTransmissionsPerBatch]
	}
	w.transport.BroadcastPing(ids)
}

// HandlePing reacts to a peer's ping: for each unknown id, while the ready
// queue is not saturated, issue a request and await the response up to
// MaxBatchDelay. An oversaturated ready queue skips the remaining fetches
// rather than queuing them.
func (w *Worker) HandlePing(ctx context.Context, peer string, ids []types.TransmissionID) {
	for _, id := range ids {
		if w.ContainsTransmission(id) {
			continue
		}
		w.mu.Lock()
		saturated := len(w.ready) >= w.readyCap()
		w.mu.Unlock()
		if saturated {
			if w.log != nil {
				w.log.Warnf("worker %d: ready queue saturated, skipping further fetches this ping", w.cfg.WorkerID)
			}
			return
		}
		w.requestAndWait(ctx, peer, id)
	}
}

func (w *Worker) requestAndWait(ctx context.Context, peer string, id types.TransmissionID) {
	done := make(chan Transmission, 1)
	req := &PendingRequest{Peer: peer, done: done}
	w.mu.Lock()
	if _, already := w.pending[id]; already {
		w.mu.Unlock()
		return
	}
	w.pending[id] = req
	w.mu.Unlock()

	w.transport.SendTransmissionRequest(peer, id)

	timer := time.NewTimer(w.cfg.MaxBatchDelay)
	defer timer.Stop()
	select {
	case t := <-done:
		w.insert(t)
	case <-timer.C:
		if w.log != nil {
			w.log.Warnf("worker %d: transmission request to %s timed out, retrying next ping", w.cfg.WorkerID, peer)
		}
	case <-ctx.Done():
	}
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// HandleTransmissionResponse completes a pending request if resp came
// from the peer it was sent to; late responses from other peers are
// ignored.
func (w *Worker) HandleTransmissionResponse(fromPeer string, t Transmission) {
	w.mu.Lock()
	req, ok := w.pending[t.ID]
	w.mu.Unlock()
	if !ok || req.Peer != fromPeer {
		return
	}
	select {
	case req.done <- t:
	default:
	}
}

// RunPingLoop ticks BroadcastPing every PingInterval until ctx is
// cancelled.
func (w *Worker) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.BroadcastPing()
		}
	}
}
