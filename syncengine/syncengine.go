// Package syncengine is the block-range request/response catch-up state
// machine: a sparse canon-locator map, BlockRequest/BlockResponse
// exchange with a small stable peer set, and a per-height buffer applied
// to the ledger in ascending order.
package syncengine

import (
	"sort"
	"sync"

	"dagchain.dev/validator/ledger"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/xerrors"
)

// RequestBatchSize caps how many heights one BlockRequest spans.
const RequestBatchSize = 512

// StablePeerSetSize is how many peers one missing range is requested from
// concurrently.
const StablePeerSetSize = 2

// Ledger is the narrow façade slice the sync engine drives: checking and
// advancing blocks pulled from peers.
type Ledger interface {
	Height() uint64
	CheckNextBlock(blk *ledger.Block) error
	AdvanceToNextBlock(blk *ledger.Block) error
}

// Transport is the outbound capability the sync engine needs from the
// gateway/router: issue a BlockRequest to one peer.
type Transport interface {
	RequestBlocks(peer string, startHeight, endHeight uint64)
}

// locatorEntry is one known canonical (height -> hash) pair.
type locatorEntry struct {
	Hash         [32]byte
	PreviousHash [32]byte
}

// Engine maintains canon_locators and the per-height buffer of received
// blocks awaiting application.
type Engine struct {
	ledger    Ledger
	transport Transport
	log       *logging.Logger

	mu       sync.Mutex
	locators map[uint64]locatorEntry // sparse: height -> (hash, prev)
	buffer   map[uint64]*ledger.Block
	inFlight map[uint64]bool // heights currently requested, to avoid duplicate requests
}

func New(l Ledger, transport Transport, log *logging.Logger) *Engine {
	return &Engine{
		ledger:    l,
		transport: transport,
		log:       log,
		locators:  make(map[uint64]locatorEntry),
		buffer:    make(map[uint64]*ledger.Block),
		inFlight:  make(map[uint64]bool),
	}
}

// RecordLocator registers a peer-advertised (height -> hash) pair, e.g.
// from a Ping{block_locators} message.
func (e *Engine) RecordLocator(height uint64, hash, previousHash [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locators[height] = locatorEntry{Hash: hash, PreviousHash: previousHash}
}

// MissingRange is one gap between the local chain height and a known
// locator, expressed as the closed height interval still needed.
type MissingRange struct {
	Start uint64 // first missing height
	End   uint64 // last missing height (inclusive)
}

// ComputeMissing finds the gap between the
// ledger's current height and the highest height any peer has advertised
// a locator for, split into at most RequestBatchSize chunks.
func (e *Engine) ComputeMissing() []MissingRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	localHeight := e.ledger.Height()
	var best uint64
	for h := range e.locators {
		if h > best {
			best = h
		}
	}
	if best <= localHeight {
		return nil
	}
	var ranges []MissingRange
	start := localHeight + 1
	for start <= best {
		end := start + RequestBatchSize - 1
		if end > best {
			end = best
		}
		if !e.inFlight[start] {
			ranges = append(ranges, MissingRange{Start: start, End: end})
		}
		start = end + 1
	}
	return ranges
}

// RequestFrom issues a BlockRequest for rng to each of peers (capped at
// StablePeerSetSize), marking the range as in-flight so ComputeMissing
// does not immediately re-request it.
func (e *Engine) RequestFrom(rng MissingRange, peers []string) {
	e.mu.Lock()
	for h := rng.Start; h <= rng.End; h++ {
		e.inFlight[h] = true
	}
	e.mu.Unlock()

	n := len(peers)
	if n > StablePeerSetSize {
		n = StablePeerSetSize
	}
	for i := 0; i < n; i++ {
		e.transport.RequestBlocks(peers[i], rng.Start, rng.End)
	}
}

// HandleResponse decodes and enqueues each received
// block into the per-height buffer, then attempt to apply whatever is now
// contiguous from the ledger's current height.
func (e *Engine) HandleResponse(blocks [][]byte, decode func([]byte) (*ledger.Block, error)) error {
	e.mu.Lock()
	for _, raw := range blocks {
		blk, err := decode(raw)
		if err != nil {
			e.mu.Unlock()
			return xerrors.Protocolf(15, "syncengine: decode block in response: %w", err)
		}
		e.buffer[blk.Height] = blk
		delete(e.inFlight, blk.Height)
	}
	e.mu.Unlock()
	return e.applyBuffered()
}

// applyBuffered applies buffered blocks in
// ascending height order; any failed CheckNextBlock drops that height and
// all queued descendants, and the gap re-enters the request loop on the
// next ComputeMissing call (since the failed and descendant heights are
// evicted from the buffer without ever being marked applied).
func (e *Engine) applyBuffered() error {
	for {
		e.mu.Lock()
		next := e.ledger.Height() + 1
		blk, ok := e.buffer[next]
		e.mu.Unlock()
		if !ok {
			return nil
		}
		if err := e.ledger.CheckNextBlock(blk); err != nil {
			e.dropFromHeight(next)
			if e.log != nil {
				e.log.Warnf("syncengine: height %d failed validation, dropping descendants: %v", next, err)
			}
			return nil
		}
		if err := e.ledger.AdvanceToNextBlock(blk); err != nil {
			return xerrors.Storagef("syncengine: advance height %d: %w", next, err)
		}
		e.mu.Lock()
		delete(e.buffer, next)
		e.mu.Unlock()
		if e.log != nil {
			e.log.Event("sync_applied", map[string]any{"height": next})
		}
	}
}

// dropFromHeight evicts from the buffer the given height and every
// buffered height above it, since a block that failed validation
// invalidates the chain built on top of it.
func (e *Engine) dropFromHeight(from uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	heights := make([]uint64, 0, len(e.buffer))
	for h := range e.buffer {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	for _, h := range heights {
		if h >= from {
			delete(e.buffer, h)
		}
	}
}

// BufferedHeights snapshots which heights are currently buffered,
// ascending, for diagnostics and tests.
func (e *Engine) BufferedHeights() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, 0, len(e.buffer))
	for h := range e.buffer {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
