package worker

import (
	"context"
	"sync"
	"time"

	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/store"
	"dagchain.dev/validator/types"
)

// Batcher seals a worker's ready transmissions into a Batch on a fixed
// schedule and exposes the sealed-but-not-yet-included set as
// primary.BatchSource (duck-typed: Batcher satisfies that interface
// without importing the primary package).
type Batcher struct {
	w        *Worker
	storage  *store.DB
	provider cryptoprovider.Provider
	cfg      Config
	log      *logging.Logger

	mu     sync.Mutex
	sealed map[types.BatchDigest]types.Batch
}

func NewBatcher(w *Worker, storage *store.DB, provider cryptoprovider.Provider, cfg Config, log *logging.Logger) *Batcher {
	return &Batcher{
		w:        w,
		storage:  storage,
		provider: provider,
		cfg:      cfg,
		log:      log,
		sealed:   make(map[types.BatchDigest]types.Batch),
	}
}

// SealOnce takes up to cfg.MaxTransmissionsPerBatch ready transmissions
// from the worker, and if any were taken, seals them into a Batch,
// persists it, and adds it to the sealed set awaiting inclusion.
func (b *Batcher) SealOnce(now time.Time) {
	taken := b.w.Take(b.cfg.MaxTransmissionsPerBatch)
	if len(taken) == 0 {
		return
	}
	ids := make([]types.TransmissionID, len(taken))
	for i, t := range taken {
		ids[i] = t.ID
	}
	batch := types.Batch{WorkerID: b.cfg.WorkerID, Transmissions: ids, Timestamp: now.Unix()}
	digest := batch.Digest(b.provider)
	if b.storage != nil {
		// Transmission payloads go to storage alongside the batch so
		// sub-dag materialization can recover them after the ready queue
		// has let go of them.
		for _, t := range taken {
			if err := b.storage.PutTransmission(t.ID.StorageKey(), t.Payload); err != nil {
				if b.log != nil {
					b.log.Warnf("worker: persist transmission: %v", err)
				}
				for _, rt := range taken {
					b.w.Reinsert(rt)
				}
				return
			}
		}
		if err := b.storage.PutBatch(digest, batch.Encode()); err != nil {
			if b.log != nil {
				b.log.Warnf("worker: persist sealed batch: %v", err)
			}
			for _, t := range taken {
				b.w.Reinsert(t)
			}
			return
		}
	}
	b.mu.Lock()
	b.sealed[digest] = batch
	b.mu.Unlock()
	if b.log != nil {
		b.log.Event("batch_sealed", map[string]any{"worker_id": b.cfg.WorkerID, "digest": digest, "num_transmissions": len(ids)})
	}
}

// ReadyBatches implements primary.BatchSource: up to max sealed batches
// (digest -> worker id), removed from the sealed set since the primary is
// about to include them in a header, plus the total sealed count observed
// before removal (used to decide whether the num-of-batches threshold is
// met).
func (b *Batcher) ReadyBatches(max int) (map[types.BatchDigest]uint32, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := len(b.sealed)
	out := make(map[types.BatchDigest]uint32, max)
	for digest, batch := range b.sealed {
		if len(out) >= max {
			break
		}
		out[digest] = batch.WorkerID
		delete(b.sealed, digest)
	}
	return out, total
}

// RunSealLoop calls SealOnce on a fixed tick until ctx is cancelled,
// mirroring RunPingLoop/RunAssemblyLoop's background-goroutine shape.
func (b *Batcher) RunSealLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.SealOnce(now)
		}
	}
}
