package swarmdl

import (
	"context"
	"errors"

	"github.com/anacrolix/log"
)

// The session was torn down before the chunk could be acquired.
var ErrStopped = errors.New("downloader stopped")

// GetChunk returns ref's handle once it's verified, racing concurrent
// requests across the connection pool to get it there. Already-verified
// chunks return immediately with no network activity. Each pooled peer is
// asked at most once per chunk; a peer that exceeds the request timeout is
// evicted from the pool, while other failures just log. There is no deadline
// here: with no peers and no further candidates the call blocks until ctx is
// cancelled or the session stops. Requests that lose the race aren't
// cancelled, they run out in the background and the store discards late
// duplicates.
func (d *Downloader) GetChunk(ctx context.Context, ref ChunkRef) (ChunkHandle, error) {
	d.mu.Lock()
	h := d.store.GetOrCreate(ref)
	d.mu.Unlock()
	if h.Verified() {
		chunkCacheHits.Add(1)
		return h, nil
	}
	for {
		d.mu.Lock()
		d.dispatchLocked(ref)
		poolChanged := d.poolCond.Signaled()
		d.mu.Unlock()
		if h.Verified() {
			break
		}
		select {
		case <-h.FinishedWriting():
		case <-poolChanged:
		case <-d.stopping.Done():
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if h.Verified() {
			break
		}
	}
	d.mu.Lock()
	// The ledger entry is dead weight once the chunk is verified.
	delete(d.requests, ref.Hash)
	d.mu.Unlock()
	return h, nil
}

// Starts a fetch for ref on every pooled peer that hasn't been asked for it
// yet, recording each in the request ledger first so later dispatch passes
// skip them.
func (d *Downloader) dispatchLocked(ref ChunkRef) {
	asked, ok := d.requests[ref.Hash]
	if !ok {
		asked = make(map[string]struct{})
		d.requests[ref.Hash] = asked
	}
	for addr, p := range d.conns {
		if _, ok := asked[addr]; ok {
			continue
		}
		asked[addr] = struct{}{}
		chunkRequests.Add(1)
		go d.fetch(p, ref)
	}
}

func (d *Downloader) fetch(p Peer, ref ChunkRef) {
	d.logger.Levelf(log.Debug, "requesting %v from %v", ref, p.Addr())
	err := p.Request(d.ctx, []ChunkRef{ref}, d.cfg.RequestTimeout, d.cfg.ConnectTimeout)
	d.mu.Lock()
	defer d.mu.Unlock()
	// Completion is a wake-up in its own right: the scheduler drains it and
	// takes another dispatch pass.
	defer d.poolCond.Broadcast()
	if err == nil {
		return
	}
	if isTimeout(err) {
		// Identity check, not just presence: keeps removal idempotent
		// against a concurrent teardown or a racing fetch, and spares a
		// fresh peer the accumulator re-added under the same addr after
		// this one was already evicted.
		if d.conns[p.Addr()] == p {
			delete(d.conns, p.Addr())
			peersEvicted.Add(1)
			d.logger.Levelf(log.Debug, "evicted %v after request timeout (%v conns left)", p.Addr(), len(d.conns))
		}
		return
	}
	level := log.Warning
	if errors.Is(err, context.Canceled) {
		level = log.Debug
	}
	d.logger.Levelf(level, "error requesting %v from %v: %v", ref, p.Addr(), err)
}
