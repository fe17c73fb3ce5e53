package swarmdl

import (
	"context"
	"path/filepath"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
)

// Downloader is a single download session: it accumulates connections to
// discovered peers in the background while the assembler pulls chunks through
// GetChunk. Create one with New, then Start it. All methods are safe for
// concurrent use.
type Downloader struct {
	cfg       Config
	store     ChunkStore
	source    PeerSource
	assembler Assembler
	logger    log.Logger

	// Session context, cancelled by Stop. Bounds accumulation, in-flight
	// chunk requests, and the driving goroutine.
	ctx    context.Context
	cancel context.CancelFunc

	// Guards conns, requests and driveErr. Pool membership and the wake
	// condition must only change under this lock, or waiters can miss a peer
	// that joins right as they go to sleep.
	mu sync.Mutex
	// Connected, usable peers, keyed by Peer.Addr.
	conns map[string]Peer
	// Chunk hash to addrs of peers already asked for it. An entry outlives
	// failed requests so an evicted or errored peer isn't asked again, and is
	// dropped once its chunk verifies.
	requests map[string]map[string]struct{}
	driveErr error

	// Broadcast on every pool mutation and every fetch completion.
	poolCond chansync.BroadcastCond

	stopping chansync.SetOnce
	finished chansync.SetOnce
}

// New creates a session downloading the stream assembled by assembler, with
// chunks verified through store and peers arriving from source. A nil cfg
// uses defaults.
func New(cfg *Config, store ChunkStore, source PeerSource, assembler Assembler) *Downloader {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Downloader{
		cfg:       *cfg,
		store:     store,
		source:    source,
		assembler: assembler,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]Peer),
		requests:  make(map[string]map[string]struct{}),
	}
}

// Start launches connection accumulation and the driving goroutine that runs
// the assembler. onFinished is invoked once if the stream completes; it is
// not invoked on Stop or assembly failure. Cleanup runs exactly once no
// matter how the session ends.
func (d *Downloader) Start(onFinished func()) {
	go d.accumulateConnections()
	go d.drive(onFinished)
}

func (d *Downloader) drive(onFinished func()) {
	defer d.finished.Set()
	defer d.Stop()
	err := d.assembler.Assemble(d.ctx, d, d.cfg.OutputDir, d.cfg.OutputFileName)
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Levelf(log.Error, "error assembling stream: %v", err)
		}
		d.mu.Lock()
		d.driveErr = err
		d.mu.Unlock()
		return
	}
	d.logger.Levelf(log.Info, "downloaded stream -> %v", filepath.Join(d.cfg.OutputDir, d.cfg.OutputFileName))
	if onFinished != nil {
		onFinished()
	}
}

// Connects discovered candidates and inserts them into the pool. Runs until
// the source is exhausted or the session stops. Connect failures drop the
// candidate; there's no retry at this layer, the source can always yield the
// peer again.
func (d *Downloader) accumulateConnections() {
	for {
		p, ok := d.source.Next(d.ctx)
		if !ok {
			return
		}
		err := p.Connect(d.ctx, d.cfg.RequestTimeout, d.cfg.ConnectTimeout)
		if err != nil {
			peerConnectFailures.Add(1)
			d.logger.Levelf(log.Debug, "error connecting to %v: %v", p.Addr(), err)
			continue
		}
		if !d.addConn(p) {
			// Already pooled under this addr, or stopping. We opened this
			// connection, so we close it.
			p.Disconnect()
			if d.stopping.IsSet() {
				return
			}
		}
	}
}

func (d *Downloader) addConn(p Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping.IsSet() {
		return false
	}
	if _, ok := d.conns[p.Addr()]; ok {
		return false
	}
	d.conns[p.Addr()] = p
	peersAdded.Add(1)
	d.logger.Levelf(log.Debug, "added %v to pool (%v conns)", p.Addr(), len(d.conns))
	d.poolCond.Broadcast()
	return true
}

// Stop tears the session down: cancels accumulation and the driving
// goroutine, stops peer discovery, and disconnects every pooled peer.
// Idempotent, and safe to call at any time, including after natural
// completion.
func (d *Downloader) Stop() {
	if !d.stopping.Set() {
		return
	}
	d.cancel()
	d.source.Stop()
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]Peer)
	d.poolCond.Broadcast()
	d.mu.Unlock()
	for _, p := range conns {
		p.Disconnect()
	}
}

// Finished fires when the driving goroutine ends, however that happens.
// Cleanup has already run by then.
func (d *Downloader) Finished() events.Done {
	return d.finished.Done()
}

// Err returns the assembly failure that ended the session, if any. Only
// meaningful after Finished fires. A session cancelled by Stop reports the
// context cancellation the assembler saw.
func (d *Downloader) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driveErr
}

func (d *Downloader) numConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
