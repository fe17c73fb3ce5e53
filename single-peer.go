package swarmdl

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
)

// SinglePeerDownloader downloads a stream from one known peer, skipping
// discovery and the connection pool entirely. Useful when the peer is a
// reflector or otherwise already known to have every chunk.
type SinglePeerDownloader struct {
	cfg       Config
	store     ChunkStore
	peer      Peer
	assembler Assembler
	logger    log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopping chansync.SetOnce
	finished chansync.SetOnce
	driveErr error
}

func NewSinglePeer(cfg *Config, store ChunkStore, peer Peer, assembler Assembler) *SinglePeerDownloader {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &SinglePeerDownloader{
		cfg:       *cfg,
		store:     store,
		peer:      peer,
		assembler: assembler,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// GetChunk asks the bound peer directly for anything not already verified.
// Unlike the pooled downloader, request failures surface to the caller: with
// one peer there's nobody else to race.
func (d *SinglePeerDownloader) GetChunk(ctx context.Context, ref ChunkRef) (ChunkHandle, error) {
	h := d.store.GetOrCreate(ref)
	if h.Verified() {
		chunkCacheHits.Add(1)
		return h, nil
	}
	chunkRequests.Add(1)
	err := d.peer.Request(ctx, []ChunkRef{ref}, d.cfg.RequestTimeout, d.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("requesting %v from %v: %w", ref, d.peer.Addr(), err)
	}
	select {
	case <-h.FinishedWriting():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopping.Done():
		return nil, ErrStopped
	}
	if !h.Verified() {
		return nil, fmt.Errorf("chunk %v from %v failed verification", ref, d.peer.Addr())
	}
	return h, nil
}

func (d *SinglePeerDownloader) Start(onFinished func()) {
	go func() {
		defer d.finished.Set()
		defer d.Stop()
		err := d.assembler.Assemble(d.ctx, d, d.cfg.OutputDir, d.cfg.OutputFileName)
		if err != nil {
			if d.ctx.Err() == nil {
				d.logger.Levelf(log.Error, "error assembling stream: %v", err)
			}
			d.driveErr = err
			return
		}
		d.logger.Levelf(log.Info, "downloaded stream -> %v", filepath.Join(d.cfg.OutputDir, d.cfg.OutputFileName))
		if onFinished != nil {
			onFinished()
		}
	}()
}

func (d *SinglePeerDownloader) Stop() {
	if !d.stopping.Set() {
		return
	}
	d.cancel()
	d.peer.Disconnect()
}

func (d *SinglePeerDownloader) Finished() events.Done {
	return d.finished.Done()
}

func (d *SinglePeerDownloader) Err() error {
	select {
	case <-d.finished.Done():
		return d.driveErr
	default:
		return nil
	}
}
