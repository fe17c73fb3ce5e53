package chunkstore

import (
	"fmt"
	"hash"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/swarmdl"
)

// Memory holds chunks in process memory. Suitable for tests and for
// streaming consumers that don't want anything on disk.
type Memory struct {
	mu      sync.Mutex
	newHash func() hash.Hash
	chunks  map[string]*memChunk
}

type memChunk struct {
	hash string
	data []byte
	// Set on the transition to verified. Doubles as the finished-writing
	// signal.
	verified chansync.SetOnce
}

func NewMemory() *Memory {
	return &Memory{
		newHash: NewDefaultHash,
		chunks:  make(map[string]*memChunk),
	}
}

// NewMemoryWithHash uses newHash to address and verify chunks instead of the
// default SHA-384.
func NewMemoryWithHash(newHash func() hash.Hash) *Memory {
	ret := NewMemory()
	ret.newHash = newHash
	return ret
}

func (me *Memory) GetOrCreate(ref swarmdl.ChunkRef) swarmdl.ChunkHandle {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.getOrCreateLocked(ref.Hash)
}

func (me *Memory) getOrCreateLocked(hash_ string) *memChunk {
	c, ok := me.chunks[hash_]
	if !ok {
		c = &memChunk{hash: hash_}
		me.chunks[hash_] = c
	}
	return c
}

// Deliver hands the store bytes received for a chunk. Bytes that don't match
// the chunk's content hash are rejected without changing the chunk's state.
// Deliveries for an already-verified chunk are discarded silently: losing a
// peer race isn't an error.
func (me *Memory) Deliver(hash_ string, b []byte) error {
	me.mu.Lock()
	c := me.getOrCreateLocked(hash_)
	me.mu.Unlock()
	if c.verified.IsSet() {
		return nil
	}
	if err := checkContent(me.newHash, hash_, b); err != nil {
		return err
	}
	me.mu.Lock()
	if !c.verified.IsSet() {
		c.data = append([]byte(nil), b...)
	}
	me.mu.Unlock()
	c.verified.Set()
	return nil
}

// ReadChunk returns a verified chunk's bytes.
func (me *Memory) ReadChunk(hash_ string) ([]byte, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	c, ok := me.chunks[hash_]
	if !ok || !c.verified.IsSet() {
		return nil, fmt.Errorf("chunk %v not verified in store", hash_)
	}
	return c.data, nil
}

func (me *memChunk) Hash() string { return me.hash }

func (me *memChunk) Verified() bool { return me.verified.IsSet() }

func (me *memChunk) FinishedWriting() events.Done { return me.verified.Done() }

var _ swarmdl.ChunkStore = (*Memory)(nil)
