package chunkstore

import (
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/sync"
	"go.etcd.io/bbolt"

	"github.com/anacrolix/swarmdl"
)

var verifiedBucket = []byte("verified")

// Dir persists chunks as files named by their hash under a data directory,
// with the verified set indexed in a bbolt DB so reopening the store doesn't
// rehash every chunk on disk.
type Dir struct {
	dir     string
	db      *bbolt.DB
	newHash func() hash.Hash

	mu sync.Mutex
	// Live handles, so everyone waiting on a chunk shares one signal.
	chunks map[string]*dirChunk
}

type dirChunk struct {
	hash     string
	verified chansync.SetOnce
}

func OpenDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, "chunks.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening chunk index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(verifiedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Dir{
		dir:     dir,
		db:      db,
		newHash: NewDefaultHash,
		chunks:  make(map[string]*dirChunk),
	}, nil
}

func (me *Dir) Close() error {
	return me.db.Close()
}

func (me *Dir) chunkPath(hash_ string) string {
	return filepath.Join(me.dir, hash_)
}

func (me *Dir) indexed(hash_ string) (ret bool) {
	me.db.View(func(tx *bbolt.Tx) error {
		ret = tx.Bucket(verifiedBucket).Get([]byte(hash_)) != nil
		return nil
	})
	return
}

func (me *Dir) GetOrCreate(ref swarmdl.ChunkRef) swarmdl.ChunkHandle {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.getOrCreateLocked(ref.Hash)
}

func (me *Dir) getOrCreateLocked(hash_ string) *dirChunk {
	c, ok := me.chunks[hash_]
	if !ok {
		c = &dirChunk{hash: hash_}
		if me.indexed(hash_) {
			c.verified.Set()
		}
		me.chunks[hash_] = c
	}
	return c
}

// Deliver verifies b against hash_, writes it to disk, and marks the chunk
// verified in the index. Late duplicates for verified chunks are discarded.
func (me *Dir) Deliver(hash_ string, b []byte) error {
	me.mu.Lock()
	c := me.getOrCreateLocked(hash_)
	me.mu.Unlock()
	if c.verified.IsSet() {
		return nil
	}
	if err := checkContent(me.newHash, hash_, b); err != nil {
		return err
	}
	// Write-then-rename so a crash can't leave a truncated chunk under a
	// name the index might later claim is verified.
	tmp := me.chunkPath(hash_) + ".partial"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, me.chunkPath(hash_)); err != nil {
		return err
	}
	err := me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(verifiedBucket).Put([]byte(hash_), []byte{1})
	})
	if err != nil {
		return fmt.Errorf("indexing chunk %v: %w", hash_, err)
	}
	c.verified.Set()
	return nil
}

func (me *Dir) ReadChunk(hash_ string) ([]byte, error) {
	me.mu.Lock()
	c := me.getOrCreateLocked(hash_)
	me.mu.Unlock()
	if !c.verified.IsSet() {
		return nil, fmt.Errorf("chunk %v not verified in store", hash_)
	}
	return os.ReadFile(me.chunkPath(hash_))
}

func (me *dirChunk) Hash() string { return me.hash }

func (me *dirChunk) Verified() bool { return me.verified.IsSet() }

func (me *dirChunk) FinishedWriting() events.Done { return me.verified.Done() }

var _ swarmdl.ChunkStore = (*Dir)(nil)
