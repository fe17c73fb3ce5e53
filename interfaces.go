package swarmdl

import (
	"context"
	"time"

	"github.com/anacrolix/chansync/events"
	g "github.com/anacrolix/generics"
)

// ChunkRef identifies a chunk of a stream by its content hash, with the
// chunk's length if it's known ahead of time. Two refs with the same hash
// denote the same chunk.
type ChunkRef struct {
	// Hex-encoded content hash.
	Hash   string
	Length g.Option[int64]
}

func (me ChunkRef) String() string {
	return me.Hash
}

// ChunkHandle is the store's bookkeeping for a single chunk. The downloader
// only ever reads verification state and waits on FinishedWriting; chunk
// bytes are written by whichever peer response the store accepts first.
type ChunkHandle interface {
	Hash() string
	// Whether the chunk's bytes are present and match its hash.
	Verified() bool
	// Closed when the chunk transitions into a terminal state, verified or
	// failed. Fires at most once per handle.
	FinishedWriting() events.Done
}

// ChunkStore tracks chunk verification state and persists chunk bytes once
// fetched. Implementations must discard deliveries for already-verified
// chunks. See the chunkstore package.
type ChunkStore interface {
	GetOrCreate(ref ChunkRef) ChunkHandle
}

// Peer is a remote endpoint that may hold chunks of the target stream. The
// downloader doesn't own a peer's lifecycle beyond pool membership and
// disconnecting it on teardown.
type Peer interface {
	// The peer's identity, typically host:port.
	Addr() string
	Connect(ctx context.Context, requestTimeout, connectTimeout time.Duration) error
	// Request the given chunks, delivering any received bytes to the chunk
	// store. Timeout failures must satisfy errors.Is against
	// context.DeadlineExceeded or os.ErrDeadlineExceeded, or implement
	// net.Error with Timeout() true.
	Request(ctx context.Context, chunks []ChunkRef, requestTimeout, connectTimeout time.Duration) error
	Disconnect()
}

// PeerSource is an asynchronous, possibly-infinite sequence of candidate
// peers believed to hold the target stream. fanin.Merger[Peer] satisfies
// this, as does dhtfeed.Finder.
type PeerSource interface {
	// Blocks until a candidate is available. Returns false when the source is
	// exhausted or stopped, or ctx is done.
	Next(ctx context.Context) (Peer, bool)
	Stop()
}

// ChunkGetter is the chunk-acquisition contract consumed by assemblers.
type ChunkGetter interface {
	GetChunk(ctx context.Context, ref ChunkRef) (ChunkHandle, error)
}

// Assembler pulls chunks one at a time, in stream order, and writes the
// assembled output file. Its I/O failures propagate out of the session's
// driving goroutine.
type Assembler interface {
	Assemble(ctx context.Context, src ChunkGetter, outputDir, outputFileName string) error
}
