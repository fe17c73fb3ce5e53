package peerproto

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/anacrolix/swarmdl"
	"github.com/anacrolix/swarmdl/chunkstore"
)

func seededServer(t *testing.T, chunks ...[]byte) (addr net.Addr, hashes []string) {
	t.Helper()
	seed := chunkstore.NewMemory()
	for _, b := range chunks {
		hash := chunkstore.Digest(b)
		require.NoError(t, seed.Deliver(hash, b))
		hashes = append(hashes, hash)
	}
	server := NewServer(seed)
	addr, err := server.ListenAndServe("localhost:0")
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return
}

func TestClientFetchesChunks(t *testing.T) {
	b1 := []byte("first chunk")
	b2 := []byte("second chunk")
	addr, hashes := seededServer(t, b1, b2)

	store := chunkstore.NewMemory()
	client := NewClient(addr.String(), store)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background(), time.Second, time.Second))

	refs := []swarmdl.ChunkRef{{Hash: hashes[0]}, {Hash: hashes[1]}}
	require.NoError(t, client.Request(context.Background(), refs, time.Second, time.Second))

	got, err := store.ReadChunk(hashes[0])
	require.NoError(t, err)
	assert.Equal(t, b1, got)
	got, err = store.ReadChunk(hashes[1])
	require.NoError(t, err)
	assert.Equal(t, b2, got)
}

func TestRequestRedialsAfterDisconnect(t *testing.T) {
	b := []byte("reconnect me")
	addr, hashes := seededServer(t, b)

	store := chunkstore.NewMemory()
	client := NewClient(addr.String(), store)
	defer client.Disconnect()
	// No explicit Connect: Request dials on demand, like a peer handed a
	// request right out of discovery.
	require.NoError(t, client.Request(context.Background(), []swarmdl.ChunkRef{{Hash: hashes[0]}}, time.Second, time.Second))
	client.Disconnect()
	require.NoError(t, client.Request(context.Background(), []swarmdl.ChunkRef{{Hash: hashes[0]}}, time.Second, time.Second))
}

func TestUnknownChunkIsNotATimeout(t *testing.T) {
	addr, _ := seededServer(t)
	store := chunkstore.NewMemory()
	client := NewClient(addr.String(), store)
	defer client.Disconnect()

	err := client.Request(context.Background(), []swarmdl.ChunkRef{{Hash: "feed0"}}, time.Second, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)
}

// A listener whose connections are handled by the given func instead of a
// Server, for peers that don't play by the protocol.
func rawServer(t *testing.T, handle func(conn net.Conn)) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return l.Addr()
}

func TestRejectsUnrequestedChunk(t *testing.T) {
	bogus := []byte("a perfectly valid chunk nobody asked for")
	bogusHash := chunkstore.Digest(bogus)
	wantHash := chunkstore.Digest([]byte("the chunk we wanted"))
	// Answers any request with a self-consistent chunk of its own choosing.
	addr := rawServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		var req chunkRequest
		if readMsg(br, &req) != nil {
			return
		}
		bw := bufio.NewWriter(conn)
		if writeMsg(bw, chunkResponse{Hash: bogusHash, Length: int64(len(bogus))}) != nil {
			return
		}
		bw.Write(bogus)
		bw.Flush()
	})

	store := chunkstore.NewMemory()
	client := NewClient(addr.String(), store)
	defer client.Disconnect()
	err := client.Request(context.Background(), []swarmdl.ChunkRef{{Hash: wantHash}}, time.Second, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)
	// Neither the volunteered chunk nor the requested one may have landed.
	_, err = store.ReadChunk(bogusHash)
	assert.Error(t, err)
	_, err = store.ReadChunk(wantHash)
	assert.Error(t, err)
}

func TestRejectsLengthMismatch(t *testing.T) {
	b := []byte("descriptor says otherwise")
	addr, hashes := seededServer(t, b)
	store := chunkstore.NewMemory()
	client := NewClient(addr.String(), store)
	defer client.Disconnect()

	// The descriptor promised one byte more than the peer is serving.
	ref := swarmdl.ChunkRef{Hash: hashes[0]}
	ref.Length.Set(int64(len(b)) + 1)
	err := client.Request(context.Background(), []swarmdl.ChunkRef{ref}, time.Second, time.Second)
	require.Error(t, err)
	_, err = store.ReadChunk(hashes[0])
	assert.Error(t, err)

	// With the real length the same request goes through.
	ref.Length.Set(int64(len(b)))
	require.NoError(t, client.Request(context.Background(), []swarmdl.ChunkRef{ref}, time.Second, time.Second))
}

func TestRateLimitedDownload(t *testing.T) {
	b := bytes.Repeat([]byte("steady on"), 1<<10)
	addr, hashes := seededServer(t, b)
	store := chunkstore.NewMemory()
	client := NewClient(addr.String(), store).SetRateLimiter(rate.NewLimiter(64<<10, 16<<10))
	defer client.Disconnect()

	require.NoError(t, client.Request(context.Background(), []swarmdl.ChunkRef{{Hash: hashes[0]}}, 10*time.Second, time.Second))
	got, err := store.ReadChunk(hashes[0])
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestStalledServerTimesOut(t *testing.T) {
	// A listener that accepts and then says nothing.
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	store := chunkstore.NewMemory()
	client := NewClient(l.Addr().String(), store)
	defer client.Disconnect()

	started := time.Now()
	err = client.Request(context.Background(), []swarmdl.ChunkRef{{Hash: "feed0"}}, 100*time.Millisecond, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}
