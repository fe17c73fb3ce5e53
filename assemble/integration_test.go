package assemble

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/swarmdl"
	"github.com/anacrolix/swarmdl/chunkstore"
	"github.com/anacrolix/swarmdl/fanin"
	"github.com/anacrolix/swarmdl/peerproto"
)

// Loopback download: chunk a stream into a seed store, serve it, and pull it
// back through a full session with discovery, pool and assembly in play.
func TestDownloadStreamFromLoopbackPeer(t *testing.T) {
	content := bytes.Repeat([]byte("swarm me up\n"), 10000)
	seed := chunkstore.NewMemory()
	streamHash, err := CreateStream(seed, bytes.NewReader(content), "stream.dat", 16<<10)
	require.NoError(t, err)

	server := peerproto.NewServer(seed)
	addr, err := server.ListenAndServe("localhost:0")
	require.NoError(t, err)
	defer server.Close()

	store := chunkstore.NewMemory()
	source := new(fanin.Merger[swarmdl.Peer])
	source.Add(func(yield func(swarmdl.Peer, error) bool) {
		yield(peerproto.NewClient(addr.String(), store), nil)
	})

	dir := t.TempDir()
	cfg := swarmdl.NewDefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.ConnectTimeout = time.Second
	cfg.OutputDir = dir
	d := swarmdl.New(cfg, store, source, &Assembler{StreamHash: streamHash, Store: store})
	finished := make(chan struct{})
	d.Start(func() { close(finished) })
	defer d.Stop()

	select {
	case <-d.Finished():
	case <-time.After(30 * time.Second):
		t.Fatal("download didn't finish")
	}
	require.NoError(t, d.Err())
	select {
	case <-finished:
	default:
		t.Fatal("finished callback not invoked")
	}

	got, err := os.ReadFile(filepath.Join(dir, "stream.dat"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
