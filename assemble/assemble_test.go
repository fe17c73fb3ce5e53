package assemble

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/swarmdl"
	"github.com/anacrolix/swarmdl/chunkstore"
)

// ChunkGetter over a store that already has everything: every acquisition is
// a cache hit.
type localGetter struct {
	store *chunkstore.Memory
}

func (me localGetter) GetChunk(ctx context.Context, ref swarmdl.ChunkRef) (swarmdl.ChunkHandle, error) {
	return me.store.GetOrCreate(ref), nil
}

func TestCreateAndAssembleRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	store := chunkstore.NewMemory()
	streamHash, err := CreateStream(store, bytes.NewReader(content), "roundtrip.bin", 1<<10)
	require.NoError(t, err)

	d, err := (&Assembler{StreamHash: streamHash, Store: store}).fetchDescriptor(context.Background(), localGetter{store})
	require.NoError(t, err)
	assert.Equal(t, "roundtrip.bin", d.Name)
	// 16000 bytes over 1 KiB chunks.
	assert.Len(t, d.Chunks, 16)

	dir := t.TempDir()
	asm := &Assembler{StreamHash: streamHash, Store: store}
	require.NoError(t, asm.Assemble(context.Background(), localGetter{store}, dir, ""))
	got, err := os.ReadFile(filepath.Join(dir, "roundtrip.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAssembleHonorsOutputFileName(t *testing.T) {
	content := []byte("tiny stream")
	store := chunkstore.NewMemory()
	streamHash, err := CreateStream(store, bytes.NewReader(content), "suggested", 0)
	require.NoError(t, err)

	dir := t.TempDir()
	asm := &Assembler{StreamHash: streamHash, Store: store}
	require.NoError(t, asm.Assemble(context.Background(), localGetter{store}, dir, "chosen"))
	_, err = os.Stat(filepath.Join(dir, "chosen"))
	assert.NoError(t, err)
}

func TestAssembleSanitizesDescriptorName(t *testing.T) {
	content := []byte("path traversal bait")
	store := chunkstore.NewMemory()
	streamHash, err := CreateStream(store, bytes.NewReader(content), "../../escape", 0)
	require.NoError(t, err)

	dir := t.TempDir()
	asm := &Assembler{StreamHash: streamHash, Store: store}
	require.NoError(t, asm.Assemble(context.Background(), localGetter{store}, dir, ""))
	_, err = os.Stat(filepath.Join(dir, "escape"))
	assert.NoError(t, err)
}
