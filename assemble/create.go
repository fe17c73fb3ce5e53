package assemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/anacrolix/swarmdl/chunkstore"
)

// Deliverer accepts chunk bytes keyed by their digest. chunkstore's stores
// implement it.
type Deliverer interface {
	Deliver(hash string, b []byte) error
}

const DefaultChunkSize = 1 << 20

// CreateStream chunks r into store and writes a descriptor chunk for it,
// returning the stream hash a downloader would use to fetch it back. name is
// recorded in the descriptor as the suggested output filename.
func CreateStream(store Deliverer, r io.Reader, name string, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > chunkstore.MaxChunkSize {
		return "", fmt.Errorf("chunk size %v exceeds maximum %v", chunkSize, chunkstore.MaxChunkSize)
	}
	d := Descriptor{Name: name}
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			b := buf[:n]
			hash := chunkstore.Digest(b)
			if err := store.Deliver(hash, b); err != nil {
				return "", fmt.Errorf("storing chunk %v: %w", hash, err)
			}
			d.Chunks = append(d.Chunks, DescriptorChunk{Hash: hash, Length: int64(n)})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	streamHash := chunkstore.Digest(b)
	if err := store.Deliver(streamHash, b); err != nil {
		return "", fmt.Errorf("storing stream descriptor: %w", err)
	}
	return streamHash, nil
}
