// Package assemble turns verified chunks back into files. A stream is
// described by a descriptor chunk, itself content-addressed, naming the data
// chunks in order; the stream's hash is the descriptor chunk's hash.
package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/swarmdl"
)

type DescriptorChunk struct {
	Hash   string `json:"hash"`
	Length int64  `json:"length"`
}

// Descriptor is the JSON content of a stream's descriptor chunk.
type Descriptor struct {
	Name   string            `json:"name"`
	Chunks []DescriptorChunk `json:"chunks"`
}

// ChunkReader reads a verified chunk's bytes. chunkstore's stores implement
// it.
type ChunkReader interface {
	ReadChunk(hash string) ([]byte, error)
}

// Assembler pulls a stream's chunks in order through a ChunkGetter and
// writes the output file. It implements swarmdl.Assembler.
type Assembler struct {
	// Hash of the stream's descriptor chunk.
	StreamHash string
	// Where acquired chunk bytes are read back from. Must be the same store
	// the session delivers into.
	Store  ChunkReader
	Logger log.Logger
}

func (me *Assembler) Assemble(ctx context.Context, src swarmdl.ChunkGetter, outputDir, outputFileName string) error {
	d, err := me.fetchDescriptor(ctx, src)
	if err != nil {
		return err
	}
	name := outputFileName
	if name == "" {
		name = d.Name
	}
	// The descriptor is remote input; don't let it name paths outside the
	// output dir.
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("stream descriptor has unusable name %q", d.Name)
	}
	if outputDir == "" {
		outputDir = "."
	}
	outputPath := filepath.Join(outputDir, name)
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var written uint64
	for _, dc := range d.Chunks {
		ref := swarmdl.ChunkRef{Hash: dc.Hash}
		ref.Length.Set(dc.Length)
		if _, err := src.GetChunk(ctx, ref); err != nil {
			return fmt.Errorf("acquiring chunk %v: %w", dc.Hash, err)
		}
		b, err := me.Store.ReadChunk(dc.Hash)
		if err != nil {
			return err
		}
		if _, err := f.Write(b); err != nil {
			return fmt.Errorf("writing %v: %w", outputPath, err)
		}
		written += uint64(len(b))
	}
	if err := f.Close(); err != nil {
		return err
	}
	me.logger().Levelf(log.Info, "assembled %v (%v, %v chunks)", outputPath, humanize.Bytes(written), len(d.Chunks))
	return nil
}

func (me *Assembler) fetchDescriptor(ctx context.Context, src swarmdl.ChunkGetter) (d Descriptor, err error) {
	if _, err = src.GetChunk(ctx, swarmdl.ChunkRef{Hash: me.StreamHash}); err != nil {
		return d, fmt.Errorf("acquiring stream descriptor: %w", err)
	}
	b, err := me.Store.ReadChunk(me.StreamHash)
	if err != nil {
		return
	}
	if err = json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("parsing stream descriptor: %w", err)
	}
	return
}

func (me *Assembler) logger() log.Logger {
	if me.Logger.IsZero() {
		return log.Default
	}
	return me.Logger
}

var _ swarmdl.Assembler = (*Assembler)(nil)
