// Package chunkstore provides chunk stores for swarmdl sessions: tracking
// per-chunk verification state, accepting chunk bytes from whichever peer
// responds first, and discarding late duplicates. Chunks are keyed by the
// hex digest of their content, SHA-384 by default.
package chunkstore

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// The stream descriptor chunk counts against this too.
const MaxChunkSize = 2 << 20

// NewDefaultHash returns the hash chunks are addressed by unless a store is
// configured otherwise.
func NewDefaultHash() hash.Hash {
	return sha512.New384()
}

// Digest returns the default-hash hex digest b would be addressed by.
func Digest(b []byte) string {
	return digest(NewDefaultHash, b)
}

func digest(newHash func() hash.Hash, b []byte) string {
	h := newHash()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// Checks b against the chunk hash it was requested under.
func checkContent(newHash func() hash.Hash, hash_ string, b []byte) error {
	if len(b) > MaxChunkSize {
		return fmt.Errorf("chunk exceeds maximum size: %v > %v", len(b), MaxChunkSize)
	}
	if d := digest(newHash, b); d != hash_ {
		return fmt.Errorf("content hash mismatch: got %v, want %v", d, hash_)
	}
	return nil
}
