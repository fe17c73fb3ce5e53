// Package peerproto implements swarmdl's chunk exchange over TCP: a
// newline-delimited JSON request naming the wanted chunk hashes, answered
// with one JSON header plus raw chunk bytes per hash. Client is a
// swarmdl.Peer; Server seeds chunks from a store.
package peerproto

import (
	"bufio"
	"encoding/json"
	"fmt"
)

type chunkRequest struct {
	RequestedChunks []string `json:"requested_chunks"`
}

type chunkResponse struct {
	Hash   string `json:"hash"`
	Length int64  `json:"length,omitempty"`
	// Set when the responder doesn't have the chunk. No bytes follow.
	Error string `json:"error,omitempty"`
}

func writeMsg(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

func readMsg(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decoding message %q: %w", line, err)
	}
	return nil
}

// Chunks sent by the protocol can't exceed this; it matches
// chunkstore.MaxChunkSize but is enforced independently so a hostile
// responder can't make us allocate arbitrarily.
const maxChunkLength = 2 << 20
