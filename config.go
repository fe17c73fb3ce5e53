package swarmdl

import (
	"time"

	"github.com/anacrolix/log"
)

// Per-session configuration. Probably not safe to modify after it's given to
// a Downloader. All timeouts apply per peer operation; there is deliberately
// no overall deadline on a session or on acquiring a single chunk (see
// Downloader.GetChunk).
type Config struct {
	// Budget for a single chunk request to one peer. A peer that exceeds it
	// is evicted from the connection pool.
	RequestTimeout time.Duration
	// Budget for establishing a connection to a discovered peer.
	ConnectTimeout time.Duration
	// Where the assembler writes the output file.
	OutputDir string
	// Output filename. Empty lets the assembler pick one from the stream
	// descriptor.
	OutputFileName string

	Logger log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 3 * time.Second,
		Logger:         log.Default,
	}
}

func (cfg *Config) setDefaults() {
	def := NewDefaultConfig()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = def.Logger
	}
}
