package swarmdl

import (
	"expvar"
)

// These may get attached to a Downloader someday.
var (
	chunkCacheHits      = expvar.NewInt("swarmdlChunkCacheHits")
	chunkRequests       = expvar.NewInt("swarmdlChunkRequests")
	peersAdded          = expvar.NewInt("swarmdlPeersAdded")
	peersEvicted        = expvar.NewInt("swarmdlPeersEvicted")
	peerConnectFailures = expvar.NewInt("swarmdlPeerConnectFailures")
)
