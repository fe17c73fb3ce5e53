// Package dhtfeed sources peer candidates for swarmdl sessions from a DHT:
// peers announcing a stream's directory key are surfaced as they're
// discovered by an anacrolix/dht announce traversal.
package dhtfeed

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"

	"github.com/anacrolix/swarmdl"
)

// Server is the part of a DHT server the feed needs. See WrapServer for use
// with an *anacrolix/dht.Server.
type Server interface {
	Announce(target [20]byte, port int, impliedPort bool) (Announce, error)
}

type Announce interface {
	Close()
	Peers() <-chan dht.PeersValues
}

type anacrolixServerWrapper struct {
	*dht.Server
}

type anacrolixAnnounceWrapper struct {
	*dht.Announce
}

func (me anacrolixAnnounceWrapper) Peers() <-chan dht.PeersValues {
	return me.Announce.Peers
}

func (me anacrolixServerWrapper) Announce(target [20]byte, port int, impliedPort bool) (Announce, error) {
	ann, err := me.Server.Announce(target, port, impliedPort)
	return anacrolixAnnounceWrapper{ann}, err
}

func WrapServer(s *dht.Server) Server {
	return anacrolixServerWrapper{s}
}

// Target derives the 20-byte directory key peers announce a stream under:
// the leading bytes of the stream's hex content hash.
func Target(streamHash string) (ret [20]byte, err error) {
	b, err := hex.DecodeString(streamHash)
	if err != nil {
		return ret, fmt.Errorf("bad stream hash: %w", err)
	}
	if len(b) < len(ret) {
		return ret, fmt.Errorf("stream hash too short: %v bytes", len(b))
	}
	copy(ret[:], b)
	return ret, nil
}

// NewPeerFunc builds the Peer used to talk to a discovered host:port.
type NewPeerFunc func(addr string) swarmdl.Peer

// Finder adapts one announce traversal into a swarmdl.PeerSource,
// deduplicating addresses across the whole traversal.
type Finder struct {
	newPeer NewPeerFunc
	ann     Announce
	logger  log.Logger
	out     chan swarmdl.Peer
	stopped chansync.SetOnce
}

// Find starts an announce for target on s. The feed ends when the traversal
// completes or Stop is called.
func Find(s Server, target [20]byte, newPeer NewPeerFunc, logger log.Logger) (*Finder, error) {
	ann, err := s.Announce(target, 0, true)
	if err != nil {
		return nil, fmt.Errorf("starting announce: %w", err)
	}
	f := &Finder{
		newPeer: newPeer,
		ann:     ann,
		logger:  logger,
		out:     make(chan swarmdl.Peer),
	}
	go f.run()
	return f, nil
}

func (f *Finder) run() {
	defer close(f.out)
	seen := make(map[string]struct{})
	for pv := range f.ann.Peers() {
		for _, cp := range pv.Peers {
			if cp.Port == 0 {
				// Can't do anything with this.
				continue
			}
			addr := net.JoinHostPort(cp.IP.String(), strconv.Itoa(cp.Port))
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			f.logger.Levelf(log.Debug, "discovered %v", addr)
			select {
			case f.out <- f.newPeer(addr):
			case <-f.stopped.Done():
				return
			}
		}
	}
}

func (f *Finder) Next(ctx context.Context) (swarmdl.Peer, bool) {
	select {
	case p, ok := <-f.out:
		return p, ok
	case <-f.stopped.Done():
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Stop terminates discovery and the underlying announce. Idempotent.
func (f *Finder) Stop() {
	if !f.stopped.Set() {
		return
	}
	f.ann.Close()
}

var _ swarmdl.PeerSource = (*Finder)(nil)
