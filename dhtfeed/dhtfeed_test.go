package dhtfeed

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/swarmdl"
)

type fakeAnnounce struct {
	peers  chan dht.PeersValues
	closed chansync.SetOnce
}

func (me *fakeAnnounce) Close() { me.closed.Set() }

func (me *fakeAnnounce) Peers() <-chan dht.PeersValues { return me.peers }

type fakeServer struct {
	ann *fakeAnnounce
}

func (me *fakeServer) Announce(target [20]byte, port int, impliedPort bool) (Announce, error) {
	return me.ann, nil
}

type addrPeer string

func (me addrPeer) Addr() string { return string(me) }
func (me addrPeer) Connect(context.Context, time.Duration, time.Duration) error {
	return nil
}
func (me addrPeer) Request(context.Context, []swarmdl.ChunkRef, time.Duration, time.Duration) error {
	return nil
}
func (me addrPeer) Disconnect() {}

func newAddrPeer(addr string) swarmdl.Peer { return addrPeer(addr) }

func TestFinderSurfacesAnnouncedPeers(t *testing.T) {
	ann := &fakeAnnounce{peers: make(chan dht.PeersValues, 4)}
	f, err := Find(&fakeServer{ann}, [20]byte{}, newAddrPeer, log.Default)
	require.NoError(t, err)
	defer f.Stop()

	ann.peers <- dht.PeersValues{Peers: []dht.Peer{
		{IP: net.IPv4(10, 0, 0, 1), Port: 3333},
		{IP: net.IPv4(10, 0, 0, 1), Port: 0}, // unusable, dropped
		{IP: net.IPv4(10, 0, 0, 2), Port: 3333},
		{IP: net.IPv4(10, 0, 0, 1), Port: 3333}, // duplicate, dropped
	}}
	close(ann.peers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var addrs []string
	for {
		p, ok := f.Next(ctx)
		if !ok {
			break
		}
		addrs = append(addrs, p.Addr())
	}
	require.NoError(t, ctx.Err())
	assert.Equal(t, []string{"10.0.0.1:3333", "10.0.0.2:3333"}, addrs)
}

func TestStopClosesAnnounce(t *testing.T) {
	ann := &fakeAnnounce{peers: make(chan dht.PeersValues)}
	f, err := Find(&fakeServer{ann}, [20]byte{}, newAddrPeer, log.Default)
	require.NoError(t, err)
	f.Stop()
	f.Stop()
	assert.True(t, ann.closed.IsSet())
	_, ok := f.Next(context.Background())
	assert.False(t, ok)
}

func TestTarget(t *testing.T) {
	_, err := Target("zz")
	assert.Error(t, err)
	_, err = Target("beef")
	assert.Error(t, err)
	target, err := Target("000102030405060708090a0b0c0d0e0f10111213deadbeef")
	require.NoError(t, err)
	assert.EqualValues(t, 0x13, target[19])
}
