package peerproto

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	"github.com/anacrolix/swarmdl"
)

// Deliverer receives chunk bytes fetched from peers. chunkstore's stores
// implement it; verification is theirs, the client just ferries bytes.
type Deliverer interface {
	Deliver(hash string, b []byte) error
}

// Client speaks the chunk exchange protocol to one remote peer. It
// implements swarmdl.Peer. The zero value isn't usable; see NewClient.
type Client struct {
	addr  string
	store Deliverer
	// Optional limit on chunk bytes read off the wire. Shared between
	// clients to cap a whole session's download rate.
	limiter *rate.Limiter
	logger  log.Logger

	// Serializes exchanges: the protocol has no request IDs, so only one
	// request may be in flight per connection. Held across network I/O.
	reqMu sync.Mutex
	// Guards the connection fields only, so Disconnect never has to wait out
	// an in-flight exchange.
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

func NewClient(addr string, store Deliverer) *Client {
	return &Client{
		addr:   addr,
		store:  store,
		logger: log.Default,
	}
}

func (me *Client) SetLogger(logger log.Logger) *Client {
	me.logger = logger
	return me
}

func (me *Client) SetRateLimiter(l *rate.Limiter) *Client {
	me.limiter = l
	return me
}

func (me *Client) Addr() string { return me.addr }

// Connect dials the peer if there's no live connection. The request timeout
// is accepted alongside the connect timeout so callers can hand over their
// whole per-peer budget, but only the connect timeout applies here.
func (me *Client) Connect(ctx context.Context, requestTimeout, connectTimeout time.Duration) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.connectLocked(ctx, connectTimeout)
}

func (me *Client) connectLocked(ctx context.Context, connectTimeout time.Duration) error {
	if me.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", me.addr)
	if err != nil {
		return fmt.Errorf("dialing %v: %w", me.addr, err)
	}
	me.conn = conn
	var r io.Reader = conn
	if me.limiter != nil {
		r = &rateLimitedReader{l: me.limiter, r: r}
	}
	me.br = bufio.NewReader(r)
	return nil
}

// Request fetches the given chunks in one exchange, delivering each received
// chunk's bytes to the store. A response naming a chunk that wasn't
// requested, or disagreeing with a known chunk length, fails the exchange
// before any of its bytes are read. The request timeout bounds the entire
// exchange via a connection deadline, so a stalled peer fails with a timeout
// error and not a hang. The connection is dropped on any failure; a later
// Request redials.
func (me *Client) Request(ctx context.Context, chunks []swarmdl.ChunkRef, requestTimeout, connectTimeout time.Duration) error {
	me.reqMu.Lock()
	defer me.reqMu.Unlock()
	me.mu.Lock()
	err := me.connectLocked(ctx, connectTimeout)
	conn, br := me.conn, me.br
	me.mu.Unlock()
	if err != nil {
		return err
	}
	abort := make(chan struct{})
	defer close(abort)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-abort:
		}
	}()
	err = me.exchange(conn, br, chunks, requestTimeout)
	if err != nil {
		me.mu.Lock()
		if me.conn == conn {
			me.dropConnLocked()
		}
		me.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (me *Client) exchange(conn net.Conn, br *bufio.Reader, chunks []swarmdl.ChunkRef, requestTimeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})
	req := chunkRequest{}
	// Responses may only name hashes we asked for, once each. The peer is
	// untrusted; anything it volunteers beyond that kills the exchange.
	want := make(map[string]swarmdl.ChunkRef, len(chunks))
	for _, c := range chunks {
		req.RequestedChunks = append(req.RequestedChunks, c.Hash)
		want[c.Hash] = c
	}
	bw := bufio.NewWriter(conn)
	if err := writeMsg(bw, req); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	for range chunks {
		var resp chunkResponse
		if err := readMsg(br, &resp); err != nil {
			return fmt.Errorf("reading response header: %w", err)
		}
		ref, ok := want[resp.Hash]
		if !ok {
			return fmt.Errorf("response for unrequested chunk %v", resp.Hash)
		}
		delete(want, resp.Hash)
		if resp.Error != "" {
			return fmt.Errorf("peer error for %v: %v", resp.Hash, resp.Error)
		}
		if resp.Length < 0 || resp.Length > maxChunkLength {
			return fmt.Errorf("bad chunk length %v for %v", resp.Length, resp.Hash)
		}
		if ref.Length.Ok && resp.Length != ref.Length.Value {
			return fmt.Errorf("peer reports length %v for %v, expected %v", resp.Length, resp.Hash, ref.Length.Value)
		}
		b := make([]byte, resp.Length)
		if _, err := io.ReadFull(br, b); err != nil {
			return fmt.Errorf("reading chunk %v: %w", resp.Hash, err)
		}
		if err := me.store.Deliver(resp.Hash, b); err != nil {
			return fmt.Errorf("delivering chunk %v: %w", resp.Hash, err)
		}
	}
	return nil
}

func (me *Client) dropConnLocked() {
	if me.conn != nil {
		me.conn.Close()
		me.conn = nil
		me.br = nil
	}
}

// Disconnect closes any live connection. Idempotent. The client can be
// reconnected afterwards.
func (me *Client) Disconnect() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.dropConnLocked()
}

var _ swarmdl.Peer = (*Client)(nil)

type rateLimitedReader struct {
	l *rate.Limiter
	r io.Reader
}

func (me *rateLimitedReader) Read(b []byte) (n int, err error) {
	if me.l.Burst() != 0 {
		b = b[:min(len(b), me.l.Burst())]
	}
	t := time.Now()
	n, err = me.r.Read(b)
	r := me.l.ReserveN(t, n)
	panicif.False(r.OK())
	time.Sleep(r.DelayFrom(t))
	return
}
