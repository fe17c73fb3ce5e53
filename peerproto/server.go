package peerproto

import (
	"bufio"
	"errors"
	"net"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
)

// ChunkSource is where a Server gets the chunks it seeds. chunkstore's
// stores implement it.
type ChunkSource interface {
	ReadChunk(hash string) ([]byte, error)
}

// Server seeds chunks to remote downloaders. A connection may issue any
// number of requests; unknown hashes get per-chunk error responses rather
// than killing the connection.
type Server struct {
	source ChunkSource
	logger log.Logger

	mu     sync.Mutex
	closed chansync.SetOnce
	l      net.Listener
	conns  map[net.Conn]struct{}
}

func NewServer(source ChunkSource) *Server {
	return &Server{
		source: source,
		logger: log.Default,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (me *Server) SetLogger(logger log.Logger) *Server {
	me.logger = logger
	return me
}

// Serve accepts on l until Close. Returns nil after Close, otherwise the
// accept error.
func (me *Server) Serve(l net.Listener) error {
	me.mu.Lock()
	me.l = l
	me.mu.Unlock()
	for {
		conn, err := l.Accept()
		if err != nil {
			if me.closed.IsSet() {
				return nil
			}
			return err
		}
		me.mu.Lock()
		if me.closed.IsSet() {
			me.mu.Unlock()
			conn.Close()
			return nil
		}
		me.conns[conn] = struct{}{}
		me.mu.Unlock()
		go me.handle(conn)
	}
}

// ListenAndServe listens on addr and serves in a new goroutine, returning
// the bound address (useful with ":0").
func (me *Server) ListenAndServe(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go me.Serve(l)
	return l.Addr(), nil
}

func (me *Server) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		me.mu.Lock()
		delete(me.conns, conn)
		me.mu.Unlock()
	}()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	for {
		var req chunkRequest
		if err := readMsg(br, &req); err != nil {
			if !errors.Is(err, net.ErrClosed) && !me.closed.IsSet() {
				me.logger.Levelf(log.Debug, "dropping conn from %v: %v", conn.RemoteAddr(), err)
			}
			return
		}
		for _, hash := range req.RequestedChunks {
			if err := me.respond(bw, hash); err != nil {
				me.logger.Levelf(log.Debug, "error responding to %v: %v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (me *Server) respond(bw *bufio.Writer, hash string) error {
	b, err := me.source.ReadChunk(hash)
	if err != nil {
		return writeMsg(bw, chunkResponse{Hash: hash, Error: "chunk not available"})
	}
	if err := writeMsg(bw, chunkResponse{Hash: hash, Length: int64(len(b))}); err != nil {
		return err
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.Flush()
}

// Close stops accepting and drops every open connection. Idempotent.
func (me *Server) Close() {
	if !me.closed.Set() {
		return
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.l != nil {
		me.l.Close()
	}
	for conn := range me.conns {
		conn.Close()
	}
}
