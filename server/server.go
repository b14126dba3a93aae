// Package server exposes an Engine over internal/rpc sockets: a primary
// listener that clients dial for reads and writes, and a set of additional
// RPC listeners bound on demand as endpoints are written under
// /apteryx/sockets/<guid>.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/apteryxdb/apteryx"
	"github.com/apteryxdb/apteryx/internal/rpc"
)

// Server serves an *apteryx.Engine's operations over internal/rpc
// connections, and satisfies apteryx.SocketHandler for listener
// bind/release requests coming from the Configuration Subtree.
type Server struct {
	engine *apteryx.Engine
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// New returns a Server with no engine attached yet. Its Handle method
// satisfies apteryx.SocketHandler and can be passed to
// apteryx.WithSocketHandler before the engine it will eventually wrap
// exists — Attach closes that loop once apteryx.New returns.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:    logger,
		listeners: make(map[string]net.Listener),
	}
}

// Attach binds engine to the server. Must be called once, after engine has
// been constructed with apteryx.WithSocketHandler(srv.Handle), and before
// ListenAndServe or Handle are used.
func (s *Server) Attach(engine *apteryx.Engine) {
	s.engine = engine
}

// ListenAndServe binds the primary RPC listener at endpoint (a
// unix://... or tcp://host:port URI, per apteryx.ParseEndpoint) and serves
// connections until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, endpoint string) error {
	network, address, err := apteryx.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled or the listener
// fails, spawning one goroutine per connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("apteryx: accept failed", "err", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Handle implements apteryx.SocketHandler: bind opens (or release closes) an
// additional RPC listener for guid at endpoint, served like the primary one.
func (s *Server) Handle(guid, endpoint string, bind bool) error {
	if !bind {
		s.mu.Lock()
		ln, ok := s.listeners[guid]
		delete(s.listeners, guid)
		s.mu.Unlock()
		if ok {
			return ln.Close()
		}
		return nil
	}

	network, address, err := apteryx.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.listeners[guid]; ok {
		_ = old.Close()
	}
	s.listeners[guid] = ln
	s.mu.Unlock()

	go func() { _ = s.Serve(context.Background(), ln) }()
	return nil
}

// Close releases every additional listener bound via Handle.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for guid, ln := range s.listeners {
		_ = ln.Close()
		delete(s.listeners, guid)
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	ctx := context.Background()
	for {
		req, err := rpc.ReadFrame(conn)
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, req)
		if err := rpc.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *rpc.Message) *rpc.Message {
	switch req.Op {
	case rpc.OpGet:
		value, ts, err := s.engine.Get(ctx, req.Path)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Value: value, Ts: ts}

	case rpc.OpSet:
		err := s.engine.Set(ctx, req.Path, req.Value)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err)}

	case rpc.OpSetWait:
		err := s.engine.SetWait(ctx, req.Path, req.Value)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err)}

	case rpc.OpSetTree:
		err := s.engine.SetTree(ctx, req.Path, snapshotFromLeaves(req.Path, req.Leaves))
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err)}

	case rpc.OpCas:
		err := s.engine.Cas(ctx, req.Path, req.Expect, req.Value)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err)}

	case rpc.OpCasTree:
		err := s.engine.CasTree(ctx, req.Path, req.Expect, snapshotFromLeaves(req.Path, req.Leaves))
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err)}

	case rpc.OpPrune:
		err := s.engine.Prune(ctx, req.Path)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err)}

	case rpc.OpSearch:
		children, err := s.engine.Search(ctx, req.Path)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Paths: children}

	case rpc.OpTraverse:
		snap, err := s.engine.Traverse(ctx, req.Path)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Leaves: leavesFromSnapshot(snap, req.Path)}

	case rpc.OpQuery:
		snap, err := s.engine.Query(ctx, req.Path, snapshotFromLeaves(req.Path, req.Leaves))
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Leaves: leavesFromSnapshot(snap, req.Path)}

	case rpc.OpFind:
		paths, err := s.engine.Find(ctx, req.Path, req.Value)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Paths: paths}

	case rpc.OpFindTree:
		paths, err := s.engine.FindTree(ctx, req.Path, templateFromLeaves(req.Leaves))
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Paths: paths}

	case rpc.OpTimestamp:
		ts, err := s.engine.Timestamp(ctx, req.Path)
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(err), Ts: ts}

	default:
		return &rpc.Message{Op: req.Op, Status: apteryx.StatusCode(apteryx.ErrInvalid)}
	}
}

func snapshotFromLeaves(base string, leaves []rpc.Leaf) *apteryx.Snapshot {
	apLeaves := make([]apteryx.Leaf, len(leaves))
	for i, l := range leaves {
		apLeaves[i] = apteryx.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts}
	}
	return apteryx.SnapshotFromLeaves(base, apLeaves)
}

// templateFromLeaves rebuilds a find_tree constraint template from its
// wire leaves, whose paths are relative to the (wildcarded) base pattern
// and therefore rooted at "/".
func templateFromLeaves(leaves []rpc.Leaf) *apteryx.Snapshot {
	apLeaves := make([]apteryx.Leaf, len(leaves))
	for i, l := range leaves {
		apLeaves[i] = apteryx.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts}
	}
	return apteryx.SnapshotFromLeaves("/", apLeaves)
}

func leavesFromSnapshot(snap *apteryx.Snapshot, base string) []rpc.Leaf {
	if snap == nil {
		return nil
	}
	apLeaves := snap.Flatten(base)
	out := make([]rpc.Leaf, len(apLeaves))
	for i, l := range apLeaves {
		out[i] = rpc.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts}
	}
	return out
}
