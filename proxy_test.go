package apteryx

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apteryxdb/apteryx/internal/rpc"
)

// startStubRemote runs a minimal remote engine endpoint that answers every
// frame with handler's response.
func startStubRemote(t *testing.T, handler func(*rpc.Message) *rpc.Message) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					req, err := rpc.ReadFrame(conn)
					if err != nil {
						return
					}
					if err := rpc.WriteFrame(conn, handler(req)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func TestProxyGetForwardsToRemote(t *testing.T) {
	endpoint := startStubRemote(t, func(req *rpc.Message) *rpc.Message {
		return &rpc.Message{Op: req.Op, Value: []byte("remote"), Ts: 42}
	})

	e := New()
	defer e.Close()
	require.NoError(t, e.callbacks.Upsert(KindProxy, "p1", "/r/*", endpoint))

	value, ts, err := e.Get(context.Background(), "/r/x")
	require.NoError(t, err)
	require.Equal(t, []byte("remote"), value)
	require.Equal(t, int64(42), ts)
}

func TestProxyStoredValueBeatsRemote(t *testing.T) {
	endpoint := startStubRemote(t, func(req *rpc.Message) *rpc.Message {
		return &rpc.Message{Op: req.Op, Value: []byte("remote")}
	})

	e := New()
	defer e.Close()
	ctx := context.Background()
	require.NoError(t, e.callbacks.Upsert(KindProxy, "p1", "/r/*", endpoint))

	_, err := e.tree.Set("/r/x", []byte("local"))
	require.NoError(t, err)

	value, _, err := e.Get(ctx, "/r/x")
	require.NoError(t, err)
	require.Equal(t, []byte("local"), value)
}

func TestProxyRemoteAbsentIsAbsent(t *testing.T) {
	endpoint := startStubRemote(t, func(req *rpc.Message) *rpc.Message {
		return &rpc.Message{Op: req.Op, Status: StatusCode(ErrInvalid)}
	})

	e := New()
	defer e.Close()
	require.NoError(t, e.callbacks.Upsert(KindProxy, "p1", "/r/*", endpoint))

	_, _, err := e.Get(context.Background(), "/r/x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProxyUnreachableRemoteFallsThroughToAbsent(t *testing.T) {
	e := New(WithRPCTimeout(100 * time.Millisecond))
	defer e.Close()
	require.NoError(t, e.callbacks.Upsert(KindProxy, "p1", "/r/*", "tcp://127.0.0.1:1"))

	_, _, err := e.Get(context.Background(), "/r/x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProxySetForwardsWriteAndSkipsLocalStore(t *testing.T) {
	var mu sync.Mutex
	var gotOp rpc.Op
	var gotPath string
	endpoint := startStubRemote(t, func(req *rpc.Message) *rpc.Message {
		mu.Lock()
		gotOp, gotPath = req.Op, req.Path
		mu.Unlock()
		return &rpc.Message{Op: req.Op}
	})

	e := New()
	defer e.Close()
	ctx := context.Background()
	require.NoError(t, e.callbacks.Upsert(KindProxy, "p1", "/r/*", endpoint))

	require.NoError(t, e.Set(ctx, "/r/x", []byte("v")))

	mu.Lock()
	require.Equal(t, rpc.OpSet, gotOp)
	require.Equal(t, "/r/x", gotPath)
	mu.Unlock()

	require.False(t, e.tree.Has("/r/x"))
}

func TestProxyRemoteValidatorRefusalPropagates(t *testing.T) {
	endpoint := startStubRemote(t, func(req *rpc.Message) *rpc.Message {
		return &rpc.Message{Op: req.Op, Status: StatusCode(ErrPermission)}
	})

	e := New()
	defer e.Close()
	require.NoError(t, e.callbacks.Upsert(KindProxy, "p1", "/r/*", endpoint))

	err := e.Set(context.Background(), "/r/x", []byte("v"))
	require.ErrorIs(t, err, ErrPermission)
}
