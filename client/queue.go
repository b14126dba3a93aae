package client

import (
	"context"
	"sync"

	"github.com/apteryxdb/apteryx"
	"github.com/apteryxdb/apteryx/internal/rpc"
)

// Invocation is one queued callback delivery awaiting a single-threaded
// drain: a watcher, validator, refresher, provider or indexer invocation
// that arrived on the client's delivery socket instead of being dispatched
// to its own goroutine. Leaves is populated only for watch-tree
// deliveries.
type Invocation struct {
	Path   string
	Value  []byte
	Ts     int64
	Leaves []apteryx.Leaf

	reply func(result apteryx.CallbackResult)
}

// Reply completes the invocation, sending result back to the server that
// delivered it. Must be called exactly once, from the application's drain
// loop, before the next Drain call.
func (inv *Invocation) Reply(result apteryx.CallbackResult) {
	inv.reply(result)
}

// CallbackQueue is a bounded channel backed by a mutex-guarded overflow
// slice, absorbing a server that delivers faster than the application
// drains. Pushes never block (protecting the delivering connection from a
// slow application); newly arriving invocations spill into the overflow
// slice once the channel is full, and stay routed there for as long as the
// overflow holds anything. That keeps every item in the channel older than
// every item in overflow, so draining the channel first preserves arrival
// order — without the overflow-first routing, a push after a partial drain
// could slip into the emptied channel ahead of older spilled invocations.
type CallbackQueue struct {
	buf chan *Invocation

	mu       sync.Mutex
	overflow []*Invocation
}

// NewCallbackQueue returns an empty queue with the given channel capacity.
func NewCallbackQueue(capacity int) *CallbackQueue {
	return &CallbackQueue{buf: make(chan *Invocation, capacity)}
}

func (q *CallbackQueue) push(inv *Invocation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		select {
		case q.buf <- inv:
			return
		default:
		}
	}
	q.overflow = append(q.overflow, inv)
}

// Drain blocks until an invocation is available or ctx is done.
func (q *CallbackQueue) Drain(ctx context.Context) (*Invocation, error) {
	if inv, ok := q.tryDequeue(); ok {
		return inv, nil
	}
	select {
	case inv := <-q.buf:
		return inv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *CallbackQueue) tryDequeue() (*Invocation, bool) {
	select {
	case inv := <-q.buf:
		return inv, true
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		return nil, false
	}
	inv := q.overflow[0]
	q.overflow = q.overflow[1:]
	return inv, true
}

func newInvocation(req *rpc.Message, reply func(result apteryx.CallbackResult)) *Invocation {
	inv := &Invocation{Path: req.Path, Value: req.Value, Ts: req.Ts, reply: reply}
	for _, l := range req.Leaves {
		inv.Leaves = append(inv.Leaves, apteryx.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts})
	}
	return inv
}
