package apteryx

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/apteryxdb/apteryx/internal/rpc"
)

// dispatcher runs reactive callbacks against a bounded worker pool and
// coalesces concurrent refresher calls: a fixed-size pool built as a
// buffered-channel token bucket, plus singleflight so that concurrent
// readers hitting the same expired refresher share one in-flight call.
type dispatcher struct {
	tokens  chan struct{}
	group   singleflight.Group
	timeout time.Duration
}

func newDispatcher(workers int, timeout time.Duration) *dispatcher {
	d := &dispatcher{
		tokens:  make(chan struct{}, workers),
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		d.tokens <- struct{}{}
	}
	return d
}

// run executes fn on a worker, blocking until one is free or ctx is done.
func (d *dispatcher) run(ctx context.Context, fn func()) error {
	select {
	case <-d.tokens:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { d.tokens <- struct{}{} }()
	fn()
	return nil
}

// coalesce runs fn for key, sharing the result with any other caller
// already in flight for the same key.
func (d *dispatcher) coalesce(key string, fn func() (any, error)) (any, error) {
	v, err, _ := d.group.Do(key, fn)
	return v, err
}

// withTimeout derives a context bounded by the dispatcher's configured RPC
// timeout.
func (d *dispatcher) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d.timeout)
}

// invoke delivers req to cb, either by calling its in-process handler
// directly or by dialing its registered endpoint over internal/rpc, bounded
// by the dispatcher's RPC timeout. A transport failure surfaces as
// ErrTimeout: from the caller's point of view an unreachable callback and
// an unresponsive one are the same condition.
func (e *Engine) invoke(ctx context.Context, cb *callbackEntry, req CallbackRequest) (CallbackResult, error) {
	if cb.local != nil {
		return cb.local(ctx, req), nil
	}
	if cb.endpoint == "" {
		return CallbackResult{}, ErrInvalid
	}
	ctx, cancel := e.dispatch.withTimeout(ctx)
	defer cancel()

	network, address, err := ParseEndpoint(cb.endpoint)
	if err != nil {
		return CallbackResult{}, err
	}
	c, err := rpc.Dial(ctx, network, address)
	if err != nil {
		return CallbackResult{}, ErrTimeout
	}
	defer c.Close()

	msg := &rpc.Message{
		Op:      rpc.OpInvoke,
		Path:    req.Path,
		Value:   req.Value,
		Ts:      req.Ts,
		Guid:    cb.guid,
		Pattern: cb.pattern,
	}
	for _, l := range req.Leaves {
		msg.Leaves = append(msg.Leaves, rpc.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts})
	}
	resp, err := c.Call(ctx, msg)
	if err != nil {
		return CallbackResult{}, ErrTimeout
	}
	return CallbackResult{
		Value:    resp.Value,
		Status:   resp.Status,
		Children: resp.Paths,
		Validity: resp.Ts,
	}, nil
}

// deliverWatch notifies a watcher of a change at path. Watchers never veto
// and their errors are swallowed.
func (e *Engine) deliverWatch(ctx context.Context, cb *callbackEntry, path string, value []byte, ts int64) {
	_, _ = e.invoke(ctx, cb, CallbackRequest{Path: path, Value: value, Ts: ts})
}

// deliverWatchTree hands a watch-tree entry the whole committed leaf set of
// one write, exactly once.
func (e *Engine) deliverWatchTree(ctx context.Context, cb *callbackEntry, root string, ts int64, leaves []Leaf) {
	_, _ = e.invoke(ctx, cb, CallbackRequest{Path: root, Ts: ts, Leaves: leaves})
}

// deliverValidate asks a validator to accept or veto a pending write. A
// non-zero status in the reply (or a transport failure) is a veto.
func (e *Engine) deliverValidate(ctx context.Context, cb *callbackEntry, path string, value []byte) error {
	res, err := e.invoke(ctx, cb, CallbackRequest{Path: path, Value: value})
	if err != nil {
		return err
	}
	return ErrorFromStatus(res.Status)
}

// deliverRefresh asks a refresher to repopulate path in the local store.
// The refresher is expected to call back into the engine's write path
// before replying; deliverRefresh only waits for that reply and returns the
// validity interval (microseconds) the refreshed state stays fresh for.
func (e *Engine) deliverRefresh(ctx context.Context, cb *callbackEntry, path string) (int64, error) {
	res, err := e.invoke(ctx, cb, CallbackRequest{Path: path})
	if err != nil {
		return 0, err
	}
	if res.Status != 0 {
		return 0, ErrorFromStatus(res.Status)
	}
	return res.Validity, nil
}

// deliverProvide asks a provider for the current value of path.
func (e *Engine) deliverProvide(ctx context.Context, cb *callbackEntry, path string) ([]byte, error) {
	res, err := e.invoke(ctx, cb, CallbackRequest{Path: path})
	if err != nil {
		return nil, err
	}
	if res.Status != 0 {
		return nil, ErrorFromStatus(res.Status)
	}
	return res.Value, nil
}

// deliverIndex asks an indexer for the synthetic children of path.
func (e *Engine) deliverIndex(ctx context.Context, cb *callbackEntry, path string) ([]string, error) {
	res, err := e.invoke(ctx, cb, CallbackRequest{Path: path})
	if err != nil {
		return nil, err
	}
	if res.Status != 0 {
		return nil, ErrorFromStatus(res.Status)
	}
	return res.Children, nil
}
