package apteryx

import (
	"context"

	"github.com/apteryxdb/apteryx/internal/rpc"
)

// proxyForwarder forwards operations on proxied prefixes to the remote
// engine a proxy entry names. Reads fall back to local handling when the
// remote round trip fails; writes go to the remote only. Each call dials
// fresh: proxy round trips are rare relative to local reads, so connection
// pooling is not worth the added state.
type proxyForwarder struct {
	engine *Engine
}

func newProxyForwarder(e *Engine) *proxyForwarder {
	return &proxyForwarder{engine: e}
}

// match returns the most specific registered proxy covering path, or nil.
func (p *proxyForwarder) match(path string) *callbackEntry {
	matches := p.engine.callbacks.Match(KindProxy, path)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func (p *proxyForwarder) dial(ctx context.Context, endpoint string) (*rpc.Client, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return rpc.Dial(ctx, network, address)
}

// get forwards a read to proxy's remote endpoint. ok reports whether the
// remote holds a value at path; err is non-nil only on a transport failure
// (dial/timeout/protocol error), in which case the caller falls back to
// local provider handling.
func (p *proxyForwarder) get(ctx context.Context, proxy *callbackEntry, path string) (value []byte, ts int64, ok bool, err error) {
	ctx, cancel := p.engine.dispatch.withTimeout(ctx)
	defer cancel()

	c, err := p.dial(ctx, proxy.endpoint)
	if err != nil {
		return nil, 0, false, err
	}
	defer c.Close()

	resp, err := c.Call(ctx, &rpc.Message{Op: rpc.OpGet, Path: path})
	if err != nil {
		return nil, 0, false, err
	}
	if resp.Status != 0 {
		return nil, 0, false, nil
	}
	return resp.Value, resp.Ts, true, nil
}

// set forwards a write to proxy's remote endpoint. Writes under a proxied
// prefix always go to the remote, never the local store; a remote
// validator's refusal comes back in the response status and propagates to
// the local caller unchanged.
func (p *proxyForwarder) set(ctx context.Context, proxy *callbackEntry, path string, value []byte) error {
	ctx, cancel := p.engine.dispatch.withTimeout(ctx)
	defer cancel()

	c, err := p.dial(ctx, proxy.endpoint)
	if err != nil {
		return ErrTimeout
	}
	defer c.Close()

	resp, err := c.Call(ctx, &rpc.Message{Op: rpc.OpSet, Path: path, Value: value})
	if err != nil {
		return ErrTimeout
	}
	return ErrorFromStatus(resp.Status)
}
