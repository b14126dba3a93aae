// Package client implements the Apteryx client library: a dialer exposing
// typed convenience methods over internal/rpc, and a client-drained
// callback queue for applications that want to invoke their own watchers,
// validators, refreshers, providers and indexers on a single thread rather
// than one goroutine per delivery.
package client

import (
	"context"
	"strconv"
	"sync"

	"github.com/apteryxdb/apteryx"
	"github.com/apteryxdb/apteryx/internal/rpc"
)

// Client is a connection to a single Apteryx server endpoint.
type Client struct {
	mu   sync.Mutex
	conn *rpc.Client
}

// Dial connects to endpoint (a unix://... or tcp://host:port URI).
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	network, address, err := apteryx.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := rpc.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Call(ctx, req)
}

// Get returns the value stored at path.
func (c *Client) Get(ctx context.Context, path string) ([]byte, int64, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpGet, Path: path})
	if err != nil {
		return nil, 0, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return nil, 0, err
	}
	return resp.Value, resp.Ts, nil
}

// Set stores value at path, or deletes path when value is nil.
func (c *Client) Set(ctx context.Context, path string, value []byte) error {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpSet, Path: path, Value: value})
	if err != nil {
		return err
	}
	return apteryx.ErrorFromStatus(resp.Status)
}

// SetWait is Set, but the server replies only after every matching watcher
// has been delivered to (or abandoned on timeout).
func (c *Client) SetWait(ctx context.Context, path string, value []byte) error {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpSetWait, Path: path, Value: value})
	if err != nil {
		return err
	}
	return apteryx.ErrorFromStatus(resp.Status)
}

// SetTree applies tree rooted at base.
func (c *Client) SetTree(ctx context.Context, base string, tree *apteryx.Snapshot) error {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpSetTree, Path: base, Leaves: toWireLeaves(tree.Flatten(base))})
	if err != nil {
		return err
	}
	return apteryx.ErrorFromStatus(resp.Status)
}

// Cas stores value at path only if its current timestamp equals expected.
func (c *Client) Cas(ctx context.Context, path string, expected int64, value []byte) error {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpCas, Path: path, Expect: expected, Value: value})
	if err != nil {
		return err
	}
	return apteryx.ErrorFromStatus(resp.Status)
}

// CasTree is the batched analogue of Cas.
func (c *Client) CasTree(ctx context.Context, base string, expected int64, tree *apteryx.Snapshot) error {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpCasTree, Path: base, Expect: expected, Leaves: toWireLeaves(tree.Flatten(base))})
	if err != nil {
		return err
	}
	return apteryx.ErrorFromStatus(resp.Status)
}

// Prune removes path and its entire subtree.
func (c *Client) Prune(ctx context.Context, path string) error {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpPrune, Path: path})
	if err != nil {
		return err
	}
	return apteryx.ErrorFromStatus(resp.Status)
}

// Search returns the full paths of path's immediate children. path must
// end in "/".
func (c *Client) Search(ctx context.Context, path string) ([]string, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpSearch, Path: path})
	if err != nil {
		return nil, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// Traverse returns a full Tree Snapshot of path's subtree.
func (c *Client) Traverse(ctx context.Context, path string) (*apteryx.Snapshot, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpTraverse, Path: path})
	if err != nil {
		return nil, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return nil, err
	}
	return apteryx.SnapshotFromLeaves(path, fromWireLeaves(resp.Leaves)), nil
}

// Query projects template against the store under base and returns the
// resulting subtree.
func (c *Client) Query(ctx context.Context, base string, template *apteryx.Snapshot) (*apteryx.Snapshot, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpQuery, Path: base, Leaves: toWireLeaves(template.FlattenAll(base))})
	if err != nil {
		return nil, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return nil, err
	}
	return apteryx.SnapshotFromLeaves(base, fromWireLeaves(resp.Leaves)), nil
}

// Find returns the concrete paths matching pattern whose leaf value equals
// value. A nil value matches any leaf.
func (c *Client) Find(ctx context.Context, pattern string, value []byte) ([]string, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpFind, Path: pattern, Value: value})
	if err != nil {
		return nil, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// FindTree returns the paths of every subtree root matching base for which
// all of template's leaf constraints hold.
func (c *Client) FindTree(ctx context.Context, base string, template *apteryx.Snapshot) ([]string, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpFindTree, Path: base, Leaves: toWireLeaves(template.Flatten("/"))})
	if err != nil {
		return nil, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// Timestamp returns the maximum timestamp over the subtree at path, or 0
// if path is absent.
func (c *Client) Timestamp(ctx context.Context, path string) (int64, error) {
	resp, err := c.call(ctx, &rpc.Message{Op: rpc.OpTimestamp, Path: path})
	if err != nil {
		return 0, err
	}
	if err := apteryx.ErrorFromStatus(resp.Status); err != nil {
		return 0, err
	}
	return resp.Ts, nil
}

// RegisterDelivery records endpoint as this client's callback delivery
// socket under the pid prefix shared by its callback GUIDs. The client
// must already be listening there (see DeliveryServer); the server dials
// it to invoke the client's callbacks.
func (c *Client) RegisterDelivery(ctx context.Context, pid, endpoint string) error {
	return c.Set(ctx, apteryx.DeliveryPathFor(pid), []byte(endpoint))
}

// ReleaseDelivery removes the delivery endpoint registered under pid.
func (c *Client) ReleaseDelivery(ctx context.Context, pid string) error {
	return c.Set(ctx, apteryx.DeliveryPathFor(pid), nil)
}

// BindListener asks the server to bind an additional RPC listener at
// endpoint, registered under guid; ReleaseListener releases it.
func (c *Client) BindListener(ctx context.Context, guid, endpoint string) error {
	return c.Set(ctx, apteryx.SocketPathFor(guid), []byte(endpoint))
}

// ReleaseListener releases the listener binding registered under guid.
func (c *Client) ReleaseListener(ctx context.Context, guid string) error {
	return c.Set(ctx, apteryx.SocketPathFor(guid), nil)
}

// Register creates (or replaces, by guid) a callback registration of kind
// for pattern. The server delivers invocations to the endpoint recorded by
// RegisterDelivery for the pid prefix of guid.
func (c *Client) Register(ctx context.Context, kind apteryx.CallbackKind, guid, pattern string) error {
	return c.Set(ctx, apteryx.ConfigPathFor(kind, guid), []byte(pattern))
}

// Deregister removes the callback registration under guid.
func (c *Client) Deregister(ctx context.Context, kind apteryx.CallbackKind, guid string) error {
	return c.Set(ctx, apteryx.ConfigPathFor(kind, guid), nil)
}

// GetString returns the value at path as a string, truncated at the first
// NUL byte. The store itself is binary-safe; the NUL convention exists
// only for callers exchanging C-style strings.
func (c *Client) GetString(ctx context.Context, path string) (string, error) {
	value, _, err := c.Get(ctx, path)
	if err != nil {
		return "", err
	}
	for i, b := range value {
		if b == 0 {
			return string(value[:i]), nil
		}
	}
	return string(value), nil
}

// SetString stores s at path.
func (c *Client) SetString(ctx context.Context, path, s string) error {
	return c.Set(ctx, path, []byte(s))
}

// GetInt returns the value at path parsed as a base-10 integer. A value
// that does not parse returns ErrRange.
func (c *Client) GetInt(ctx context.Context, path string) (int64, error) {
	s, err := c.GetString(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, apteryx.ErrRange
	}
	return n, nil
}

// SetInt stores n at path in base-10 form.
func (c *Client) SetInt(ctx context.Context, path string, n int64) error {
	return c.Set(ctx, path, []byte(strconv.FormatInt(n, 10)))
}

func toWireLeaves(leaves []apteryx.Leaf) []rpc.Leaf {
	out := make([]rpc.Leaf, len(leaves))
	for i, l := range leaves {
		out[i] = rpc.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts}
	}
	return out
}

func fromWireLeaves(leaves []rpc.Leaf) []apteryx.Leaf {
	out := make([]apteryx.Leaf, len(leaves))
	for i, l := range leaves {
		out[i] = apteryx.Leaf{Path: l.Path, Value: l.Value, Ts: l.Ts}
	}
	return out
}
