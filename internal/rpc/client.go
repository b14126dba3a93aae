package rpc

import (
	"context"
	"net"
	"sync"
	"time"
)

// Client is a single-connection RPC client. Calls are serialized: the RPC
// pattern is one short-lived request/response per call, not a long-lived
// multiplexed stream, so a single mutex around the connection is
// sufficient.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial opens a connection to network/address (as returned by
// apteryx.ParseEndpoint), honoring ctx's deadline for the dial itself.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Call sends req and waits for the matching response, honoring ctx's
// deadline on both the write and the read.
func (c *Client) Call(ctx context.Context, req *Message) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	return ReadFrame(c.conn)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
