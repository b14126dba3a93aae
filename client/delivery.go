package client

import (
	"context"
	"net"

	"github.com/apteryxdb/apteryx"
	"github.com/apteryxdb/apteryx/internal/rpc"
)

// DeliveryServer accepts the connections a server dials to invoke a
// callback registered by this client (watch/validate/refresh/provide/
// index), pushing each onto a CallbackQueue instead of handling it inline.
// The application drains the queue on its own thread rather than one
// goroutine running per delivery.
type DeliveryServer struct {
	queue *CallbackQueue
}

// NewDeliveryServer returns a DeliveryServer that pushes every received
// invocation onto queue.
func NewDeliveryServer(queue *CallbackQueue) *DeliveryServer {
	return &DeliveryServer{queue: queue}
}

// ListenAndServe binds endpoint (the same URI registered via
// Client.RegisterDelivery) and accepts deliveries until ctx is canceled.
func (s *DeliveryServer) ListenAndServe(ctx context.Context, endpoint string) error {
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

// Serve accepts deliveries from an already-bound listener until ctx is
// canceled.
func (s *DeliveryServer) Serve(ctx context.Context, ln net.Listener) error {
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
			continue
		}
		go s.handle(conn)
	}
}

// handle reads exactly one OpInvoke request off conn, queues it, and
// writes back whatever the application passes to Invocation.Reply once
// drained — one request/response pair per connection, matching
// internal/rpc.Client's single-shot dial-call-close pattern on the
// delivering side.
func (s *DeliveryServer) handle(conn net.Conn) {
	defer conn.Close()

	req, err := rpc.ReadFrame(conn)
	if err != nil {
		return
	}

	done := make(chan *rpc.Message, 1)
	inv := newInvocation(req, func(result apteryx.CallbackResult) {
		done <- &rpc.Message{
			Op:     rpc.OpInvokeReply,
			Status: result.Status,
			Value:  result.Value,
			Paths:  result.Children,
			Ts:     result.Validity,
		}
	})
	s.queue.push(inv)

	resp := <-done
	_ = rpc.WriteFrame(conn, resp)
}
