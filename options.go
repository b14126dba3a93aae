// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package apteryx

import (
	"log/slog"
	"time"

	"github.com/apteryxdb/apteryx/internal/slogpretty"
)

// Option configures an Engine at construction time.
type Option interface {
	apply(*engineConfig)
}

type optionFunc func(*engineConfig)

func (f optionFunc) apply(c *engineConfig) { f(c) }

type engineConfig struct {
	workers       int
	maxQueryDepth int
	rpcTimeout    time.Duration
	logger        *slog.Logger
	clock         *Clock
	socketHandler SocketHandler
}

func defaultConfig() *engineConfig {
	return &engineConfig{
		workers:       8,
		maxQueryDepth: 32,
		rpcTimeout:    time.Second,
		logger:        slog.New(slogpretty.DefaultHandler),
		clock:         NewClock(),
	}
}

// WithWorkers sets the size of the dispatcher's fixed worker pool.
// Default 8.
func WithWorkers(n int) Option {
	return optionFunc(func(c *engineConfig) {
		if n > 0 {
			c.workers = n
		}
	})
}

// WithMaxQueryDepth bounds query's recursive projection depth. Default 32.
func WithMaxQueryDepth(n int) Option {
	return optionFunc(func(c *engineConfig) {
		if n > 0 {
			c.maxQueryDepth = n
		}
	})
}

// WithRPCTimeout sets the timeout applied to every outbound callback
// delivery and proxy round trip. Default 1s.
func WithRPCTimeout(d time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		if d > 0 {
			c.rpcTimeout = d
		}
	})
}

// WithLogger overrides the engine's structured logger. By default
// slogpretty.DefaultHandler is used.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithClock overrides the engine's timestamp source. Primarily useful in
// tests that need deterministic timestamps.
func WithClock(clock *Clock) Option {
	return optionFunc(func(c *engineConfig) {
		if clock != nil {
			c.clock = clock
		}
	})
}

// WithSocketHandler installs the hook invoked whenever an endpoint is
// written to or removed from /apteryx/sockets/<guid>, asking for an
// additional RPC listener to be bound or released. The engine
// itself never binds a listener (that would require importing the server
// package, which imports this one); a server wires its own bind/release
// logic through this option instead.
func WithSocketHandler(h SocketHandler) Option {
	return optionFunc(func(c *engineConfig) {
		c.socketHandler = h
	})
}
