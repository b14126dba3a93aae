// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package apteryx

import "log/slog"

// Engine is the in-memory datastore: a tree store, a callback registry, a
// dispatcher, a proxy forwarder and the configuration subtree, wired
// together behind one handle. All operations are safe for concurrent use.
type Engine struct {
	cfg       *engineConfig
	tree      *Tree
	callbacks *CallbackRegistry
	dispatch  *dispatcher
	proxy     *proxyForwarder
	config    *configSubsystem
	logger    *slog.Logger
	clock     *Clock
}

// New constructs an Engine, applying opts over the defaults (8 workers,
// max query depth 32, 1s RPC timeout, pretty slog handler).
func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(cfg)
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.logger,
		clock:  cfg.clock,
	}
	e.tree = NewTree(cfg.clock)
	e.callbacks = NewCallbackRegistry()
	e.dispatch = newDispatcher(cfg.workers, cfg.rpcTimeout)
	e.proxy = newProxyForwarder(e)
	e.config = newConfigSubsystem(e)
	e.config.socketHandler = cfg.socketHandler
	e.config.init()
	return e
}

// Registry exposes the engine's callback registry. Most callers register
// callbacks by writing to the configuration subtree instead; direct access
// is for embedding applications that host their callbacks in-process.
func (e *Engine) Registry() *CallbackRegistry {
	return e.callbacks
}

// Close stops the engine's background work (the statistics loop) and
// releases subsystem resources. The tree itself is volatile; nothing is
// persisted.
func (e *Engine) Close() error {
	return e.config.closeAll()
}
