// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

// Package apteryx implements an in-memory, hierarchical key/value datastore
// addressed by filesystem-like paths, with reactive extensions: watchers,
// validators, refreshers, providers, indexers and proxies. The core engine
// is transport-agnostic; see the server and client packages for the RPC
// surface and internal/rpc for the wire protocol.
package apteryx
