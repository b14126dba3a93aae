// Copyright 2013 Julien Schmidt. All rights reserved.
// Based on the path package, Copyright 2009 The Go Authors.
// Mount of this source code is governed by a BSD-style license that can be found
// at https://github.com/julienschmidt/httprouter/blob/master/LICENSE.

package apteryx

import (
	"net"
	"strings"

	"github.com/apteryxdb/apteryx/internal/netutil"
)

// Separator is the path segment delimiter.
const Separator = "/"

// Wildcard is the single-segment wildcard used by watch/validate/refresh/
// provide/index/proxy patterns.
const Wildcard = "*"

// ValidatePath reports whether p is a well-formed absolute path: it starts
// with '/', contains no empty segments other than the root itself, and has
// no trailing slash other than the root.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return ErrInvalid
	}
	if p == Separator {
		return nil
	}
	if strings.HasSuffix(p, Separator) {
		return ErrInvalid
	}
	for _, seg := range strings.Split(p[1:], Separator) {
		if seg == "" {
			return ErrInvalid
		}
	}
	return nil
}

// SplitSegments splits an absolute path into its non-empty segments.
// SplitSegments("/") returns an empty slice.
func SplitSegments(p string) []string {
	trimmed := strings.TrimPrefix(p, Separator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, Separator)
}

// JoinSegments rebuilds an absolute path from segments.
func JoinSegments(segs []string) string {
	if len(segs) == 0 {
		return Separator
	}
	return Separator + strings.Join(segs, Separator)
}

// HasWildcard reports whether a pattern contains at least one wildcard
// segment or a trailing-slash one-level wildcard.
func HasWildcard(pattern string) bool {
	if strings.HasSuffix(pattern, Separator) {
		return true
	}
	for _, seg := range SplitSegments(pattern) {
		if seg == Wildcard {
			return true
		}
	}
	return false
}

// SplitEndpoint separates a registered proxy value into its endpoint URI
// (unix://... or tcp://host:port) and, when present, the pattern path
// appended after the last ':'. If value has no trailing pattern, path is
// "".
func SplitEndpoint(value string) (endpoint, path string) {
	idx := strings.LastIndexByte(value, ':')
	if idx < 0 {
		return value, ""
	}
	// Guard against "tcp://host:port" with no trailing pattern: only
	// treat the suffix as a path if it starts with '/'.
	if idx+1 < len(value) && value[idx+1] == '/' {
		return value[:idx], value[idx+1:]
	}
	return value, ""
}

// ParseEndpoint splits an endpoint URI into its network ("unix" or "tcp")
// and address. A tcp address is split with internal/netutil and re-joined
// as host:port, so an IPv6 host comes back bracketed ("[::1]:9999").
func ParseEndpoint(uri string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(uri, "unix://"):
		return "unix", strings.TrimPrefix(uri, "unix://"), nil
	case strings.HasPrefix(uri, "tcp://"):
		hostPort := strings.TrimPrefix(uri, "tcp://")
		host, port := netutil.SplitHostPort(hostPort)
		if port == "" {
			return "", "", ErrInvalid
		}
		return "tcp", net.JoinHostPort(host, port), nil
	default:
		return "", "", ErrInvalid
	}
}
