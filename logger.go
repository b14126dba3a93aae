// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package apteryx

import (
	"context"
	"log/slog"
	"time"
)

// Keys for the structured log attributes the built-in operation logger
// attaches to every pipeline call it logs.
const (
	LoggerOpKey      = "op"
	LoggerPathKey    = "path"
	LoggerStatusKey  = "status"
	LoggerLatencyKey = "latency"
)

// logOperation logs a single pipeline call at a level derived from its
// outcome: success and ErrNotFound at DEBUG (INFO with /apteryx/debug set),
// anything else at WARN.
func (e *Engine) logOperation(ctx context.Context, op, path string, start time.Time, err error) {
	lvl := slog.LevelDebug
	if e.config.debug.Load() {
		lvl = slog.LevelInfo
	}
	if err != nil && err != ErrNotFound {
		lvl = slog.LevelWarn
	}
	e.logger.LogAttrs(ctx, lvl, op,
		slog.String(LoggerOpKey, op),
		slog.String(LoggerPathKey, path),
		slog.Duration(LoggerLatencyKey, time.Since(start)),
		slog.Any(LoggerStatusKey, err),
	)
}
