// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package apteryx

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// Keys for the structured log attributes the recovery wrapper attaches to
// a recovered panic.
const (
	LoggerCallbackKindKey = "kind"
	LoggerCallbackGUIDKey = "guid"
	LoggerPatternKey      = "pattern"
	LoggerPanicKey        = "panic"
)

// invokeGuarded calls fn, recovering any panic so that a misbehaving
// callback can never bring down the dispatcher worker pool. A recovered
// validator panic aborts the write like a timeout would; for every other
// kind the panic is logged and swallowed.
func (e *Engine) invokeGuarded(kind CallbackKind, cb *callbackEntry, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(
				"recovered from panic in callback",
				slog.String(LoggerCallbackKindKey, kind.String()),
				slog.String(LoggerCallbackGUIDKey, cb.guid),
				slog.String(LoggerPatternKey, cb.pattern),
				slog.Any(LoggerPanicKey, r),
				slog.String("stack", stacktrace(3, 6)),
			)
			if kind == KindValidate {
				err = ErrTimeout
			} else {
				err = nil
			}
		}
	}()
	return fn()
}

func stacktrace(skip, nFrames int) string {
	pcs := make([]uintptr, nFrames+1)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return "(no stack)"
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	i := 0
	for {
		frame, more := frames.Next()
		if i > 0 {
			b.WriteByte('\n')
		}
		_, _ = fmt.Fprintf(&b, "called from %s %s:%d", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
		i++
		if i >= nFrames {
			_, _ = fmt.Fprintf(&b, "\n(rest of stack elided)")
			break
		}
	}
	return b.String()
}
