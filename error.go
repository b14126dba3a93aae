// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package apteryx

import "errors"

// Sentinel errors returned by the core engine. Every error returned from a
// public Engine method unwraps (via errors.Is) to exactly one of these, so
// callers and the RPC wire layer can classify a failure without parsing its
// message.
var (
	ErrInvalid    = errors.New("invalid argument")
	ErrPermission = errors.New("operation not permitted")
	ErrBusy       = errors.New("resource busy")
	ErrTimeout    = errors.New("operation timed out")
	ErrRange      = errors.New("value out of range")

	// ErrNotFound is returned by Get/Traverse when no stored, provided
	// or indexed value exists at a path. Absence is not a failure of the
	// operation, but it travels the wire as -ENOENT so clients can
	// distinguish it from a malformed request.
	ErrNotFound = errors.New("not found")
)

// StatusCode returns the POSIX-ish numeric status code used on the wire for
// err, or 0 if err is nil. Unrecognized non-nil errors map to ErrInvalid's
// code.
func StatusCode(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrPermission):
		return -1
	case errors.Is(err, ErrNotFound):
		return -2
	case errors.Is(err, ErrBusy):
		return -16
	case errors.Is(err, ErrInvalid):
		return -22
	case errors.Is(err, ErrRange):
		return -34
	case errors.Is(err, ErrTimeout):
		return -110
	default:
		return -22
	}
}

// ErrorFromStatus reconstructs a sentinel error from a wire status code.
// Used by the client package to turn an RPC response's numeric status back
// into an error the caller can test with errors.Is.
func ErrorFromStatus(code int32) error {
	switch code {
	case 0:
		return nil
	case -1:
		return ErrPermission
	case -2:
		return ErrNotFound
	case -16:
		return ErrBusy
	case -34:
		return ErrRange
	case -110:
		return ErrTimeout
	default:
		return ErrInvalid
	}
}
