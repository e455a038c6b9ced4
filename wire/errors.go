// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "errors"

var (
	// ErrNotConnected is returned synchronously by Publish when no live
	// socket exists. Callers fall back to the REST path.
	ErrNotConnected = errors.New("wire: not connected")

	// ErrUnavailable is returned by Connect after the bounded attempt
	// budget is exhausted. The background supervisor keeps retrying;
	// callers should treat the transport as down and use REST.
	ErrUnavailable = errors.New("wire: transport unavailable")

	// ErrStopped is returned by operations on a Manager after Stop.
	ErrStopped = errors.New("wire: manager stopped")
)
