// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response readers for Lantern's
// REST calls. All JSON API bodies are read through these helpers so a
// misbehaving server cannot trigger an unbounded allocation. They are
// not for streaming responses, which should be read incrementally.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response body reads: 64 MB. Chat
// history pages and form payloads are orders of magnitude smaller; the
// limit only guards against a pathological response.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll for HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body for inclusion in diagnostic
// messages. Read errors are ignored — a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
