// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "encoding/json"

// Frame is the single envelope exchanged with the broker in both
// directions. Exactly one of the optional field groups is populated,
// selected by Type.
type Frame struct {
	// Type discriminates the frame: one of the Frame* constants.
	Type string `json:"type"`

	// ID is the client-assigned subscription id for subscribe and
	// unsubscribe frames.
	ID string `json:"id,omitempty"`

	// Topic names the pub/sub channel for subscribe frames and
	// inbound message frames.
	Topic string `json:"topic,omitempty"`

	// Destination names the server-side endpoint for send frames
	// (e.g., "app.chat.send").
	Destination string `json:"destination,omitempty"`

	// Token carries the auth credential on the initial connect frame.
	Token string `json:"token,omitempty"`

	// Payload is the application body of send and message frames.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Reason describes server-reported errors on error frames.
	Reason string `json:"reason,omitempty"`
}

// Frame types. Connect must be the first client frame on a fresh
// socket; the server answers with Connected or Error before any other
// traffic flows.
const (
	FrameConnect     = "connect"
	FrameConnected   = "connected"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameMessage     = "message"
	FrameError       = "error"
)
