// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat implements the delivery layer of the Lantern chat
// client: everything between the raw transport and the rendered feed.
//
// The pieces compose around a Room, which binds one room view to the
// shared wire.Manager and the REST Client:
//
//   - Normalize converts tolerant, alias-ridden wire payloads into
//     typed Messages.
//   - Timeline holds the ordered, deduplicated message sequence and
//     reports newly seen counterpart messages back to the backend.
//   - FormTracker runs the custom-form question/answer workflow and
//     decides which form bubbles the local actor should see.
//   - CloseNegotiator runs the two-party room close handshake.
//   - UnreadSync keeps the process-wide and per-room unread counts from
//     pushes, with a throttled poll as the fallback.
//   - Client is the authenticated REST surface, with one-shot token
//     refresh and typed API errors.
//
// Rendering, persistence, and authentication UI belong to the host
// application; this package only guarantees that the data it exposes
// is correct and current.
package chat
