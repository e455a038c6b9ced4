// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire maintains the single shared pub/sub connection to the
// chat backend.
//
// The package provides one core type. [Manager] owns a WebSocket to the
// backend broker and exposes publish/subscribe primitives to every
// consumer in the process: room views, the unread synchronizer, and the
// close negotiators all share it. The host application constructs one
// Manager, calls [Manager.Start], and passes it by reference to
// room-scoped consumers — there is no package-level singleton.
//
// Connection establishment is single-flight: concurrent callers of
// [Manager.Connect] share one in-flight dial instead of racing to open
// duplicate sockets. Each (re)connect re-derives the auth token from the
// injected [CredentialProvider], so a token rotated mid-session is
// picked up on the next dial. Reconnection uses exponential backoff
// (1s × 1.5ⁿ capped at 30s); a Connect call gives up with
// [ErrUnavailable] after five failed attempts, while the background
// supervisor keeps retrying for as long as the Manager is running.
//
// Subscriptions are registered at most once per topic on the wire. A
// second Subscribe for the same topic attaches another handler to the
// existing registry entry; the wire unsubscribe is sent only when the
// last handler cancels. On reconnect, every live registry entry is
// replayed so consumers never observe a silent gap in registration.
//
// Publish is fire-and-forget but fails synchronously with
// [ErrNotConnected] when no live socket exists, so callers can fall
// back to the REST path immediately instead of queueing into a void.
package wire
