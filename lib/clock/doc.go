// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that reconnect backoff, poll tickers,
// and presence announcements can be tested deterministically.
//
// Production code injects [Real]; tests inject [Fake] and drive time
// forward with Advance. Any Lantern code that would otherwise call
// time.Now, time.After, time.Sleep, or time.NewTicker takes a Clock
// instead.
package clock
