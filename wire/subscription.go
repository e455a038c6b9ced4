// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "sync"

// Subscription is one logical consumer's attachment to a topic. The
// underlying wire subscription is shared: it exists once per topic and
// is torn down only when every Subscription for the topic has been
// cancelled.
type Subscription struct {
	manager *Manager
	topic   string
	key     int

	once sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Cancel detaches this consumer's handler. Idempotent. The wire-level
// unsubscribe is sent when the last consumer of the topic cancels.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.manager.unsubscribe(s.topic, s.key)
	})
}
