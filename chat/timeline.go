// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"sort"
	"sync"
)

// ReadReporter is invoked once for every newly merged message that the
// local actor did not send, so the backend learns the message was
// seen. Fire-and-forget: implementations log failures and never retry
// here — a later read receipt corrects any loss.
type ReadReporter func(message Message)

// Timeline is one room's ordered message sequence. Merges are safe
// against interleaved invocation: a live push can land mid-backfill
// and the dedup rules keep the result correct regardless of arrival
// order.
type Timeline struct {
	mu       sync.Mutex
	messages []Message
	report   ReadReporter
}

// NewTimeline returns an empty timeline. report may be nil.
func NewTimeline(report ReadReporter) *Timeline {
	return &Timeline{report: report}
}

// Merge inserts message unless it is a duplicate, then restores
// timestamp order. Returns whether the message was inserted.
//
// Dedup is dual: a matching id, or a matching (content, timestamp,
// sender) triple. The triple exists because an optimistic local echo
// and the server-confirmed copy of the same send carry different ids.
func (t *Timeline) Merge(message Message) bool {
	t.mu.Lock()
	inserted := t.mergeLocked(message)
	var report ReadReporter
	if inserted && !message.FromLocalActor {
		report = t.report
	}
	t.mu.Unlock()

	if report != nil {
		report(message)
	}
	return inserted
}

// MergeBatch unions a REST history batch against the timeline and
// returns how many messages were new. One sort covers the whole
// batch. New non-local messages are reported exactly as in Merge:
// backfilled messages were still seen for the first time here.
func (t *Timeline) MergeBatch(batch []Message) int {
	t.mu.Lock()
	var fresh []Message
	for _, message := range batch {
		if t.insertLocked(message) {
			fresh = append(fresh, message)
		}
	}
	if len(fresh) > 0 {
		t.sortLocked()
	}
	report := t.report
	t.mu.Unlock()

	if report != nil {
		for _, message := range fresh {
			if !message.FromLocalActor {
				report(message)
			}
		}
	}
	return len(fresh)
}

func (t *Timeline) mergeLocked(message Message) bool {
	if !t.insertLocked(message) {
		return false
	}
	t.sortLocked()
	return true
}

func (t *Timeline) insertLocked(message Message) bool {
	for _, existing := range t.messages {
		if existing.ID == message.ID {
			return false
		}
		if existing.Content == message.Content &&
			existing.SenderID == message.SenderID &&
			existing.Timestamp.Equal(message.Timestamp) &&
			existing.Kind == message.Kind {
			return false
		}
	}
	t.messages = append(t.messages, message)
	return true
}

// sortLocked restores non-decreasing timestamp order. A full stable
// resort, not an insertion-point search: out-of-order delivery (REST
// backfill racing live push) is common, and room timelines are small
// enough that correctness wins over micropass efficiency.
func (t *Timeline) sortLocked() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].Timestamp.Before(t.messages[j].Timestamp)
	})
}

// Messages returns a copy of the ordered sequence.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// OldestID returns the id of the oldest message — the backward
// backfill cursor. Empty when the timeline is empty.
func (t *Timeline) OldestID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return ""
	}
	return t.messages[0].ID
}

// NewestID returns the id of the newest message. Empty when the
// timeline is empty.
func (t *Timeline) NewestID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return ""
	}
	return t.messages[len(t.messages)-1].ID
}

// MarkLocalRead flips Read on every message the local actor sent.
// Called when the counterpart's read receipt arrives. Monotonic:
// nothing ever flips back to unread.
func (t *Timeline) MarkLocalRead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].FromLocalActor {
			t.messages[i].Read = true
		}
	}
}

// Contains reports whether any message satisfies the predicate.
func (t *Timeline) Contains(predicate func(Message) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, message := range t.messages {
		if predicate(message) {
			return true
		}
	}
	return false
}

// RemoveIf deletes every message satisfying the predicate and returns
// how many were removed. Used by the form tracker to supersede an
// answered question bubble.
func (t *Timeline) RemoveIf(predicate func(Message) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.messages[:0]
	removed := 0
	for _, message := range t.messages {
		if predicate(message) {
			removed++
			continue
		}
		kept = append(kept, message)
	}
	t.messages = kept
	return removed
}
