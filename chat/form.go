// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"log/slog"
	"sync"
)

// FormFetcher resolves a form id to its full snapshot over REST, for
// subscription payloads that carry only a reference.
type FormFetcher func(ctx context.Context, formID string) (FormSnapshot, error)

// Form captions shown in place of the raw form body. Which one (if
// either) a given actor sees depends on their role — see Observe.
const (
	captionQuestionArrived = "a question has arrived"
	captionAnswerArrived   = "an answer has arrived"
)

// FormTracker interprets CustomForm messages as a two-party workflow:
// the creator sends questions, the responder answers. Per form the
// state machine is one-way (UNANSWERED → ANSWERED, never back), and
// the tracker decides whether the local actor should see a timeline
// bubble for each observed snapshot, suppressing duplicates and
// role-inappropriate renderings.
type FormTracker struct {
	localActorID string
	timeline     *Timeline
	fetcher      FormFetcher
	logger       *slog.Logger

	mu      sync.Mutex
	records map[string]FormSnapshot
}

// NewFormTracker returns a tracker writing visible bubbles into
// timeline. fetcher may be nil when reference-only payloads cannot
// occur (tests).
func NewFormTracker(localActorID string, timeline *Timeline, fetcher FormFetcher, logger *slog.Logger) *FormTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FormTracker{
		localActorID: localActorID,
		timeline:     timeline,
		fetcher:      fetcher,
		logger:       logger,
		records:      make(map[string]FormSnapshot),
	}
}

// Record returns the latest known snapshot for a form id.
func (ft *FormTracker) Record(formID string) (FormSnapshot, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	record, ok := ft.records[formID]
	return record, ok
}

// Observe processes one CustomForm message. Reference-only payloads
// (form id without items) are resolved over REST first; a failed fetch
// degrades to not showing the message at all rather than showing a
// broken one.
//
// Visibility by role:
//
//   - unanswered: only the creator sees a bubble ("a question has
//     arrived"); the responder is served by the dedicated answer view
//     and third parties see nothing.
//   - answered: only the responder sees a bubble ("an answer has
//     arrived").
//
// When the responder observes the transition to answered, the
// creator-authored unanswered bubble for the same form is removed —
// an answered question is superseded, not appended to.
//
// Emission is idempotent on (form id, answered flag): a fresher
// snapshot updates the stored record without duplicating the bubble.
func (ft *FormTracker) Observe(ctx context.Context, message Message) {
	if message.Kind != KindCustomForm || message.Form == nil {
		return
	}

	snapshot := *message.Form
	if len(snapshot.Items) == 0 && ft.fetcher != nil {
		resolved, err := ft.fetcher(ctx, snapshot.FormID)
		if err != nil {
			ft.logger.Warn("custom form fetch failed, dropping message",
				"form_id", snapshot.FormID,
				"error", err,
			)
			return
		}
		resolved.FormID = snapshot.FormID
		snapshot = resolved
	}

	ft.mu.Lock()
	previous, known := ft.records[snapshot.FormID]
	// ANSWERED is terminal: a stale unanswered snapshot arriving after
	// the answer never reverts the record.
	if known && previous.Answered && !snapshot.Answered {
		ft.mu.Unlock()
		return
	}
	ft.records[snapshot.FormID] = snapshot
	ft.mu.Unlock()

	isCreator := ft.localActorID == snapshot.CreatorID
	isResponder := ft.localActorID == snapshot.ResponderID

	if snapshot.Answered && isResponder {
		ft.timeline.RemoveIf(func(existing Message) bool {
			return existing.Kind == KindCustomForm &&
				existing.Form != nil &&
				existing.Form.FormID == snapshot.FormID &&
				!existing.Form.Answered &&
				existing.SenderID == snapshot.CreatorID
		})
	}

	var caption string
	switch {
	case !snapshot.Answered && isCreator && !isResponder:
		caption = captionQuestionArrived
	case snapshot.Answered && isResponder && !isCreator:
		caption = captionAnswerArrived
	default:
		return
	}

	// Idempotency: one bubble per (form id, answered flag). The role is
	// fixed for a local timeline, so it does not need to be part of the
	// key.
	already := ft.timeline.Contains(func(existing Message) bool {
		return existing.Kind == KindCustomForm &&
			existing.Form != nil &&
			existing.Form.FormID == snapshot.FormID &&
			existing.Form.Answered == snapshot.Answered
	})
	if already {
		return
	}

	bubble := message
	bubble.Form = &snapshot
	bubble.DisplayContent = caption
	ft.timeline.Merge(bubble)
}
