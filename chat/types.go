// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import "time"

// Kind discriminates the message variants.
type Kind string

const (
	KindText       Kind = "TEXT"
	KindEmoticon   Kind = "EMOTICON"
	KindCustomForm Kind = "CUSTOM_FORM"
)

// Message is one entry in a room timeline. Immutable once merged,
// except Read, which flips false→true exactly once.
//
// Exactly one variant field group is populated, selected by Kind:
// Content for text, Emoticon for emoticons, Form (plus DisplayContent)
// for custom forms.
type Message struct {
	// ID is the stable identity used for deduplication. Server-assigned
	// when present on the wire; otherwise synthesized client-side with a
	// "local-" prefix (such a message may fail to collapse against its
	// later server echo if content, timestamp, or sender also drift).
	ID string

	// SenderID is the actor who sent the message.
	SenderID string

	// Timestamp is the message time in UTC. The timeline is ordered
	// non-decreasing by this field.
	Timestamp time.Time

	// FromLocalActor is derived locally by comparing SenderID against
	// the local actor id — never taken from a wire flag.
	FromLocalActor bool

	// Read reports whether the counterpart has read the message.
	Read bool

	Kind Kind

	// Content is the text body (KindText).
	Content string

	// Emoticon identifies the sticker (KindEmoticon).
	Emoticon *Emoticon

	// Form is the latest known form snapshot (KindCustomForm).
	Form *FormSnapshot

	// DisplayContent is the role-dependent caption for a form bubble.
	// Computed locally, never transmitted.
	DisplayContent string
}

// Emoticon identifies a sticker by id with its display metadata.
type Emoticon struct {
	ID   string
	URL  string
	Name string
}

// FormItem is one question in a custom form, with its answer once the
// responder has submitted.
type FormItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// FormSnapshot is the latest known state of a custom form: a two-party
// question/answer exchange embedded in the timeline. Snapshots move
// one way — once Answered is observed true it never reverts.
type FormSnapshot struct {
	FormID      string     `json:"formId"`
	CreatorID   string     `json:"creatorId"`
	ResponderID string     `json:"responderId"`
	Answered    bool       `json:"answered"`
	Items       []FormItem `json:"items"`
}

// RoomState is the close-negotiation state of a room. CLOSED is
// terminal and reachable only from CLOSE_REQUEST (or directly from the
// room-entry history fetch reflecting a prior close).
type RoomState string

const (
	RoomActive       RoomState = "ACTIVE"
	RoomCloseRequest RoomState = "CLOSE_REQUEST"
	RoomClosed       RoomState = "CLOSED"
)

// CloseModalType is the local presentation intent derived from
// RoomState transitions plus which actor initiated them. It is never
// sent on the wire: the requester sees REQUEST, the counterpart
// RECEIVE.
type CloseModalType string

const (
	ModalNone    CloseModalType = "NONE"
	ModalRequest CloseModalType = "REQUEST"
	ModalReceive CloseModalType = "RECEIVE"
)
