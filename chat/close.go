// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// CloseAPI is the REST surface for the close handshake. The server
// accepts an action over REST and broadcasts the resulting event on
// the room's close topics, so both parties (including the initiator)
// converge by observing the broadcast.
type CloseAPI interface {
	RequestClose(ctx context.Context, roomID string) error
	AcceptClose(ctx context.Context, roomID string) error
	RejectClose(ctx context.Context, roomID string) error
}

// CloseEvent is the broadcast body on the close topics.
type CloseEvent struct {
	RoomID  string `json:"roomId"`
	ActorID string `json:"actorId"`
}

// CloseNegotiator runs one room's close handshake:
//
//	ACTIVE → CLOSE_REQUEST → CLOSED
//	          ↘ (reject) ACTIVE
//
// This is a two-party agreement, not consensus: if both parties act
// concurrently the observed behavior is last-write-wins on RoomState.
// That matches the backend and is deliberately not arbitrated here.
type CloseNegotiator struct {
	roomID       string
	localActorID string
	api          CloseAPI
	logger       *slog.Logger

	mu       sync.Mutex
	state    RoomState
	modal    CloseModalType
	onChange func(RoomState, CloseModalType)
}

// NewCloseNegotiator returns a negotiator starting in ACTIVE. onChange
// (may be nil) fires after every transition with the new pair.
func NewCloseNegotiator(roomID, localActorID string, api CloseAPI, logger *slog.Logger, onChange func(RoomState, CloseModalType)) *CloseNegotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloseNegotiator{
		roomID:       roomID,
		localActorID: localActorID,
		api:          api,
		logger:       logger,
		state:        RoomActive,
		modal:        ModalNone,
		onChange:     onChange,
	}
}

// Seed sets the state from the authoritative history fetch at room
// entry (a previously closed room enters directly as CLOSED).
func (n *CloseNegotiator) Seed(state RoomState) {
	n.transition(state, ModalNone)
}

// State returns the current room state.
func (n *CloseNegotiator) State() RoomState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Modal returns the current local presentation intent.
func (n *CloseNegotiator) Modal() CloseModalType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.modal
}

// RequestClose initiates the handshake: local state moves to
// CLOSE_REQUEST with the requester modal, then the action is submitted.
// A submit failure is returned (the local transition stands — the
// event broadcast is what converges both parties, and a retry or the
// counterpart's view will correct any divergence).
func (n *CloseNegotiator) RequestClose(ctx context.Context) error {
	n.transition(RoomCloseRequest, ModalRequest)
	if err := n.api.RequestClose(ctx, n.roomID); err != nil {
		return fmt.Errorf("chat: close request for room %s: %w", n.roomID, err)
	}
	return nil
}

// AcceptClose agrees to the counterpart's request. Both parties
// converge on CLOSED by observing the accept broadcast; the local
// transition here just avoids a visible lag for the acceptor.
func (n *CloseNegotiator) AcceptClose(ctx context.Context) error {
	n.transition(RoomClosed, ModalNone)
	if err := n.api.AcceptClose(ctx, n.roomID); err != nil {
		return fmt.Errorf("chat: close accept for room %s: %w", n.roomID, err)
	}
	return nil
}

// RejectClose declines the counterpart's request, returning the room
// to ACTIVE.
func (n *CloseNegotiator) RejectClose(ctx context.Context) error {
	n.transition(RoomActive, ModalNone)
	if err := n.api.RejectClose(ctx, n.roomID); err != nil {
		return fmt.Errorf("chat: close reject for room %s: %w", n.roomID, err)
	}
	return nil
}

// HandleRequest processes a close.request broadcast. The initiator
// already holds CLOSE_REQUEST/REQUEST locally; the counterpart moves
// to CLOSE_REQUEST/RECEIVE so the two parties see different prompts.
func (n *CloseNegotiator) HandleRequest(payload json.RawMessage) {
	event, err := n.decode(payload)
	if err != nil {
		n.logger.Warn("malformed close request event", "room_id", n.roomID, "error", err)
		return
	}
	if event.ActorID == n.localActorID {
		return
	}
	n.transition(RoomCloseRequest, ModalReceive)
}

// HandleAccept processes a close.accept broadcast. Everyone observing
// it — the acceptor included, for symmetry — converges on CLOSED.
func (n *CloseNegotiator) HandleAccept(payload json.RawMessage) {
	if _, err := n.decode(payload); err != nil {
		n.logger.Warn("malformed close accept event", "room_id", n.roomID, "error", err)
		return
	}
	n.transition(RoomClosed, ModalNone)
}

// HandleReject processes a close.reject broadcast: both parties return
// to ACTIVE.
func (n *CloseNegotiator) HandleReject(payload json.RawMessage) {
	if _, err := n.decode(payload); err != nil {
		n.logger.Warn("malformed close reject event", "room_id", n.roomID, "error", err)
		return
	}
	n.transition(RoomActive, ModalNone)
}

func (n *CloseNegotiator) decode(payload json.RawMessage) (CloseEvent, error) {
	var event CloseEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return CloseEvent{}, err
	}
	return event, nil
}

// transition overwrites the state pair unconditionally (last-write-
// wins) and notifies the consumer outside the lock.
func (n *CloseNegotiator) transition(state RoomState, modal CloseModalType) {
	n.mu.Lock()
	changed := n.state != state || n.modal != modal
	n.state = state
	n.modal = modal
	onChange := n.onChange
	n.mu.Unlock()

	if changed && onChange != nil {
		onChange(state, modal)
	}
}
