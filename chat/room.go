// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanternchat/lantern/wire"
)

// localEchoPrefix marks optimistic send echoes so the confirmed server
// copy can collapse them deterministically.
const localEchoPrefix = "tmp-"

// defaultHistoryPageSize is the backfill page size. The backend caps
// pages at 100; staying under the cap makes the short-page stop
// condition unambiguous.
const defaultHistoryPageSize = 50

// RoomConfig configures a room view.
type RoomConfig struct {
	// RoomID identifies the room. Required.
	RoomID string

	// LocalActorID is the authenticated actor, used for ownership
	// derivation and form roles. Required.
	LocalActorID string

	// Manager is the shared transport connection. Required.
	Manager *wire.Manager

	// Client is the REST surface for history, sends that cannot go over
	// the socket, form snapshots, and close actions. Required.
	Client *Client

	// Logger receives room diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// HistoryPageSize overrides the backfill page size. Defaults to 50.
	HistoryPageSize int

	// OnFeedChange is invoked (without the lock held) after any change
	// to the visible feed: a merged message, a read flip, a superseded
	// form bubble. May be nil. Coalescing is the host's job.
	OnFeedChange func()

	// OnStateChange is invoked after every close-negotiation
	// transition. May be nil.
	OnStateChange func(RoomState, CloseModalType)
}

// Room binds one room's timeline, form tracker, and close negotiator
// to the shared transport and REST client. Entering a room subscribes
// its full topic set and starts a history backfill; Close tears all of
// it down and later backfill completions no-op.
type Room struct {
	roomID       string
	localActorID string
	manager      *wire.Manager
	client       *Client
	logger       *slog.Logger
	pageSize     int
	onFeedChange func()

	timeline   *Timeline
	tracker    *FormTracker
	negotiator *CloseNegotiator

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*wire.Subscription
}

// OpenRoom enters a room: fetches its metadata to seed the close
// state, subscribes the per-room topic set, announces the room as
// active for presence, and starts the history backfill in the
// background.
func OpenRoom(ctx context.Context, cfg RoomConfig) (*Room, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("chat: room requires a room id")
	}
	if cfg.LocalActorID == "" {
		return nil, fmt.Errorf("chat: room requires a local actor id")
	}
	if cfg.Manager == nil || cfg.Client == nil {
		return nil, fmt.Errorf("chat: room requires a manager and a client")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}

	info, err := cfg.Client.Room(ctx, cfg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("chat: entering room %s: %w", cfg.RoomID, err)
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	room := &Room{
		roomID:       cfg.RoomID,
		localActorID: cfg.LocalActorID,
		manager:      cfg.Manager,
		client:       cfg.Client,
		logger:       cfg.Logger.With("room_id", cfg.RoomID),
		pageSize:     cfg.HistoryPageSize,
		onFeedChange: cfg.OnFeedChange,
		ctx:          roomCtx,
		cancel:       cancel,
	}

	room.timeline = NewTimeline(room.reportRead)
	room.tracker = NewFormTracker(cfg.LocalActorID, room.timeline, cfg.Client.CustomForm, room.logger)
	room.negotiator = NewCloseNegotiator(cfg.RoomID, cfg.LocalActorID, cfg.Client, room.logger, cfg.OnStateChange)
	room.negotiator.Seed(info.State)

	if err := room.subscribeAll(); err != nil {
		room.Close()
		return nil, err
	}

	cfg.Manager.SetActiveRoom(cfg.RoomID)
	go room.backfill(roomCtx)

	return room, nil
}

// subscribeAll registers the full per-room topic set. Partial failure
// unwinds nothing here; the caller closes the room, which cancels
// whatever was registered.
func (r *Room) subscribeAll() error {
	for topic, handler := range map[string]wire.Handler{
		TopicRoom(r.roomID):       r.handleMessage,
		TopicEmoticon(r.roomID):   r.handleMessage,
		TopicToastbox(r.roomID):   r.handleMessage,
		TopicCustomForm(r.roomID): r.handleCustomForm,
		TopicRead(r.roomID):       r.handleRead,
		TopicCloseRequest(r.roomID): func(_ string, payload json.RawMessage) {
			r.negotiator.HandleRequest(payload)
		},
		TopicCloseAccept(r.roomID): func(_ string, payload json.RawMessage) {
			r.negotiator.HandleAccept(payload)
		},
		TopicCloseReject(r.roomID): func(_ string, payload json.RawMessage) {
			r.negotiator.HandleReject(payload)
		},
	} {
		sub, err := r.manager.Subscribe(topic, handler)
		if err != nil {
			return fmt.Errorf("chat: subscribing %s: %w", topic, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	return nil
}

// handleMessage processes a live push on the message-bearing topics.
// A malformed payload is logged and dropped so one bad frame cannot
// break the feed.
func (r *Room) handleMessage(_ string, payload json.RawMessage) {
	message, err := Normalize(payload, r.localActorID)
	if err != nil {
		r.logger.Warn("dropping malformed message", "error", err)
		return
	}
	r.ingest(message)
}

// handleCustomForm processes a push on the customform topic, whose
// payloads are form-shaped and may omit the type discriminator.
func (r *Room) handleCustomForm(_ string, payload json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		r.logger.Warn("dropping malformed form payload", "error", err)
		return
	}
	fields["type"] = string(KindCustomForm)
	message, err := normalizeFields(fields, r.localActorID)
	if err != nil {
		r.logger.Warn("dropping malformed form payload", "error", err)
		return
	}
	r.ingest(message)
}

func (r *Room) handleRead(_ string, _ json.RawMessage) {
	r.timeline.MarkLocalRead()
	r.feedChanged()
}

// ingest routes one normalized message. Custom forms go through the
// tracker (which decides visibility); everything else merges directly.
// A server copy of a local send first collapses any optimistic echo
// that carries the same content, since the two legitimately differ in
// id and timestamp.
func (r *Room) ingest(message Message) {
	if message.Kind == KindCustomForm {
		r.tracker.Observe(r.ctx, message)
		r.feedChanged()
		return
	}

	if message.FromLocalActor && !strings.HasPrefix(message.ID, localEchoPrefix) {
		r.timeline.RemoveIf(func(existing Message) bool {
			return strings.HasPrefix(existing.ID, localEchoPrefix) &&
				existing.Kind == message.Kind &&
				existing.Content == message.Content
		})
	}
	if r.timeline.Merge(message) {
		r.feedChanged()
	}
}

// backfill walks history backward from the newest page until a short
// page signals the beginning of the room. Completion after Close is a
// no-op: the context check in front of every merge guards it.
func (r *Room) backfill(ctx context.Context) {
	beforeID := ""
	for {
		raw, err := r.client.History(ctx, r.roomID, beforeID, r.pageSize)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("history backfill failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var batch []Message
		var forms []Message
		for _, payload := range raw {
			message, err := Normalize(payload, r.localActorID)
			if err != nil {
				r.logger.Warn("dropping malformed history entry", "error", err)
				continue
			}
			if message.Kind == KindCustomForm {
				forms = append(forms, message)
				continue
			}
			batch = append(batch, message)
		}

		changed := r.timeline.MergeBatch(batch) > 0
		for _, message := range forms {
			r.tracker.Observe(ctx, message)
			changed = true
		}
		if changed {
			r.feedChanged()
		}

		if len(raw) < r.pageSize {
			return
		}
		next := r.timeline.OldestID()
		if next == "" || next == beforeID {
			return
		}
		beforeID = next
	}
}

// SendText sends a text message: an optimistic echo appears in the
// feed immediately, the socket is tried first, and REST is the
// fallback when the socket is down. A moderation rejection removes the
// echo and returns ErrModerationRejected so the host can restore the
// draft.
func (r *Room) SendText(ctx context.Context, content string) error {
	echo := Message{
		ID:             localEchoPrefix + uuid.NewString(),
		SenderID:       r.localActorID,
		Timestamp:      time.Now().UTC(),
		FromLocalActor: true,
		Kind:           KindText,
		Content:        content,
	}
	r.timeline.Merge(echo)
	r.feedChanged()

	payload := map[string]string{"roomId": r.roomID, "content": content}
	if err := r.manager.Publish(DestChatSend, payload); err == nil {
		return nil
	}

	confirmed, err := r.client.SendText(ctx, r.roomID, content)
	if err != nil {
		r.removeEcho(echo.ID)
		return err
	}
	if message, err := Normalize(confirmed, r.localActorID); err == nil {
		r.ingest(message)
	}
	return nil
}

// SendEmoticon sends an emoticon: socket first, REST fallback.
func (r *Room) SendEmoticon(ctx context.Context, emoticonID string) error {
	payload := map[string]string{"roomId": r.roomID, "emoticonId": emoticonID}
	if err := r.manager.Publish(DestChatEmoticon, payload); err == nil {
		return nil
	}

	confirmed, err := r.client.SendEmoticon(ctx, r.roomID, emoticonID)
	if err != nil {
		return err
	}
	if message, err := Normalize(confirmed, r.localActorID); err == nil {
		r.ingest(message)
	}
	return nil
}

// RequestClose initiates the close handshake.
func (r *Room) RequestClose(ctx context.Context) error {
	return r.negotiator.RequestClose(ctx)
}

// AcceptClose accepts the counterpart's close request.
func (r *Room) AcceptClose(ctx context.Context) error {
	return r.negotiator.AcceptClose(ctx)
}

// RejectClose rejects the counterpart's close request.
func (r *Room) RejectClose(ctx context.Context) error {
	return r.negotiator.RejectClose(ctx)
}

// State returns the current close-negotiation state.
func (r *Room) State() RoomState { return r.negotiator.State() }

// Modal returns the current close-modal presentation intent.
func (r *Room) Modal() CloseModalType { return r.negotiator.Modal() }

// Feed returns a copy of the visible message sequence, ordered by
// timestamp.
func (r *Room) Feed() []Message { return r.timeline.Messages() }

// Close leaves the room: cancels every topic subscription, stops the
// backfill, and clears the presence room. Idempotent.
func (r *Room) Close() {
	r.cancel()

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	r.manager.ClearActiveRoom(r.roomID)
}

// reportRead is the timeline's read reporter: a fire-and-forget
// publish telling the backend the local actor saw a counterpart
// message. Failure is logged, never retried; a later receipt corrects
// the loss.
func (r *Room) reportRead(message Message) {
	payload := map[string]string{"roomId": r.roomID, "messageId": message.ID}
	if err := r.manager.Publish(DestChatRead, payload); err != nil {
		r.logger.Debug("read report skipped", "message_id", message.ID, "error", err)
	}
}

func (r *Room) removeEcho(id string) {
	if r.timeline.RemoveIf(func(existing Message) bool { return existing.ID == id }) > 0 {
		r.feedChanged()
	}
}

func (r *Room) feedChanged() {
	if r.onFeedChange != nil {
		r.onFeedChange()
	}
}
