// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanternchat/lantern/lib/clock"
	"github.com/lanternchat/lantern/wire"
)

// UnreadAPI is the REST surface the synchronizer polls when pushes go
// quiet.
type UnreadAPI interface {
	TotalUnread(ctx context.Context) (int, error)
}

// Count aliases on unread push payloads, in priority order. Different
// backend producers name the field differently.
var countAliases = []string{"count", "unreadCount", "totalUnread", "unread", "total"}

// UnreadConfig configures an UnreadSync. API is required; everything
// else has a sensible default.
type UnreadConfig struct {
	// API fetches the authoritative total on poll and forced refresh.
	API UnreadAPI

	// Clock drives the poll ticker and the 429 retry wait. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives poll and push diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// PollInterval is the fallback poll cadence. Defaults to one
	// minute.
	PollInterval time.Duration

	// RefreshMinInterval is the floor between REST refreshes,
	// enforced process-wide across poll ticks and forced refreshes.
	// Defaults to ten seconds.
	RefreshMinInterval time.Duration

	// OnTotal is invoked with the new total whenever it changes (push
	// or poll). May be nil.
	OnTotal func(total int)

	// OnRoom is invoked whenever a room's unread count changes. May be
	// nil.
	OnRoom func(roomID string, count int)
}

// UnreadSync keeps the unread badge state: one process-wide total plus
// a per-room count map. Pushes are the primary source; a poll loop
// catches missed pushes, and every REST refresh passes through one
// shared rate limiter so no combination of triggers can exceed the
// refresh floor.
type UnreadSync struct {
	api     UnreadAPI
	clock   clock.Clock
	logger  *slog.Logger
	limiter *rate.Limiter

	pollInterval time.Duration
	refreshFloor time.Duration
	onTotal      func(int)
	onRoom       func(string, int)

	mu       sync.Mutex
	total    int
	perRoom  map[string]int
	pushSeen bool
}

// NewUnreadSync validates cfg and returns a synchronizer. The poll
// loop does not start until Run.
func NewUnreadSync(cfg UnreadConfig) (*UnreadSync, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("chat: unread sync requires an API")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.RefreshMinInterval <= 0 {
		cfg.RefreshMinInterval = 10 * time.Second
	}
	return &UnreadSync{
		api:          cfg.API,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		limiter:      rate.NewLimiter(rate.Every(cfg.RefreshMinInterval), 1),
		pollInterval: cfg.PollInterval,
		refreshFloor: cfg.RefreshMinInterval,
		onTotal:      cfg.OnTotal,
		onRoom:       cfg.OnRoom,
		perRoom:      make(map[string]int),
	}, nil
}

// Attach subscribes the synchronizer's two push topics on the manager.
// The returned subscriptions belong to the caller; cancel them to
// detach.
func (u *UnreadSync) Attach(manager *wire.Manager) ([]*wire.Subscription, error) {
	totalSub, err := manager.Subscribe(TopicTotalUnread, func(_ string, payload json.RawMessage) {
		u.HandleTotalPush(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("chat: subscribing total unread: %w", err)
	}
	roomSub, err := manager.Subscribe(TopicRoomUnread, func(_ string, payload json.RawMessage) {
		u.HandleRoomPush(payload)
	})
	if err != nil {
		totalSub.Cancel()
		return nil, fmt.Errorf("chat: subscribing room unread: %w", err)
	}
	return []*wire.Subscription{totalSub, roomSub}, nil
}

// Total returns the last known process-wide unread total.
func (u *UnreadSync) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// RoomCount returns the last known unread count for one room.
func (u *UnreadSync) RoomCount(roomID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.perRoom[roomID]
}

// HandleTotalPush processes a total-unread push. An equal value is
// suppressed (no consumer notification); any delivered push, changed
// or not, marks the current poll cycle as served.
func (u *UnreadSync) HandleTotalPush(payload json.RawMessage) {
	count, ok := parseCount(payload)
	if !ok {
		u.logger.Warn("unparsable total unread push", "payload", string(payload))
		return
	}
	u.setTotal(count, true)
}

// HandleRoomPush processes a per-room unread push carrying a roomId
// alongside the count.
func (u *UnreadSync) HandleRoomPush(payload json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		u.logger.Warn("unparsable room unread push", "error", err)
		return
	}
	roomID := firstString(fields, []string{"roomId", "room"})
	if roomID == "" {
		u.logger.Warn("room unread push without room id", "payload", string(payload))
		return
	}
	count, ok := firstCount(fields)
	if !ok {
		u.logger.Warn("room unread push without count", "room_id", roomID)
		return
	}

	u.mu.Lock()
	u.pushSeen = true
	changed := u.perRoom[roomID] != count
	u.perRoom[roomID] = count
	onRoom := u.onRoom
	u.mu.Unlock()

	if changed && onRoom != nil {
		onRoom(roomID, count)
	}
}

// Run drives the fallback poll loop until ctx is cancelled. A cycle in
// which any push arrived is skipped entirely — the push already proved
// the channel live, so the poll would be redundant load.
func (u *UnreadSync) Run(ctx context.Context) {
	ticker := u.clock.NewTicker(u.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.consumePushSeen() {
				continue
			}
			u.refresh(ctx)
		}
	}
}

// ForceRefresh fetches the total immediately, subject to the same
// process-wide refresh floor as the poll loop. Inside the floor it
// returns nil without fetching: the current value is at most the floor
// interval stale, which is the documented tolerance.
func (u *UnreadSync) ForceRefresh(ctx context.Context) error {
	return u.refresh(ctx)
}

func (u *UnreadSync) consumePushSeen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	seen := u.pushSeen
	u.pushSeen = false
	return seen
}

// refresh performs one rate-limited REST fetch. On 429 it retries
// exactly once after the server's Retry-After (or the refresh floor
// when the header was absent); a second failure leaves the stale value
// in place silently.
func (u *UnreadSync) refresh(ctx context.Context) error {
	if !u.limiter.Allow() {
		return nil
	}

	count, err := u.api.TotalUnread(ctx)
	if err == nil {
		u.setTotal(count, false)
		return nil
	}
	if !IsRateLimited(err) {
		u.logger.Warn("unread refresh failed", "error", err)
		return fmt.Errorf("chat: unread refresh: %w", err)
	}

	wait := u.refreshFloor
	if apiErr := AsAPIError(err); apiErr != nil && apiErr.RetryAfter > 0 {
		wait = apiErr.RetryAfter
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.clock.After(wait):
	}

	count, err = u.api.TotalUnread(ctx)
	if err != nil {
		u.logger.Warn("unread refresh retry failed, keeping stale value", "error", err)
		return nil
	}
	u.setTotal(count, false)
	return nil
}

func (u *UnreadSync) setTotal(count int, fromPush bool) {
	u.mu.Lock()
	if fromPush {
		u.pushSeen = true
	}
	changed := u.total != count
	u.total = count
	onTotal := u.onTotal
	u.mu.Unlock()

	if changed && onTotal != nil {
		onTotal(count)
	}
}

// parseCount accepts either a bare JSON number or an object carrying
// one of the count aliases.
func parseCount(payload json.RawMessage) (int, bool) {
	var bare float64
	if err := json.Unmarshal(payload, &bare); err == nil {
		return int(bare), true
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, false
	}
	return firstCount(fields)
}

func firstCount(fields map[string]any) (int, bool) {
	for _, alias := range countAliases {
		if value, ok := fields[alias].(float64); ok {
			return int(value), true
		}
	}
	return 0, false
}
