// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/lanternchat/lantern/lib/clock"
)

// State describes the connection lifecycle. Transitions:
// Disconnected → Connecting → Connected → Disconnected (on loss).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// CredentialProvider supplies the auth token for the connect frame.
// Token is called on every (re)connect attempt — never cached — so a
// token rotated by the host is picked up on the next dial.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// Handler receives inbound message frames for a subscribed topic.
// Handlers for one topic are invoked sequentially in frame arrival
// order, from the read pump goroutine. A slow handler delays delivery
// for every topic; do not block.
type Handler func(topic string, payload json.RawMessage)

// presenceDestination receives the room-scoped activity announcement
// while connected.
const presenceDestination = "app.presence"

// Backoff and presence defaults. The presence floor is a hard minimum:
// announcing more often than every 30 seconds floods the broker.
const (
	defaultInitialDelay     = time.Second
	defaultGrowthFactor     = 1.5
	defaultMaxDelay         = 30 * time.Second
	defaultMaxAttempts      = 5
	minPresenceInterval     = 30 * time.Second
	defaultPresenceInterval = 30 * time.Second
)

// Config holds construction parameters for a Manager.
type Config struct {
	// Endpoint is the broker WebSocket URL (e.g., "wss://chat.example.com/ws").
	Endpoint string
	// Credentials supplies the auth token per connect attempt. Required.
	Credentials CredentialProvider
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock drives backoff delays and the presence ticker. If nil,
	// clock.Real() is used.
	Clock clock.Clock
	// Dialer performs the WebSocket dial. If nil, websocket.DefaultDialer
	// is used.
	Dialer *websocket.Dialer

	// InitialDelay, GrowthFactor, and MaxDelay shape the reconnect
	// backoff: delay = min(InitialDelay × GrowthFactorⁿ, MaxDelay).
	// Zero values take the defaults (1s, 1.5, 30s).
	InitialDelay time.Duration
	GrowthFactor float64
	MaxDelay     time.Duration

	// MaxAttempts bounds one Connect call. After this many failed dials
	// Connect returns ErrUnavailable. Zero means the default (5).
	MaxAttempts int

	// PresenceInterval is how often the active-room announcement is
	// published while connected. Values below 30s are raised to 30s.
	PresenceInterval time.Duration
}

// Manager owns the process-wide broker connection. Construct with
// NewManager, call Start once, share by reference, and Stop when the
// host shuts down. All methods are safe for concurrent use.
type Manager struct {
	endpoint         string
	credentials      CredentialProvider
	logger           *slog.Logger
	clock            clock.Clock
	dialer           *websocket.Dialer
	initialDelay     time.Duration
	growthFactor     float64
	maxDelay         time.Duration
	maxAttempts      int
	presenceInterval time.Duration

	// group collapses concurrent Connect calls onto one dial loop.
	group singleflight.Group

	// writeMu serializes socket writes; gorilla/websocket permits at
	// most one concurrent writer.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	attempts     int
	nextSubID    int
	subs         map[string]*topicEntry
	activeRoom   string
	started      bool
	stopped      bool
	stop         chan struct{}
	reconnecting bool
}

// topicEntry is one registry slot: a wire-level subscription shared by
// every logical consumer of the topic.
type topicEntry struct {
	id       string
	nextKey  int
	handlers map[int]Handler
}

// NewManager validates the config and returns an unstarted Manager.
func NewManager(config Config) (*Manager, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("wire: Endpoint is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("wire: Credentials is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	initialDelay := config.InitialDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	growthFactor := config.GrowthFactor
	if growthFactor <= 1 {
		growthFactor = defaultGrowthFactor
	}
	maxDelay := config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	presenceInterval := config.PresenceInterval
	if presenceInterval <= 0 {
		presenceInterval = defaultPresenceInterval
	}
	if presenceInterval < minPresenceInterval {
		presenceInterval = minPresenceInterval
	}

	return &Manager{
		endpoint:         config.Endpoint,
		credentials:      config.Credentials,
		logger:           logger,
		clock:            clk,
		dialer:           dialer,
		initialDelay:     initialDelay,
		growthFactor:     growthFactor,
		maxDelay:         maxDelay,
		maxAttempts:      maxAttempts,
		presenceInterval: presenceInterval,
		subs:             make(map[string]*topicEntry),
		stop:             make(chan struct{}),
	}, nil
}

// Start connects to the broker and launches the presence announcer.
// A failed initial connection is returned to the caller; the Manager
// remains usable — a later Connect (or the reconnect supervisor, once
// a connection has been established and lost) will keep trying.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("wire: manager already started")
	}
	m.started = true
	m.mu.Unlock()

	go m.presenceLoop()
	return m.Connect(ctx)
}

// Stop tears the connection down and stops all background loops.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stop)
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// ConnState returns the current connection state.
func (m *Manager) ConnState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the broker connection. Idempotent: if already
// connected it returns immediately, and concurrent callers share one
// in-flight dial loop (single-flight). Gives up with ErrUnavailable
// after the attempt budget; the caller should fall back to REST.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do("connect", func() (any, error) {
		return nil, m.dialLoop(ctx)
	})
	return err
}

// dialLoop runs bounded dial attempts with exponential backoff between
// them. Only one dialLoop runs at a time (enforced by singleflight).
func (m *Manager) dialLoop(ctx context.Context) error {
	// A racing Connect may have completed while this caller was queued
	// behind the singleflight gate.
	if m.ConnState() == StateConnected {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.stop:
				return ErrStopped
			case <-m.clock.After(m.backoffDelay(attempt - 1)):
			}
		}

		err := m.dial(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		m.bumpAttempts()
		m.logger.Warn("broker connect failed",
			"endpoint", m.endpoint,
			"attempt", attempt+1,
			"max_attempts", m.maxAttempts,
			"error", err,
		)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, m.maxAttempts, lastErr)
}

// backoffDelay returns the delay before retry number attempt+1:
// min(InitialDelay × GrowthFactor^attempt, MaxDelay).
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(m.initialDelay) * math.Pow(m.growthFactor, float64(attempt)))
	if delay > m.maxDelay || delay <= 0 {
		delay = m.maxDelay
	}
	return delay
}

func (m *Manager) bumpAttempts() {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
}

// Attempts returns the number of failed dials since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// dial performs one connection attempt: fresh token, WebSocket dial,
// auth handshake, subscription replay, read pump launch.
func (m *Manager) dial(ctx context.Context) error {
	m.setState(StateConnecting)

	token, err := m.credentials.Token(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("deriving credential: %w", err)
	}

	conn, _, err := m.dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dialing %s: %w", m.endpoint, err)
	}

	if err := conn.WriteJSON(Frame{Type: FrameConnect, Token: token}); err != nil {
		conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("sending connect frame: %w", err)
	}

	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("reading connect reply: %w", err)
	}
	if reply.Type != FrameConnected {
		conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("broker rejected connection: %s (%s)", reply.Type, reply.Reason)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	replay := make([]Frame, 0, len(m.subs))
	for topic, entry := range m.subs {
		replay = append(replay, Frame{Type: FrameSubscribe, ID: entry.id, Topic: topic})
	}
	m.mu.Unlock()

	// Replay the registry so consumers keep receiving across
	// reconnects without re-subscribing themselves.
	for _, frame := range replay {
		if err := m.writeFrame(conn, frame); err != nil {
			m.logger.Warn("subscription replay failed",
				"topic", frame.Topic,
				"error", err,
			)
		}
	}

	m.logger.Info("broker connected",
		"endpoint", m.endpoint,
		"subscriptions", len(replay),
	)

	go m.readPump(conn)
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// readPump drains inbound frames from one socket until it dies, then
// triggers the reconnect supervisor. Handler dispatch happens here, so
// per-topic delivery order matches frame arrival order.
func (m *Manager) readPump(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			m.handleConnLost(conn, err)
			return
		}

		switch frame.Type {
		case FrameMessage:
			m.dispatch(frame.Topic, frame.Payload)
		case FrameError:
			m.logger.Warn("broker error frame", "reason", frame.Reason)
		default:
			m.logger.Debug("ignoring unexpected frame", "type", frame.Type)
		}
	}
}

// dispatch invokes the handlers registered for topic. The handler
// slice is snapshotted under the lock; invocation happens outside it
// so a handler may subscribe or publish without deadlocking.
func (m *Manager) dispatch(topic string, payload json.RawMessage) {
	m.mu.Lock()
	entry, ok := m.subs[topic]
	var handlers []Handler
	if ok {
		handlers = make([]Handler, 0, len(entry.handlers))
		for _, h := range entry.handlers {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("message for unregistered topic", "topic", topic)
		return
	}
	for _, handler := range handlers {
		handler(topic, payload)
	}
}

// handleConnLost marks the connection down (if conn is still current)
// and launches the background reconnect supervisor.
func (m *Manager) handleConnLost(conn *websocket.Conn, err error) {
	conn.Close()

	m.mu.Lock()
	if m.stopped || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	alreadyReconnecting := m.reconnecting
	m.reconnecting = true
	m.mu.Unlock()

	m.logger.Warn("broker connection lost", "error", err)

	if !alreadyReconnecting {
		go m.superviseReconnect()
	}
}

// superviseReconnect retries the connection for as long as the Manager
// runs. Each round is a bounded Connect; between exhausted rounds it
// waits the max backoff. Nothing terminates this loop except Stop —
// errors are logged and absorbed.
func (m *Manager) superviseReconnect() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		err := m.Connect(context.Background())
		if err == nil {
			return
		}
		if err == ErrStopped {
			return
		}
		m.logger.Warn("reconnect round exhausted, will retry", "error", err)

		select {
		case <-m.stop:
			return
		case <-m.clock.After(m.maxDelay):
		}
	}
}

// Subscribe registers handler for topic. If the topic is already in
// the registry the existing wire subscription is reused and no frame
// is sent; otherwise a registration is issued (or queued for the next
// connect when currently disconnected). Cancel the returned
// Subscription to detach.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("wire: topic is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("wire: handler is required")
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}

	entry, exists := m.subs[topic]
	if !exists {
		m.nextSubID++
		entry = &topicEntry{
			id:       "s" + strconv.Itoa(m.nextSubID),
			handlers: make(map[int]Handler),
		}
		m.subs[topic] = entry
	}
	entry.nextKey++
	key := entry.nextKey
	entry.handlers[key] = handler

	var registration *Frame
	conn := m.conn
	if !exists && m.state == StateConnected && conn != nil {
		registration = &Frame{Type: FrameSubscribe, ID: entry.id, Topic: topic}
	}
	m.mu.Unlock()

	if registration != nil {
		if err := m.writeFrame(conn, *registration); err != nil {
			// The entry stays registered: the next connect replays it.
			m.logger.Warn("subscribe frame failed, will replay on reconnect",
				"topic", topic,
				"error", err,
			)
		}
	}

	return &Subscription{manager: m, topic: topic, key: key}, nil
}

// unsubscribe detaches one handler; the wire unsubscribe goes out only
// when the last handler for the topic is gone.
func (m *Manager) unsubscribe(topic string, key int) {
	m.mu.Lock()
	entry, ok := m.subs[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(entry.handlers, key)
	if len(entry.handlers) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, topic)
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	id := entry.id
	m.mu.Unlock()

	if connected {
		if err := m.writeFrame(conn, Frame{Type: FrameUnsubscribe, ID: id, Topic: topic}); err != nil {
			m.logger.Warn("unsubscribe frame failed", "topic", topic, "error", err)
		}
	}
}

// Publish sends payload to a server destination. Fire-and-forget on
// the wire, but a missing connection is reported synchronously with
// ErrNotConnected so the caller can take the REST path.
func (m *Manager) Publish(destination string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: encoding payload for %s: %w", destination, err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if err := m.writeFrame(conn, Frame{Type: FrameSend, Destination: destination, Payload: encoded}); err != nil {
		return fmt.Errorf("wire: publish to %s: %w", destination, err)
	}
	return nil
}

// writeFrame serializes all socket writes; gorilla/websocket allows at
// most one concurrent writer.
func (m *Manager) writeFrame(conn *websocket.Conn, frame Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// SetActiveRoom updates the room announced by the presence loop. An
// empty id suspends announcements.
func (m *Manager) SetActiveRoom(roomID string) {
	m.mu.Lock()
	m.activeRoom = roomID
	m.mu.Unlock()
}

// ClearActiveRoom suspends announcements, but only if roomID is still
// the announced room. A room view leaving the foreground uses this so
// it cannot wipe an announcement that another view has since claimed.
func (m *Manager) ClearActiveRoom(roomID string) {
	m.mu.Lock()
	if m.activeRoom == roomID {
		m.activeRoom = ""
	}
	m.mu.Unlock()
}

// ActiveRoom returns the room currently announced by the presence
// loop, or "" when announcements are suspended.
func (m *Manager) ActiveRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRoom
}

// presencePayload is the body published to app.presence.
type presencePayload struct {
	Status       string `json:"status"`
	ActiveRoomID string `json:"activeRoomId"`
}

// presenceLoop announces the active room at the configured interval
// while connected. The interval has a 30-second floor so presence
// traffic never floods the broker.
func (m *Manager) presenceLoop() {
	ticker := m.clock.NewTicker(m.presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		room := m.activeRoom
		connected := m.state == StateConnected && m.conn != nil
		m.mu.Unlock()

		if !connected || room == "" {
			continue
		}
		if err := m.Publish(presenceDestination, presencePayload{Status: "online", ActiveRoomID: room}); err != nil {
			m.logger.Debug("presence announce failed", "room_id", room, "error", err)
		}
	}
}
