// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternchat/lantern/lib/clock"
	"github.com/lanternchat/lantern/lib/testutil"
)

const waitTimeout = 5 * time.Second

// staticCredentials returns the same token on every connect and counts
// how many times it was asked.
type staticCredentials struct {
	token string
	calls atomic.Int32
	gate  chan struct{} // when non-nil, Token blocks until closed
}

func (c *staticCredentials) Token(ctx context.Context) (string, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.token, nil
}

// rotatingCredentials returns token-1, token-2, ... so tests can prove
// each reconnect re-derives the credential.
type rotatingCredentials struct {
	calls atomic.Int32
}

func (c *rotatingCredentials) Token(context.Context) (string, error) {
	n := c.calls.Add(1)
	return "token-" + string(rune('0'+n)), nil
}

// testBroker is an in-process frame broker. It records connect tokens
// and subscribe/send frames on channels and lets tests push message
// frames to the connected client or sever the socket.
type testBroker struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	rejectToken string // connect with this token gets an error frame

	tokens     chan string
	subscribes chan Frame
	sends      chan Frame

	mu   sync.Mutex
	conn *websocket.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	broker := &testBroker{
		t:          t,
		tokens:     make(chan string, 16),
		subscribes: make(chan Frame, 16),
		sends:      make(chan Frame, 16),
	}
	broker.server = httptest.NewServer(http.HandlerFunc(broker.handle))
	t.Cleanup(broker.server.Close)
	return broker
}

// URL returns the ws:// endpoint for the broker.
func (b *testBroker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *testBroker) handle(writer http.ResponseWriter, request *http.Request) {
	conn, err := b.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}

	var connect Frame
	if err := conn.ReadJSON(&connect); err != nil || connect.Type != FrameConnect {
		conn.Close()
		return
	}
	b.tokens <- connect.Token

	if b.rejectToken != "" && connect.Token == b.rejectToken {
		conn.WriteJSON(Frame{Type: FrameError, Reason: "bad credentials"})
		conn.Close()
		return
	}
	if err := conn.WriteJSON(Frame{Type: FrameConnected}); err != nil {
		conn.Close()
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameSubscribe, FrameUnsubscribe:
			b.subscribes <- frame
		case FrameSend:
			b.sends <- frame
		}
	}
}

// push delivers a message frame to the connected client.
func (b *testBroker) push(frame Frame) {
	b.t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.t.Fatal("broker has no client connection")
	}
	if err := conn.WriteJSON(frame); err != nil {
		b.t.Fatalf("broker push failed: %v", err)
	}
}

// sever closes the current client socket from the server side.
func (b *testBroker) sever() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func newTestManager(t *testing.T, broker *testBroker, credentials CredentialProvider, clk clock.Clock) *Manager {
	t.Helper()
	if credentials == nil {
		credentials = &staticCredentials{token: "test-token"}
	}
	manager, err := NewManager(Config{
		Endpoint:    broker.URL(),
		Credentials: credentials,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Stop)
	return manager
}

func TestNewManager(t *testing.T) {
	t.Run("missing endpoint", func(t *testing.T) {
		_, err := NewManager(Config{Credentials: &staticCredentials{}})
		if err == nil {
			t.Fatal("expected error for missing endpoint")
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := NewManager(Config{Endpoint: "ws://localhost:1"})
		if err == nil {
			t.Fatal("expected error for missing credentials")
		}
	})
}

func TestBackoffSchedule(t *testing.T) {
	manager, err := NewManager(Config{
		Endpoint:    "ws://localhost:1",
		Credentials: &staticCredentials{},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	expected := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
	}
	for attempt, want := range expected {
		if got := manager.backoffDelay(attempt); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, want)
		}
	}

	// Far-out attempts cap at the max delay.
	if got := manager.backoffDelay(20); got != defaultMaxDelay {
		t.Errorf("backoffDelay(20) = %v, want cap %v", got, defaultMaxDelay)
	}
}

func TestConnect(t *testing.T) {
	t.Run("successful connect resets attempt counter", func(t *testing.T) {
		broker := newTestBroker(t)
		manager := newTestManager(t, broker, nil, nil)

		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if state := manager.ConnState(); state != StateConnected {
			t.Errorf("state = %v, want connected", state)
		}
		if manager.Attempts() != 0 {
			t.Errorf("attempts = %d, want 0", manager.Attempts())
		}
		testutil.RequireReceive(t, broker.tokens, waitTimeout, "connect token")
	})

	t.Run("idempotent when already connected", func(t *testing.T) {
		broker := newTestBroker(t)
		credentials := &staticCredentials{token: "test-token"}
		manager := newTestManager(t, broker, credentials, nil)

		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("second Connect failed: %v", err)
		}
		if got := credentials.calls.Load(); got != 1 {
			t.Errorf("token derived %d times, want 1", got)
		}
	})

	t.Run("single-flight under concurrent callers", func(t *testing.T) {
		broker := newTestBroker(t)
		credentials := &staticCredentials{token: "test-token", gate: make(chan struct{})}
		manager := newTestManager(t, broker, credentials, nil)

		var group sync.WaitGroup
		errs := make([]error, 3)
		for i := range errs {
			group.Add(1)
			go func(i int) {
				defer group.Done()
				errs[i] = manager.Connect(context.Background())
			}(i)
		}

		// All three callers are queued on one in-flight dial; releasing
		// the credential gate lets exactly one handshake proceed.
		time.Sleep(50 * time.Millisecond)
		close(credentials.gate)
		group.Wait()

		for i, err := range errs {
			if err != nil {
				t.Errorf("caller %d: Connect failed: %v", i, err)
			}
		}
		testutil.RequireReceive(t, broker.tokens, waitTimeout, "connect token")
		select {
		case <-broker.tokens:
			t.Fatal("duplicate connection attempt reached the broker")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("rejected credentials surface as unavailable", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.rejectToken = "revoked"
		manager, err := NewManager(Config{
			Endpoint:    broker.URL(),
			Credentials: &staticCredentials{token: "revoked"},
			Clock:       clock.Real(),
			MaxAttempts: 1,
		})
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		defer manager.Stop()

		err = manager.Connect(context.Background())
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Connect error = %v, want ErrUnavailable", err)
		}
	})

	t.Run("stopped manager refuses", func(t *testing.T) {
		broker := newTestBroker(t)
		manager := newTestManager(t, broker, nil, nil)
		manager.Stop()
		if err := manager.Connect(context.Background()); !errors.Is(err, ErrStopped) {
			t.Fatalf("Connect error = %v, want ErrStopped", err)
		}
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("registry reuses one wire subscription per topic", func(t *testing.T) {
		broker := newTestBroker(t)
		manager := newTestManager(t, broker, nil, nil)
		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		first := make(chan string, 1)
		second := make(chan string, 1)
		subA, err := manager.Subscribe("chat.room.42", func(_ string, payload json.RawMessage) {
			first <- string(payload)
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		subB, err := manager.Subscribe("chat.room.42", func(_ string, payload json.RawMessage) {
			second <- string(payload)
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		frame := testutil.RequireReceive(t, broker.subscribes, waitTimeout, "subscribe frame")
		if frame.Topic != "chat.room.42" {
			t.Errorf("subscribed topic = %q", frame.Topic)
		}
		select {
		case extra := <-broker.subscribes:
			t.Fatalf("duplicate registration sent over the wire: %+v", extra)
		case <-time.After(100 * time.Millisecond):
		}

		broker.push(Frame{Type: FrameMessage, Topic: "chat.room.42", Payload: []byte(`{"n":1}`)})
		if got := testutil.RequireReceive(t, first, waitTimeout, "first handler"); got != `{"n":1}` {
			t.Errorf("first handler payload = %s", got)
		}
		testutil.RequireReceive(t, second, waitTimeout, "second handler")

		// First cancel keeps the wire subscription alive; the second
		// tears it down.
		subA.Cancel()
		select {
		case frame := <-broker.subscribes:
			t.Fatalf("unexpected frame after first cancel: %+v", frame)
		case <-time.After(100 * time.Millisecond):
		}
		subB.Cancel()
		frame = testutil.RequireReceive(t, broker.subscribes, waitTimeout, "unsubscribe frame")
		if frame.Type != FrameUnsubscribe {
			t.Errorf("frame type = %q, want unsubscribe", frame.Type)
		}
	})

	t.Run("subscription registered while disconnected is replayed", func(t *testing.T) {
		broker := newTestBroker(t)
		manager := newTestManager(t, broker, nil, nil)

		received := make(chan string, 1)
		if _, err := manager.Subscribe("chat.room.7", func(_ string, payload json.RawMessage) {
			received <- string(payload)
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		frame := testutil.RequireReceive(t, broker.subscribes, waitTimeout, "replayed subscribe")
		if frame.Topic != "chat.room.7" {
			t.Errorf("replayed topic = %q", frame.Topic)
		}
	})
}

func TestReconnect(t *testing.T) {
	broker := newTestBroker(t)
	credentials := &rotatingCredentials{}
	manager := newTestManager(t, broker, credentials, nil)

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	firstToken := testutil.RequireReceive(t, broker.tokens, waitTimeout, "first token")

	if _, err := manager.Subscribe("chat.room.9", func(string, json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	testutil.RequireReceive(t, broker.subscribes, waitTimeout, "initial subscribe")

	broker.sever()

	// The supervisor re-dials with a freshly derived token and replays
	// the registry.
	secondToken := testutil.RequireReceive(t, broker.tokens, waitTimeout, "reconnect token")
	if secondToken == firstToken {
		t.Errorf("reconnect reused stale token %q", secondToken)
	}
	replayed := testutil.RequireReceive(t, broker.subscribes, waitTimeout, "replayed subscribe")
	if replayed.Topic != "chat.room.9" {
		t.Errorf("replayed topic = %q", replayed.Topic)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		return manager.ConnState() == StateConnected
	}, "manager reconnected")
}

func TestPublish(t *testing.T) {
	t.Run("fails synchronously when disconnected", func(t *testing.T) {
		broker := newTestBroker(t)
		manager := newTestManager(t, broker, nil, nil)
		err := manager.Publish("app.chat.send", map[string]string{"roomId": "1"})
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("Publish error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("delivers while connected", func(t *testing.T) {
		broker := newTestBroker(t)
		manager := newTestManager(t, broker, nil, nil)
		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		if err := manager.Publish("app.chat.read", map[string]string{"roomId": "42"}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		frame := testutil.RequireReceive(t, broker.sends, waitTimeout, "send frame")
		if frame.Destination != "app.chat.read" {
			t.Errorf("destination = %q", frame.Destination)
		}
	})
}

func TestPresenceAnnouncements(t *testing.T) {
	broker := newTestBroker(t)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	manager := newTestManager(t, broker, nil, fake)

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	manager.SetActiveRoom("42")

	// The presence ticker is the only pending waiter.
	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)

	frame := testutil.RequireReceive(t, broker.sends, waitTimeout, "presence frame")
	if frame.Destination != presenceDestination {
		t.Errorf("destination = %q, want %q", frame.Destination, presenceDestination)
	}
	if !strings.Contains(string(frame.Payload), `"activeRoomId":"42"`) {
		t.Errorf("presence payload = %s", frame.Payload)
	}

	// No active room, no announcement.
	manager.SetActiveRoom("")
	fake.Advance(30 * time.Second)
	select {
	case frame := <-broker.sends:
		t.Fatalf("unexpected announcement: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClearActiveRoom(t *testing.T) {
	broker := newTestBroker(t)
	manager := newTestManager(t, broker, nil, clock.Real())

	manager.SetActiveRoom("42")

	// A room view that is no longer in the foreground must not wipe the
	// announcement another view has since claimed.
	manager.SetActiveRoom("43")
	manager.ClearActiveRoom("42")
	if got := manager.ActiveRoom(); got != "43" {
		t.Errorf("ActiveRoom = %q, want the claim to survive a stale clear", got)
	}

	manager.ClearActiveRoom("43")
	if got := manager.ActiveRoom(); got != "" {
		t.Errorf("ActiveRoom = %q, want cleared", got)
	}
}
