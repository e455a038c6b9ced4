// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lanternchat/lantern/lib/testutil"
	"github.com/lanternchat/lantern/wire"
)

type stubProvider struct{}

func (stubProvider) Token(_ context.Context) (string, error) { return "tok", nil }

// newRoomFixture builds a Room against an httptest REST backend and an
// unstarted Manager. With no live socket, Publish fails fast and every
// send exercises the REST fallback; push traffic is simulated by
// invoking the topic handlers directly.
func newRoomFixture(t *testing.T, mux *http.ServeMux, cfg RoomConfig) *Room {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	manager, err := wire.NewManager(wire.Config{
		Endpoint:    "ws://unused.invalid/ws",
		Credentials: stubProvider{},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		Credentials: &staticSource{token: "tok"},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	cfg.Manager = manager
	cfg.Client = client
	if cfg.RoomID == "" {
		cfg.RoomID = "42"
	}
	if cfg.LocalActorID == "" {
		cfg.LocalActorID = "me"
	}

	room, err := OpenRoom(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	t.Cleanup(room.Close)
	return room
}

// emptyRoomMux serves room metadata plus an empty history.
func emptyRoomMux(state RoomState) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/42", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"roomId": "42", "state": %q}`, state)
	})
	mux.HandleFunc("/api/rooms/42/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"messages": []}`)
			return
		}
		http.NotFound(w, r)
	})
	return mux
}

func TestOpenRoomSeedsCloseState(t *testing.T) {
	room := newRoomFixture(t, emptyRoomMux(RoomCloseRequest), RoomConfig{})
	if room.State() != RoomCloseRequest {
		t.Fatalf("State = %s, want seeded CLOSE_REQUEST", room.State())
	}
	if room.Modal() != ModalNone {
		t.Fatalf("Modal = %s, a seeded state carries no modal", room.Modal())
	}
}

func TestRoomBackfill(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/42", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"roomId": "42", "state": "ACTIVE"}`)
	})
	mux.HandleFunc("/api/rooms/42/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("beforeId") {
		case "":
			fmt.Fprint(w, `{"messages": [
				{"id": "m2", "senderId": "them", "content": "second", "createdAt": "2026-08-01T10:01:00Z"},
				{"id": "m3", "senderId": "me", "content": "third", "createdAt": "2026-08-01T10:02:00Z"}
			]}`)
		case "m2":
			fmt.Fprint(w, `{"messages": [
				{"id": "m1", "senderId": "them", "content": "first", "createdAt": "2026-08-01T10:00:00Z"}
			]}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("beforeId"))
			fmt.Fprint(w, `{"messages": []}`)
		}
	})

	room := newRoomFixture(t, mux, RoomConfig{HistoryPageSize: 2})

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(room.Feed()) == 3
	}, "backfill should walk both pages")

	feed := room.Feed()
	if feed[0].ID != "m1" || feed[1].ID != "m2" || feed[2].ID != "m3" {
		t.Fatalf("feed order: %s %s %s", feed[0].ID, feed[1].ID, feed[2].ID)
	}
	if !feed[2].FromLocalActor {
		t.Fatal("history entry from the local actor should be owned")
	}
}

func TestRoomSendText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/42", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"roomId": "42", "state": "ACTIVE"}`)
	})
	moderate := false
	mux.HandleFunc("/api/rooms/42/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"messages": []}`)
			return
		}
		if moderate {
			fmt.Fprint(w, `{"id": "srv-1", "senderId": "me", "content": "(content filtered)", "createdAt": "2026-08-01T10:00:00Z"}`)
			return
		}
		fmt.Fprint(w, `{"id": "srv-1", "senderId": "me", "content": "hello", "createdAt": "2026-08-01T10:00:00Z"}`)
	})

	t.Run("socket down falls back to REST and collapses the echo", func(t *testing.T) {
		room := newRoomFixture(t, mux, RoomConfig{})
		if err := room.SendText(context.Background(), "hello"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		testutil.Eventually(t, 2*time.Second, func() bool {
			feed := room.Feed()
			return len(feed) == 1 && feed[0].ID == "srv-1"
		}, "the confirmed copy should replace the optimistic echo, feed=%v", room.Feed())
	})

	t.Run("moderation rejection removes the echo", func(t *testing.T) {
		room := newRoomFixture(t, mux, RoomConfig{})
		moderate = true
		defer func() { moderate = false }()

		err := room.SendText(context.Background(), "rude words")
		if !errors.Is(err, ErrModerationRejected) {
			t.Fatalf("err = %v, want ErrModerationRejected", err)
		}
		if len(room.Feed()) != 0 {
			t.Fatalf("feed = %v, the echo must be withdrawn", room.Feed())
		}
	})
}

func TestRoomEchoCollapse(t *testing.T) {
	room := newRoomFixture(t, emptyRoomMux(RoomActive), RoomConfig{})

	// Optimistic echo in the feed, then the server's broadcast copy of
	// the same send arrives with its own id and timestamp.
	room.timeline.Merge(Message{
		ID:             "tmp-abc",
		SenderID:       "me",
		Timestamp:      time.Now().UTC(),
		FromLocalActor: true,
		Kind:           KindText,
		Content:        "hello",
	})
	room.handleMessage("", []byte(`{
		"id": "srv-9", "senderId": "me", "content": "hello",
		"createdAt": "2026-08-01T10:00:00Z"
	}`))

	feed := room.Feed()
	if len(feed) != 1 || feed[0].ID != "srv-9" {
		t.Fatalf("feed = %v, want the echo collapsed into the server copy", feed)
	}
}

func TestRoomPushRouting(t *testing.T) {
	room := newRoomFixture(t, emptyRoomMux(RoomActive), RoomConfig{LocalActorID: "creator"})

	t.Run("form payload without discriminator", func(t *testing.T) {
		room.handleCustomForm("", []byte(`{
			"id": "m1", "senderId": "creator", "formId": "f1",
			"creatorId": "creator", "responderId": "responder",
			"items": [{"question": "q"}]
		}`))
		feed := room.Feed()
		if len(feed) != 1 || feed[0].Kind != KindCustomForm {
			t.Fatalf("feed = %v, want one form bubble", feed)
		}
		if feed[0].DisplayContent != "a question has arrived" {
			t.Fatalf("caption = %q", feed[0].DisplayContent)
		}
	})

	t.Run("malformed push is dropped", func(t *testing.T) {
		before := len(room.Feed())
		room.handleMessage("", []byte(`not json`))
		room.handleCustomForm("", []byte(`not json`))
		if len(room.Feed()) != before {
			t.Fatal("malformed pushes must not change the feed")
		}
	})

	t.Run("read receipt flips local messages", func(t *testing.T) {
		room.timeline.Merge(Message{
			ID: "m2", SenderID: "creator", FromLocalActor: true,
			Timestamp: time.Now().UTC(), Kind: KindText, Content: "sent",
		})
		room.handleRead("", nil)
		for _, message := range room.Feed() {
			if message.FromLocalActor && !message.Read {
				t.Fatalf("message %s not marked read", message.ID)
			}
		}
	})
}

func TestRoomCloseStopsBackfill(t *testing.T) {
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/42", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"roomId": "42", "state": "ACTIVE"}`)
	})
	mux.HandleFunc("/api/rooms/42/messages", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"messages": [{"id": "late", "senderId": "them", "content": "x"}]}`)
	})

	room := newRoomFixture(t, mux, RoomConfig{})
	room.Close()
	close(gate)

	// The in-flight history call was cancelled with the room; whatever
	// the server manages to write must not reach the feed.
	time.Sleep(50 * time.Millisecond)
	if len(room.Feed()) != 0 {
		t.Fatalf("feed = %v, backfill after teardown must no-op", room.Feed())
	}
}

func TestRoomCloseKeepsOtherRoomActive(t *testing.T) {
	mux := http.NewServeMux()
	for _, id := range []string{"42", "43"} {
		roomID := id
		mux.HandleFunc("/api/rooms/"+roomID, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `{"roomId": %q, "state": "ACTIVE"}`, roomID)
		})
		mux.HandleFunc("/api/rooms/"+roomID+"/messages", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"messages": []}`)
		})
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	manager, err := wire.NewManager(wire.Config{
		Endpoint:    "ws://unused.invalid/ws",
		Credentials: stubProvider{},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		Credentials: &staticSource{token: "tok"},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	background, err := OpenRoom(context.Background(), RoomConfig{
		RoomID: "42", LocalActorID: "me", Manager: manager, Client: client,
	})
	if err != nil {
		t.Fatalf("OpenRoom 42: %v", err)
	}
	foreground, err := OpenRoom(context.Background(), RoomConfig{
		RoomID: "43", LocalActorID: "me", Manager: manager, Client: client,
	})
	if err != nil {
		t.Fatalf("OpenRoom 43: %v", err)
	}
	t.Cleanup(foreground.Close)

	// Closing the background room must not wipe the foreground room's
	// presence announcement.
	background.Close()
	if got := manager.ActiveRoom(); got != "43" {
		t.Fatalf("ActiveRoom = %q, want 43", got)
	}

	foreground.Close()
	if got := manager.ActiveRoom(); got != "" {
		t.Fatalf("ActiveRoom = %q, want cleared after the active room closes", got)
	}
}

func TestRoomFeedChangeNotifications(t *testing.T) {
	changes := make(chan struct{}, 16)
	room := newRoomFixture(t, emptyRoomMux(RoomActive), RoomConfig{
		OnFeedChange: func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		},
	})

	room.handleMessage("", []byte(`{"id": "m1", "senderId": "them", "content": "hi"}`))
	testutil.RequireReceive(t, changes, time.Second, "merge should notify")
}
