// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Lantern-probe is a developer tool that connects to a chat backend,
// enters one room, and tails its feed to stdout. It exercises the full
// delivery path — transport, normalization, timeline, forms, close
// state, unread counts — without a host application, which makes it
// useful for poking at a backend from the terminal:
//
//	lantern-probe --endpoint wss://chat.example.com/ws \
//	    --api https://chat.example.com --room 42 --actor alice
//
// The bearer token comes from --token, the LANTERN_TOKEN environment
// variable, or a no-echo prompt, in that order.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/lanternchat/lantern/chat"
	"github.com/lanternchat/lantern/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lantern-probe: %v\n", err)
		os.Exit(1)
	}
}

// staticToken serves one fixed token for both the socket connect and
// REST calls. The probe has no refresh flow: an expired token is a
// reason to restart it with a fresh one.
type staticToken string

func (t staticToken) Token(_ context.Context) (string, error)   { return string(t), nil }
func (t staticToken) Refresh(_ context.Context) (string, error) { return string(t), nil }

func run() error {
	var (
		endpoint = pflag.String("endpoint", "", "broker WebSocket URL (wss://...)")
		apiBase  = pflag.String("api", "", "REST API base URL (https://...)")
		roomID   = pflag.String("room", "", "room id to tail")
		actorID  = pflag.String("actor", "", "local actor id")
		token    = pflag.String("token", "", "bearer token (default: $LANTERN_TOKEN or prompt)")
		verbose  = pflag.Bool("verbose", false, "log at debug level")
	)
	pflag.Parse()

	for flag, value := range map[string]string{
		"endpoint": *endpoint,
		"api":      *apiBase,
		"room":     *roomID,
		"actor":    *actorID,
	} {
		if value == "" {
			return fmt.Errorf("--%s is required", flag)
		}
	}

	bearer, err := resolveToken(*token)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := wire.NewManager(wire.Config{
		Endpoint:    *endpoint,
		Credentials: staticToken(bearer),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer manager.Stop()

	client, err := chat.NewClient(chat.ClientConfig{
		BaseURL:     *apiBase,
		Credentials: staticToken(bearer),
		Logger:      logger,
		OnSessionExpired: func() {
			logger.Error("session expired, restart with a fresh token")
			stop()
		},
	})
	if err != nil {
		return err
	}

	unread, err := chat.NewUnreadSync(chat.UnreadConfig{
		API:    client,
		Logger: logger,
		OnTotal: func(total int) {
			fmt.Printf("-- unread total: %d\n", total)
		},
	})
	if err != nil {
		return err
	}
	if _, err := unread.Attach(manager); err != nil {
		return err
	}
	go unread.Run(ctx)

	// Repaint the whole feed on every change. Crude, but the probe is a
	// diagnostic tool, not a UI.
	feedChanged := make(chan struct{}, 1)
	room, err := chat.OpenRoom(ctx, chat.RoomConfig{
		RoomID:       *roomID,
		LocalActorID: *actorID,
		Manager:      manager,
		Client:       client,
		Logger:       logger,
		OnFeedChange: func() {
			select {
			case feedChanged <- struct{}{}:
			default:
			}
		},
		OnStateChange: func(state chat.RoomState, modal chat.CloseModalType) {
			fmt.Printf("-- room state: %s (modal %s)\n", state, modal)
		},
	})
	if err != nil {
		return err
	}
	defer room.Close()

	fmt.Printf("-- tailing room %s as %s (ctrl-c to quit)\n", *roomID, *actorID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-feedChanged:
			printFeed(room.Feed())
		}
	}
}

func printFeed(feed []chat.Message) {
	fmt.Printf("---- feed (%d messages) ----\n", len(feed))
	for _, message := range feed {
		body := message.Content
		switch message.Kind {
		case chat.KindEmoticon:
			if message.Emoticon != nil {
				body = "[emoticon " + message.Emoticon.ID + "]"
			}
		case chat.KindCustomForm:
			body = "[form] " + message.DisplayContent
		}
		marker := "  "
		if message.FromLocalActor {
			marker = "> "
			if message.Read {
				marker = ">*"
			}
		}
		fmt.Printf("%s %s %-12s %s\n",
			marker, message.Timestamp.Format("15:04:05"), message.SenderID, body)
	}
}

// resolveToken returns the bearer token from the flag, the
// environment, or an interactive no-echo prompt.
func resolveToken(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("LANTERN_TOKEN"); env != "" {
		return env, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no token: pass --token or set LANTERN_TOKEN")
	}
	fmt.Fprint(os.Stderr, "token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}
