// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/lanternchat/lantern/lib/netutil"
)

// moderationSentinel is the body the backend substitutes when a sent
// message is rejected by content moderation. The substitution is the
// only rejection signal: the HTTP status is still 200.
const moderationSentinel = "(content filtered)"

// CredentialSource supplies and refreshes the bearer token for REST
// calls. Token must be cheap (a cached value); Refresh performs the
// actual renewal and is called at most once per failed request.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// ClientConfig configures a REST Client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://chat.example.com".
	// Required.
	BaseURL string

	// Credentials supplies the bearer token. Required.
	Credentials CredentialSource

	// HTTPClient is the underlying HTTP client. Defaults to a client
	// with a 30-second timeout.
	HTTPClient *http.Client

	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// OnSessionExpired is invoked exactly once, the first time a
	// request fails with 401 even after a token refresh. The host
	// should clear stored credentials and re-authenticate. May be nil.
	OnSessionExpired func()
}

// Client is the REST half of the backend surface: history, sends that
// could not go over the socket, form snapshots, the close handshake
// actions, and unread totals.
//
// Every request carries a bearer token. A 401 triggers one token
// refresh and one retry; a second 401 is terminal (ErrSessionExpired)
// and fires the OnSessionExpired callback once for the client's
// lifetime.
type Client struct {
	baseURL     string
	credentials CredentialSource
	httpClient  *http.Client
	logger      *slog.Logger

	expiredOnce      sync.Once
	onSessionExpired func()
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chat: client requires a base URL")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("chat: client requires a credential source")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:          cfg.BaseURL,
		credentials:      cfg.Credentials,
		httpClient:       cfg.HTTPClient,
		logger:           cfg.Logger,
		onSessionExpired: cfg.OnSessionExpired,
	}, nil
}

// HistoryPage is one page of room history, newest-last. HasMore is
// derived by the caller from the page length against the requested
// limit.
type HistoryPage struct {
	Messages []json.RawMessage `json:"messages"`
}

// History fetches up to limit messages older than beforeID (all
// messages when beforeID is empty). Payloads are returned raw; the
// caller normalizes them so history and push traffic share one path.
func (c *Client) History(ctx context.Context, roomID, beforeID string, limit int) ([]json.RawMessage, error) {
	query := url.Values{}
	if beforeID != "" {
		query.Set("beforeId", beforeID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var page HistoryPage
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("chat: fetching history for room %s: %w", roomID, err)
	}
	return page.Messages, nil
}

// RoomInfo is the room metadata returned at room entry, carrying the
// authoritative close-negotiation state.
type RoomInfo struct {
	RoomID string    `json:"roomId"`
	State  RoomState `json:"state"`
}

// Room fetches the room's metadata.
func (c *Client) Room(ctx context.Context, roomID string) (RoomInfo, error) {
	var info RoomInfo
	path := "/api/rooms/" + url.PathEscape(roomID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &info); err != nil {
		return RoomInfo{}, fmt.Errorf("chat: fetching room %s: %w", roomID, err)
	}
	if info.State == "" {
		info.State = RoomActive
	}
	return info, nil
}

// SendText posts a text message over REST (the fallback path when the
// socket is down) and returns the server's echo of the stored message.
// A moderation rejection — the backend storing the sentinel body in
// place of the content — is surfaced as ErrModerationRejected so the
// caller can restore the draft.
func (c *Client) SendText(ctx context.Context, roomID, content string) (json.RawMessage, error) {
	body := map[string]string{"roomId": roomID, "content": content}
	var echo json.RawMessage
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.doRequest(ctx, http.MethodPost, path, body, &echo); err != nil {
		return nil, fmt.Errorf("chat: sending message to room %s: %w", roomID, err)
	}

	var stored struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(echo, &stored); err == nil &&
		stored.Content == moderationSentinel && content != moderationSentinel {
		return nil, ErrModerationRejected
	}
	return echo, nil
}

// SendEmoticon posts an emoticon message over REST and returns the
// server's echo.
func (c *Client) SendEmoticon(ctx context.Context, roomID, emoticonID string) (json.RawMessage, error) {
	body := map[string]string{"roomId": roomID, "emoticonId": emoticonID}
	var echo json.RawMessage
	path := "/api/rooms/" + url.PathEscape(roomID) + "/emoticons"
	if err := c.doRequest(ctx, http.MethodPost, path, body, &echo); err != nil {
		return nil, fmt.Errorf("chat: sending emoticon to room %s: %w", roomID, err)
	}
	return echo, nil
}

// CustomForm fetches the full snapshot for a form id, for subscription
// payloads that carried only the reference.
func (c *Client) CustomForm(ctx context.Context, formID string) (FormSnapshot, error) {
	var snapshot FormSnapshot
	path := "/api/forms/" + url.PathEscape(formID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &snapshot); err != nil {
		return FormSnapshot{}, fmt.Errorf("chat: fetching form %s: %w", formID, err)
	}
	return snapshot, nil
}

// RequestClose submits a close request for the room. The resulting
// state change arrives as a broadcast on the close.request topic.
func (c *Client) RequestClose(ctx context.Context, roomID string) error {
	return c.closeAction(ctx, roomID, "request")
}

// AcceptClose accepts the counterpart's close request.
func (c *Client) AcceptClose(ctx context.Context, roomID string) error {
	return c.closeAction(ctx, roomID, "accept")
}

// RejectClose rejects the counterpart's close request.
func (c *Client) RejectClose(ctx context.Context, roomID string) error {
	return c.closeAction(ctx, roomID, "reject")
}

func (c *Client) closeAction(ctx context.Context, roomID, action string) error {
	path := "/api/rooms/" + url.PathEscape(roomID) + "/close/" + action
	if err := c.doRequest(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("chat: close %s for room %s: %w", action, roomID, err)
	}
	return nil
}

// TotalUnread fetches the authoritative process-wide unread total.
func (c *Client) TotalUnread(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/unread/total", nil, &out); err != nil {
		return 0, fmt.Errorf("chat: fetching unread total: %w", err)
	}
	return out.Count, nil
}

// doRequest performs one authenticated request. body (when non-nil) is
// JSON-encoded; out (when non-nil) receives the decoded response. A
// non-2xx status becomes a *APIError, except the terminal 401 path
// which becomes ErrSessionExpired.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolving token: %w", err)
	}

	resp, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = c.credentials.Refresh(ctx)
		if err != nil {
			c.sessionExpired()
			return fmt.Errorf("refreshing token: %w: %w", err, ErrSessionExpired)
		}
		resp, err = c.send(ctx, method, path, body, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			c.sessionExpired()
			return ErrSessionExpired
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := netutil.DecodeResponse(resp.Body, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) sessionExpired() {
	c.expiredOnce.Do(func() {
		c.logger.Warn("session expired, notifying host")
		if c.onSessionExpired != nil {
			c.onSessionExpired()
		}
	})
}

// decodeAPIError builds a *APIError from a non-2xx response. The body
// is expected to carry {"code","message"}; an undecodable body still
// yields a usable error with the raw text as the message.
func decodeAPIError(resp *http.Response) error {
	raw := netutil.ErrorBody(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal([]byte(raw), apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		if apiErr.Message == "" {
			apiErr.Message = raw
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return apiErr
}
