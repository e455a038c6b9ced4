// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a structured error response from the chat backend.
// Callers extract it with errors.As:
//
//	var apiErr *chat.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 { ... }
type APIError struct {
	// Code is the backend error code (e.g., "ROOM_NOT_FOUND").
	Code string `json:"code"`
	// Message is the human-readable description from the server.
	Message string `json:"message"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// RetryAfter is the server-suggested backoff on 429 responses
	// (zero when the header was absent or unparsable).
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// AsAPIError extracts a *APIError from err, or returns nil.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	apiErr := AsAPIError(err)
	return apiErr != nil && apiErr.StatusCode == 429
}

var (
	// ErrSessionExpired is returned once a REST call has failed with 401
	// twice (after one token refresh). The session is unrecoverable: the
	// host is notified to clear local credentials and re-authenticate.
	// This is the only error category that escapes local recovery.
	ErrSessionExpired = errors.New("chat: session expired")

	// ErrModerationRejected is returned when the backend substituted the
	// moderation sentinel for a sent message. The send failed; the
	// caller should restore the draft rather than show the sentinel.
	ErrModerationRejected = errors.New("chat: message rejected by moderation")
)
