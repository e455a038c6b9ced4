// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field alias priority lists. The backend's payload shapes are not
// contractually fixed: older producers use different field names, so
// each logical field is resolved against a fixed priority list and the
// first present value wins. Never coerce beyond these lists.
var (
	idAliases        = []string{"id", "messageId"}
	timestampAliases = []string{"createdAt", "timestamp"}
	contentAliases   = []string{"content", "message"}
	senderAliases    = []string{"senderId", "sender", "userId"}
	typeAliases      = []string{"type", "messageType"}
)

// Normalize converts one raw inbound payload into a typed Message.
// Classification priority:
//
//  1. Emoticon identity fields present → Emoticon.
//  2. Type discriminator CUSTOM_FORM (case-insensitive) → CustomForm.
//  3. Type discriminator EMOTICON → Emoticon.
//  4. Otherwise Text, with content defaulting to "".
//
// FromLocalActor is computed as string equality of the sender and
// localActorID; a boolean flag on the wire is never trusted. A payload
// without an id gets a synthesized "local-" id, unique but never
// matchable against a server echo's id (the timeline's secondary dedup
// rule covers that case).
//
// A payload that is not a JSON object is a parse error; the caller
// logs and drops it so one bad frame cannot break the feed.
func Normalize(payload []byte, localActorID string) (Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Message{}, fmt.Errorf("chat: malformed message payload: %w", err)
	}
	return normalizeFields(fields, localActorID)
}

func normalizeFields(fields map[string]any, localActorID string) (Message, error) {
	senderID := firstString(fields, senderAliases)
	message := Message{
		ID:             firstString(fields, idAliases),
		SenderID:       senderID,
		Timestamp:      parseTimestamp(fields),
		FromLocalActor: senderID != "" && senderID == localActorID,
	}
	if message.ID == "" {
		message.ID = "local-" + uuid.NewString()
	}

	discriminator := strings.ToUpper(firstString(fields, typeAliases))

	switch {
	case firstString(fields, []string{"emoticonId"}) != "":
		message.Kind = KindEmoticon
		message.Emoticon = &Emoticon{
			ID:   firstString(fields, []string{"emoticonId"}),
			URL:  firstString(fields, []string{"emoticonUrl"}),
			Name: firstString(fields, []string{"emoticonName"}),
		}
	case discriminator == string(KindCustomForm):
		message.Kind = KindCustomForm
		message.Form = parseFormSnapshot(fields, message.ID)
	case discriminator == string(KindEmoticon):
		message.Kind = KindEmoticon
		message.Emoticon = &Emoticon{
			ID:   firstString(fields, []string{"emoticonId"}),
			URL:  firstString(fields, []string{"emoticonUrl"}),
			Name: firstString(fields, []string{"emoticonName"}),
		}
	default:
		message.Kind = KindText
		message.Content = firstString(fields, contentAliases)
	}

	return message, nil
}

// parseFormSnapshot extracts the custom-form fields. A missing formId
// is synthesized from the message id so dedup and record-keeping still
// key on something stable.
func parseFormSnapshot(fields map[string]any, messageID string) *FormSnapshot {
	formID := firstString(fields, []string{"formId", "customFormId"})
	if formID == "" {
		formID = "form-" + messageID
	}
	snapshot := &FormSnapshot{
		FormID:      formID,
		CreatorID:   firstString(fields, []string{"creatorId"}),
		ResponderID: firstString(fields, []string{"responderId"}),
		Answered:    boolField(fields, "answered"),
	}
	if raw, ok := fields["items"].([]any); ok {
		for _, entry := range raw {
			item, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			snapshot.Items = append(snapshot.Items, FormItem{
				Question: firstString(item, []string{"question"}),
				Answer:   firstString(item, []string{"answer"}),
			})
		}
	}
	return snapshot
}

// firstString returns the first alias whose value is a non-empty
// string (numbers are accepted and formatted, for backends that send
// numeric ids).
func firstString(fields map[string]any, aliases []string) string {
	for _, alias := range aliases {
		switch value := fields[alias].(type) {
		case string:
			if value != "" {
				return value
			}
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	return ""
}

// boolField tolerates native booleans and "true"/"false" strings.
func boolField(fields map[string]any, key string) bool {
	switch value := fields[key].(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(value, "true")
	}
	return false
}

// parseTimestamp resolves the timestamp aliases, accepting RFC 3339
// strings and epoch milliseconds. A missing or unparsable timestamp
// falls back to the current time so ordering stays total.
func parseTimestamp(fields map[string]any) time.Time {
	for _, alias := range timestampAliases {
		switch value := fields[alias].(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
				return parsed.UTC()
			}
			if parsed, err := time.Parse(time.RFC3339, value); err == nil {
				return parsed.UTC()
			}
		case float64:
			return time.UnixMilli(int64(value)).UTC()
		}
	}
	return time.Now().UTC()
}
