// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package chat

// Per-room topic builders. Every room view subscribes this set on
// entry and cancels it wholesale on teardown.
func TopicRoom(roomID string) string         { return "chat.room." + roomID }
func TopicRead(roomID string) string         { return "chat.room." + roomID + ".read" }
func TopicCustomForm(roomID string) string   { return "chat.room." + roomID + ".customform" }
func TopicToastbox(roomID string) string     { return "chat.room." + roomID + ".toastbox" }
func TopicEmoticon(roomID string) string     { return "chat.room." + roomID + ".emoticon" }
func TopicCloseRequest(roomID string) string { return "chat.room." + roomID + ".close.request" }
func TopicCloseAccept(roomID string) string  { return "chat.room." + roomID + ".close.accept" }
func TopicCloseReject(roomID string) string  { return "chat.room." + roomID + ".close.reject" }

// Process-wide topics consumed by the unread synchronizer.
const (
	TopicTotalUnread = "user.queue.total-unread"
	TopicRoomUnread  = "user.queue.unread"
)

// Publish destinations.
const (
	DestChatRead     = "app.chat.read"
	DestChatSend     = "app.chat.send"
	DestChatEmoticon = "app.chat.emoticon"
)
