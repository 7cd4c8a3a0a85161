// Package presence holds the wire vocabulary shared by the room server and its clients:
// activity types, membership status kinds, and stream frame kinds.
package presence

import "strings"

// ActivityType names a liveness or interaction report sent by a client.
type ActivityType string

const (
	ActivityMessageSend    ActivityType = "message_send"
	ActivityRoomJoin       ActivityType = "room_join"
	ActivityRoomCreate     ActivityType = "room_create"
	ActivityPrivateMessage ActivityType = "private_message"
	ActivityWhisper        ActivityType = "whisper"
	ActivityHeartbeat      ActivityType = "heartbeat"
	ActivityInteraction    ActivityType = "interaction"
	ActivityPageFocus      ActivityType = "page_focus"
	ActivityWindowFocus    ActivityType = "window_focus"
	ActivitySystemStart    ActivityType = "system_start"
	ActivityManual         ActivityType = "manual_activity"
)

var knownActivityTypes = map[ActivityType]struct{}{
	ActivityMessageSend:    {},
	ActivityRoomJoin:       {},
	ActivityRoomCreate:     {},
	ActivityPrivateMessage: {},
	ActivityWhisper:        {},
	ActivityHeartbeat:      {},
	ActivityInteraction:    {},
	ActivityPageFocus:      {},
	ActivityWindowFocus:    {},
	ActivitySystemStart:    {},
	ActivityManual:         {},
}

// ParseActivityType normalizes raw input and reports whether it is on the allow-list.
func ParseActivityType(raw string) (ActivityType, bool) {
	candidate := ActivityType(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := knownActivityTypes[candidate]
	return candidate, ok
}

// Valid reports whether the activity type is on the allow-list.
func (t ActivityType) Valid() bool {
	_, ok := knownActivityTypes[t]
	return ok
}

// Status is the caller's standing in a room as reported by the status endpoint.
type Status string

const (
	StatusActive      Status = "active"
	StatusBanned      Status = "banned"
	StatusRemoved     Status = "removed"
	StatusRoomDeleted Status = "room_deleted"
	StatusNotInRoom   Status = "not_in_room"
	StatusError       Status = "error"
	StatusSuccess     Status = "success"
)

// Terminal reports whether the status ends the client's stay in the room with a notice.
func (s Status) Terminal() bool {
	switch s {
	case StatusBanned, StatusRemoved, StatusRoomDeleted:
		return true
	default:
		return false
	}
}

// FrameType tags each newline-delimited frame on the event stream.
type FrameType string

const (
	FrameRoomData  FrameType = "room_data"
	FrameHeartbeat FrameType = "heartbeat"
	FrameReconnect FrameType = "reconnect"
)

// Sound classes, in priority order.
const (
	SoundSystemMessage  = "system_message"
	SoundNewMessage     = "new_message"
	SoundMention        = "mention"
	SoundWhisper        = "whisper"
	SoundPrivateMessage = "private_message"
)

// SoundPriority lists sound classes from highest to lowest priority.
var SoundPriority = []string{
	SoundSystemMessage,
	SoundNewMessage,
	SoundMention,
	SoundWhisper,
	SoundPrivateMessage,
}
