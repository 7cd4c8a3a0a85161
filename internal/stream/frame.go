package stream

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
)

// Reconnect reasons.
const (
	ReasonNotInRoom     = "not_in_room"
	ReasonIdle          = "idle"
	ReasonBudgetReached = "budget_exhausted"
)

// EventView is the wire form of one event log entry.
type EventView struct {
	ID        int64           `json:"id"`
	Type      events.Type     `json:"type"`
	RoomID    int64           `json:"room_id"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newEventView(event events.Event) EventView {
	return EventView{
		ID:        event.ID,
		Type:      event.EventType,
		RoomID:    event.RoomID,
		UserID:    event.UserIDString,
		Data:      json.RawMessage(event.EventData),
		CreatedAt: event.CreatedAt,
	}
}

// Features are the room switches a client renders controls for.
type Features struct {
	YouTubeEnabled bool `json:"youtube_enabled"`
	AllowKnocking  bool `json:"allow_knocking"`
	HasPassword    bool `json:"has_password"`
}

// InactivityStatus lets the client render AFK and disconnect countdowns locally.
type InactivityStatus struct {
	SecondsSinceActivity     int64    `json:"seconds_since_activity"`
	AFKTimeoutSeconds        int64    `json:"afk_timeout_seconds"`
	DisconnectTimeoutSeconds int64    `json:"disconnect_timeout_seconds"`
	SecondsUntilDisconnect   int64    `json:"seconds_until_disconnect"`
	IsHost                   bool     `json:"is_host"`
	IsAFK                    bool     `json:"is_afk"`
	Features                 Features `json:"features"`
}

// Frame is one newline-delimited message on the event stream. Sub-resources are only
// present when an event in the batch touched them.
type Frame struct {
	Type             presence.FrameType  `json:"type"`
	ConnectionID     string              `json:"connection_id,omitempty"`
	LastEventID      int64               `json:"last_event_id"`
	Events           []EventView         `json:"events,omitempty"`
	Messages         []rooms.Message     `json:"messages,omitempty"`
	Users            []rooms.Membership  `json:"users,omitempty"`
	Knocks           []knocks.Request    `json:"knocks,omitempty"`
	YouTube          *rooms.YouTubeState `json:"youtube,omitempty"`
	Room             *rooms.RoomView     `json:"room,omitempty"`
	PrivateMessages  []rooms.Message     `json:"private_messages,omitempty"`
	InactivityStatus *InactivityStatus   `json:"inactivity_status,omitempty"`
	SoundEvents      map[string]bool     `json:"sound_events,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	Errors           map[string]string   `json:"errors,omitempty"`
}

func (f *Frame) markUnavailable(resource string) {
	if f.Errors == nil {
		f.Errors = map[string]string{}
	}
	f.Errors[resource] = "unavailable"
}
