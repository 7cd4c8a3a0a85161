package events

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Type enumerates the event kinds stored in the room event log.
type Type string

const (
	TypeMessage        Type = "message"
	TypeUserJoin       Type = "user_join"
	TypeUserLeave      Type = "user_leave"
	TypeUserUpdate     Type = "user_update"
	TypeMention        Type = "mention"
	TypeWhisper        Type = "whisper"
	TypePrivateMessage Type = "private_message"
	TypeFriendUpdate   Type = "friend_update"
	TypeRoomUpdate     Type = "room_update"
	TypeSettingsUpdate Type = "settings_update"
	TypeKnock          Type = "knock"
	TypeYouTubeUpdate  Type = "youtube_update"
	TypeGhostSpawn     Type = "ghost_spawn"
)

var knownTypes = map[Type]struct{}{
	TypeMessage:        {},
	TypeUserJoin:       {},
	TypeUserLeave:      {},
	TypeUserUpdate:     {},
	TypeMention:        {},
	TypeWhisper:        {},
	TypePrivateMessage: {},
	TypeFriendUpdate:   {},
	TypeRoomUpdate:     {},
	TypeSettingsUpdate: {},
	TypeKnock:          {},
	TypeYouTubeUpdate:  {},
	TypeGhostSpawn:     {},
}

// Valid reports whether the type is a known event kind.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Room update actions carried in room_update payloads.
const (
	RoomActionDeleted     = "room_deleted"
	RoomActionHostChanged = "host_changed"
	RoomActionSettings    = "settings_changed"
)

// Event is an immutable room event log entry. UserIDString is empty for room-wide
// events and names the recipient for targeted ones.
type Event struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement;index:idx_room_events_room_id,priority:2"`
	RoomID       int64          `gorm:"column:room_id;not null;index:idx_room_events_room_id,priority:1"`
	UserIDString string         `gorm:"column:user_id_string;size:190;not null;default:'';index:idx_room_events_user"`
	EventType    Type           `gorm:"column:event_type;size:32;not null"`
	EventData    datatypes.JSON `gorm:"column:event_data"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index:idx_room_events_created"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "room_events"
}

// Sequence is the single-row append lock. A writer holds its row lock from its first
// append until commit, so event ids become visible in id order.
type Sequence struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	Generation int64 `gorm:"column:generation;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Sequence) TableName() string {
	return "event_sequence"
}

// Models lists every table owned by this package.
func Models() []any {
	return []any{&Event{}, &Sequence{}}
}

// Header is the subset of fields every payload written by this service carries.
type Header struct {
	ActorUserID string `json:"actor_user_id"`
	Kind        string `json:"kind,omitempty"`
	Action      string `json:"action,omitempty"`
}

// Header decodes the common payload fields.
func (e Event) Header() (Header, error) {
	var header Header
	if len(e.EventData) == 0 {
		return header, nil
	}
	if err := json.Unmarshal(e.EventData, &header); err != nil {
		return Header{}, err
	}
	return header, nil
}

// Entry describes an event to append.
type Entry struct {
	RoomID       int64
	UserIDString string
	Type         Type
	Data         any
}

// Scope selects the events visible to one connected client.
type Scope struct {
	RoomID int64
	UserID string
}
