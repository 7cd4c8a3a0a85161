package rooms

import (
	"time"
)

// Room is a chat session with optional password gating and a single host.
type Room struct {
	ID                     int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Name                   string     `gorm:"column:name;size:120;not null"`
	Description            string     `gorm:"column:description;size:500;not null;default:''"`
	PasswordHash           string     `gorm:"column:password_hash;size:100;not null;default:''"`
	AllowKnocking          bool       `gorm:"column:allow_knocking;not null;default:false"`
	YouTubeEnabled         bool       `gorm:"column:youtube_enabled;not null;default:false"`
	YouTubeVideoID         string     `gorm:"column:youtube_video_id;size:32;not null;default:''"`
	YouTubePositionSeconds float64    `gorm:"column:youtube_position_s;not null;default:0"`
	YouTubePlaying         bool       `gorm:"column:youtube_playing;not null;default:false"`
	YouTubeUpdatedAt       *time.Time `gorm:"column:youtube_updated_at"`
	CreatedBy              string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt              time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// HasPassword reports whether entry is gated by a password.
func (r Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// RoomView is the client-facing projection of a room.
type RoomView struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	HasPassword    bool      `json:"has_password"`
	AllowKnocking  bool      `json:"allow_knocking"`
	YouTubeEnabled bool      `json:"youtube_enabled"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// View projects the room without its password hash.
func (r Room) View() RoomView {
	return RoomView{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		HasPassword:    r.HasPassword(),
		AllowKnocking:  r.AllowKnocking,
		YouTubeEnabled: r.YouTubeEnabled,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
	}
}

// Role is the derived role of a membership.
type Role string

const (
	RoleHost   Role = "host"
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
)

// Membership records one user identity present in one room.
type Membership struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RoomID       int64      `gorm:"column:room_id;not null;uniqueIndex:idx_membership_room_user,priority:1;index:idx_membership_room_host,priority:1" json:"room_id"`
	UserIDString string     `gorm:"column:user_id_string;size:190;not null;uniqueIndex:idx_membership_room_user,priority:2;index:idx_membership_user" json:"user_id"`
	DisplayName  string     `gorm:"column:display_name;size:64;not null" json:"display_name"`
	AvatarURL    string     `gorm:"column:avatar_url;size:512;not null;default:''" json:"avatar_url,omitempty"`
	IsGuest      bool       `gorm:"column:is_guest;not null;default:false" json:"is_guest"`
	IsHost       bool       `gorm:"column:is_host;not null;default:false;index:idx_membership_room_host,priority:2" json:"is_host"`
	IsAFK        bool       `gorm:"column:is_afk;not null;default:false" json:"is_afk"`
	AFKSince     *time.Time `gorm:"column:afk_since" json:"afk_since,omitempty"`
	LastActivity time.Time  `gorm:"column:last_activity;not null;index:idx_membership_last_activity" json:"last_activity"`
	JoinedAt     time.Time  `gorm:"column:joined_at;not null" json:"joined_at"`
	IPAddress    string     `gorm:"column:ip_address;size:64;not null;default:''" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "room_memberships"
}

// Role derives the membership role from the host and guest flags.
func (m Membership) Role() Role {
	switch {
	case m.IsHost:
		return RoleHost
	case m.IsGuest:
		return RoleGuest
	default:
		return RoleMember
	}
}

// MessageKind distinguishes chat lines from system notices and targeted messages.
type MessageKind string

const (
	MessageKindChat    MessageKind = "chat"
	MessageKindSystem  MessageKind = "system"
	MessageKindWhisper MessageKind = "whisper"
	MessageKindPrivate MessageKind = "private"
)

// Message is a chat line referenced by message events. Private messages use room 0.
type Message struct {
	ID              int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RoomID          int64       `gorm:"column:room_id;not null;index:idx_messages_room,priority:1" json:"room_id"`
	UserIDString    string      `gorm:"column:user_id_string;size:190;not null;default:'';index:idx_messages_sender" json:"user_id"`
	DisplayName     string      `gorm:"column:display_name;size:64;not null;default:''" json:"display_name"`
	AvatarURL       string      `gorm:"column:avatar_url;size:512;not null;default:''" json:"avatar_url,omitempty"`
	Body            string      `gorm:"column:body;type:text;not null" json:"body"`
	Kind            MessageKind `gorm:"column:kind;size:16;not null" json:"kind"`
	RecipientUserID string      `gorm:"column:recipient_user_id;size:190;not null;default:'';index:idx_messages_recipient" json:"recipient_user_id,omitempty"`
	CreatedAt       time.Time   `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "room_messages"
}

// Ban bars a user from a room until ExpiresAt, or forever when nil.
type Ban struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID       int64      `gorm:"column:room_id;not null;index:idx_bans_room_user,priority:1"`
	UserIDString string     `gorm:"column:user_id_string;size:190;not null;index:idx_bans_room_user,priority:2"`
	BannedBy     string     `gorm:"column:banned_by;size:190;not null"`
	BannedByName string     `gorm:"column:banned_by_name;size:64;not null;default:''"`
	Reason       string     `gorm:"column:reason;size:500;not null;default:''"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
}

// TableName provides the explicit table binding for GORM.
func (Ban) TableName() string {
	return "room_bans"
}

// ActiveAt reports whether the ban still applies at the given instant.
func (b Ban) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Kick records a removal so the removed client can learn why it left the room.
type Kick struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID       int64     `gorm:"column:room_id;not null;index:idx_kicks_room_user,priority:1"`
	UserIDString string    `gorm:"column:user_id_string;size:190;not null;index:idx_kicks_room_user,priority:2"`
	KickedBy     string    `gorm:"column:kicked_by;size:190;not null"`
	KickedByName string    `gorm:"column:kicked_by_name;size:64;not null;default:''"`
	Reason       string    `gorm:"column:reason;size:500;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Kick) TableName() string {
	return "room_kicks"
}

// OnlineUser is the global online-users aggregate refreshed by activity reports.
type OnlineUser struct {
	UserIDString string    `gorm:"column:user_id_string;primaryKey;size:190;not null" json:"user_id"`
	DisplayName  string    `gorm:"column:display_name;size:64;not null" json:"display_name"`
	AvatarURL    string    `gorm:"column:avatar_url;size:512;not null;default:''" json:"avatar_url,omitempty"`
	IsGuest      bool      `gorm:"column:is_guest;not null;default:false" json:"is_guest"`
	LastSeen     time.Time `gorm:"column:last_seen;not null;index" json:"last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (OnlineUser) TableName() string {
	return "online_users"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Room{}, &Membership{}, &Message{}, &Ban{}, &Kick{}, &OnlineUser{}}
}

// Identity is the externally issued caller identity with its capability set.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	IsGuest     bool
	IsAdmin     bool
	IsModerator bool
	IPAddress   string
}

// Staff reports whether the identity may moderate any room.
func (i Identity) Staff() bool {
	return i.IsAdmin || i.IsModerator
}

// YouTubeState is the co-watch sync state of a room.
type YouTubeState struct {
	VideoID         string    `json:"video_id"`
	PositionSeconds float64   `json:"position_s"`
	Playing         bool      `json:"playing"`
	UpdatedAt       time.Time `json:"updated_at"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
}

// Thresholds are the liveness timeouts that classify memberships.
type Thresholds struct {
	AFKTimeout              time.Duration
	MemberDisconnectTimeout time.Duration
	HostDisconnectTimeout   time.Duration
}

// DisconnectTimeout returns the removal threshold for a host or a regular member.
func (t Thresholds) DisconnectTimeout(isHost bool) time.Duration {
	if isHost {
		return t.HostDisconnectTimeout
	}
	return t.MemberDisconnectTimeout
}
