package knocks

import "time"

// Status is the lifecycle state of a knock request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Request is a join request from a non-member to a password-protected room.
type Request struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RoomID       int64      `gorm:"column:room_id;not null;index:idx_knocks_room_status,priority:1" json:"room_id"`
	UserIDString string     `gorm:"column:user_id_string;size:190;not null;index:idx_knocks_user" json:"user_id"`
	DisplayName  string     `gorm:"column:display_name;size:64;not null" json:"display_name"`
	AvatarURL    string     `gorm:"column:avatar_url;size:512;not null;default:''" json:"avatar_url,omitempty"`
	IsGuest      bool       `gorm:"column:is_guest;not null;default:false" json:"is_guest"`
	Status       Status     `gorm:"column:status;size:16;not null;index:idx_knocks_room_status,priority:2" json:"status"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	RespondedBy  string     `gorm:"column:responded_by;size:190;not null;default:''" json:"responded_by,omitempty"`
	RespondedAt  *time.Time `gorm:"column:responded_at" json:"responded_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Request) TableName() string {
	return "knock_requests"
}

// RoomKey is a host-granted, time-limited bypass of a room password. Times are epoch seconds.
type RoomKey struct {
	RoomID       int64  `gorm:"column:room_id;primaryKey;autoIncrement:false" json:"room_id"`
	UserIDString string `gorm:"column:user_id_string;primaryKey;size:190" json:"user_id"`
	GrantedBy    string `gorm:"column:granted_by;size:190;not null" json:"granted_by"`
	GrantedAt    int64  `gorm:"column:granted_at;not null" json:"granted_at"`
	ExpiresAt    int64  `gorm:"column:expires_at;not null" json:"expires_at"`
	KnockID      int64  `gorm:"column:knock_id;not null" json:"knock_id"`
}

// TableName provides the explicit table binding for GORM.
func (RoomKey) TableName() string {
	return "room_keys"
}

// ValidAt reports whether the key is still usable. Expired keys stay in place but are inert.
func (k RoomKey) ValidAt(now time.Time) bool {
	return k.ExpiresAt > now.Unix()
}

// Models lists every table owned by this package.
func Models() []any {
	return []any{&Request{}, &RoomKey{}}
}
