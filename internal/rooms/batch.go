package rooms

import (
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"gorm.io/gorm"
)

// EventBatch collects the events appended inside one transaction so they can be
// published once the transaction commits.
type EventBatch struct {
	log      *events.Log
	tx       *gorm.DB
	appended []events.Event
}

// NewEventBatch binds an event log to an open transaction.
func NewEventBatch(log *events.Log, tx *gorm.DB) *EventBatch {
	return &EventBatch{log: log, tx: tx}
}

// Tx returns the transaction handle the batch writes through.
func (b *EventBatch) Tx() *gorm.DB {
	return b.tx
}

// Append stores an event in the batch transaction.
func (b *EventBatch) Append(entry events.Entry) error {
	event, err := b.log.Append(b.tx, entry)
	if err != nil {
		return err
	}
	b.appended = append(b.appended, event)
	return nil
}

// Appended returns the events stored so far.
func (b *EventBatch) Appended() []events.Event {
	return b.appended
}

// Publish wakes stream subscribers. Call only after the transaction has committed.
func (b *EventBatch) Publish() {
	b.log.Publish(b.appended...)
}

type messagePayload struct {
	events.Header
	MessageID       int64  `json:"message_id"`
	DisplayName     string `json:"display_name,omitempty"`
	RecipientUserID string `json:"recipient_user_id,omitempty"`
}

type memberPayload struct {
	events.Header
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type roomPayload struct {
	events.Header
	NewHostUserID string `json:"new_host_user_id,omitempty"`
	NewHostName   string `json:"new_host_name,omitempty"`
}

// AppendSystemMessage stores a system chat line and its room-wide message event.
func AppendSystemMessage(batch *EventBatch, roomID int64, actorUserID, text string, now time.Time) (Message, error) {
	message := Message{
		RoomID:       roomID,
		UserIDString: actorUserID,
		Body:         text,
		Kind:         MessageKindSystem,
		CreatedAt:    now.UTC(),
	}
	if err := batch.Tx().Create(&message).Error; err != nil {
		return Message{}, err
	}
	err := batch.Append(events.Entry{
		RoomID: roomID,
		Type:   events.TypeMessage,
		Data: messagePayload{
			Header:    events.Header{ActorUserID: actorUserID, Kind: string(MessageKindSystem)},
			MessageID: message.ID,
		},
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// CanModerate reports whether the identity holds host capability in the room.
// Admins and moderators hold it everywhere.
func CanModerate(tx *gorm.DB, roomID int64, identity Identity) (bool, error) {
	if identity.Staff() {
		return true, nil
	}
	var count int64
	err := tx.Model(&Membership{}).
		Where("room_id = ? AND user_id_string = ? AND is_host = ?", roomID, identity.UserID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
