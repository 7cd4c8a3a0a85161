package rooms

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Leave reasons carried in user_leave payloads.
const (
	LeaveReasonLeft     = "left"
	LeaveReasonKicked   = "kicked"
	LeaveReasonBanned   = "banned"
	LeaveReasonTimeout  = "timeout"
	LeaveReasonSwitched = "switched_rooms"
)

// User update actions carried in user_update payloads.
const (
	UserActionAFK      = "afk"
	UserActionBack     = "back"
	UserActionPromoted = "promoted"
)

// RemovalOutcome reports what a membership removal cascaded into.
type RemovalOutcome struct {
	Removed         bool
	HostTransferred bool
	RoomDeleted     bool
	NewHostUserID   string
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// removeMembership deletes the membership row, narrowed by the optional guard scopes, and
// runs the leave cascade. A row that no longer matches is a no-op.
func removeMembership(batch *EventBatch, gatekeeper Gatekeeper, membership Membership, reason string, now time.Time, guards ...func(*gorm.DB) *gorm.DB) (RemovalOutcome, error) {
	tx := batch.Tx()
	if _, err := findRoom(tx, membership.RoomID, true); err != nil && !errors.Is(err, ErrRoomNotFound) {
		return RemovalOutcome{}, err
	}

	result := tx.Where("id = ?", membership.ID).Scopes(guards...).Delete(&Membership{})
	if result.Error != nil {
		return RemovalOutcome{}, result.Error
	}
	if result.RowsAffected == 0 {
		return RemovalOutcome{}, nil
	}

	err := batch.Append(events.Entry{
		RoomID: membership.RoomID,
		Type:   events.TypeUserLeave,
		Data: memberPayload{
			Header:      events.Header{ActorUserID: membership.UserIDString},
			UserID:      membership.UserIDString,
			DisplayName: membership.DisplayName,
			IsHost:      membership.IsHost,
			Reason:      reason,
		},
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	if _, err := AppendSystemMessage(batch, membership.RoomID, membership.UserIDString, leaveNotice(membership.DisplayName, reason), now); err != nil {
		return RemovalOutcome{}, err
	}

	outcome, err := ensureHostOrTeardown(batch, gatekeeper, membership.RoomID, now)
	if err != nil {
		return RemovalOutcome{}, err
	}
	outcome.Removed = true
	return outcome, nil
}

// ensureHostOrTeardown restores the single-host rule after a membership change. An empty
// room is deleted together with its dependent rows; a hostless room promotes the
// earliest-joined member, preferring members that are not AFK.
func ensureHostOrTeardown(batch *EventBatch, gatekeeper Gatekeeper, roomID int64, now time.Time) (RemovalOutcome, error) {
	tx := batch.Tx()
	var remaining int64
	if err := tx.Model(&Membership{}).Where("room_id = ?", roomID).Count(&remaining).Error; err != nil {
		return RemovalOutcome{}, err
	}
	if remaining == 0 {
		if err := deleteRoom(batch, gatekeeper, roomID); err != nil {
			return RemovalOutcome{}, err
		}
		return RemovalOutcome{RoomDeleted: true}, nil
	}

	var hosts int64
	if err := tx.Model(&Membership{}).Where("room_id = ? AND is_host = ?", roomID, true).Count(&hosts).Error; err != nil {
		return RemovalOutcome{}, err
	}
	if hosts > 0 {
		return RemovalOutcome{}, nil
	}

	var successor Membership
	err := tx.Where("room_id = ?", roomID).
		Order("is_afk ASC, joined_at ASC, id ASC").
		Take(&successor).Error
	if err != nil {
		return RemovalOutcome{}, err
	}
	promoted := tx.Model(&Membership{}).
		Where("id = ? AND is_host = ?", successor.ID, false).
		Update("is_host", true)
	if promoted.Error != nil {
		return RemovalOutcome{}, promoted.Error
	}
	if promoted.RowsAffected == 0 {
		return RemovalOutcome{}, nil
	}

	err = batch.Append(events.Entry{
		RoomID: roomID,
		Type:   events.TypeRoomUpdate,
		Data: roomPayload{
			Header:        events.Header{ActorUserID: successor.UserIDString, Action: events.RoomActionHostChanged},
			NewHostUserID: successor.UserIDString,
			NewHostName:   successor.DisplayName,
		},
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	err = batch.Append(events.Entry{
		RoomID: roomID,
		Type:   events.TypeUserUpdate,
		Data: memberPayload{
			Header:      events.Header{ActorUserID: successor.UserIDString, Action: UserActionPromoted},
			UserID:      successor.UserIDString,
			DisplayName: successor.DisplayName,
			IsHost:      true,
		},
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	notice := fmt.Sprintf("%s is now the host.", successor.DisplayName)
	if _, err := AppendSystemMessage(batch, roomID, successor.UserIDString, notice, now); err != nil {
		return RemovalOutcome{}, err
	}
	return RemovalOutcome{HostTransferred: true, NewHostUserID: successor.UserIDString}, nil
}

func deleteRoom(batch *EventBatch, gatekeeper Gatekeeper, roomID int64) error {
	tx := batch.Tx()
	for _, model := range []any{&Message{}, &Ban{}, &Kick{}} {
		if err := tx.Where("room_id = ?", roomID).Delete(model).Error; err != nil {
			return err
		}
	}
	if gatekeeper != nil {
		if err := gatekeeper.PurgeRoom(tx, roomID); err != nil {
			return err
		}
	}
	if err := tx.Where("id = ?", roomID).Delete(&Room{}).Error; err != nil {
		return err
	}
	return batch.Append(events.Entry{
		RoomID: roomID,
		Type:   events.TypeRoomUpdate,
		Data:   roomPayload{Header: events.Header{Action: events.RoomActionDeleted}},
	})
}

func leaveNotice(displayName, reason string) string {
	switch reason {
	case LeaveReasonKicked:
		return fmt.Sprintf("%s was removed from the room.", displayName)
	case LeaveReasonBanned:
		return fmt.Sprintf("%s was banned from the room.", displayName)
	case LeaveReasonTimeout:
		return fmt.Sprintf("%s was disconnected due to inactivity.", displayName)
	default:
		return fmt.Sprintf("%s left the room.", displayName)
	}
}
