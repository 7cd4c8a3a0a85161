package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateRoomInput describes a new room.
type CreateRoomInput struct {
	Name           string
	Description    string
	Password       string
	AllowKnocking  bool
	YouTubeEnabled bool
}

// JoinResult reports the membership created or refreshed by Join.
type JoinResult struct {
	Room          Room
	Membership    Membership
	AlreadyMember bool
	UsedKey       bool
}

// StatusReport is the caller's standing in a room with the context a client needs to
// explain a removal.
type StatusReport struct {
	Status    presence.Status `json:"status"`
	RoomID    int64           `json:"room_id"`
	RoomName  string          `json:"room_name,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	IssuedBy  string          `json:"issued_by,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Permanent bool            `json:"permanent,omitempty"`
	IsHost    bool            `json:"is_host,omitempty"`
	IsAFK     bool            `json:"is_afk,omitempty"`
}

// CreateRoom creates a room and seats the creator as its host.
func (s *Service) CreateRoom(ctx context.Context, owner Identity, input CreateRoomInput) (Room, Membership, error) {
	name, err := sanitizeRoomName(input.Name)
	if err != nil {
		return Room{}, Membership{}, newServiceError(opCreateRoom, "invalid_name", err)
	}
	passwordHash := ""
	if input.Password != "" {
		hashed, hashErr := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if hashErr != nil {
			return Room{}, Membership{}, s.fail(opCreateRoom, "password_hash_failed", hashErr)
		}
		passwordHash = string(hashed)
	}

	now := s.now()
	room := Room{
		Name:           name,
		Description:    sanitizeReason(input.Description),
		PasswordHash:   passwordHash,
		AllowKnocking:  input.AllowKnocking,
		YouTubeEnabled: input.YouTubeEnabled,
		CreatedBy:      owner.UserID,
		CreatedAt:      now,
	}
	var membership Membership
	err = s.inTransaction(ctx, func(batch *EventBatch) error {
		if err := s.leaveOtherRooms(batch, owner.UserID, 0, now); err != nil {
			return s.fail(opCreateRoom, "leave_previous_failed", err, zap.String("user_id", owner.UserID))
		}
		if err := batch.Tx().Create(&room).Error; err != nil {
			return s.fail(opCreateRoom, "room_insert_failed", err, zap.String("user_id", owner.UserID))
		}
		created, err := s.seat(batch, room, owner, true, now)
		if err != nil {
			return s.fail(opCreateRoom, "membership_insert_failed", err, zap.Int64("room_id", room.ID))
		}
		membership = created
		return nil
	})
	if err != nil {
		return Room{}, Membership{}, err
	}
	return room, membership, nil
}

// Join seats the identity in the room. Entry checks run in order: active ban, existing
// membership, then the password gate, where a valid room key is honoured before the
// password and knocking-enabled rooms answer knock_required instead of password_required.
// Joining a room leaves any other room first.
func (s *Service) Join(ctx context.Context, roomID int64, identity Identity, password string) (JoinResult, error) {
	now := s.now()
	var result JoinResult
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		room, err := findRoom(tx, roomID, true)
		if errors.Is(err, ErrRoomNotFound) {
			return newServiceError(opJoin, "room_not_found", err)
		}
		if err != nil {
			return s.fail(opJoin, "room_select_failed", err, zap.Int64("room_id", roomID))
		}
		result.Room = room

		if !identity.IsAdmin {
			ban, banned, err := ActiveBan(tx, roomID, identity.UserID, now)
			if err != nil {
				return s.fail(opJoin, "ban_select_failed", err, zap.Int64("room_id", roomID))
			}
			if banned {
				return newServiceError(opJoin, "banned", fmt.Errorf("%w: %s", ErrBanned, ban.Reason))
			}
		}

		existing, err := findMembership(tx, roomID, identity.UserID)
		if err == nil {
			refreshed := tx.Model(&Membership{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{"last_activity": now, "is_afk": false, "afk_since": nil})
			if refreshed.Error != nil {
				return s.fail(opJoin, "membership_refresh_failed", refreshed.Error, zap.Int64("room_id", roomID))
			}
			existing.LastActivity = now
			existing.IsAFK = false
			existing.AFKSince = nil
			result.Membership = existing
			result.AlreadyMember = true
			return nil
		}
		if !errors.Is(err, ErrNotInRoom) {
			return s.fail(opJoin, "membership_select_failed", err, zap.Int64("room_id", roomID))
		}

		usedKey, err := s.checkEntry(tx, room, identity, password, now)
		if err != nil {
			return err
		}
		result.UsedKey = usedKey

		if err := s.leaveOtherRooms(batch, identity.UserID, roomID, now); err != nil {
			return s.fail(opJoin, "leave_previous_failed", err, zap.String("user_id", identity.UserID))
		}
		var hosts int64
		if err := tx.Model(&Membership{}).Where("room_id = ? AND is_host = ?", roomID, true).Count(&hosts).Error; err != nil {
			return s.fail(opJoin, "host_count_failed", err, zap.Int64("room_id", roomID))
		}
		membership, err := s.seat(batch, room, identity, hosts == 0, now)
		if err != nil {
			return s.fail(opJoin, "membership_insert_failed", err, zap.Int64("room_id", roomID))
		}
		if err := tx.Where("room_id = ? AND user_id_string = ?", roomID, identity.UserID).Delete(&Kick{}).Error; err != nil {
			return s.fail(opJoin, "kick_clear_failed", err, zap.Int64("room_id", roomID))
		}
		result.Membership = membership
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	return result, nil
}

func (s *Service) checkEntry(tx *gorm.DB, room Room, identity Identity, password string, now time.Time) (bool, error) {
	if !room.HasPassword() || identity.Staff() {
		return false, nil
	}
	if s.gatekeeper != nil {
		hasKey, err := s.gatekeeper.HasValidKey(tx, room.ID, identity.UserID, now)
		if err != nil {
			return false, s.fail(opJoin, "key_check_failed", err, zap.Int64("room_id", room.ID))
		}
		if hasKey {
			return true, nil
		}
	}
	if password != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
			return false, newServiceError(opJoin, "invalid_password", ErrInvalidPassword)
		}
		return false, nil
	}
	if room.AllowKnocking {
		return false, newServiceError(opJoin, "knock_required", ErrKnockRequired)
	}
	return false, newServiceError(opJoin, "password_required", ErrPasswordRequired)
}

func (s *Service) seat(batch *EventBatch, room Room, identity Identity, asHost bool, now time.Time) (Membership, error) {
	membership := Membership{
		RoomID:       room.ID,
		UserIDString: identity.UserID,
		DisplayName:  SanitizeDisplayName(identity.DisplayName),
		AvatarURL:    identity.AvatarURL,
		IsGuest:      identity.IsGuest,
		IsHost:       asHost,
		LastActivity: now,
		JoinedAt:     now,
		IPAddress:    identity.IPAddress,
	}
	if err := batch.Tx().Create(&membership).Error; err != nil {
		return Membership{}, err
	}
	err := batch.Append(events.Entry{
		RoomID: room.ID,
		Type:   events.TypeUserJoin,
		Data: memberPayload{
			Header:      events.Header{ActorUserID: identity.UserID},
			UserID:      identity.UserID,
			DisplayName: membership.DisplayName,
			IsHost:      asHost,
		},
	})
	if err != nil {
		return Membership{}, err
	}
	notice := fmt.Sprintf("%s joined the room.", membership.DisplayName)
	if _, err := AppendSystemMessage(batch, room.ID, identity.UserID, notice, now); err != nil {
		return Membership{}, err
	}
	return membership, nil
}

func (s *Service) leaveOtherRooms(batch *EventBatch, userID string, keepRoomID int64, now time.Time) error {
	var others []Membership
	err := batch.Tx().
		Where("user_id_string = ? AND room_id <> ?", userID, keepRoomID).
		Find(&others).Error
	if err != nil {
		return err
	}
	for _, other := range others {
		if _, err := removeMembership(batch, s.gatekeeper, other, LeaveReasonSwitched, now); err != nil {
			return err
		}
	}
	return nil
}

// Leave removes the caller from the room and acknowledges any pending kick notice. A
// caller with neither gets ErrNotInRoom.
func (s *Service) Leave(ctx context.Context, roomID int64, identity Identity) (RemovalOutcome, error) {
	now := s.now()
	var outcome RemovalOutcome
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		acknowledged := tx.Where("room_id = ? AND user_id_string = ?", roomID, identity.UserID).Delete(&Kick{})
		if acknowledged.Error != nil {
			return s.fail(opLeave, "kick_clear_failed", acknowledged.Error, zap.Int64("room_id", roomID))
		}
		membership, err := findMembership(tx, roomID, identity.UserID)
		if errors.Is(err, ErrNotInRoom) {
			if acknowledged.RowsAffected > 0 {
				return nil
			}
			return newServiceError(opLeave, "not_in_room", err)
		}
		if err != nil {
			return s.fail(opLeave, "membership_select_failed", err, zap.Int64("room_id", roomID))
		}
		removed, err := removeMembership(batch, s.gatekeeper, membership, LeaveReasonLeft, now)
		if err != nil {
			return s.fail(opLeave, "membership_remove_failed", err, zap.Int64("room_id", roomID))
		}
		outcome = removed
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	return outcome, nil
}

// RecordActivity refreshes the caller's last activity, clears AFK state and bumps the
// global online-users aggregate. ErrNotInRoom reports a caller without a membership.
func (s *Service) RecordActivity(ctx context.Context, roomID int64, identity Identity, rawType string) (time.Time, error) {
	activityType, ok := presence.ParseActivityType(rawType)
	if !ok {
		return time.Time{}, newServiceError(opRecordActivity, "invalid_activity_type",
			fmt.Errorf("%w: %q", ErrInvalidActivityType, rawType))
	}
	now := s.now()
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		returned := tx.Model(&Membership{}).
			Where("room_id = ? AND user_id_string = ? AND is_afk = ?", roomID, identity.UserID, true).
			Updates(map[string]any{"last_activity": now, "is_afk": false, "afk_since": nil})
		if returned.Error != nil {
			return s.fail(opRecordActivity, "afk_clear_failed", returned.Error, zap.Int64("room_id", roomID))
		}
		if returned.RowsAffected > 0 {
			err := batch.Append(events.Entry{
				RoomID: roomID,
				Type:   events.TypeUserUpdate,
				Data: memberPayload{
					Header:      events.Header{ActorUserID: identity.UserID, Action: UserActionBack},
					UserID:      identity.UserID,
					DisplayName: SanitizeDisplayName(identity.DisplayName),
				},
			})
			if err != nil {
				return s.fail(opRecordActivity, "event_append_failed", err, zap.Int64("room_id", roomID))
			}
		} else {
			touched := tx.Model(&Membership{}).
				Where("room_id = ? AND user_id_string = ?", roomID, identity.UserID).
				Update("last_activity", now)
			if touched.Error != nil {
				return s.fail(opRecordActivity, "activity_update_failed", touched.Error, zap.Int64("room_id", roomID))
			}
			if touched.RowsAffected == 0 {
				if _, err := findMembership(tx, roomID, identity.UserID); err != nil {
					if errors.Is(err, ErrNotInRoom) {
						return newServiceError(opRecordActivity, "not_in_room", err)
					}
					return s.fail(opRecordActivity, "membership_select_failed", err, zap.Int64("room_id", roomID))
				}
			}
		}

		online := OnlineUser{
			UserIDString: identity.UserID,
			DisplayName:  SanitizeDisplayName(identity.DisplayName),
			AvatarURL:    identity.AvatarURL,
			IsGuest:      identity.IsGuest,
			LastSeen:     now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id_string"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "is_guest", "last_seen"}),
		}).Create(&online).Error
		if err != nil {
			return s.fail(opRecordActivity, "online_upsert_failed", err, zap.String("user_id", identity.UserID))
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Debug("activity recorded",
		zap.Int64("room_id", roomID),
		zap.String("user_id", identity.UserID),
		zap.String("activity_type", string(activityType)))
	return now, nil
}

// Status classifies the caller's standing in the room. Priority: banned, room deleted,
// active, removed by kick, not in room.
func (s *Service) Status(ctx context.Context, roomID int64, userID string) (StatusReport, error) {
	now := s.now()
	db := s.db.WithContext(ctx)
	report := StatusReport{RoomID: roomID}

	ban, banned, err := ActiveBan(db, roomID, userID, now)
	if err != nil {
		return StatusReport{Status: presence.StatusError, RoomID: roomID},
			s.fail(opStatus, "ban_select_failed", err, zap.Int64("room_id", roomID))
	}
	if banned {
		report.Status = presence.StatusBanned
		report.Reason = ban.Reason
		report.IssuedBy = ban.BannedByName
		report.ExpiresAt = ban.ExpiresAt
		report.Permanent = ban.ExpiresAt == nil
		return report, nil
	}

	room, err := findRoom(db, roomID, false)
	if errors.Is(err, ErrRoomNotFound) {
		report.Status = presence.StatusRoomDeleted
		return report, nil
	}
	if err != nil {
		return StatusReport{Status: presence.StatusError, RoomID: roomID},
			s.fail(opStatus, "room_select_failed", err, zap.Int64("room_id", roomID))
	}
	report.RoomName = room.Name

	membership, err := findMembership(db, roomID, userID)
	if err == nil {
		report.Status = presence.StatusActive
		report.IsHost = membership.IsHost
		report.IsAFK = membership.IsAFK
		return report, nil
	}
	if !errors.Is(err, ErrNotInRoom) {
		return StatusReport{Status: presence.StatusError, RoomID: roomID},
			s.fail(opStatus, "membership_select_failed", err, zap.Int64("room_id", roomID))
	}

	var kick Kick
	err = db.Where("room_id = ? AND user_id_string = ?", roomID, userID).Order("id DESC").Take(&kick).Error
	if err == nil {
		report.Status = presence.StatusRemoved
		report.Reason = kick.Reason
		report.IssuedBy = kick.KickedByName
		return report, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusReport{Status: presence.StatusError, RoomID: roomID},
			s.fail(opStatus, "kick_select_failed", err, zap.Int64("room_id", roomID))
	}
	report.Status = presence.StatusNotInRoom
	return report, nil
}

// ActiveBan returns the newest ban on the user that has not expired at now.
func ActiveBan(tx *gorm.DB, roomID int64, userID string, now time.Time) (Ban, bool, error) {
	var ban Ban
	err := tx.Where("room_id = ? AND user_id_string = ?", roomID, userID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("id DESC").
		Take(&ban).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ban{}, false, nil
	}
	if err != nil {
		return Ban{}, false, err
	}
	return ban, true, nil
}
