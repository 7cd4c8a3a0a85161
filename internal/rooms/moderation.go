package rooms

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var youTubeVideoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,32}$`)

// SettingsUpdate carries optional room setting changes. Nil fields are left untouched;
// an empty Password clears the password.
type SettingsUpdate struct {
	Description    *string
	Password       *string
	AllowKnocking  *bool
	YouTubeEnabled *bool
}

type settingsPayload struct {
	events.Header
	AllowKnocking  bool `json:"allow_knocking"`
	HasPassword    bool `json:"has_password"`
	YouTubeEnabled bool `json:"youtube_enabled"`
}

type youTubePayload struct {
	events.Header
	YouTubeState
}

// Kick removes the target from the room and records a kick notice for them.
func (s *Service) Kick(ctx context.Context, roomID int64, actor Identity, targetUserID, reason string) (RemovalOutcome, error) {
	if targetUserID == actor.UserID {
		return RemovalOutcome{}, newServiceError(opKick, "cannot_target_self", ErrCannotTargetSelf)
	}
	now := s.now()
	var outcome RemovalOutcome
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		if err := s.requireModerator(opKick, batch, roomID, actor); err != nil {
			return err
		}
		target, err := findMembership(tx, roomID, targetUserID)
		if errors.Is(err, ErrNotInRoom) {
			return newServiceError(opKick, "target_not_in_room", err)
		}
		if err != nil {
			return s.fail(opKick, "membership_select_failed", err, zap.Int64("room_id", roomID))
		}
		kick := Kick{
			RoomID:       roomID,
			UserIDString: targetUserID,
			KickedBy:     actor.UserID,
			KickedByName: SanitizeDisplayName(actor.DisplayName),
			Reason:       sanitizeReason(reason),
			CreatedAt:    now,
		}
		if err := tx.Create(&kick).Error; err != nil {
			return s.fail(opKick, "kick_insert_failed", err, zap.Int64("room_id", roomID))
		}
		removed, err := removeMembership(batch, s.gatekeeper, target, LeaveReasonKicked, now)
		if err != nil {
			return s.fail(opKick, "membership_remove_failed", err, zap.Int64("room_id", roomID))
		}
		outcome = removed
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	return outcome, nil
}

// Ban bars the target from the room for the duration, or permanently when zero, and
// removes them if present.
func (s *Service) Ban(ctx context.Context, roomID int64, actor Identity, targetUserID, reason string, duration time.Duration) (RemovalOutcome, error) {
	if targetUserID == actor.UserID {
		return RemovalOutcome{}, newServiceError(opBan, "cannot_target_self", ErrCannotTargetSelf)
	}
	if duration < 0 {
		duration = 0
	}
	now := s.now()
	var outcome RemovalOutcome
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		if _, err := findRoom(tx, roomID, true); err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				return newServiceError(opBan, "room_not_found", err)
			}
			return s.fail(opBan, "room_select_failed", err, zap.Int64("room_id", roomID))
		}
		if err := s.requireModerator(opBan, batch, roomID, actor); err != nil {
			return err
		}
		ban := Ban{
			RoomID:       roomID,
			UserIDString: targetUserID,
			BannedBy:     actor.UserID,
			BannedByName: SanitizeDisplayName(actor.DisplayName),
			Reason:       sanitizeReason(reason),
			CreatedAt:    now,
		}
		if duration > 0 {
			expires := now.Add(duration)
			ban.ExpiresAt = &expires
		}
		if err := tx.Create(&ban).Error; err != nil {
			return s.fail(opBan, "ban_insert_failed", err, zap.Int64("room_id", roomID))
		}
		if err := tx.Where("room_id = ? AND user_id_string = ?", roomID, targetUserID).Delete(&Kick{}).Error; err != nil {
			return s.fail(opBan, "kick_clear_failed", err, zap.Int64("room_id", roomID))
		}
		target, err := findMembership(tx, roomID, targetUserID)
		if errors.Is(err, ErrNotInRoom) {
			return nil
		}
		if err != nil {
			return s.fail(opBan, "membership_select_failed", err, zap.Int64("room_id", roomID))
		}
		removed, err := removeMembership(batch, s.gatekeeper, target, LeaveReasonBanned, now)
		if err != nil {
			return s.fail(opBan, "membership_remove_failed", err, zap.Int64("room_id", roomID))
		}
		outcome = removed
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	return outcome, nil
}

// UpdateYouTube stores the co-watch sync state written by the host.
func (s *Service) UpdateYouTube(ctx context.Context, roomID int64, actor Identity, state YouTubeState) (YouTubeState, error) {
	if !youTubeVideoIDPattern.MatchString(state.VideoID) || state.PositionSeconds < 0 {
		return YouTubeState{}, newServiceError(opUpdateYouTube, "invalid_state", ErrInvalidYouTubeState)
	}
	now := s.now()
	stored := YouTubeState{
		VideoID:         state.VideoID,
		PositionSeconds: state.PositionSeconds,
		Playing:         state.Playing,
		UpdatedAt:       now,
		UpdatedBy:       actor.UserID,
	}
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		room, err := findRoom(tx, roomID, true)
		if errors.Is(err, ErrRoomNotFound) {
			return newServiceError(opUpdateYouTube, "room_not_found", err)
		}
		if err != nil {
			return s.fail(opUpdateYouTube, "room_select_failed", err, zap.Int64("room_id", roomID))
		}
		if !room.YouTubeEnabled {
			return newServiceError(opUpdateYouTube, "feature_disabled", ErrFeatureDisabled)
		}
		if err := s.requireModerator(opUpdateYouTube, batch, roomID, actor); err != nil {
			return err
		}
		updated := tx.Model(&Room{}).Where("id = ?", roomID).Updates(map[string]any{
			"youtube_video_id":   stored.VideoID,
			"youtube_position_s": stored.PositionSeconds,
			"youtube_playing":    stored.Playing,
			"youtube_updated_at": now,
		})
		if updated.Error != nil {
			return s.fail(opUpdateYouTube, "room_update_failed", updated.Error, zap.Int64("room_id", roomID))
		}
		err = batch.Append(events.Entry{
			RoomID: roomID,
			Type:   events.TypeYouTubeUpdate,
			Data:   youTubePayload{Header: events.Header{ActorUserID: actor.UserID}, YouTubeState: stored},
		})
		if err != nil {
			return s.fail(opUpdateYouTube, "event_append_failed", err, zap.Int64("room_id", roomID))
		}
		return nil
	})
	if err != nil {
		return YouTubeState{}, err
	}
	return stored, nil
}

// UpdateSettings applies host setting changes and announces them to the room.
func (s *Service) UpdateSettings(ctx context.Context, roomID int64, actor Identity, update SettingsUpdate) (Room, error) {
	changes := map[string]any{}
	if update.Description != nil {
		changes["description"] = sanitizeReason(*update.Description)
	}
	if update.AllowKnocking != nil {
		changes["allow_knocking"] = *update.AllowKnocking
	}
	if update.YouTubeEnabled != nil {
		changes["youtube_enabled"] = *update.YouTubeEnabled
	}
	if update.Password != nil {
		hash := ""
		if *update.Password != "" {
			hashed, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcrypt.DefaultCost)
			if err != nil {
				return Room{}, s.fail(opUpdateSettings, "password_hash_failed", err)
			}
			hash = string(hashed)
		}
		changes["password_hash"] = hash
	}

	var room Room
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		if _, err := findRoom(tx, roomID, true); err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				return newServiceError(opUpdateSettings, "room_not_found", err)
			}
			return s.fail(opUpdateSettings, "room_select_failed", err, zap.Int64("room_id", roomID))
		}
		if err := s.requireModerator(opUpdateSettings, batch, roomID, actor); err != nil {
			return err
		}
		if len(changes) > 0 {
			if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(changes).Error; err != nil {
				return s.fail(opUpdateSettings, "room_update_failed", err, zap.Int64("room_id", roomID))
			}
		}
		reloaded, err := findRoom(tx, roomID, false)
		if err != nil {
			return s.fail(opUpdateSettings, "room_reload_failed", err, zap.Int64("room_id", roomID))
		}
		room = reloaded
		err = batch.Append(events.Entry{
			RoomID: roomID,
			Type:   events.TypeSettingsUpdate,
			Data: settingsPayload{
				Header:         events.Header{ActorUserID: actor.UserID, Action: events.RoomActionSettings},
				AllowKnocking:  room.AllowKnocking,
				HasPassword:    room.HasPassword(),
				YouTubeEnabled: room.YouTubeEnabled,
			},
		})
		if err != nil {
			return s.fail(opUpdateSettings, "event_append_failed", err, zap.Int64("room_id", roomID))
		}
		notice := fmt.Sprintf("%s updated the room settings.", SanitizeDisplayName(actor.DisplayName))
		if _, err := AppendSystemMessage(batch, roomID, actor.UserID, notice, s.now()); err != nil {
			return s.fail(opUpdateSettings, "message_insert_failed", err, zap.Int64("room_id", roomID))
		}
		return nil
	})
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

func (s *Service) requireModerator(operation string, batch *EventBatch, roomID int64, actor Identity) error {
	allowed, err := CanModerate(batch.Tx(), roomID, actor)
	if err != nil {
		return s.fail(operation, "host_check_failed", err, zap.Int64("room_id", roomID))
	}
	if !allowed {
		return newServiceError(operation, "not_host", ErrNotHost)
	}
	return nil
}
