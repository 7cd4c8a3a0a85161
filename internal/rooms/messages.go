package rooms

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SendMessage stores a chat line from a room member. A non-empty whisperTo turns it into a
// whisper visible only to the sender and that member. Room-wide lines raise targeted
// mention events for every other member addressed as @DisplayName.
func (s *Service) SendMessage(ctx context.Context, roomID int64, sender Identity, text, whisperTo string) (Message, error) {
	body, err := SanitizeMessage(text)
	if err != nil {
		return Message{}, newServiceError(opSendMessage, "invalid_body", err)
	}
	if whisperTo != "" && whisperTo == sender.UserID {
		return Message{}, newServiceError(opSendMessage, "cannot_target_self", ErrCannotTargetSelf)
	}
	now := s.now()
	var stored Message
	err = s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		author, err := findMembership(tx, roomID, sender.UserID)
		if errors.Is(err, ErrNotInRoom) {
			return newServiceError(opSendMessage, "not_in_room", err)
		}
		if err != nil {
			return s.fail(opSendMessage, "membership_select_failed", err, zap.Int64("room_id", roomID))
		}

		message := Message{
			RoomID:       roomID,
			UserIDString: author.UserIDString,
			DisplayName:  author.DisplayName,
			AvatarURL:    author.AvatarURL,
			Body:         body,
			Kind:         MessageKindChat,
			CreatedAt:    now,
		}
		if whisperTo != "" {
			if _, err := findMembership(tx, roomID, whisperTo); err != nil {
				if errors.Is(err, ErrNotInRoom) {
					return newServiceError(opSendMessage, "recipient_not_found", ErrRecipientNotFound)
				}
				return s.fail(opSendMessage, "recipient_select_failed", err, zap.Int64("room_id", roomID))
			}
			message.Kind = MessageKindWhisper
			message.RecipientUserID = whisperTo
		}
		if err := tx.Create(&message).Error; err != nil {
			return s.fail(opSendMessage, "message_insert_failed", err, zap.Int64("room_id", roomID))
		}
		stored = message

		payload := messagePayload{
			Header:          events.Header{ActorUserID: author.UserIDString, Kind: string(message.Kind)},
			MessageID:       message.ID,
			DisplayName:     author.DisplayName,
			RecipientUserID: message.RecipientUserID,
		}
		if message.Kind == MessageKindWhisper {
			for _, recipient := range []string{whisperTo, author.UserIDString} {
				entry := events.Entry{RoomID: roomID, UserIDString: recipient, Type: events.TypeWhisper, Data: payload}
				if err := batch.Append(entry); err != nil {
					return s.fail(opSendMessage, "event_append_failed", err, zap.Int64("room_id", roomID))
				}
			}
			return nil
		}

		if err := batch.Append(events.Entry{RoomID: roomID, Type: events.TypeMessage, Data: payload}); err != nil {
			return s.fail(opSendMessage, "event_append_failed", err, zap.Int64("room_id", roomID))
		}
		mentioned, err := mentionedMembers(tx, roomID, author.UserIDString, body)
		if err != nil {
			return s.fail(opSendMessage, "mention_lookup_failed", err, zap.Int64("room_id", roomID))
		}
		for _, userID := range mentioned {
			entry := events.Entry{RoomID: roomID, UserIDString: userID, Type: events.TypeMention, Data: payload}
			if err := batch.Append(entry); err != nil {
				return s.fail(opSendMessage, "event_append_failed", err, zap.Int64("room_id", roomID))
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return stored, nil
}

// SendPrivateMessage stores a direct message outside any room. The recipient must be
// online or seated in some room.
func (s *Service) SendPrivateMessage(ctx context.Context, sender Identity, recipientUserID, text string) (Message, error) {
	body, err := SanitizeMessage(text)
	if err != nil {
		return Message{}, newServiceError(opSendPrivate, "invalid_body", err)
	}
	if recipientUserID == "" || recipientUserID == sender.UserID {
		return Message{}, newServiceError(opSendPrivate, "cannot_target_self", ErrCannotTargetSelf)
	}
	now := s.now()
	var stored Message
	err = s.inTransaction(ctx, func(batch *EventBatch) error {
		tx := batch.Tx()
		reachable, err := userReachable(tx, recipientUserID)
		if err != nil {
			return s.fail(opSendPrivate, "recipient_select_failed", err, zap.String("recipient_id", recipientUserID))
		}
		if !reachable {
			return newServiceError(opSendPrivate, "recipient_not_found", ErrRecipientNotFound)
		}
		message := Message{
			UserIDString:    sender.UserID,
			DisplayName:     SanitizeDisplayName(sender.DisplayName),
			AvatarURL:       sender.AvatarURL,
			Body:            body,
			Kind:            MessageKindPrivate,
			RecipientUserID: recipientUserID,
			CreatedAt:       now,
		}
		if err := tx.Create(&message).Error; err != nil {
			return s.fail(opSendPrivate, "message_insert_failed", err, zap.String("recipient_id", recipientUserID))
		}
		stored = message
		payload := messagePayload{
			Header:          events.Header{ActorUserID: sender.UserID, Kind: string(MessageKindPrivate)},
			MessageID:       message.ID,
			DisplayName:     message.DisplayName,
			RecipientUserID: recipientUserID,
		}
		for _, recipient := range []string{recipientUserID, sender.UserID} {
			entry := events.Entry{UserIDString: recipient, Type: events.TypePrivateMessage, Data: payload}
			if err := batch.Append(entry); err != nil {
				return s.fail(opSendPrivate, "event_append_failed", err, zap.String("recipient_id", recipientUserID))
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return stored, nil
}

func mentionedMembers(tx *gorm.DB, roomID int64, authorID, body string) ([]string, error) {
	if !strings.Contains(body, "@") {
		return nil, nil
	}
	var members []Membership
	if err := tx.Where("room_id = ? AND user_id_string <> ?", roomID, authorID).Find(&members).Error; err != nil {
		return nil, err
	}
	lowered := strings.ToLower(body)
	var mentioned []string
	for _, member := range members {
		if strings.Contains(lowered, "@"+strings.ToLower(member.DisplayName)) {
			mentioned = append(mentioned, member.UserIDString)
		}
	}
	return mentioned, nil
}

func userReachable(tx *gorm.DB, userID string) (bool, error) {
	var online int64
	if err := tx.Model(&OnlineUser{}).Where("user_id_string = ?", userID).Count(&online).Error; err != nil {
		return false, err
	}
	if online > 0 {
		return true, nil
	}
	var seated int64
	if err := tx.Model(&Membership{}).Where("user_id_string = ?", userID).Count(&seated).Error; err != nil {
		return false, err
	}
	return seated > 0, nil
}
