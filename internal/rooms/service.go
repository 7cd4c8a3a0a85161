package rooms

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew       = "rooms.service.new"
	opCreateRoom       = "rooms.create"
	opJoin             = "rooms.join"
	opLeave            = "rooms.leave"
	opKick             = "rooms.kick"
	opBan              = "rooms.ban"
	opRecordActivity   = "rooms.record_activity"
	opStatus           = "rooms.status"
	opSendMessage      = "rooms.send_message"
	opSendPrivate      = "rooms.send_private_message"
	opUpdateYouTube    = "rooms.update_youtube"
	opUpdateSettings   = "rooms.update_settings"
	opGetRoom          = "rooms.get"
	opGetMembership    = "rooms.membership"
	opListMembers      = "rooms.list_members"
	opRecentMessages   = "rooms.recent_messages"
	opPrivateMessages  = "rooms.private_messages"
	opListOnline       = "rooms.list_online"
	opIdleMemberships  = "rooms.idle_memberships"
	opMarkAFK          = "rooms.mark_afk"
	opExpireMembership = "rooms.expire_membership"
	opPruneOnline      = "rooms.prune_online"

	defaultMessageLimit = 50
)

var noOpLogger = zap.NewNop()

// Gatekeeper owns the knock-derived entry state of rooms.
type Gatekeeper interface {
	// HasValidKey reports whether the user holds an unexpired room key.
	HasValidKey(tx *gorm.DB, roomID int64, userID string, now time.Time) (bool, error)
	// PurgeRoom drops knock and key state for a deleted room.
	PurgeRoom(tx *gorm.DB, roomID int64) error
}

// ServiceConfig describes the dependencies of the rooms service.
type ServiceConfig struct {
	Database   *gorm.DB
	Events     *events.Log
	Gatekeeper Gatekeeper
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages rooms, memberships, moderation and chat lines.
type Service struct {
	db         *gorm.DB
	events     *events.Log
	gatekeeper Gatekeeper
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and builds the rooms service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Events == nil {
		return nil, newServiceError(opServiceNew, "missing_events", errMissingEvents)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		events:     cfg.Events,
		gatekeeper: cfg.Gatekeeper,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// inTransaction runs fn in one transaction and publishes its events after commit.
func (s *Service) inTransaction(ctx context.Context, fn func(batch *EventBatch) error) error {
	var batch *EventBatch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.events.Lock(tx); err != nil {
			return s.fail("rooms.transaction", "event_lock_failed", err)
		}
		batch = NewEventBatch(s.events, tx)
		return fn(batch)
	})
	if err != nil {
		return err
	}
	batch.Publish()
	return nil
}

// fail logs infrastructure failures and wraps every error with an operation code.
// Errors that already carry a code pass through untouched.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("rooms service failure", allFields...)
}

// Room returns a room by id.
func (s *Service) Room(ctx context.Context, roomID int64) (Room, error) {
	room, err := findRoom(s.db.WithContext(ctx), roomID, false)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return Room{}, newServiceError(opGetRoom, "room_not_found", err)
		}
		return Room{}, s.fail(opGetRoom, "room_select_failed", err, zap.Int64("room_id", roomID))
	}
	return room, nil
}

// Membership returns the caller's membership in the room.
func (s *Service) Membership(ctx context.Context, roomID int64, userID string) (Membership, error) {
	membership, err := findMembership(s.db.WithContext(ctx), roomID, userID)
	if err != nil {
		if errors.Is(err, ErrNotInRoom) {
			return Membership{}, newServiceError(opGetMembership, "not_in_room", err)
		}
		return Membership{}, s.fail(opGetMembership, "membership_select_failed", err,
			zap.Int64("room_id", roomID), zap.String("user_id", userID))
	}
	return membership, nil
}

// ListMembers returns the room roster, host first then by join order.
func (s *Service) ListMembers(ctx context.Context, roomID int64) ([]Membership, error) {
	var members []Membership
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("is_host DESC, joined_at ASC, id ASC").
		Find(&members).Error
	if err != nil {
		return nil, s.fail(opListMembers, "query_failed", err, zap.Int64("room_id", roomID))
	}
	return members, nil
}

// RecentMessages returns the latest room messages visible to the viewer, oldest first.
// Whispers are only visible to their sender and recipient.
func (s *Service) RecentMessages(ctx context.Context, roomID int64, viewerID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	var found []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Where("kind <> ? OR user_id_string = ? OR recipient_user_id = ?", MessageKindWhisper, viewerID, viewerID).
		Order("id DESC").
		Limit(limit).
		Find(&found).Error
	if err != nil {
		return nil, s.fail(opRecentMessages, "query_failed", err, zap.Int64("room_id", roomID))
	}
	reverseMessages(found)
	return found, nil
}

// PrivateMessages returns the latest private messages sent or received by the user, oldest first.
func (s *Service) PrivateMessages(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	var found []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND kind = ?", 0, MessageKindPrivate).
		Where("user_id_string = ? OR recipient_user_id = ?", userID, userID).
		Order("id DESC").
		Limit(limit).
		Find(&found).Error
	if err != nil {
		return nil, s.fail(opPrivateMessages, "query_failed", err, zap.String("user_id", userID))
	}
	reverseMessages(found)
	return found, nil
}

// ListOnlineUsers returns the global online-users aggregate.
func (s *Service) ListOnlineUsers(ctx context.Context) ([]OnlineUser, error) {
	var online []OnlineUser
	err := s.db.WithContext(ctx).Order("display_name ASC, user_id_string ASC").Find(&online).Error
	if err != nil {
		return nil, s.fail(opListOnline, "query_failed", err)
	}
	return online, nil
}

// YouTube returns the co-watch sync state of a room.
func (r Room) YouTube() YouTubeState {
	state := YouTubeState{
		VideoID:         r.YouTubeVideoID,
		PositionSeconds: r.YouTubePositionSeconds,
		Playing:         r.YouTubePlaying,
	}
	if r.YouTubeUpdatedAt != nil {
		state.UpdatedAt = *r.YouTubeUpdatedAt
	}
	return state
}

func findRoom(tx *gorm.DB, roomID int64, forUpdate bool) (Room, error) {
	query := tx
	if forUpdate {
		query = lockForUpdate(tx)
	}
	var room Room
	err := query.Where("id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

func findMembership(tx *gorm.DB, roomID int64, userID string) (Membership, error) {
	var membership Membership
	err := tx.Where("room_id = ? AND user_id_string = ?", roomID, userID).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, ErrNotInRoom
	}
	if err != nil {
		return Membership{}, err
	}
	return membership, nil
}

func reverseMessages(messages []Message) {
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
}
