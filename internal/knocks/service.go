package knocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "knocks.service.new"
	opCreate      = "knocks.create"
	opListPending = "knocks.list_pending"
	opRespond     = "knocks.respond"
	opGet         = "knocks.get"
	opValidKey    = "knocks.valid_key"
	opExpireStale = "knocks.expire_stale"

	defaultKeyTTL     = 2 * time.Hour
	defaultPendingTTL = 10 * time.Minute
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEvents   = errors.New("event log is required")
	noOpLogger         = zap.NewNop()

	// ErrKnockNotFound indicates the knock does not exist or is not visible to the caller.
	ErrKnockNotFound = errors.New("knocks: knock not found")
	// ErrKnockAlreadyHandled indicates the knock already left the pending state.
	ErrKnockAlreadyHandled = errors.New("knocks: knock already handled")
	// ErrKnockExpired indicates the knock stayed pending past the pending TTL.
	ErrKnockExpired = errors.New("knocks: knock expired")
	// ErrKnockNotNeeded indicates the room has no password to bypass.
	ErrKnockNotNeeded = errors.New("knocks: room is open")
	// ErrKnockingDisabled indicates the host switched knocking off.
	ErrKnockingDisabled = errors.New("knocks: knocking disabled")
	// ErrAlreadyMember indicates the requester is already seated in the room.
	ErrAlreadyMember = errors.New("knocks: already a member")
	// ErrKeyAlreadyGranted indicates the requester holds a valid room key.
	ErrKeyAlreadyGranted = errors.New("knocks: room key already granted")
)

// ServiceError carries a dotted operation.reason code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of the knock workflow.
type ServiceConfig struct {
	Database   *gorm.DB
	Events     *events.Log
	KeyTTL     time.Duration
	PendingTTL time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service runs the knock state machine and owns room keys.
type Service struct {
	db         *gorm.DB
	events     *events.Log
	keyTTL     time.Duration
	pendingTTL time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and builds the knock service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Events == nil {
		return nil, newServiceError(opServiceNew, "missing_events", errMissingEvents)
	}
	keyTTL := cfg.KeyTTL
	if keyTTL <= 0 {
		keyTTL = defaultKeyTTL
	}
	pendingTTL := cfg.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
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
		keyTTL:     keyTTL,
		pendingTTL: pendingTTL,
		clock:      clock,
		logger:     logger,
	}, nil
}

type knockPayload struct {
	events.Header
	KnockID     int64  `json:"knock_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      Status `json:"status"`
}

// Create files a knock for the requester. A pending knock that is still fresh is
// returned as is.
func (s *Service) Create(ctx context.Context, roomID int64, requester rooms.Identity) (Request, bool, error) {
	now := s.clock().UTC()
	var knock Request
	created := false
	err := s.inTransaction(ctx, func(batch *rooms.EventBatch) error {
		tx := batch.Tx()
		room, err := lockRoom(tx, roomID)
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return newServiceError(opCreate, "room_not_found", err)
		}
		if err != nil {
			return s.fail(opCreate, "room_select_failed", err, zap.Int64("room_id", roomID))
		}
		if !room.HasPassword() {
			return newServiceError(opCreate, "not_needed", ErrKnockNotNeeded)
		}
		if !room.AllowKnocking {
			return newServiceError(opCreate, "knocking_disabled", ErrKnockingDisabled)
		}
		if _, banned, err := rooms.ActiveBan(tx, roomID, requester.UserID, now); err != nil {
			return s.fail(opCreate, "ban_select_failed", err, zap.Int64("room_id", roomID))
		} else if banned {
			return newServiceError(opCreate, "banned", rooms.ErrBanned)
		}
		var seated int64
		if err := tx.Model(&rooms.Membership{}).
			Where("room_id = ? AND user_id_string = ?", roomID, requester.UserID).
			Count(&seated).Error; err != nil {
			return s.fail(opCreate, "membership_select_failed", err, zap.Int64("room_id", roomID))
		}
		if seated > 0 {
			return newServiceError(opCreate, "already_member", ErrAlreadyMember)
		}
		hasKey, err := s.HasValidKey(tx, roomID, requester.UserID, now)
		if err != nil {
			return s.fail(opCreate, "key_select_failed", err, zap.Int64("room_id", roomID))
		}
		if hasKey {
			return newServiceError(opCreate, "key_already_granted", ErrKeyAlreadyGranted)
		}

		err = tx.Where("room_id = ? AND user_id_string = ? AND status = ? AND created_at > ?",
			roomID, requester.UserID, StatusPending, now.Add(-s.pendingTTL)).
			Order("id DESC").
			Take(&knock).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return s.fail(opCreate, "knock_select_failed", err, zap.Int64("room_id", roomID))
		}

		knock = Request{
			RoomID:       roomID,
			UserIDString: requester.UserID,
			DisplayName:  rooms.SanitizeDisplayName(requester.DisplayName),
			AvatarURL:    requester.AvatarURL,
			IsGuest:      requester.IsGuest,
			Status:       StatusPending,
			CreatedAt:    now,
		}
		if err := tx.Create(&knock).Error; err != nil {
			return s.fail(opCreate, "knock_insert_failed", err, zap.Int64("room_id", roomID))
		}
		created = true
		return s.appendKnockEvent(batch, opCreate, knock, requester.UserID)
	})
	if err != nil {
		return Request{}, false, err
	}
	return knock, created, nil
}

// ListPending returns the room's fresh pending knocks for a host, oldest first.
func (s *Service) ListPending(ctx context.Context, roomID int64, host rooms.Identity) ([]Request, error) {
	db := s.db.WithContext(ctx)
	allowed, err := rooms.CanModerate(db, roomID, host)
	if err != nil {
		return nil, s.fail(opListPending, "host_check_failed", err, zap.Int64("room_id", roomID))
	}
	if !allowed {
		return nil, newServiceError(opListPending, "not_host", rooms.ErrNotHost)
	}
	var pending []Request
	err = db.Where("room_id = ? AND status = ? AND created_at > ?",
		roomID, StatusPending, s.clock().UTC().Add(-s.pendingTTL)).
		Order("id ASC").
		Find(&pending).Error
	if err != nil {
		return nil, s.fail(opListPending, "query_failed", err, zap.Int64("room_id", roomID))
	}
	return pending, nil
}

// Respond settles a pending knock. Acceptance mints a room key for the requester; both
// outcomes post a system message. Responding twice fails with ErrKnockAlreadyHandled and
// changes nothing.
func (s *Service) Respond(ctx context.Context, knockID int64, host rooms.Identity, accept bool) (Request, *RoomKey, error) {
	now := s.clock().UTC()
	var knock Request
	var key *RoomKey
	err := s.inTransaction(ctx, func(batch *rooms.EventBatch) error {
		tx := batch.Tx()
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", knockID).Take(&knock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRespond, "knock_not_found", ErrKnockNotFound)
		}
		if err != nil {
			return s.fail(opRespond, "knock_select_failed", err, zap.Int64("knock_id", knockID))
		}
		if knock.Status.Terminal() {
			return newServiceError(opRespond, "already_handled", ErrKnockAlreadyHandled)
		}
		freshAfter := now.Add(-s.pendingTTL)
		if !knock.CreatedAt.After(freshAfter) {
			return newServiceError(opRespond, "expired", ErrKnockExpired)
		}
		allowed, err := rooms.CanModerate(tx, knock.RoomID, host)
		if err != nil {
			return s.fail(opRespond, "host_check_failed", err, zap.Int64("knock_id", knockID))
		}
		if !allowed {
			return newServiceError(opRespond, "not_host", rooms.ErrNotHost)
		}
		room, err := lockRoom(tx, knock.RoomID)
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return newServiceError(opRespond, "room_not_found", err)
		}
		if err != nil {
			return s.fail(opRespond, "room_select_failed", err, zap.Int64("knock_id", knockID))
		}

		next := StatusDenied
		if accept {
			next = StatusAccepted
		}
		flipped := tx.Model(&Request{}).
			Where("id = ? AND status = ? AND created_at > ?", knock.ID, StatusPending, freshAfter).
			Updates(map[string]any{"status": next, "responded_by": host.UserID, "responded_at": now})
		if flipped.Error != nil {
			return s.fail(opRespond, "status_update_failed", flipped.Error, zap.Int64("knock_id", knockID))
		}
		if flipped.RowsAffected == 0 {
			return newServiceError(opRespond, "already_handled", ErrKnockAlreadyHandled)
		}
		knock.Status = next
		knock.RespondedBy = host.UserID
		knock.RespondedAt = &now

		if accept && room.HasPassword() {
			minted := RoomKey{
				RoomID:       knock.RoomID,
				UserIDString: knock.UserIDString,
				GrantedBy:    host.UserID,
				GrantedAt:    now.Unix(),
				ExpiresAt:    now.Add(s.keyTTL).Unix(),
				KnockID:      knock.ID,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id_string"}},
				DoUpdates: clause.AssignmentColumns([]string{"granted_by", "granted_at", "expires_at", "knock_id"}),
			}).Create(&minted).Error
			if err != nil {
				return s.fail(opRespond, "key_upsert_failed", err, zap.Int64("knock_id", knockID))
			}
			key = &minted
		}

		hostName := rooms.SanitizeDisplayName(host.DisplayName)
		notice := fmt.Sprintf("%s declined the knock from %s.", hostName, knock.DisplayName)
		if accept {
			notice = fmt.Sprintf("%s let %s in.", hostName, knock.DisplayName)
		}
		if _, err := rooms.AppendSystemMessage(batch, knock.RoomID, host.UserID, notice, now); err != nil {
			return s.fail(opRespond, "message_insert_failed", err, zap.Int64("knock_id", knockID))
		}
		return s.appendKnockEvent(batch, opRespond, knock, host.UserID)
	})
	if err != nil {
		return Request{}, nil, err
	}
	return knock, key, nil
}

// Get returns a knock to its requester or to a moderator of its room.
func (s *Service) Get(ctx context.Context, knockID int64, caller rooms.Identity) (Request, error) {
	db := s.db.WithContext(ctx)
	var knock Request
	err := db.Where("id = ?", knockID).Take(&knock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Request{}, newServiceError(opGet, "knock_not_found", ErrKnockNotFound)
	}
	if err != nil {
		return Request{}, s.fail(opGet, "knock_select_failed", err, zap.Int64("knock_id", knockID))
	}
	if knock.UserIDString == caller.UserID {
		return knock, nil
	}
	allowed, err := rooms.CanModerate(db, knock.RoomID, caller)
	if err != nil {
		return Request{}, s.fail(opGet, "host_check_failed", err, zap.Int64("knock_id", knockID))
	}
	if !allowed {
		return Request{}, newServiceError(opGet, "knock_not_found", ErrKnockNotFound)
	}
	return knock, nil
}

// ValidKey returns the user's room key when it has not expired.
func (s *Service) ValidKey(ctx context.Context, roomID int64, userID string) (RoomKey, bool, error) {
	key, found, err := findKey(s.db.WithContext(ctx), roomID, userID)
	if err != nil {
		return RoomKey{}, false, s.fail(opValidKey, "query_failed", err, zap.Int64("room_id", roomID))
	}
	if !found || !key.ValidAt(s.clock().UTC()) {
		return RoomKey{}, false, nil
	}
	return key, true, nil
}

// HasValidKey reports whether the user holds an unexpired key, reading through tx.
func (s *Service) HasValidKey(tx *gorm.DB, roomID int64, userID string, now time.Time) (bool, error) {
	key, found, err := findKey(tx, roomID, userID)
	if err != nil {
		return false, err
	}
	return found && key.ValidAt(now), nil
}

// PurgeRoom drops the knocks and keys of a deleted room.
func (s *Service) PurgeRoom(tx *gorm.DB, roomID int64) error {
	if err := tx.Where("room_id = ?", roomID).Delete(&Request{}).Error; err != nil {
		return err
	}
	return tx.Where("room_id = ?", roomID).Delete(&RoomKey{}).Error
}

// ExpireStale moves pending knocks older than the pending window to expired.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := s.clock().UTC().Add(-s.pendingTTL)
	result := s.db.WithContext(ctx).Model(&Request{}).
		Where("status = ? AND created_at <= ?", StatusPending, cutoff).
		Update("status", StatusExpired)
	if result.Error != nil {
		return 0, s.fail(opExpireStale, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) appendKnockEvent(batch *rooms.EventBatch, operation string, knock Request, actorUserID string) error {
	err := batch.Append(events.Entry{
		RoomID: knock.RoomID,
		Type:   events.TypeKnock,
		Data: knockPayload{
			Header:      events.Header{ActorUserID: actorUserID, Action: string(knock.Status)},
			KnockID:     knock.ID,
			UserID:      knock.UserIDString,
			DisplayName: knock.DisplayName,
			Status:      knock.Status,
		},
	})
	if err != nil {
		return s.fail(operation, "event_append_failed", err, zap.Int64("knock_id", knock.ID))
	}
	return nil
}

func (s *Service) inTransaction(ctx context.Context, fn func(batch *rooms.EventBatch) error) error {
	var batch *rooms.EventBatch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.events.Lock(tx); err != nil {
			return s.fail("knocks.transaction", "event_lock_failed", err)
		}
		batch = rooms.NewEventBatch(s.events, tx)
		return fn(batch)
	})
	if err != nil {
		return err
	}
	batch.Publish()
	return nil
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("knock service failure", allFields...)
	return newServiceError(operation, reason, err)
}

func lockRoom(tx *gorm.DB, roomID int64) (rooms.Room, error) {
	var room rooms.Room
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rooms.Room{}, rooms.ErrRoomNotFound
	}
	if err != nil {
		return rooms.Room{}, err
	}
	return room, nil
}

func findKey(tx *gorm.DB, roomID int64, userID string) (RoomKey, bool, error) {
	var key RoomKey
	err := tx.Where("room_id = ? AND user_id_string = ?", roomID, userID).Take(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomKey{}, false, nil
	}
	if err != nil {
		return RoomKey{}, false, err
	}
	return key, true, nil
}
