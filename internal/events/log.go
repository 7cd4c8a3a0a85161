package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTx       = errors.New("transaction handle is required")
	// ErrInvalidType indicates an event kind outside the known set.
	ErrInvalidType = errors.New("events: invalid event type")
	noOpLogger     = zap.NewNop()
)

const (
	opAppend   = "events.append"
	opLock     = "events.lock"
	opList     = "events.list_since"
	opLatestID = "events.latest_id"
	opPurge    = "events.purge"

	queryVisible = "((room_id = ? AND user_id_string = '') OR user_id_string = ?)"

	defaultBatchSize = 50
	sequenceRowID    = 1
)

// LogError carries a dotted operation.reason code.
type LogError struct {
	code string
	err  error
}

func (e *LogError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *LogError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *LogError) Code() string {
	return e.code
}

func newLogError(operation, reason string, cause error) error {
	return &LogError{code: operation + "." + reason, err: cause}
}

// LogConfig describes the dependencies of the event log.
type LogConfig struct {
	Database *gorm.DB
	Notifier *Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log is the append-only room event log.
type Log struct {
	db       *gorm.DB
	notifier *Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewLog constructs the event log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, newLogError("events.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{
		db:       cfg.Database,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Append stores an event within the caller's transaction. Callers publish the returned
// events once the transaction commits.
func (l *Log) Append(tx *gorm.DB, entry Entry) (Event, error) {
	if tx == nil {
		return Event{}, newLogError(opAppend, "missing_transaction", errMissingTx)
	}
	if !entry.Type.Valid() {
		return Event{}, newLogError(opAppend, "invalid_type", fmt.Errorf("%w: %q", ErrInvalidType, entry.Type))
	}
	payload := datatypes.JSON([]byte("{}"))
	if entry.Data != nil {
		encoded, err := json.Marshal(entry.Data)
		if err != nil {
			return Event{}, newLogError(opAppend, "payload_encode_failed", err)
		}
		payload = datatypes.JSON(encoded)
	}
	if err := l.Lock(tx); err != nil {
		return Event{}, err
	}
	event := Event{
		RoomID:       entry.RoomID,
		UserIDString: entry.UserIDString,
		EventType:    entry.Type,
		EventData:    payload,
		CreatedAt:    l.clock().UTC(),
	}
	if err := tx.Create(&event).Error; err != nil {
		l.logger.Error("event append failed",
			zap.String("operation", opAppend),
			zap.Int64("room_id", entry.RoomID),
			zap.String("event_type", string(entry.Type)),
			zap.Error(err))
		return Event{}, newLogError(opAppend, "insert_failed", err)
	}
	return event, nil
}

// Lock takes the append lock for the rest of tx. Writers that also lock room or membership
// rows call it first so every transaction acquires locks in the same order. Taking it
// again in the same transaction is harmless.
func (l *Log) Lock(tx *gorm.DB) error {
	if tx == nil {
		return newLogError(opLock, "missing_transaction", errMissingTx)
	}
	bump := func() *gorm.DB {
		return tx.Model(&Sequence{}).
			Where("id = ?", sequenceRowID).
			UpdateColumn("generation", gorm.Expr("generation + 1"))
	}
	result := bump()
	if result.Error != nil {
		return newLogError(opLock, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	seed := Sequence{ID: sequenceRowID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return newLogError(opLock, "seed_failed", err)
	}
	if err := bump().Error; err != nil {
		return newLogError(opLock, "update_failed", err)
	}
	return nil
}

// Publish wakes subscribers interested in the committed events.
func (l *Log) Publish(committed ...Event) {
	if l == nil || l.notifier == nil {
		return
	}
	for _, event := range committed {
		l.notifier.Publish(Signal{RoomID: event.RoomID, UserID: event.UserIDString, EventID: event.ID})
	}
}

// Notifier exposes the wake-up fan-out, if any.
func (l *Log) Notifier() *Notifier {
	if l == nil {
		return nil
	}
	return l.notifier
}

// ListSince returns events after the watermark visible to the scope, oldest first.
func (l *Log) ListSince(ctx context.Context, scope Scope, watermark int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	var found []Event
	err := visibleTo(l.db.WithContext(ctx), scope).
		Where("id > ?", watermark).
		Order("id ASC").
		Limit(limit).
		Find(&found).Error
	if err != nil {
		return nil, newLogError(opList, "query_failed", err)
	}
	return found, nil
}

// LatestID returns the highest event id visible to the scope, or zero.
func (l *Log) LatestID(ctx context.Context, scope Scope) (int64, error) {
	var latest int64
	row := visibleTo(l.db.WithContext(ctx).Model(&Event{}), scope).
		Select("COALESCE(MAX(id), 0)").
		Row()
	if err := row.Scan(&latest); err != nil {
		return 0, newLogError(opLatestID, "query_failed", err)
	}
	return latest, nil
}

func visibleTo(query *gorm.DB, scope Scope) *gorm.DB {
	if scope.UserID == "" {
		return query.Where("room_id = ? AND user_id_string = ''", scope.RoomID)
	}
	return query.Where(queryVisible, scope.RoomID, scope.UserID)
}

// Purge deletes events created before the cutoff.
func (l *Log) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&Event{})
	if result.Error != nil {
		return 0, newLogError(opPurge, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
