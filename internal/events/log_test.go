package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestLog(t *testing.T, clock func() time.Time) (*Log, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "events.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	log, err := NewLog(LogConfig{Database: db, Notifier: NewNotifier(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to build log: %v", err)
	}
	return log, db
}

func appendAll(t *testing.T, log *Log, db *gorm.DB, entries ...Entry) []Event {
	t.Helper()
	var stored []Event
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, entry := range entries {
			event, err := log.Append(tx, entry)
			if err != nil {
				return err
			}
			stored = append(stored, event)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return stored
}

func TestListSinceHonoursWatermarkAndScope(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	log, db := newTestLog(t, func() time.Time { return now })

	stored := appendAll(t, log, db,
		Entry{RoomID: 1, Type: TypeMessage, Data: map[string]any{"actor_user_id": "a"}},
		Entry{RoomID: 2, Type: TypeMessage},
		Entry{RoomID: 1, UserIDString: "bob", Type: TypeWhisper},
		Entry{RoomID: 1, UserIDString: "carol", Type: TypeWhisper},
		Entry{UserIDString: "bob", Type: TypePrivateMessage},
		Entry{RoomID: 1, Type: TypeUserJoin},
	)

	visible, err := log.ListSince(context.Background(), Scope{RoomID: 1, UserID: "bob"}, 0, 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	expected := []int64{stored[0].ID, stored[2].ID, stored[4].ID, stored[5].ID}
	if len(visible) != len(expected) {
		t.Fatalf("expected %d events, got %d", len(expected), len(visible))
	}
	for index, event := range visible {
		if event.ID != expected[index] {
			t.Fatalf("unexpected id at %d: got %d want %d", index, event.ID, expected[index])
		}
	}

	afterWatermark, err := log.ListSince(context.Background(), Scope{RoomID: 1, UserID: "bob"}, stored[2].ID, 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, event := range afterWatermark {
		if event.ID <= stored[2].ID {
			t.Fatalf("event %d is not after watermark %d", event.ID, stored[2].ID)
		}
	}
	if len(afterWatermark) != 2 {
		t.Fatalf("expected 2 events after watermark, got %d", len(afterWatermark))
	}

	limited, err := log.ListSince(context.Background(), Scope{RoomID: 1, UserID: "bob"}, 0, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 2 || limited[1].ID != stored[2].ID {
		t.Fatalf("expected batch capped at 2 oldest events, got %#v", limited)
	}
}

func TestLatestIDAndHeader(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	log, db := newTestLog(t, func() time.Time { return now })

	latest, err := log.LatestID(context.Background(), Scope{RoomID: 4, UserID: "x"})
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest != 0 {
		t.Fatalf("expected zero latest id for empty log, got %d", latest)
	}

	stored := appendAll(t, log, db, Entry{RoomID: 4, Type: TypeMessage, Data: Header{ActorUserID: "x", Kind: "system"}})
	latest, err = log.LatestID(context.Background(), Scope{RoomID: 4, UserID: "x"})
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest != stored[0].ID {
		t.Fatalf("expected latest %d, got %d", stored[0].ID, latest)
	}

	header, err := stored[0].Header()
	if err != nil {
		t.Fatalf("header decode failed: %v", err)
	}
	if header.ActorUserID != "x" || header.Kind != "system" {
		t.Fatalf("unexpected header %#v", header)
	}
}

func TestAppendRejectsUnknownType(t *testing.T) {
	log, db := newTestLog(t, time.Now)
	err := db.Transaction(func(tx *gorm.DB) error {
		_, appendErr := log.Append(tx, Entry{RoomID: 1, Type: Type("room_deleted")})
		return appendErr
	})
	if err == nil {
		t.Fatalf("expected invalid type error")
	}
}

func TestPurgeRemovesOnlyOldEvents(t *testing.T) {
	current := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	log, db := newTestLog(t, func() time.Time { return current })

	appendAll(t, log, db, Entry{RoomID: 1, Type: TypeMessage})
	current = current.Add(48 * time.Hour)
	fresh := appendAll(t, log, db, Entry{RoomID: 1, Type: TypeMessage})

	purged, err := log.Purge(context.Background(), current.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged event, got %d", purged)
	}
	remaining, err := log.ListSince(context.Background(), Scope{RoomID: 1}, 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != fresh[0].ID {
		t.Fatalf("unexpected remaining events %#v", remaining)
	}
}

func TestAppendHoldsSequenceLockUntilCommit(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	log, db := newTestLog(t, func() time.Time { return now })

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := log.Lock(tx); err != nil {
			return err
		}
		for range 2 {
			if _, err := log.Append(tx, Entry{RoomID: 1, Type: TypeMessage}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	var rows []Sequence
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("failed to load sequence: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != sequenceRowID {
		t.Fatalf("expected a single seeded sequence row, got %#v", rows)
	}
	if rows[0].Generation != 3 {
		t.Fatalf("expected every lock to bump the generation, got %d", rows[0].Generation)
	}
}

func TestLockedAppendRollsBackWithTransaction(t *testing.T) {
	log, db := newTestLog(t, time.Now)
	rollback := errors.New("rollback")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := log.Append(tx, Entry{RoomID: 1, Type: TypeMessage}); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	var count int64
	if err := db.Model(&Event{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rolled back event to vanish, got %d", count)
	}

	stored := appendAll(t, log, db, Entry{RoomID: 1, Type: TypeMessage})
	if len(stored) != 1 || stored[0].ID == 0 {
		t.Fatalf("expected append after rollback to succeed, got %#v", stored)
	}
}

func TestLockRequiresTransaction(t *testing.T) {
	log, _ := newTestLog(t, time.Now)
	if err := log.Lock(nil); !errors.Is(err, errMissingTx) {
		t.Fatalf("expected missing transaction error, got %v", err)
	}
}
