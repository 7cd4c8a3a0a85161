package rooms

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeGatekeeper struct {
	keys   map[string]time.Time
	purged []int64
}

func (f *fakeGatekeeper) HasValidKey(_ *gorm.DB, roomID int64, userID string, now time.Time) (bool, error) {
	expires, ok := f.keys[userID]
	return ok && expires.After(now), nil
}

func (f *fakeGatekeeper) PurgeRoom(_ *gorm.DB, roomID int64) error {
	f.purged = append(f.purged, roomID)
	return nil
}

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(delta time.Duration) {
	c.current = c.current.Add(delta)
}

type testEnv struct {
	db         *gorm.DB
	log        *events.Log
	service    *Service
	clock      *testClock
	gatekeeper *fakeGatekeeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rooms.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), events.Models()...)
	require.NoError(t, db.AutoMigrate(models...))

	clock := &testClock{current: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	log, err := events.NewLog(events.LogConfig{Database: db, Notifier: events.NewNotifier(), Clock: clock.Now})
	require.NoError(t, err)
	gatekeeper := &fakeGatekeeper{keys: map[string]time.Time{}}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Events:     log,
		Gatekeeper: gatekeeper,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return &testEnv{db: db, log: log, service: service, clock: clock, gatekeeper: gatekeeper}
}

func identity(id, name string) Identity {
	return Identity{UserID: id, DisplayName: name}
}

func (env *testEnv) createRoom(t *testing.T, owner Identity, input CreateRoomInput) Room {
	t.Helper()
	if input.Name == "" {
		input.Name = "Lounge"
	}
	room, membership, err := env.service.CreateRoom(context.Background(), owner, input)
	require.NoError(t, err)
	require.True(t, membership.IsHost)
	return room
}

func (env *testEnv) join(t *testing.T, roomID int64, who Identity) Membership {
	t.Helper()
	result, err := env.service.Join(context.Background(), roomID, who, "")
	require.NoError(t, err)
	return result.Membership
}

func (env *testEnv) hosts(t *testing.T, roomID int64) []Membership {
	t.Helper()
	var hosts []Membership
	require.NoError(t, env.db.Where("room_id = ? AND is_host = ?", roomID, true).Find(&hosts).Error)
	return hosts
}

func (env *testEnv) eventsOfType(t *testing.T, scope events.Scope, eventType events.Type) []events.Event {
	t.Helper()
	all, err := env.log.ListSince(context.Background(), scope, 0, 500)
	require.NoError(t, err)
	var matched []events.Event
	for _, event := range all {
		if event.EventType == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
