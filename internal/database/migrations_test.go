package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyMemberships(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	joined := time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC)
	room := rooms.Room{Name: "legacy", CreatedBy: "u1", CreatedAt: joined}
	if err := database.Create(&room).Error; err != nil {
		testContext.Fatalf("failed to insert room: %v", err)
	}
	memberships := []rooms.Membership{
		{RoomID: room.ID, UserIDString: "late", DisplayName: "late", LastActivity: joined, JoinedAt: joined.Add(time.Minute)},
		{RoomID: room.ID, UserIDString: "early", DisplayName: "early", LastActivity: joined, JoinedAt: joined},
		{RoomID: room.ID + 100, UserIDString: "orphan", DisplayName: "orphan", LastActivity: joined, JoinedAt: joined},
	}
	if err := database.Create(&memberships).Error; err != nil {
		testContext.Fatalf("failed to insert memberships: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []rooms.Membership
	if err := database.Order("user_id_string ASC").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload memberships: %v", err)
	}
	if len(remaining) != 2 {
		testContext.Fatalf("expected orphan membership to be dropped, got %d rows", len(remaining))
	}
	for _, membership := range remaining {
		wantHost := membership.UserIDString == "early"
		if membership.IsHost != wantHost {
			testContext.Fatalf("unexpected host flag for %s: %v", membership.UserIDString, membership.IsHost)
		}
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected two migration records, got %d", len(records))
	}
	for _, record := range records {
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", record.Name)
		}
	}

	// A second run is a no-op even if the data drifts again.
	if err := database.Model(&rooms.Membership{}).Where("user_id_string = ?", "early").Update("is_host", false).Error; err != nil {
		testContext.Fatalf("failed to reset host: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var hosts int64
	if err := database.Model(&rooms.Membership{}).Where("is_host = ?", true).Count(&hosts).Error; err != nil {
		testContext.Fatalf("failed to count hosts: %v", err)
	}
	if hosts != 0 {
		testContext.Fatalf("expected applied migrations to be skipped, found %d hosts", hosts)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "postgres"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverSQLite}, nil); err == nil {
		testContext.Fatalf("expected missing path error")
	}
}

func TestOpenMigratesSQLiteSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := Open(Options{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"rooms", "room_memberships", "room_events", "room_messages", "knock_requests", "room_keys", "room_bans", "room_kicks", "online_users", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
