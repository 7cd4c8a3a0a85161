package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropOrphanMemberships = "2026-10-01_drop_orphan_memberships"
	migrationRepairHostlessRooms   = "2026-10-01_repair_hostless_rooms"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanMemberships, apply: dropOrphanMemberships},
		{name: migrationRepairHostlessRooms, apply: repairHostlessRooms},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanMemberships removes memberships whose room row is gone.
func dropOrphanMemberships(db *gorm.DB) error {
	return db.Where("room_id NOT IN (?)", db.Model(&rooms.Room{}).Select("id")).
		Delete(&rooms.Membership{}).Error
}

// repairHostlessRooms gives every occupied room without a host exactly one, the earliest
// joined member.
func repairHostlessRooms(db *gorm.DB) error {
	hosted := db.Model(&rooms.Membership{}).Select("room_id").Where("is_host = ?", true)
	var roomIDs []int64
	err := db.Model(&rooms.Membership{}).
		Distinct("room_id").
		Where("room_id NOT IN (?)", hosted).
		Pluck("room_id", &roomIDs).Error
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		var successor rooms.Membership
		err := db.Where("room_id = ?", roomID).
			Order("joined_at ASC, id ASC").
			Take(&successor).Error
		if err != nil {
			return err
		}
		if err := db.Model(&successor).Update("is_host", true).Error; err != nil {
			return err
		}
	}
	return nil
}
