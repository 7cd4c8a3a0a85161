package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Options selects the store to open.
type Options struct {
	Driver string
	// Path is the sqlite file.
	Path string
	// DSN is the mysql data source name.
	DSN string
}

// Models lists every table the service owns, in migration order.
func Models() []any {
	models := append([]any{}, rooms.Models()...)
	models = append(models, knocks.Models()...)
	models = append(models, events.Models()...)
	return append(models, &migrationRecord{})
}

// Open connects to the configured store, migrates the schema and applies pending one-shot
// migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		db     *gorm.DB
		err    error
		target string
	)
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case DriverSQLite, "":
		if options.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(options.Path), &gorm.Config{})
		target = options.Path
	case DriverMySQL:
		if options.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(mysql.New(mysql.Config{DSN: options.DSN}), &gorm.Config{})
		target = DriverMySQL
	default:
		return nil, fmt.Errorf("database driver %q is not supported", options.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()), zap.String("target", target))
	return db, nil
}
