package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/l2hub/internal/access"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/MarcoPoloResearchLab/l2hub/internal/schedule"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the store backing the bot.
type Options struct {
	Driver string
	// Path is the sqlite file, or ":memory:" for a throwaway database.
	Path string
	// DSN is the postgres connection string.
	DSN string
}

// Models lists every table the application owns.
func Models() []interface{} {
	return []interface{}{
		&registry.Server{},
		&ledger.VoteRecord{},
		&ledger.VoteTally{},
		&ledger.State{},
		&access.Grant{},
		&schedule.Cursor{},
		&migrationRecord{},
	}
}

// Open establishes the connection, migrates the schema and applies pending named migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, target, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}

	if options.Driver == DriverSQLite || options.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(options.Driver)), zap.String("target", target))
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(options Options) (gorm.Dialector, string, error) {
	switch driverName(options.Driver) {
	case DriverSQLite:
		path := strings.TrimSpace(options.Path)
		if path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(path), path, nil
	case DriverPostgres:
		dsn := strings.TrimSpace(options.DSN)
		if dsn == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return postgres.Open(dsn), "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

func driverName(driver string) string {
	if driver == "" {
		return DriverSQLite
	}
	return strings.ToLower(strings.TrimSpace(driver))
}
