package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/unearth/internal/accesslog"
	"github.com/MarcoPoloResearchLab/unearth/internal/accounts"
	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/hunts"
	"github.com/MarcoPoloResearchLab/unearth/internal/ratelimit"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database driver and its connection target.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured database and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		driver = DriverSQLite
		dialector = sqlite.Open(cfg.Path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

// OpenSQLite is a shorthand for a SQLite database at path.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Config{Driver: DriverSQLite, Path: path}, logger)
}

// Migrate creates every table and applies named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&drops.Record{},
		&ratelimit.Record{},
		&accesslog.Entry{},
		&hunts.Membership{},
		&accounts.Account{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
