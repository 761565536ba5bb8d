package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath = errors.New("database path is required")
	errMissingDSN  = errors.New("database dsn is required")
)

// Config selects the storage backend.
type Config struct {
	Driver string
	// Path is the SQLite file or DSN.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open establishes a connection for the configured driver and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, errMissingPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a PostgreSQL connection and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errMissingDSN
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}
	return db, nil
}

// Models lists every table the engine owns.
func Models() []interface{} {
	return []interface{}{
		&catalog.Survey{},
		&catalog.Question{},
		&members.Group{},
		&members.Participant{},
		&progress.Record{},
		&messages.Record{},
		&credits.Balance{},
		&credits.LedgerEntry{},
		&migrationRecord{},
	}
}

// Migrate creates or updates the schema and runs the named one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
