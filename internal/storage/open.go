package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeJSON     = "json"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Config selects and parameterises a storage variant.
type Config struct {
	Type          string
	Path          string
	DSN           string
	MaxMessages   int
	CorruptPolicy CorruptPolicy
}

// Open builds the configured Store. The returned store owns its file or
// database handle until Close.
func Open(cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := Options{MaxMessages: cfg.MaxMessages}
	switch cfg.Type {
	case TypeJSON, "":
		return NewDocumentStore(filepath.Join(cfg.Path, "users"), cfg.CorruptPolicy, opts, log)
	case TypeSQLite, TypePostgres:
		db, err := NewDBConnection(cfg, log)
		if err != nil {
			return nil, err
		}
		st, err := NewSQLStore(db, opts, log)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// NewDBConnection opens a gorm connection for the sqlite or postgres variant.
func NewDBConnection(cfg Config, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case TypeSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
				return nil, fmt.Errorf("ensure storage dir: %w", err)
			}
			dsn = filepath.Join(cfg.Path, "memory.db") + "?_busy_timeout=5000"
		}
		dialector = sqlite.Open(dsn)
	case TypePostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Type == TypeSQLite {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY
		// between our own transactions.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
