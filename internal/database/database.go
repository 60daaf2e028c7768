package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/gormstore"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), newGormConfig())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "sqlite"), zap.String("path", path))
	}

	return db, nil
}

// OpenPostgres establishes a PostgreSQL connection through pgx and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), newGormConfig())
	if err != nil {
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "postgres"))
	}

	return db, nil
}

func newGormConfig() *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&gormstore.FavoriteRow{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
