package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/config"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/database"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/badgerstore"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/gormstore"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/redisstore"
)

// openStore builds the configured backend. The returned close function releases it.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (favorites.Store, func() error, error) {
	switch appConfig.StorageBackend {
	case config.BackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return newGormStore(db, logger)
	case config.BackendPostgres:
		db, err := database.OpenPostgres(appConfig.DatabaseDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return newGormStore(db, logger)
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{
			Path:     appConfig.BadgerPath,
			InMemory: appConfig.BadgerInMemory,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.BackendRedis:
		client, err := redisstore.Connect(ctx,
			redisstore.DefaultConnectOptions(appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB),
			logger)
		if err != nil {
			return nil, nil, err
		}
		store, err := redisstore.New(redisstore.Config{
			Client:    client,
			KeyPrefix: appConfig.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", appConfig.StorageBackend)
	}
}

func newGormStore(db *gorm.DB, logger *zap.Logger) (favorites.Store, func() error, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := gormstore.New(gormstore.Config{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, sqlDB.Close, nil
}
