// Package gormstore implements favorites.Store on a relational database through gorm.
// Conditional writes map onto primary-key conflicts and version-guarded UPDATE statements.
package gormstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

var errMissingDatabase = errors.New("database handle is required")

// Config wires the store. Clock and Logger are optional.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the gorm-backed favorites.Store.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ favorites.Store = (*Store)(nil)

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// List scans the owner's partition in sort-key order, starting after the cursor position.
func (s *Store) List(ctx context.Context, ownerID favorites.OwnerID, limit int, cursor string) (favorites.Page, error) {
	position, err := favorites.DecodeOwnerCursor(ownerID, cursor)
	if err != nil {
		return favorites.Page{}, err
	}
	query := s.db.WithContext(ctx).
		Where("partition_key = ?", favorites.PartitionKey(ownerID))
	if position != nil {
		query = query.Where("sort_key > ?", position.Sort)
	}
	var rows []FavoriteRow
	if err := query.Order("sort_key ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return favorites.Page{}, favorites.Unavailable(err)
	}
	records := make([]favorites.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return favorites.Page{}, favorites.Unavailable(err)
		}
		records = append(records, record)
	}
	return favorites.BuildPage(records, limit), nil
}

// Get loads one record by key.
func (s *Store) Get(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID) (favorites.Record, error) {
	row, err := takeRow(s.db.WithContext(ctx), favorites.DeriveKey(ownerID, itemID))
	if err != nil {
		return favorites.Record{}, err
	}
	return decodeRow(row)
}

// CreateOrTouch inserts a version 1 record unless the key exists, in which case it refreshes
// the display snapshot without touching the version.
func (s *Store) CreateOrTouch(ctx context.Context, ownerID favorites.OwnerID, input favorites.CreateInput) (favorites.CreateResult, error) {
	now := favorites.StoreTime(s.clock)
	row, err := newRow(favorites.NewRecord(ownerID, input, now))
	if err != nil {
		return favorites.CreateResult{}, err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return favorites.CreateResult{}, favorites.Unavailable(result.Error)
	}
	if result.RowsAffected == 1 {
		record, err := decodeRow(row)
		if err != nil {
			return favorites.CreateResult{}, err
		}
		return favorites.CreateResult{Created: true, Record: record}, nil
	}

	record, err := s.touch(ctx, favorites.DeriveKey(ownerID, input.ItemID), input.Display, now)
	if err != nil {
		return favorites.CreateResult{}, err
	}
	s.logger.Debug("favorite snapshot refreshed",
		zap.String("owner_id", ownerID.String()),
		zap.String("item_id", input.ItemID.String()))
	return favorites.CreateResult{Created: false, Record: record}, nil
}

func (s *Store) touch(ctx context.Context, key favorites.StorageKey, display favorites.DisplayFields, now time.Time) (favorites.Record, error) {
	updates := map[string]any{"updated_at_ms": nextUpdatedAt(now)}
	if display.Title != nil {
		updates["title"] = *display.Title
	}
	if display.PosterURL != nil {
		updates["poster_url"] = *display.PosterURL
	}
	if display.Overview != nil {
		updates["overview"] = *display.Overview
	}

	var stored FavoriteRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&FavoriteRow{}).
			Where("partition_key = ? AND sort_key = ?", key.Partition, key.Sort).
			Updates(updates)
		if result.Error != nil {
			return favorites.Unavailable(result.Error)
		}
		if result.RowsAffected == 0 {
			return favorites.ErrNotFound
		}
		row, err := takeRow(tx, key)
		if err != nil {
			return err
		}
		stored = row
		return nil
	})
	if err != nil {
		return favorites.Record{}, err
	}
	return decodeRow(stored)
}

// UpdateWithVersion applies the patch only when the stored version equals expected.
func (s *Store) UpdateWithVersion(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID, expected favorites.Version, patch favorites.Patch) (favorites.Record, error) {
	key := favorites.DeriveKey(ownerID, itemID)
	now := favorites.StoreTime(s.clock)
	updates := map[string]any{
		"version":       gorm.Expr("version + ?", 1),
		"updated_at_ms": nextUpdatedAt(now),
	}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.PosterURL != nil {
		updates["poster_url"] = *patch.PosterURL
	}
	if patch.Overview != nil {
		updates["overview"] = *patch.Overview
	}
	if patch.Note != nil {
		updates["note"] = *patch.Note
	}
	if patch.Tags != nil {
		tagsJSON, err := encodeTags(patch.Tags)
		if err != nil {
			return favorites.Record{}, err
		}
		updates["tags_json"] = tagsJSON
	}

	var stored FavoriteRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&FavoriteRow{}).
			Where("partition_key = ? AND sort_key = ? AND version = ?", key.Partition, key.Sort, expected.Int64()).
			Updates(updates)
		if result.Error != nil {
			return favorites.Unavailable(result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := takeRow(tx, key); err != nil {
				return err
			}
			return favorites.ErrVersionConflict
		}
		row, err := takeRow(tx, key)
		if err != nil {
			return err
		}
		stored = row
		return nil
	})
	if err != nil {
		return favorites.Record{}, err
	}
	return decodeRow(stored)
}

// Delete removes the record if present.
func (s *Store) Delete(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID) error {
	key := favorites.DeriveKey(ownerID, itemID)
	err := s.db.WithContext(ctx).
		Where("partition_key = ? AND sort_key = ?", key.Partition, key.Sort).
		Delete(&FavoriteRow{}).Error
	if err != nil {
		return favorites.Unavailable(err)
	}
	return nil
}

// nextUpdatedAt moves updated_at_ms to now, or one millisecond past the stored value when
// the clock has not passed it.
func nextUpdatedAt(now time.Time) clause.Expr {
	ms := now.UnixMilli()
	return gorm.Expr("CASE WHEN updated_at_ms < ? THEN ? ELSE updated_at_ms + 1 END", ms, ms)
}

func takeRow(db *gorm.DB, key favorites.StorageKey) (FavoriteRow, error) {
	var row FavoriteRow
	err := db.Where("partition_key = ? AND sort_key = ?", key.Partition, key.Sort).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FavoriteRow{}, favorites.ErrNotFound
	}
	if err != nil {
		return FavoriteRow{}, favorites.Unavailable(err)
	}
	return row, nil
}

func decodeRow(row FavoriteRow) (favorites.Record, error) {
	record, err := row.toRecord()
	if err != nil {
		return favorites.Record{}, favorites.Unavailable(err)
	}
	return record, nil
}
