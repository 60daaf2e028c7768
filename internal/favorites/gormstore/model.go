package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

const emptyTagsJSON = "[]"

// FavoriteRow persists one favorite. The composite primary key is the record's storage key.
type FavoriteRow struct {
	PartitionKey    string  `gorm:"column:partition_key;primaryKey;size:200"`
	SortKey         string  `gorm:"column:sort_key;primaryKey;size:200"`
	OwnerID         string  `gorm:"column:owner_id;size:190;not null"`
	ItemID          string  `gorm:"column:item_id;size:190;not null"`
	Title           *string `gorm:"column:title"`
	PosterURL       *string `gorm:"column:poster_url"`
	Overview        *string `gorm:"column:overview"`
	Note            *string `gorm:"column:note"`
	TagsJSON        string  `gorm:"column:tags_json;not null;default:'[]'"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
	Version         int64   `gorm:"column:version;not null"`
}

// TableName binds the model to the favorites table.
func (FavoriteRow) TableName() string {
	return "favorites"
}

func newRow(record favorites.Record) (FavoriteRow, error) {
	tagsJSON, err := encodeTags(record.Tags)
	if err != nil {
		return FavoriteRow{}, err
	}
	key := favorites.DeriveKey(record.OwnerID, record.ItemID)
	return FavoriteRow{
		PartitionKey:    key.Partition,
		SortKey:         key.Sort,
		OwnerID:         record.OwnerID.String(),
		ItemID:          record.ItemID.String(),
		Title:           record.Title,
		PosterURL:       record.PosterURL,
		Overview:        record.Overview,
		Note:            record.Note,
		TagsJSON:        tagsJSON,
		CreatedAtMillis: record.CreatedAt.UnixMilli(),
		UpdatedAtMillis: record.UpdatedAt.UnixMilli(),
		Version:         record.Version.Int64(),
	}, nil
}

func (row FavoriteRow) toRecord() (favorites.Record, error) {
	var tags []string
	if row.TagsJSON != "" && row.TagsJSON != emptyTagsJSON {
		if err := json.Unmarshal([]byte(row.TagsJSON), &tags); err != nil {
			return favorites.Record{}, fmt.Errorf("decode tags of %s/%s: %w", row.PartitionKey, row.SortKey, err)
		}
	}
	return favorites.Record{
		OwnerID:   favorites.OwnerID(row.OwnerID),
		ItemID:    favorites.ItemID(row.ItemID),
		Title:     row.Title,
		PosterURL: row.PosterURL,
		Overview:  row.Overview,
		Note:      row.Note,
		Tags:      tags,
		CreatedAt: time.UnixMilli(row.CreatedAtMillis).UTC(),
		UpdatedAt: time.UnixMilli(row.UpdatedAtMillis).UTC(),
		Version:   favorites.Version(row.Version),
	}, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return emptyTagsJSON, nil
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(encoded), nil
}
