package badgerstore

import (
	"time"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

type storedRecord struct {
	OwnerID         string   `json:"ownerId"`
	ItemID          string   `json:"itemId"`
	Title           *string  `json:"title,omitempty"`
	PosterURL       *string  `json:"posterUrl,omitempty"`
	Overview        *string  `json:"overview,omitempty"`
	Note            *string  `json:"note,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	CreatedAtMillis int64    `json:"createdAtMs"`
	UpdatedAtMillis int64    `json:"updatedAtMs"`
	Version         int64    `json:"version"`
}

func newStoredRecord(record favorites.Record) storedRecord {
	return storedRecord{
		OwnerID:         record.OwnerID.String(),
		ItemID:          record.ItemID.String(),
		Title:           record.Title,
		PosterURL:       record.PosterURL,
		Overview:        record.Overview,
		Note:            record.Note,
		Tags:            record.Tags,
		CreatedAtMillis: record.CreatedAt.UnixMilli(),
		UpdatedAtMillis: record.UpdatedAt.UnixMilli(),
		Version:         record.Version.Int64(),
	}
}

func (stored storedRecord) toRecord() favorites.Record {
	var tags []string
	if len(stored.Tags) > 0 {
		tags = stored.Tags
	}
	return favorites.Record{
		OwnerID:   favorites.OwnerID(stored.OwnerID),
		ItemID:    favorites.ItemID(stored.ItemID),
		Title:     stored.Title,
		PosterURL: stored.PosterURL,
		Overview:  stored.Overview,
		Note:      stored.Note,
		Tags:      tags,
		CreatedAt: time.UnixMilli(stored.CreatedAtMillis).UTC(),
		UpdatedAt: time.UnixMilli(stored.UpdatedAtMillis).UTC(),
		Version:   favorites.Version(stored.Version),
	}
}
