package favorites

import "time"

// FavoriteView is the public shape of a record. Owner and storage keys never leave the service.
type FavoriteView struct {
	MovieID   string    `json:"movieId"`
	Title     *string   `json:"title,omitempty"`
	PosterURL *string   `json:"posterUrl,omitempty"`
	Overview  *string   `json:"overview,omitempty"`
	Note      *string   `json:"note,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// ListView is one page of favorites. Cursor is omitted on the last page.
type ListView struct {
	Items  []FavoriteView `json:"items"`
	Cursor string         `json:"cursor,omitempty"`
}

// CreateView reports the outcome of an add. Idempotent is true when the item already existed.
type CreateView struct {
	Idempotent bool         `json:"idempotent"`
	Item       FavoriteView `json:"item"`
}

// ToView converts a record into its public shape.
func ToView(record Record) FavoriteView {
	return FavoriteView{
		MovieID:   record.ItemID.String(),
		Title:     record.Title,
		PosterURL: record.PosterURL,
		Overview:  record.Overview,
		Note:      record.Note,
		Tags:      record.Tags,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		Version:   record.Version.Int64(),
	}
}

func toListView(page Page) ListView {
	items := make([]FavoriteView, 0, len(page.Records))
	for _, record := range page.Records {
		items = append(items, ToView(record))
	}
	return ListView{Items: items, Cursor: page.NextCursor}
}
