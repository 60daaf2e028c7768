package favorites

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no record exists for the (owner, item) key.
	ErrNotFound = errors.New("favorites: record not found")
	// ErrVersionConflict indicates that the stored version differs from the expected one.
	ErrVersionConflict = errors.New("favorites: version conflict")
	// ErrBackendUnavailable indicates an infrastructure failure of the storage backend.
	// The outcome of a write that failed this way is unknown.
	ErrBackendUnavailable = errors.New("favorites: backend unavailable")
)

// Store is the per-owner record store. Every method is scoped to one owner through the
// storage key; a record of another owner is never reachable.
//
// CreateOrTouch and Delete are idempotent. UpdateWithVersion is the only versioned
// mutation and never retries internally.
type Store interface {
	List(ctx context.Context, ownerID OwnerID, limit int, cursor string) (Page, error)
	Get(ctx context.Context, ownerID OwnerID, itemID ItemID) (Record, error)
	CreateOrTouch(ctx context.Context, ownerID OwnerID, input CreateInput) (CreateResult, error)
	UpdateWithVersion(ctx context.Context, ownerID OwnerID, itemID ItemID, expected Version, patch Patch) (Record, error)
	Delete(ctx context.Context, ownerID OwnerID, itemID ItemID) error
}

// Unavailable tags a backend failure with ErrBackendUnavailable while keeping the cause.
func Unavailable(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, cause)
}

// BuildPage trims a scan of up to limit+1 records into a page. A cursor is emitted only
// when the scan proved that more records follow.
func BuildPage(records []Record, limit int) Page {
	if len(records) <= limit {
		return Page{Records: records}
	}
	pageRecords := records[:limit]
	last := pageRecords[len(pageRecords)-1]
	return Page{
		Records:    pageRecords,
		NextCursor: EncodeCursor(DeriveKey(last.OwnerID, last.ItemID)),
	}
}
