package favorites

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190

	// MinPageLimit is the smallest page size accepted by List.
	MinPageLimit = 1
	// MaxPageLimit is the largest page size accepted by List.
	MaxPageLimit = 50
	// DefaultPageLimit applies when the caller does not ask for a page size.
	DefaultPageLimit = 20
)

var (
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("favorites: invalid owner id")
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("favorites: invalid item id")
	// ErrInvalidVersion indicates that an expected version is not positive.
	ErrInvalidVersion = errors.New("favorites: invalid version")
)

// OwnerID represents a validated owner identifier taken from the verified subject claim.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidOwnerID, err.Error())
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// ItemID represents a validated external item identifier, unique within one owner's collection.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidItemID, err.Error())
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// Version is the optimistic concurrency counter of a record. It starts at 1.
type Version int64

// NewVersion validates the value and returns a Version.
func NewVersion(value int64) (Version, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersion, value)
	}
	return Version(value), nil
}

// Int64 exposes the raw version value.
func (v Version) Int64() int64 {
	return int64(v)
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	if !utf8.ValidString(trimmed) {
		return "", errors.New("not valid utf-8")
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", errors.New("contains control characters")
	}
	return trimmed, nil
}

// Record is one entry of an owner's favorites collection.
type Record struct {
	OwnerID   OwnerID
	ItemID    ItemID
	Title     *string
	PosterURL *string
	Overview  *string
	Note      *string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   Version
}

// DisplayFields carries the snapshot fields refreshed by a repeated create.
type DisplayFields struct {
	Title     *string
	PosterURL *string
	Overview  *string
}

// CreateInput describes a new favorite. Note and Tags are only written when the record is created.
type CreateInput struct {
	ItemID  ItemID
	Display DisplayFields
	Note    *string
	Tags    []string
}

// Patch is a sparse update: nil fields are left untouched. A non-nil empty Tags slice clears the tags.
type Patch struct {
	Title     *string
	PosterURL *string
	Overview  *string
	Note      *string
	Tags      []string
}

// Apply merges the patch into a copy of the record. Version and timestamps are not touched.
func (patch Patch) Apply(record Record) Record {
	merged := record
	if patch.Title != nil {
		merged.Title = cloneString(patch.Title)
	}
	if patch.PosterURL != nil {
		merged.PosterURL = cloneString(patch.PosterURL)
	}
	if patch.Overview != nil {
		merged.Overview = cloneString(patch.Overview)
	}
	if patch.Note != nil {
		merged.Note = cloneString(patch.Note)
	}
	if patch.Tags != nil {
		merged.Tags = append([]string{}, patch.Tags...)
	}
	return merged
}

// Apply merges the display fields into a copy of the record.
func (fields DisplayFields) Apply(record Record) Record {
	return Patch{Title: fields.Title, PosterURL: fields.PosterURL, Overview: fields.Overview}.Apply(record)
}

// NewRecord builds the version 1 record stored by a successful create.
func NewRecord(ownerID OwnerID, input CreateInput, now time.Time) Record {
	record := Record{
		OwnerID:   ownerID,
		ItemID:    input.ItemID,
		Note:      cloneString(input.Note),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if input.Tags != nil {
		record.Tags = append([]string{}, input.Tags...)
	}
	return input.Display.Apply(record)
}

// CreateResult reports whether CreateOrTouch inserted a new record.
type CreateResult struct {
	Created bool
	Record  Record
}

// Page is one slice of an owner's collection. NextCursor is empty on the last page.
type Page struct {
	Records    []Record
	NextCursor string
}

// ClampLimit maps a requested page size into [MinPageLimit, MaxPageLimit]; zero selects the default.
func ClampLimit(requested int) int {
	switch {
	case requested == 0:
		return DefaultPageLimit
	case requested < MinPageLimit:
		return MinPageLimit
	case requested > MaxPageLimit:
		return MaxPageLimit
	default:
		return requested
	}
}

// StoreTime normalizes a clock reading to the precision every backend persists.
func StoreTime(clock func() time.Time) time.Time {
	return clock().UTC().Truncate(time.Millisecond)
}

// NextUpdatedAt returns the updatedAt of a mutation applied at now to a record last written
// at previous. The result is always after previous, also when the clock has not moved past
// it at store precision.
func NextUpdatedAt(previous, now time.Time) time.Time {
	if now.After(previous) {
		return now
	}
	return previous.Add(time.Millisecond)
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
