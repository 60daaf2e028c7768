package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind names the mutation that produced a change event.
type Kind string

const (
	// KindCreated marks the first successful add of an item.
	KindCreated Kind = "created"
	// KindTouched marks a repeated add that refreshed display fields.
	KindTouched Kind = "touched"
	// KindUpdated marks a successful versioned update.
	KindUpdated Kind = "updated"
	// KindDeleted marks a delete request.
	KindDeleted Kind = "deleted"
)

// ChangeEvent describes one applied mutation of an owner's collection.
type ChangeEvent struct {
	ID      string    `json:"id"`
	OwnerID string    `json:"ownerId"`
	ItemID  string    `json:"movieId"`
	Kind    Kind      `json:"kind"`
	Version int64     `json:"version,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher delivers change events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// NewChangeEvent stamps an event with a UUIDv7 identifier.
func NewChangeEvent(ownerID, itemID string, kind Kind, version int64, at time.Time) ChangeEvent {
	event := ChangeEvent{
		OwnerID: ownerID,
		ItemID:  itemID,
		Kind:    kind,
		Version: version,
		At:      at.UTC(),
	}
	if id, err := uuid.NewV7(); err == nil {
		event.ID = id.String()
	} else {
		event.ID = uuid.NewString()
	}
	return event
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, ChangeEvent) error { return nil }

// Fanout forwards each event to every publisher and joins their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (fanout Fanout) Publish(ctx context.Context, event ChangeEvent) error {
	var errs []error
	for _, publisher := range fanout {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
