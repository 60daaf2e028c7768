package badgerstore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/badgerstore"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/storetest"
)

func openInMemory(t *testing.T, clock func() time.Time) *badgerstore.Store {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true, Clock: clock})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock func() time.Time) favorites.Store {
		return openInMemory(t, clock)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := badgerstore.Open(badgerstore.Config{}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	first, err := badgerstore.Open(badgerstore.Config{Path: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.CreateOrTouch(ctx, "user-1", favorites.CreateInput{ItemID: "tt0078748", Tags: []string{"horror"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := badgerstore.Open(badgerstore.Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	record, err := second.Get(ctx, "user-1", "tt0078748")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if record.Version != 1 || len(record.Tags) != 1 || record.Tags[0] != "horror" {
		t.Fatalf("unexpected record after reopen: %+v", record)
	}
}

// interferingClock runs interfere on its first reading after arm is called. Stores call
// the clock inside their write transactions, so interfere commits in between the read and
// the commit of that transaction.
type interferingClock struct {
	armed     atomic.Bool
	interfere func()
	base      func() time.Time
}

func (c *interferingClock) now() time.Time {
	if c.armed.CompareAndSwap(true, false) {
		c.interfere()
	}
	return c.base()
}

func TestUpdateRetriesAfterSnapshotCommit(t *testing.T) {
	ctx := t.Context()
	clock := &interferingClock{base: storetest.SteppingClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))}
	store := openInMemory(t, clock.now)

	if _, err := store.CreateOrTouch(ctx, "user-1", favorites.CreateInput{ItemID: "tt0062622"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	title := "2001: A Space Odyssey"
	clock.interfere = func() {
		if _, err := store.CreateOrTouch(context.Background(), "user-1", favorites.CreateInput{
			ItemID:  "tt0062622",
			Display: favorites.DisplayFields{Title: &title},
		}); err != nil {
			t.Errorf("concurrent touch: %v", err)
		}
	}
	clock.armed.Store(true)

	note := "monolith"
	updated, err := store.UpdateWithVersion(ctx, "user-1", "tt0062622", 1, favorites.Patch{Note: &note})
	if err != nil {
		t.Fatalf("update must survive a snapshot refresh, got %v", err)
	}
	if updated.Version != 2 || *updated.Note != note {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if updated.Title == nil || *updated.Title != title {
		t.Fatalf("retried update must keep the refreshed snapshot, got %+v", updated.Title)
	}
}

func TestUpdateReportsConflictAfterVersionedCommit(t *testing.T) {
	ctx := t.Context()
	clock := &interferingClock{base: storetest.SteppingClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))}
	store := openInMemory(t, clock.now)

	if _, err := store.CreateOrTouch(ctx, "user-1", favorites.CreateInput{ItemID: "tt0062622"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	winner := "winner"
	clock.interfere = func() {
		if _, err := store.UpdateWithVersion(context.Background(), "user-1", "tt0062622", 1, favorites.Patch{Note: &winner}); err != nil {
			t.Errorf("concurrent update: %v", err)
		}
	}
	clock.armed.Store(true)

	loser := "loser"
	_, err := store.UpdateWithVersion(ctx, "user-1", "tt0062622", 1, favorites.Patch{Note: &loser})
	if !errors.Is(err, favorites.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	current, err := store.Get(ctx, "user-1", "tt0062622")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Version != 2 || *current.Note != winner {
		t.Fatalf("unexpected stored record %+v", current)
	}
}

func TestGetHonorsCancelledContext(t *testing.T) {
	store := openInMemory(t, nil)
	if _, err := store.CreateOrTouch(t.Context(), "user-1", favorites.CreateInput{ItemID: "tt0062622"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := store.Get(ctx, "user-1", "tt0062622"); !errors.Is(err, favorites.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable for cancelled context, got %v", err)
	}
}
