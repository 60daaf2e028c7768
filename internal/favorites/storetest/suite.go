// Package storetest holds the behavioral suite every favorites.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

// Factory builds an empty store whose timestamps come from clock.
type Factory func(t *testing.T, clock func() time.Time) favorites.Store

// SteppingClock returns a clock that advances by one second on every reading.
func SteppingClock(start time.Time) func() time.Time {
	var ticks atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

// FrozenClock returns a clock that always reads at.
func FrozenClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		run   func(t *testing.T, store favorites.Store)
		clock func() time.Time
	}{
		{"CreateIsIdempotent", testCreateIsIdempotent, nil},
		{"CreateRefreshesSnapshotOnly", testCreateRefreshesSnapshotOnly, nil},
		{"GetReturnsStoredRecord", testGetReturnsStoredRecord, nil},
		{"UpdateIncrementsVersionOnce", testUpdateIncrementsVersionOnce, nil},
		{"UpdateMergesSparsePatch", testUpdateMergesSparsePatch, nil},
		{"UpdateStaleVersionConflicts", testUpdateStaleVersionConflicts, nil},
		{"UpdateMissingRecordNotFound", testUpdateMissingRecordNotFound, nil},
		{"ConcurrentUpdatesHaveOneWinner", testConcurrentUpdatesHaveOneWinner, nil},
		{"ConcurrentCreatesConverge", testConcurrentCreatesConverge, nil},
		{"DeleteIsIdempotent", testDeleteIsIdempotent, nil},
		{"PaginationIsComplete", testPaginationIsComplete, nil},
		{"PaginationCoversMultibyteIDs", testPaginationCoversMultibyteIDs, nil},
		{"ListRejectsInvalidCursor", testListRejectsInvalidCursor, nil},
		{"OwnersAreIsolated", testOwnersAreIsolated, nil},
		{"ScenarioCreateRepeatUpdateConflict", testScenarioCreateRepeatUpdateConflict, nil},
		{"UpdatedAtAdvancesUnderStoppedClock", testUpdatedAtAdvancesUnderStoppedClock, FrozenClock(start)},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			clock := testCase.clock
			if clock == nil {
				clock = SteppingClock(start)
			}
			testCase.run(t, factory(t, clock))
		})
	}
}

var recordComparer = cmp.Options{cmpopts.EquateEmpty()}

func owner(t *testing.T, raw string) favorites.OwnerID {
	t.Helper()
	id, err := favorites.NewOwnerID(raw)
	require.NoError(t, err)
	return id
}

func item(t *testing.T, raw string) favorites.ItemID {
	t.Helper()
	id, err := favorites.NewItemID(raw)
	require.NoError(t, err)
	return id
}

func text(value string) *string {
	return &value
}

func testCreateIsIdempotent(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	input := favorites.CreateInput{
		ItemID:  item(t, "tt0111161"),
		Display: favorites.DisplayFields{Title: text("The Shawshank Redemption")},
		Note:    text("classic"),
		Tags:    []string{"drama"},
	}

	first, err := store.CreateOrTouch(ctx, ownerID, input)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, favorites.Version(1), first.Record.Version)
	assert.Equal(t, first.Record.CreatedAt, first.Record.UpdatedAt)

	second, err := store.CreateOrTouch(ctx, ownerID, input)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, favorites.Version(1), second.Record.Version)
	assert.Equal(t, first.Record.CreatedAt, second.Record.CreatedAt)

	page, err := store.List(ctx, ownerID, favorites.MaxPageLimit, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Empty(t, page.NextCursor)
}

func testCreateRefreshesSnapshotOnly(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0068646")

	created, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{
		ItemID:  itemID,
		Display: favorites.DisplayFields{Title: text("Godfather"), Overview: text("family")},
		Note:    text("first note"),
		Tags:    []string{"crime"},
	})
	require.NoError(t, err)

	touched, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{
		ItemID:  itemID,
		Display: favorites.DisplayFields{Title: text("The Godfather"), PosterURL: text("https://img.example/gf.jpg")},
		Note:    text("ignored"),
		Tags:    []string{"ignored"},
	})
	require.NoError(t, err)
	require.False(t, touched.Created)

	record := touched.Record
	assert.Equal(t, "The Godfather", *record.Title)
	assert.Equal(t, "https://img.example/gf.jpg", *record.PosterURL)
	require.NotNil(t, record.Overview)
	assert.Equal(t, "family", *record.Overview)
	require.NotNil(t, record.Note)
	assert.Equal(t, "first note", *record.Note)
	assert.Equal(t, []string{"crime"}, record.Tags)
	assert.Equal(t, created.Record.Version, record.Version)
	assert.Equal(t, created.Record.CreatedAt, record.CreatedAt)
	assert.True(t, record.UpdatedAt.After(created.Record.UpdatedAt), "updatedAt must move forward")
}

func testGetReturnsStoredRecord(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	created, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{
		ItemID:  item(t, "tt0133093"),
		Display: favorites.DisplayFields{Title: text("The Matrix")},
		Tags:    []string{"sci-fi", "action"},
	})
	require.NoError(t, err)

	loaded, err := store.Get(ctx, ownerID, item(t, "tt0133093"))
	require.NoError(t, err)
	if diff := cmp.Diff(created.Record, loaded, recordComparer); diff != "" {
		t.Fatalf("stored record mismatch (-created +loaded):\n%s", diff)
	}

	_, err = store.Get(ctx, ownerID, item(t, "tt-missing"))
	assert.ErrorIs(t, err, favorites.ErrNotFound)
}

func testUpdateIncrementsVersionOnce(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0816692")
	created, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID})
	require.NoError(t, err)

	previous := created.Record
	for step := 1; step <= 5; step++ {
		updated, err := store.UpdateWithVersion(ctx, ownerID, itemID, previous.Version, favorites.Patch{
			Note: text(fmt.Sprintf("watch #%d", step)),
		})
		require.NoError(t, err)
		assert.Equal(t, previous.Version+1, updated.Version)
		assert.Equal(t, created.Record.CreatedAt, updated.CreatedAt)
		assert.True(t, updated.UpdatedAt.After(previous.UpdatedAt))
		previous = updated
	}
	assert.Equal(t, favorites.Version(6), previous.Version)
}

func testUpdateMergesSparsePatch(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt1375666")
	_, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{
		ItemID:  itemID,
		Display: favorites.DisplayFields{Title: text("Inception"), Overview: text("dreams")},
		Note:    text("mind bending"),
		Tags:    []string{"sci-fi"},
	})
	require.NoError(t, err)

	updated, err := store.UpdateWithVersion(ctx, ownerID, itemID, 1, favorites.Patch{Tags: []string{"sci-fi", "heist"}})
	require.NoError(t, err)
	assert.Equal(t, "Inception", *updated.Title)
	assert.Equal(t, "dreams", *updated.Overview)
	assert.Equal(t, "mind bending", *updated.Note)
	assert.Nil(t, updated.PosterURL)
	assert.Equal(t, []string{"sci-fi", "heist"}, updated.Tags)

	cleared, err := store.UpdateWithVersion(ctx, ownerID, itemID, 2, favorites.Patch{Tags: []string{}})
	require.NoError(t, err)
	assert.Empty(t, cleared.Tags)
	assert.Equal(t, favorites.Version(3), cleared.Version)
}

func testUpdateStaleVersionConflicts(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0109830")
	_, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID, Note: text("original")})
	require.NoError(t, err)

	_, err = store.UpdateWithVersion(ctx, ownerID, itemID, 1, favorites.Patch{Note: text("winner")})
	require.NoError(t, err)

	_, err = store.UpdateWithVersion(ctx, ownerID, itemID, 1, favorites.Patch{Note: text("loser")})
	require.ErrorIs(t, err, favorites.ErrVersionConflict)

	_, err = store.UpdateWithVersion(ctx, ownerID, itemID, 7, favorites.Patch{Note: text("future")})
	require.ErrorIs(t, err, favorites.ErrVersionConflict)

	current, err := store.Get(ctx, ownerID, itemID)
	require.NoError(t, err)
	assert.Equal(t, favorites.Version(2), current.Version)
	assert.Equal(t, "winner", *current.Note)
}

func testUpdateMissingRecordNotFound(t *testing.T, store favorites.Store) {
	_, err := store.UpdateWithVersion(context.Background(), owner(t, "user-1"), item(t, "tt-none"), 1, favorites.Patch{Note: text("x")})
	require.ErrorIs(t, err, favorites.ErrNotFound)
}

func testConcurrentUpdatesHaveOneWinner(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0110912")
	_, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID})
	require.NoError(t, err)

	const writers = 8
	var (
		wait      sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		winners   []string
		conflicts int
		failures  []error
	)
	for writer := 0; writer < writers; writer++ {
		note := fmt.Sprintf("writer-%d", writer)
		wait.Add(1)
		go func() {
			defer wait.Done()
			<-start
			_, err := store.UpdateWithVersion(ctx, ownerID, itemID, 1, favorites.Patch{Note: text(note)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, note)
			case errors.Is(err, favorites.ErrVersionConflict):
				conflicts++
			default:
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wait.Wait()

	require.Empty(t, failures)
	require.Len(t, winners, 1)
	assert.Equal(t, writers-1, conflicts)

	current, err := store.Get(ctx, ownerID, itemID)
	require.NoError(t, err)
	assert.Equal(t, favorites.Version(2), current.Version)
	assert.Equal(t, winners[0], *current.Note)
}

func testConcurrentCreatesConverge(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0120737")

	const writers = 8
	var (
		wait     sync.WaitGroup
		start    = make(chan struct{})
		created  atomic.Int32
		failures = make(chan error, writers)
	)
	for writer := 0; writer < writers; writer++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			<-start
			result, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{
				ItemID:  itemID,
				Display: favorites.DisplayFields{Title: text("The Fellowship of the Ring")},
			})
			if err != nil {
				failures <- err
				return
			}
			if result.Created {
				created.Add(1)
			}
			if result.Record.Version != 1 {
				failures <- fmt.Errorf("unexpected version %d", result.Record.Version)
			}
		}()
	}
	close(start)
	wait.Wait()
	close(failures)

	for err := range failures {
		t.Errorf("concurrent create failed: %v", err)
	}
	assert.Equal(t, int32(1), created.Load())

	page, err := store.List(ctx, ownerID, favorites.MaxPageLimit, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func testDeleteIsIdempotent(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0080684")
	_, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, ownerID, itemID))
	require.NoError(t, store.Delete(ctx, ownerID, itemID))
	require.NoError(t, store.Delete(ctx, ownerID, item(t, "tt-never-existed")))

	_, err = store.Get(ctx, ownerID, itemID)
	assert.ErrorIs(t, err, favorites.ErrNotFound)

	recreated, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID})
	require.NoError(t, err)
	assert.True(t, recreated.Created)
	assert.Equal(t, favorites.Version(1), recreated.Record.Version)
}

func testPaginationIsComplete(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	neighbour := owner(t, "user-10")

	const total = 13
	expected := make([]string, 0, total)
	for index := total; index >= 1; index-- {
		itemID := fmt.Sprintf("m%02d", index)
		expected = append(expected, itemID)
		_, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: item(t, itemID)})
		require.NoError(t, err)
	}
	_, err := store.CreateOrTouch(ctx, neighbour, favorites.CreateInput{ItemID: item(t, "m05")})
	require.NoError(t, err)
	sort.Strings(expected)

	for _, limit := range []int{1, 2, 3, 5, 12, 13, 14, favorites.MaxPageLimit} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			var (
				collected []string
				cursor    string
				pages     int
			)
			for {
				page, err := store.List(ctx, ownerID, limit, cursor)
				require.NoError(t, err)
				require.LessOrEqual(t, len(page.Records), limit)
				for _, record := range page.Records {
					assert.Equal(t, ownerID, record.OwnerID)
					collected = append(collected, record.ItemID.String())
				}
				pages++
				require.LessOrEqual(t, pages, total+1, "pagination did not terminate")
				if page.NextCursor == "" {
					break
				}
				require.NotEmpty(t, page.Records, "a cursor must follow a non-empty page")
				cursor = page.NextCursor
			}
			assert.Equal(t, expected, collected)
			assert.Equal(t, (total+limit-1)/limit, pages)
		})
	}
}

func testPaginationCoversMultibyteIDs(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "ユーザー")
	expected := []string{"a", "aé", "aÿ", "b", "映画", "🎬"}
	for _, raw := range expected {
		_, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: item(t, raw)})
		require.NoError(t, err)
	}

	var (
		collected []string
		cursor    string
	)
	for pages := 1; ; pages++ {
		require.LessOrEqual(t, pages, len(expected), "pagination did not terminate")
		page, err := store.List(ctx, ownerID, 1, cursor)
		require.NoError(t, err)
		for _, record := range page.Records {
			collected = append(collected, record.ItemID.String())
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, expected, collected)
}

func testUpdatedAtAdvancesUnderStoppedClock(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "user-1")
	itemID := item(t, "tt0093773")

	created, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID})
	require.NoError(t, err)
	previous := created.Record

	touched, err := store.CreateOrTouch(ctx, ownerID, favorites.CreateInput{ItemID: itemID, Display: favorites.DisplayFields{Title: text("Predator")}})
	require.NoError(t, err)
	assert.True(t, touched.Record.UpdatedAt.After(previous.UpdatedAt), "touch must move updatedAt forward")
	previous = touched.Record

	for step := 0; step < 3; step++ {
		updated, err := store.UpdateWithVersion(ctx, ownerID, itemID, previous.Version, favorites.Patch{Note: text(fmt.Sprintf("rewatch %d", step))})
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(previous.UpdatedAt), "update must move updatedAt forward")
		previous = updated
	}
	assert.Equal(t, created.Record.CreatedAt, previous.CreatedAt)

	loaded, err := store.Get(ctx, ownerID, itemID)
	require.NoError(t, err)
	assert.Equal(t, previous.UpdatedAt, loaded.UpdatedAt)
}

func testListRejectsInvalidCursor(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerA := owner(t, "user-a")
	ownerB := owner(t, "user-b")
	for _, itemID := range []string{"m1", "m2"} {
		_, err := store.CreateOrTouch(ctx, ownerB, favorites.CreateInput{ItemID: item(t, itemID)})
		require.NoError(t, err)
	}
	foreign, err := store.List(ctx, ownerB, 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, foreign.NextCursor)

	for _, token := range []string{"garbage", "%%%", "eyJ2IjoyfQ", foreign.NextCursor} {
		_, err := store.List(ctx, ownerA, 10, token)
		assert.ErrorIs(t, err, favorites.ErrInvalidCursor, "token %q", token)
	}
}

func testOwnersAreIsolated(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerA := owner(t, "user-a")
	ownerB := owner(t, "user-b")
	itemID := item(t, "tt0076759")
	_, err := store.CreateOrTouch(ctx, ownerB, favorites.CreateInput{ItemID: itemID, Note: text("b's note")})
	require.NoError(t, err)

	_, err = store.Get(ctx, ownerA, itemID)
	assert.ErrorIs(t, err, favorites.ErrNotFound)

	_, err = store.UpdateWithVersion(ctx, ownerA, itemID, 1, favorites.Patch{Note: text("hijack")})
	assert.ErrorIs(t, err, favorites.ErrNotFound)

	require.NoError(t, store.Delete(ctx, ownerA, itemID))

	page, err := store.List(ctx, ownerA, favorites.MaxPageLimit, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	created, err := store.CreateOrTouch(ctx, ownerA, favorites.CreateInput{ItemID: itemID})
	require.NoError(t, err)
	assert.True(t, created.Created)

	untouched, err := store.Get(ctx, ownerB, itemID)
	require.NoError(t, err)
	assert.Equal(t, favorites.Version(1), untouched.Version)
	assert.Equal(t, "b's note", *untouched.Note)
}

func testScenarioCreateRepeatUpdateConflict(t *testing.T, store favorites.Store) {
	ctx := context.Background()
	ownerID := owner(t, "u1")
	itemID := item(t, "m1")
	input := favorites.CreateInput{ItemID: itemID, Display: favorites.DisplayFields{Title: text("Dune")}}

	first, err := store.CreateOrTouch(ctx, ownerID, input)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, favorites.Version(1), first.Record.Version)

	repeat, err := store.CreateOrTouch(ctx, ownerID, input)
	require.NoError(t, err)
	assert.False(t, repeat.Created)
	assert.Equal(t, favorites.Version(1), repeat.Record.Version)
	assert.Equal(t, "Dune", *repeat.Record.Title)

	updated, err := store.UpdateWithVersion(ctx, ownerID, itemID, 1, favorites.Patch{Note: text("rewatch")})
	require.NoError(t, err)
	assert.Equal(t, favorites.Version(2), updated.Version)

	_, err = store.UpdateWithVersion(ctx, ownerID, itemID, 1, favorites.Patch{Note: text("x")})
	assert.ErrorIs(t, err, favorites.ErrVersionConflict)
}
