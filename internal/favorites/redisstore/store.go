// Package redisstore implements favorites.Store on Redis. Each record is a hash; each
// owner has a sorted-set index of sort keys (all scored 0, so ordering is lexicographic).
// Conditional writes run as Lua scripts, which Redis executes atomically.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

const (
	fieldOwnerID   = "owner_id"
	fieldItemID    = "item_id"
	fieldTitle     = "title"
	fieldPosterURL = "poster_url"
	fieldOverview  = "overview"
	fieldNote      = "note"
	fieldTags      = "tags"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
	fieldVersion   = "version"

	defaultKeyPrefix = "reelshelf"
)

// Config wires the store. KeyPrefix namespaces every key the store writes.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store is the Redis-backed favorites.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
	logger *zap.Logger
}

var _ favorites.Store = (*Store)(nil)

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: cfg.Client, prefix: prefix, clock: clock, logger: logger}, nil
}

func (s *Store) recordKey(key favorites.StorageKey) string {
	return s.prefix + ":rec:" + string(key.Flat())
}

func (s *Store) indexKey(partition string) string {
	return s.prefix + ":idx:" + string(favorites.FlatPartitionPrefix(partition))
}

// List reads the owner's index by lexicographic range and loads each hash.
func (s *Store) List(ctx context.Context, ownerID favorites.OwnerID, limit int, cursor string) (favorites.Page, error) {
	position, err := favorites.DecodeOwnerCursor(ownerID, cursor)
	if err != nil {
		return favorites.Page{}, err
	}
	partition := favorites.PartitionKey(ownerID)
	indexKey := s.indexKey(partition)
	lowerBound := "-"
	if position != nil {
		lowerBound = "(" + position.Sort
	}

	records := make([]favorites.Record, 0, limit+1)
	for len(records) <= limit {
		want := int64(limit + 1 - len(records))
		members, err := s.client.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{
			Min:   lowerBound,
			Max:   "+",
			Count: want,
		}).Result()
		if err != nil {
			return favorites.Page{}, favorites.Unavailable(err)
		}
		if len(members) == 0 {
			break
		}

		commands := make([]*redis.MapStringStringCmd, len(members))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for index, member := range members {
				commands[index] = pipe.HGetAll(ctx, s.recordKey(favorites.StorageKey{Partition: partition, Sort: member}))
			}
			return nil
		})
		if err != nil {
			return favorites.Page{}, favorites.Unavailable(err)
		}
		for _, command := range commands {
			fields := command.Val()
			if len(fields) == 0 {
				// Index entry outlived its hash; a concurrent delete is in flight.
				continue
			}
			record, err := decodeFields(fields)
			if err != nil {
				return favorites.Page{}, favorites.Unavailable(err)
			}
			records = append(records, record)
		}
		lowerBound = "(" + members[len(members)-1]
		if int64(len(members)) < want {
			break
		}
	}
	if len(records) > limit+1 {
		records = records[:limit+1]
	}
	return favorites.BuildPage(records, limit), nil
}

// Get loads one record by key.
func (s *Store) Get(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID) (favorites.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(favorites.DeriveKey(ownerID, itemID))).Result()
	if err != nil {
		return favorites.Record{}, favorites.Unavailable(err)
	}
	if len(fields) == 0 {
		return favorites.Record{}, favorites.ErrNotFound
	}
	record, err := decodeFields(fields)
	if err != nil {
		return favorites.Record{}, favorites.Unavailable(err)
	}
	return record, nil
}

// CreateOrTouch runs the insert-if-absent and the snapshot fallback as one script.
func (s *Store) CreateOrTouch(ctx context.Context, ownerID favorites.OwnerID, input favorites.CreateInput) (favorites.CreateResult, error) {
	key := favorites.DeriveKey(ownerID, input.ItemID)
	now := favorites.StoreTime(s.clock)

	createEntries, err := recordEntries(favorites.NewRecord(ownerID, input, now))
	if err != nil {
		return favorites.CreateResult{}, err
	}
	touchEntries := appendDisplay(nil, input.Display)

	args := make([]any, 0, 3+len(createEntries)+len(touchEntries))
	args = append(args, key.Sort, millis(now), len(createEntries))
	args = append(args, createEntries...)
	args = append(args, touchEntries...)

	reply, err := createOrTouchScript.Run(ctx, s.client, []string{s.recordKey(key), s.indexKey(key.Partition)}, args...).Slice()
	if err != nil {
		return favorites.CreateResult{}, favorites.Unavailable(err)
	}
	if len(reply) != 2 {
		return favorites.CreateResult{}, favorites.Unavailable(fmt.Errorf("unexpected script reply of %d elements", len(reply)))
	}
	created, _ := reply[0].(int64)
	record, err := decodeReply(reply[1])
	if err != nil {
		return favorites.CreateResult{}, favorites.Unavailable(err)
	}
	if created == 0 {
		s.logger.Debug("favorite snapshot refreshed",
			zap.String("owner_id", ownerID.String()),
			zap.String("item_id", input.ItemID.String()))
	}
	return favorites.CreateResult{Created: created == 1, Record: record}, nil
}

// UpdateWithVersion runs the version check and the merge as one script.
func (s *Store) UpdateWithVersion(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID, expected favorites.Version, patch favorites.Patch) (favorites.Record, error) {
	key := favorites.DeriveKey(ownerID, itemID)
	now := favorites.StoreTime(s.clock)

	args := []any{strconv.FormatInt(expected.Int64(), 10), millis(now)}
	args = appendDisplay(args, favorites.DisplayFields{Title: patch.Title, PosterURL: patch.PosterURL, Overview: patch.Overview})
	if patch.Note != nil {
		args = append(args, fieldNote, *patch.Note)
	}
	if patch.Tags != nil {
		encoded, err := encodeTags(patch.Tags)
		if err != nil {
			return favorites.Record{}, err
		}
		args = append(args, fieldTags, encoded)
	}

	reply, err := updateScript.Run(ctx, s.client, []string{s.recordKey(key)}, args...).Result()
	switch {
	case redis.HasErrorPrefix(err, errorNotFound):
		return favorites.Record{}, favorites.ErrNotFound
	case redis.HasErrorPrefix(err, errorVersionConflict):
		return favorites.Record{}, favorites.ErrVersionConflict
	case err != nil:
		return favorites.Record{}, favorites.Unavailable(err)
	}
	record, err := decodeReply(reply)
	if err != nil {
		return favorites.Record{}, favorites.Unavailable(err)
	}
	return record, nil
}

// Delete removes the hash and its index entry in one MULTI block.
func (s *Store) Delete(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID) error {
	key := favorites.DeriveKey(ownerID, itemID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(key))
		pipe.ZRem(ctx, s.indexKey(key.Partition), key.Sort)
		return nil
	})
	if err != nil {
		return favorites.Unavailable(err)
	}
	return nil
}

func recordEntries(record favorites.Record) ([]any, error) {
	tags, err := encodeTags(record.Tags)
	if err != nil {
		return nil, err
	}
	entries := []any{
		fieldOwnerID, record.OwnerID.String(),
		fieldItemID, record.ItemID.String(),
		fieldTags, tags,
		fieldCreatedAt, millis(record.CreatedAt),
		fieldUpdatedAt, millis(record.UpdatedAt),
		fieldVersion, strconv.FormatInt(record.Version.Int64(), 10),
	}
	entries = appendDisplay(entries, favorites.DisplayFields{Title: record.Title, PosterURL: record.PosterURL, Overview: record.Overview})
	if record.Note != nil {
		entries = append(entries, fieldNote, *record.Note)
	}
	return entries, nil
}

func appendDisplay(entries []any, display favorites.DisplayFields) []any {
	if display.Title != nil {
		entries = append(entries, fieldTitle, *display.Title)
	}
	if display.PosterURL != nil {
		entries = append(entries, fieldPosterURL, *display.PosterURL)
	}
	if display.Overview != nil {
		entries = append(entries, fieldOverview, *display.Overview)
	}
	return entries
}

func decodeReply(reply any) (favorites.Record, error) {
	values, ok := reply.([]any)
	if !ok || len(values)%2 != 0 {
		return favorites.Record{}, fmt.Errorf("unexpected hash reply %T", reply)
	}
	fields := make(map[string]string, len(values)/2)
	for index := 0; index < len(values); index += 2 {
		name, nameOK := values[index].(string)
		value, valueOK := values[index+1].(string)
		if !nameOK || !valueOK {
			return favorites.Record{}, fmt.Errorf("unexpected hash entry at %d", index)
		}
		fields[name] = value
	}
	return decodeFields(fields)
}

func decodeFields(fields map[string]string) (favorites.Record, error) {
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return favorites.Record{}, fmt.Errorf("decode version: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return favorites.Record{}, fmt.Errorf("decode created_at: %w", err)
	}
	updatedAt, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64)
	if err != nil {
		return favorites.Record{}, fmt.Errorf("decode updated_at: %w", err)
	}
	var tags []string
	if raw := fields[fieldTags]; raw != "" && raw != "[]" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return favorites.Record{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return favorites.Record{
		OwnerID:   favorites.OwnerID(fields[fieldOwnerID]),
		ItemID:    favorites.ItemID(fields[fieldItemID]),
		Title:     optional(fields, fieldTitle),
		PosterURL: optional(fields, fieldPosterURL),
		Overview:  optional(fields, fieldOverview),
		Note:      optional(fields, fieldNote),
		Tags:      tags,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
		Version:   favorites.Version(version),
	}, nil
}

func optional(fields map[string]string, name string) *string {
	value, ok := fields[name]
	if !ok {
		return nil
	}
	return &value
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(encoded), nil
}

func millis(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10)
}
