// Package badgerstore implements favorites.Store on an embedded Badger database.
// Records live under the flat form of their storage key; one owner's records share a
// key prefix, so listing is a prefix iteration.
//
// Badger aborts a transaction whose reads were overwritten by a concurrent commit. The
// snapshot write of a repeated create is retried up to maxCommitAttempts times. A
// versioned update is retried only while the stored version still equals the expected
// one; once it has moved the update fails with favorites.ErrVersionConflict.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

// maxCommitAttempts bounds how often a write is retried after Badger reports a
// transaction conflict that left the stored version unchanged.
const maxCommitAttempts = 8

// Config describes the Badger database to open. Path is ignored when InMemory is set.
type Config struct {
	Path     string
	InMemory bool
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the Badger-backed favorites.Store.
type Store struct {
	db     *badger.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ favorites.Store = (*Store)(nil)

// Open opens the database and returns a Store that owns it.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts.SyncWrites = true
		opts.CompactL0OnClose = true
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("badger database opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.logger.Info("closing badger database")
	return s.db.Close()
}

// List iterates the owner's key prefix in byte order, resuming after the cursor key.
func (s *Store) List(ctx context.Context, ownerID favorites.OwnerID, limit int, cursor string) (favorites.Page, error) {
	position, err := favorites.DecodeOwnerCursor(ownerID, cursor)
	if err != nil {
		return favorites.Page{}, err
	}
	prefix := favorites.FlatPartitionPrefix(favorites.PartitionKey(ownerID))
	start := prefix
	var after []byte
	if position != nil {
		after = position.Flat()
		start = after
	}

	records := make([]favorites.Record, 0, limit+1)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = limit + 1
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := it.Item()
			if after != nil && bytes.Equal(entry.Key(), after) {
				continue
			}
			var stored storedRecord
			if err := entry.Value(func(value []byte) error {
				return json.Unmarshal(value, &stored)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", entry.Key(), err)
			}
			records = append(records, stored.toRecord())
			if len(records) > limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return favorites.Page{}, favorites.Unavailable(err)
	}
	return favorites.BuildPage(records, limit), nil
}

// Get loads one record by key.
func (s *Store) Get(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID) (favorites.Record, error) {
	if err := ctx.Err(); err != nil {
		return favorites.Record{}, favorites.Unavailable(err)
	}
	key := favorites.DeriveKey(ownerID, itemID).Flat()
	var record favorites.Record
	err := s.db.View(func(txn *badger.Txn) error {
		loaded, err := readRecord(txn, key)
		if err != nil {
			return err
		}
		record = loaded
		return nil
	})
	if err != nil {
		return favorites.Record{}, classify(err)
	}
	return record, nil
}

// CreateOrTouch writes a version 1 record inside a transaction that first proves the key
// absent. When the key exists, or a concurrent creator commits first, the display
// snapshot is refreshed instead.
func (s *Store) CreateOrTouch(ctx context.Context, ownerID favorites.OwnerID, input favorites.CreateInput) (favorites.CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return favorites.CreateResult{}, favorites.Unavailable(err)
	}
	key := favorites.DeriveKey(ownerID, input.ItemID).Flat()
	record := favorites.NewRecord(ownerID, input, favorites.StoreTime(s.clock))

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return errExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeRecord(txn, key, record)
	})
	switch {
	case err == nil:
		return favorites.CreateResult{Created: true, Record: normalize(record)}, nil
	case errors.Is(err, errExists), errors.Is(err, badger.ErrConflict):
	default:
		return favorites.CreateResult{}, favorites.Unavailable(err)
	}

	touched, err := s.touch(ctx, key, input.Display)
	if err != nil {
		return favorites.CreateResult{}, err
	}
	return favorites.CreateResult{Created: false, Record: touched}, nil
}

var errExists = errors.New("record exists")

func (s *Store) touch(ctx context.Context, key []byte, display favorites.DisplayFields) (favorites.Record, error) {
	var touched favorites.Record
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return favorites.Record{}, favorites.Unavailable(err)
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := readRecord(txn, key)
			if err != nil {
				return err
			}
			next := display.Apply(current)
			next.UpdatedAt = favorites.NextUpdatedAt(current.UpdatedAt, favorites.StoreTime(s.clock))
			touched = next
			return writeRecord(txn, key, next)
		})
		if err == nil {
			return normalize(touched), nil
		}
		if errors.Is(err, badger.ErrConflict) && attempt < maxCommitAttempts {
			s.logger.Debug("snapshot write conflicted, retrying", zap.Int("attempt", attempt))
			continue
		}
		return favorites.Record{}, classify(err)
	}
}

// UpdateWithVersion applies the patch in one transaction that reads the stored version.
// When a concurrent commit aborts the transaction, the version is read again: a moved
// version is reported as a conflict, an unchanged one retries the update.
func (s *Store) UpdateWithVersion(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID, expected favorites.Version, patch favorites.Patch) (favorites.Record, error) {
	key := favorites.DeriveKey(ownerID, itemID).Flat()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return favorites.Record{}, favorites.Unavailable(err)
		}
		var updated favorites.Record
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := readRecord(txn, key)
			if err != nil {
				return err
			}
			if current.Version != expected {
				return favorites.ErrVersionConflict
			}
			next := patch.Apply(current)
			next.Version = current.Version + 1
			next.UpdatedAt = favorites.NextUpdatedAt(current.UpdatedAt, favorites.StoreTime(s.clock))
			updated = next
			return writeRecord(txn, key, next)
		})
		if err == nil {
			return normalize(updated), nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return favorites.Record{}, classify(err)
		}

		current, err := s.storedVersion(key)
		if err != nil {
			return favorites.Record{}, classify(err)
		}
		if current != expected {
			return favorites.Record{}, fmt.Errorf("%w: concurrent commit", favorites.ErrVersionConflict)
		}
		if attempt >= maxCommitAttempts {
			return favorites.Record{}, favorites.Unavailable(fmt.Errorf("update kept conflicting after %d attempts: %w", attempt, err))
		}
		s.logger.Debug("versioned update conflicted with a snapshot write, retrying", zap.Int("attempt", attempt))
	}
}

func (s *Store) storedVersion(key []byte) (favorites.Version, error) {
	var version favorites.Version
	err := s.db.View(func(txn *badger.Txn) error {
		current, err := readRecord(txn, key)
		if err != nil {
			return err
		}
		version = current.Version
		return nil
	})
	return version, err
}

// Delete removes the key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, ownerID favorites.OwnerID, itemID favorites.ItemID) error {
	if err := ctx.Err(); err != nil {
		return favorites.Unavailable(err)
	}
	key := favorites.DeriveKey(ownerID, itemID).Flat()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return favorites.Unavailable(err)
	}
	return nil
}

func readRecord(txn *badger.Txn, key []byte) (favorites.Record, error) {
	entry, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return favorites.Record{}, favorites.ErrNotFound
	}
	if err != nil {
		return favorites.Record{}, err
	}
	var stored storedRecord
	if err := entry.Value(func(value []byte) error {
		return json.Unmarshal(value, &stored)
	}); err != nil {
		return favorites.Record{}, fmt.Errorf("decode %q: %w", key, err)
	}
	return stored.toRecord(), nil
}

func writeRecord(txn *badger.Txn, key []byte, record favorites.Record) error {
	data, err := json.Marshal(newStoredRecord(record))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return txn.Set(key, data)
}

func classify(err error) error {
	switch {
	case errors.Is(err, favorites.ErrNotFound), errors.Is(err, favorites.ErrVersionConflict):
		return err
	default:
		return favorites.Unavailable(err)
	}
}

func normalize(record favorites.Record) favorites.Record {
	if len(record.Tags) == 0 {
		record.Tags = nil
	}
	return record
}
