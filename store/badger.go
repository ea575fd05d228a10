package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/petal-labs/centralseq/identity"
)

var (
	badgerRecordPrefix  = []byte("seq/")
	badgerVersionPrefix = []byte("ver/")
)

// BadgerStoreConfig configures the Badger sequence store.
type BadgerStoreConfig struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerStore persists sequence records in a Badger key-value database.
// Badger transactions are optimistic: a commit whose read set was modified by
// a concurrent commit fails with badger.ErrConflict, which surfaces here as
// ErrStoreConflict or ErrBatchConflict.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger-backed sequence store.
func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, errors.New("sequence store badger directory is required")
		}
		opts = badger.DefaultOptions(cfg.Dir)
		opts.ValueLogFileSize = 1024 * 1024 * 100
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("sequence badger store open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key identity.Key) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = getBadgerRecord(txn, key)
		return err
	})
	if err != nil {
		return Record{}, false, classifyBadgerError("get", err, ErrStoreConflict)
	}
	return rec, found, nil
}

func (s *BadgerStore) CurrentMax(ctx context.Context, elementType string) (int64, error) {
	records, err := s.scanRecords(ctx, badgerTypePrefix(elementType))
	if err != nil {
		return 0, classifyBadgerError("current max", err, ErrStoreConflict)
	}
	var highest int64
	for _, rec := range records {
		if rec.SequenceNumber > highest {
			highest = rec.SequenceNumber
		}
	}
	return highest, nil
}

func (s *BadgerStore) UpsertSequence(ctx context.Context, key identity.Key, expected, next int64, comment string) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if next < 0 {
		return Record{}, fmt.Errorf("sequence badger store upsert: negative sequence number %d for %s", next, key)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var out Record
	err := s.db.Update(func(txn *badger.Txn) error {
		current, found, err := getBadgerRecord(txn, key)
		if err != nil {
			return err
		}
		if current.SequenceNumber != expected {
			return conflictf(key, current.SequenceNumber, expected)
		}
		now := time.Now().UTC()
		if !found {
			current.CreatedAt = now
		}
		current.SequenceNumber = next
		current.Comment = comment
		current.UpdatedAt = now
		out = current
		return putBadgerRecord(txn, current)
	})
	if err != nil {
		return Record{}, classifyBadgerError("upsert", err, ErrStoreConflict)
	}
	return out, nil
}

func (s *BadgerStore) ApplyReorderBatch(ctx context.Context, updates []ReorderUpdate, comment string) ([]Record, error) {
	if err := validateReorderBatch(updates); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(updates))
	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		for _, u := range updates {
			rec, found, err := getBadgerRecord(txn, u.Key)
			if err != nil {
				return err
			}
			if !found {
				rec.CreatedAt = now
			}
			rec.SequenceNumber = u.SequenceNumber
			rec.Comment = comment
			rec.UpdatedAt = now
			if err := putBadgerRecord(txn, rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return nil, fmt.Errorf("%w: batch of %d updates exceeds transaction limits", ErrBatchConflict, len(updates))
		}
		return nil, classifyBadgerError("reorder", err, ErrBatchConflict)
	}
	return records, nil
}

func (s *BadgerStore) BumpVersion(ctx context.Context, key identity.Key, data json.RawMessage, comment string) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var out Record
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, found, err := getBadgerRecord(txn, key)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if !found {
			rec.CreatedAt = now
		}
		rec.VersionNumber++
		rec.Comment = comment
		rec.UpdatedAt = now

		entry := VersionEntry{
			ElementType:   key.ElementType,
			ElementID:     key.ElementID,
			VersionNumber: rec.VersionNumber,
			Data:          data,
			Comment:       comment,
			CreatedAt:     now,
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode version entry: %w", err)
		}
		if err := txn.Set(badgerVersionKey(key, rec.VersionNumber), payload); err != nil {
			return err
		}
		out = rec
		return putBadgerRecord(txn, rec)
	})
	if err != nil {
		return Record{}, classifyBadgerError("bump version", err, ErrStoreConflict)
	}
	return out, nil
}

func (s *BadgerStore) Versions(ctx context.Context, key identity.Key) ([]VersionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := badgerVersionKeyPrefix(key)
	var entries []VersionEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry VersionEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode version entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, classifyBadgerError("versions", err, ErrStoreConflict)
	}
	return entries, nil
}

func (s *BadgerStore) List(ctx context.Context, elementType string) ([]Record, error) {
	prefix := badgerRecordPrefix
	if elementType != "" {
		prefix = badgerTypePrefix(elementType)
	}
	records, err := s.scanRecords(ctx, prefix)
	if err != nil {
		return nil, classifyBadgerError("list", err, ErrStoreConflict)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().Less(records[j].Key())
	})
	return records, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) scanRecords(ctx context.Context, prefix []byte) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func getBadgerRecord(txn *badger.Txn, key identity.Key) (Record, bool, error) {
	absent := Record{ElementType: key.ElementType, ElementID: key.ElementID}
	item, err := txn.Get(badgerRecordKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return absent, false, nil
		}
		return Record{}, false, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}

func putBadgerRecord(txn *badger.Txn, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key(), err)
	}
	return txn.Set(badgerRecordKey(rec.Key()), payload)
}

// Keys are length-prefixed by element type so that one type's prefix never
// matches another type that merely starts with the same bytes. Element ids
// are encoded big-endian with the sign bit flipped to keep iteration order
// numeric.
func badgerTypePrefix(elementType string) []byte {
	return appendTypePrefix(append([]byte(nil), badgerRecordPrefix...), elementType)
}

func badgerRecordKey(key identity.Key) []byte {
	return appendElementID(badgerTypePrefix(key.ElementType), key.ElementID)
}

func badgerVersionKeyPrefix(key identity.Key) []byte {
	buf := appendTypePrefix(append([]byte(nil), badgerVersionPrefix...), key.ElementType)
	return appendElementID(buf, key.ElementID)
}

func badgerVersionKey(key identity.Key, version int64) []byte {
	return binary.BigEndian.AppendUint64(badgerVersionKeyPrefix(key), uint64(version))
}

func appendTypePrefix(buf []byte, elementType string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(elementType)))
	return append(buf, elementType...)
}

func appendElementID(buf []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id)^(1<<63))
}

func classifyBadgerError(op string, err error, conflict error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrBatchConflict) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sequence badger store %s: %w", op, err)
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("sequence badger store %s: %w: %w", op, conflict, err)
	}
	return fmt.Errorf("sequence badger store %s: %w: %w", op, ErrStoreUnavailable, err)
}

// badgerLogger routes Badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(badgerMessage(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(badgerMessage(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(badgerMessage(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(badgerMessage(format, args...))
}

func badgerMessage(format string, args ...any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
