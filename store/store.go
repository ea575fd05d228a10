// Package store provides durable, transactional storage for sequence records.
//
// Each record is addressed by an identity.Key and carries the element's current
// sequence number, its version counter and the last caller-supplied comment.
// Mutations are guarded by optimistic preconditions: a write that finds the
// record advanced past the value the caller read fails with ErrStoreConflict
// and leaves the store untouched. Retrying is the caller's job.
//
// Two backends implement Store: SQLiteStore (modernc.org/sqlite) and
// BadgerStore (dgraph-io/badger/v4).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/centralseq/identity"
)

// Sentinel errors for store operations.
var (
	// ErrStoreConflict reports that a concurrent writer advanced the record
	// past the expected prior value. Recoverable by re-reading and retrying.
	ErrStoreConflict = errors.New("store conflict")

	// ErrBatchConflict reports that a reorder batch was rolled back because
	// one of its updates failed a precondition or raced another writer.
	ErrBatchConflict = errors.New("batch conflict")

	// ErrStoreUnavailable wraps any storage failure that is not a conflict.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Record is the persisted state for one identity key.
type Record struct {
	ElementType    string    `json:"element_type"`
	ElementID      int64     `json:"element_id"`
	SequenceNumber int64     `json:"sequence_number"`
	VersionNumber  int64     `json:"version_number"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key returns the record's identity key.
func (r Record) Key() identity.Key {
	return identity.New(r.ElementType, r.ElementID)
}

// VersionEntry is one row of a key's version history.
type VersionEntry struct {
	ElementType   string          `json:"element_type"`
	ElementID     int64           `json:"element_id"`
	VersionNumber int64           `json:"version_number"`
	Data          json.RawMessage `json:"data,omitempty"`
	Comment       string          `json:"comment,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReorderUpdate assigns an explicit sequence number to one key.
type ReorderUpdate struct {
	Key            identity.Key
	SequenceNumber int64
}

// Store is the transactional sequence record store.
type Store interface {
	// Get returns the record for key. ok is false when the key has never been
	// mutated.
	Get(ctx context.Context, key identity.Key) (rec Record, ok bool, err error)

	// CurrentMax returns the highest sequence number stored for elementType,
	// or 0 when the type has no records.
	CurrentMax(ctx context.Context, elementType string) (int64, error)

	// UpsertSequence sets the sequence number of key to next, creating the
	// record when absent. The stored sequence number (0 when absent) must
	// equal expected, otherwise ErrStoreConflict is returned.
	UpsertSequence(ctx context.Context, key identity.Key, expected, next int64, comment string) (Record, error)

	// ApplyReorderBatch applies every update in one transaction. Any failed
	// precondition rolls back the whole batch with ErrBatchConflict.
	ApplyReorderBatch(ctx context.Context, updates []ReorderUpdate, comment string) ([]Record, error)

	// BumpVersion increments the version counter of key by one and appends
	// data to its version history.
	BumpVersion(ctx context.Context, key identity.Key, data json.RawMessage, comment string) (Record, error)

	// Versions returns the version history of key in ascending order.
	Versions(ctx context.Context, key identity.Key) ([]VersionEntry, error)

	// List returns all records of elementType ordered by element id, or the
	// records of every type when elementType is empty.
	List(ctx context.Context, elementType string) ([]Record, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config selects and configures a store backend.
type Config struct {
	Backend string
	// Path is the SQLite DSN or the Badger directory. For Badger an empty
	// path opens an in-memory database.
	Path   string
	Logger *slog.Logger
}

// Open creates the backend named by cfg.Backend (SQLite when empty).
func Open(cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendSQLite:
		return NewSQLiteStore(SQLiteStoreConfig{DSN: cfg.Path})
	case BackendBadger:
		return NewBadgerStore(BadgerStoreConfig{
			Dir:      cfg.Path,
			InMemory: strings.TrimSpace(cfg.Path) == "",
			Logger:   cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// validateReorderBatch checks the preconditions both backends enforce before
// opening a transaction.
func validateReorderBatch(updates []ReorderUpdate) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatchConflict)
	}
	seen := make(map[identity.Key]struct{}, len(updates))
	for _, u := range updates {
		if err := u.Key.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBatchConflict, u.Key, err)
		}
		if u.SequenceNumber < 0 {
			return fmt.Errorf("%w: %s: negative sequence number %d", ErrBatchConflict, u.Key, u.SequenceNumber)
		}
		if _, dup := seen[u.Key]; dup {
			return fmt.Errorf("%w: %s: duplicate key in batch", ErrBatchConflict, u.Key)
		}
		seen[u.Key] = struct{}{}
	}
	return nil
}

func conflictf(key identity.Key, current, expected int64) error {
	return fmt.Errorf("%w: %s is at %d, expected %d", ErrStoreConflict, key, current, expected)
}
