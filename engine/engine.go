// Package engine assigns, reorders and versions sequence numbers on top of a
// store.Store.
//
// The engine never holds locks of its own. Each mutation reads the current
// record, computes the new value and submits it to the store with a
// compare-and-set precondition; a conflict means another writer won the race
// and the engine re-reads and tries again with exponential backoff until the
// attempt budget is spent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

// Policy selects how GenerateNext derives the next sequence number.
type Policy string

const (
	// PolicyPerKey counts each identity key independently: next = current+1.
	PolicyPerKey Policy = "per_key"
	// PolicyTypeGlobal seeds the next number from the highest sequence number
	// of the element type, so numbers increase across all keys of a type.
	PolicyTypeGlobal Policy = "type_global"
)

// ParsePolicy resolves a configured policy name. Empty selects PolicyPerKey.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", PolicyPerKey:
		return PolicyPerKey, nil
	case PolicyTypeGlobal:
		return PolicyTypeGlobal, nil
	default:
		return "", fmt.Errorf("unknown sequence policy %q", name)
	}
}

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 5 * time.Millisecond
	DefaultMaxBackoff     = 200 * time.Millisecond
)

// ReorderEntry assigns newSequence to one element of the batch's type.
type ReorderEntry struct {
	ElementID   int64 `json:"element_id"`
	NewSequence int64 `json:"new_sequence"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts bounds the number of store submissions per operation.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum wait between conflicting attempts.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.initialBackoff = initial
		}
		if maxInterval > 0 {
			e.maxBackoff = maxInterval
		}
	}
}

// WithPolicy selects the ordering policy for GenerateNext.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine performs sequence mutations with retry-on-conflict.
type Engine struct {
	store          store.Store
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	policy         Policy
	logger         *slog.Logger
}

// New creates an engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		policy:         PolicyPerKey,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured ordering policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store {
	return e.store
}

// GenerateNext assigns the next sequence number to key.
func (e *Engine) GenerateNext(ctx context.Context, key identity.Key, comment string) (store.Record, error) {
	if err := key.Validate(); err != nil {
		return store.Record{}, validationError(key, "%v", err)
	}

	var rec store.Record
	err := e.retry(ctx, "generate", key, store.ErrStoreConflict, func() error {
		current, _, err := e.store.Get(ctx, key)
		if err != nil {
			return err
		}
		next, err := e.nextSequence(ctx, key, current.SequenceNumber)
		if err != nil {
			return err
		}
		rec, err = e.store.UpsertSequence(context.WithoutCancel(ctx), key, current.SequenceNumber, next, comment)
		return err
	})
	if err != nil {
		return store.Record{}, err
	}
	e.logger.Debug("sequence generated", "key", key.String(), "sequence_number", rec.SequenceNumber)
	return rec, nil
}

func (e *Engine) nextSequence(ctx context.Context, key identity.Key, current int64) (int64, error) {
	if e.policy != PolicyTypeGlobal {
		return current + 1, nil
	}
	highest, err := e.store.CurrentMax(ctx, key.ElementType)
	if err != nil {
		return 0, err
	}
	return max(highest, current) + 1, nil
}

// Reorder assigns explicit sequence numbers to every entry of the batch in a
// single store transaction. The batch is validated as a whole first; the
// first invalid entry rejects it without touching the store.
func (e *Engine) Reorder(ctx context.Context, elementType string, entries []ReorderEntry, comment string) ([]store.Record, error) {
	updates, err := reorderUpdates(elementType, entries)
	if err != nil {
		return nil, err
	}

	var records []store.Record
	err = e.retry(ctx, "reorder", identity.Key{}, store.ErrBatchConflict, func() error {
		var err error
		records, err = e.store.ApplyReorderBatch(context.WithoutCancel(ctx), updates, comment)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("sequence batch reordered", "element_type", elementType, "entries", len(records))
	return records, nil
}

func reorderUpdates(elementType string, entries []ReorderEntry) ([]store.ReorderUpdate, error) {
	if err := identity.ValidateElementType(elementType); err != nil {
		return nil, validationError(identity.Key{}, "%v", err)
	}
	if len(entries) == 0 {
		return nil, validationError(identity.Key{}, "reorder batch for %q is empty", elementType)
	}
	seen := make(map[int64]struct{}, len(entries))
	updates := make([]store.ReorderUpdate, 0, len(entries))
	for _, entry := range entries {
		key := identity.New(elementType, entry.ElementID)
		if entry.NewSequence < 0 {
			return nil, validationError(key, "new sequence %d must be >= 0", entry.NewSequence)
		}
		if _, dup := seen[entry.ElementID]; dup {
			return nil, validationError(key, "element appears more than once in the batch")
		}
		seen[entry.ElementID] = struct{}{}
		updates = append(updates, store.ReorderUpdate{Key: key, SequenceNumber: entry.NewSequence})
	}
	return updates, nil
}

// CreateVersion increments the version counter of key and records data in
// its version history.
func (e *Engine) CreateVersion(ctx context.Context, key identity.Key, data json.RawMessage, comment string) (store.Record, error) {
	if err := key.Validate(); err != nil {
		return store.Record{}, validationError(key, "%v", err)
	}
	if len(data) > 0 && !json.Valid(data) {
		return store.Record{}, validationError(key, "version data is not valid JSON")
	}

	var rec store.Record
	err := e.retry(ctx, "create version", key, store.ErrStoreConflict, func() error {
		var err error
		rec, err = e.store.BumpVersion(context.WithoutCancel(ctx), key, data, comment)
		return err
	})
	if err != nil {
		return store.Record{}, err
	}
	e.logger.Debug("version created", "key", key.String(), "version_number", rec.VersionNumber)
	return rec, nil
}

// retry runs op until it succeeds, fails with something other than conflict,
// or the attempt budget runs out. Caller cancellation is checked before every
// submission and during backoff waits.
func (e *Engine) retry(ctx context.Context, op string, key identity.Key, conflict error, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.initialBackoff
	policy.MaxInterval = e.maxBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	var lastConflict error
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, conflict) {
			lastConflict = err
			return err
		}
		return backoff.Permanent(err)
	}
	logger := e.logger.With("op", op)
	if key != (identity.Key{}) {
		logger = logger.With("key", key.String())
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("sequence engine conflict, retrying", "attempt", attempts, "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("sequence engine %s: %w", op, err)
	case errors.Is(err, conflict):
		logger.Warn("sequence engine busy", "attempts", attempts)
		return busyError(key, attempts, lastConflict)
	case errors.Is(err, store.ErrStoreUnavailable):
		return unavailableError(key, err)
	case errors.Is(err, identity.ErrInvalidKey):
		return validationError(key, "%v", err)
	default:
		return unavailableError(key, err)
	}
}
