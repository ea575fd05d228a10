package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

const (
	// MaxAttempts is the first attempt plus one immediate retry.
	MaxAttempts = 2

	DefaultAttemptTimeout = 3 * time.Second
)

// Ack acknowledges a confirmed synchronization.
type Ack struct {
	Attempts  int
	Documents int
	// Disabled is true when no index is configured and nothing was sent.
	Disabled bool
}

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	// Client is the index client. Nil disables synchronization.
	Client         Client
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Synchronizer mirrors committed records into the index. It keeps no state
// between calls and is safe for concurrent use.
type Synchronizer struct {
	client         Client
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) *Synchronizer {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{client: cfg.Client, attemptTimeout: timeout, logger: logger}
}

// Enabled reports whether an index client is configured.
func (s *Synchronizer) Enabled() bool {
	return s != nil && s.client != nil
}

// Sync mirrors one record. A failed attempt is always followed by one
// immediate retry unless ctx is done. On failure the returned error is a *SyncFailure.
func (s *Synchronizer) Sync(ctx context.Context, rec store.Record) (Ack, error) {
	if !s.Enabled() {
		return Ack{Disabled: true}, nil
	}
	doc := DocumentFromRecord(rec)

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		lastErr = s.attempt(ctx, func(attemptCtx context.Context) error {
			return s.client.Upsert(attemptCtx, doc)
		})
		if lastErr == nil {
			return Ack{Attempts: attempt, Documents: 1}, nil
		}
		if attempt == MaxAttempts || ctx.Err() != nil {
			s.logger.Warn("index sync failed", "key", doc.ID, "attempts", attempt, "retryable", IsRetryable(lastErr), "error", lastErr)
			return Ack{}, &SyncFailure{Attempts: attempt, Unconfirmed: []identity.Key{doc.Key()}, Cause: lastErr}
		}
		s.logger.Debug("index sync retrying", "key", doc.ID, "attempt", attempt, "retryable", IsRetryable(lastErr), "error", lastErr)
	}
	return Ack{}, &SyncFailure{Attempts: MaxAttempts, Unconfirmed: []identity.Key{doc.Key()}, Cause: lastErr}
}

// SyncBatch mirrors a set of records. The retry resends only the documents
// that were not confirmed by the first attempt. On failure the returned error
// is a *SyncFailure listing every unconfirmed key.
func (s *Synchronizer) SyncBatch(ctx context.Context, records []store.Record) (Ack, error) {
	if !s.Enabled() {
		return Ack{Disabled: true}, nil
	}
	if len(records) == 0 {
		return Ack{}, nil
	}

	pending := make([]Document, 0, len(records))
	for _, rec := range records {
		pending = append(pending, DocumentFromRecord(rec))
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		var result BatchResult
		lastErr = s.attempt(ctx, func(attemptCtx context.Context) error {
			var err error
			result, err = s.client.UpsertBatch(attemptCtx, pending)
			return err
		})
		if lastErr == nil {
			if len(result.Failed) == 0 {
				return Ack{Attempts: attempt, Documents: len(records)}, nil
			}
			pending = retainFailed(pending, result.Failed)
			lastErr = &Error{
				Code:      ErrorCodeRejected,
				Message:   fmt.Sprintf("index rejected %d document(s): %s", len(result.Failed), result.Failed[0].Message),
				Retryable: true,
			}
		}
		if attempt == MaxAttempts || ctx.Err() != nil {
			unconfirmed := make([]identity.Key, 0, len(pending))
			for _, doc := range pending {
				unconfirmed = append(unconfirmed, doc.Key())
			}
			s.logger.Warn("index batch sync failed", "documents", len(records), "unconfirmed", len(unconfirmed), "attempts", attempt, "error", lastErr)
			return Ack{}, &SyncFailure{Attempts: attempt, Unconfirmed: unconfirmed, Cause: lastErr}
		}
		s.logger.Debug("index batch sync retrying", "pending", len(pending), "attempt", attempt, "retryable", IsRetryable(lastErr), "error", lastErr)
	}
	return Ack{}, &SyncFailure{Attempts: MaxAttempts, Cause: lastErr}
}

func (s *Synchronizer) attempt(ctx context.Context, fn func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var indexErr *Error
		if !errors.As(err, &indexErr) || indexErr.Code != ErrorCodeTimeout {
			err = &Error{Code: ErrorCodeTimeout, Message: fmt.Sprintf("attempt exceeded %s", s.attemptTimeout), Retryable: true, Cause: err}
		}
	}
	return err
}

func retainFailed(docs []Document, failed []DocumentFailure) []Document {
	ids := make(map[string]struct{}, len(failed))
	for _, f := range failed {
		ids[f.ID] = struct{}{}
	}
	out := docs[:0:0]
	for _, doc := range docs {
		if _, ok := ids[doc.ID]; ok {
			out = append(out, doc)
		}
	}
	return out
}
