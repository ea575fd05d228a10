// Package coordinator composes the sequence engine and the index
// synchronizer into the request-level operations of the service.
//
// A store failure fails the request and produces no result. A store success
// followed by an index failure produces a result marked degraded; the
// committed store state is never rolled back because of the index.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/petal-labs/centralseq/engine"
	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/index"
	"github.com/petal-labs/centralseq/store"
)

// SyncStatus reports how index synchronization went for a committed result.
type SyncStatus struct {
	Degraded    bool     `json:"degraded"`
	Attempts    int      `json:"attempts"`
	Error       string   `json:"error,omitempty"`
	Unconfirmed []string `json:"unconfirmed,omitempty"`
}

// GenerateRequest asks for the next sequence number of one element.
type GenerateRequest struct {
	ElementType string `json:"elementType"`
	ElementID   int64  `json:"elementId"`
	Comment     string `json:"comment"`
}

// SequenceResult is the committed outcome of a generate.
type SequenceResult struct {
	ElementType    string     `json:"elementType"`
	ElementID      int64      `json:"elementId"`
	SequenceNumber int64      `json:"sequenceNumber"`
	Comment        string     `json:"comment"`
	Sync           SyncStatus `json:"sync"`
}

// ReorderElement is one element of a reorder request or result.
type ReorderElement struct {
	ElementID   int64 `json:"elementId"`
	NewSequence int64 `json:"newSequence"`
}

// ReorderRequest assigns explicit sequence numbers to elements of one type.
type ReorderRequest struct {
	ElementType string           `json:"elementType"`
	Elements    []ReorderElement `json:"elements"`
	Comment     string           `json:"comment"`
}

// ReorderResult is the committed outcome of a reorder.
type ReorderResult struct {
	ElementType string           `json:"elementType"`
	Elements    []ReorderElement `json:"elements"`
	Comment     string           `json:"comment"`
	Sync        SyncStatus       `json:"sync"`
}

// VersionRequest creates a new version of one element.
type VersionRequest struct {
	ElementType    string          `json:"elementType"`
	ElementID      int64           `json:"elementId"`
	NewVersionData json.RawMessage `json:"newVersionData"`
	Comment        string          `json:"comment"`
}

// VersionResult is the committed outcome of a createVersion.
type VersionResult struct {
	ElementType   string     `json:"elementType"`
	ElementID     int64      `json:"elementId"`
	VersionNumber int64      `json:"versionNumber"`
	Comment       string     `json:"comment"`
	Sync          SyncStatus `json:"sync"`
}

// Config configures a Coordinator.
type Config struct {
	Engine       *engine.Engine
	Synchronizer *index.Synchronizer
	Observer     Observer
	Logger       *slog.Logger
	// ResyncBatchSize bounds the documents sent per index import during
	// Resync (default 100).
	ResyncBatchSize int
}

// Coordinator runs request-level operations.
type Coordinator struct {
	engine          *engine.Engine
	sync            *index.Synchronizer
	observer        Observer
	logger          *slog.Logger
	resyncBatchSize int
}

// New creates a coordinator. A nil synchronizer disables index mirroring.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("coordinator: engine is required")
	}
	syncer := cfg.Synchronizer
	if syncer == nil {
		syncer = index.NewSynchronizer(index.SynchronizerConfig{Logger: cfg.Logger})
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.ResyncBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Coordinator{
		engine:          cfg.Engine,
		sync:            syncer,
		observer:        observer,
		logger:          logger,
		resyncBatchSize: batch,
	}, nil
}

// HandleGenerate assigns the next sequence number and mirrors the record.
func (c *Coordinator) HandleGenerate(ctx context.Context, req GenerateRequest) (SequenceResult, error) {
	key := identity.New(req.ElementType, req.ElementID)
	obs := c.begin(OpGenerate, req.ElementType, key.String())

	rec, err := c.engine.GenerateNext(ctx, key, req.Comment)
	if err != nil {
		c.finish(ctx, obs, err)
		return SequenceResult{}, err
	}

	status := c.syncOne(ctx, rec, &obs)
	obs.Records = 1
	c.finish(ctx, obs, nil)
	return SequenceResult{
		ElementType:    rec.ElementType,
		ElementID:      rec.ElementID,
		SequenceNumber: rec.SequenceNumber,
		Comment:        rec.Comment,
		Sync:           status,
	}, nil
}

// HandleReorder applies a reorder batch and mirrors every changed record.
func (c *Coordinator) HandleReorder(ctx context.Context, req ReorderRequest) (ReorderResult, error) {
	obs := c.begin(OpReorder, req.ElementType, "")

	entries := make([]engine.ReorderEntry, 0, len(req.Elements))
	for _, el := range req.Elements {
		entries = append(entries, engine.ReorderEntry{ElementID: el.ElementID, NewSequence: el.NewSequence})
	}
	records, err := c.engine.Reorder(ctx, req.ElementType, entries, req.Comment)
	if err != nil {
		c.finish(ctx, obs, err)
		return ReorderResult{}, err
	}

	status := c.syncMany(ctx, records, &obs)
	obs.Records = len(records)
	c.finish(ctx, obs, nil)

	elements := make([]ReorderElement, 0, len(records))
	for _, rec := range records {
		elements = append(elements, ReorderElement{ElementID: rec.ElementID, NewSequence: rec.SequenceNumber})
	}
	return ReorderResult{
		ElementType: req.ElementType,
		Elements:    elements,
		Comment:     req.Comment,
		Sync:        status,
	}, nil
}

// HandleCreateVersion bumps the version counter and mirrors the record.
func (c *Coordinator) HandleCreateVersion(ctx context.Context, req VersionRequest) (VersionResult, error) {
	key := identity.New(req.ElementType, req.ElementID)
	obs := c.begin(OpCreateVersion, req.ElementType, key.String())

	rec, err := c.engine.CreateVersion(ctx, key, req.NewVersionData, req.Comment)
	if err != nil {
		c.finish(ctx, obs, err)
		return VersionResult{}, err
	}

	status := c.syncOne(ctx, rec, &obs)
	obs.Records = 1
	c.finish(ctx, obs, nil)
	return VersionResult{
		ElementType:   rec.ElementType,
		ElementID:     rec.ElementID,
		VersionNumber: rec.VersionNumber,
		Comment:       rec.Comment,
		Sync:          status,
	}, nil
}

// Lookup returns the stored record for key.
func (c *Coordinator) Lookup(ctx context.Context, key identity.Key) (store.Record, bool, error) {
	return c.engine.Store().Get(ctx, key)
}

// Versions returns the version history of key.
func (c *Coordinator) Versions(ctx context.Context, key identity.Key) ([]store.VersionEntry, error) {
	return c.engine.Store().Versions(ctx, key)
}

// The store mutation is already committed, so index attempts run to their own
// deadline even if the caller has gone away.
func (c *Coordinator) syncOne(ctx context.Context, rec store.Record, obs *OperationObservation) SyncStatus {
	ack, err := c.sync.Sync(context.WithoutCancel(ctx), rec)
	return c.syncStatus(ack, err, obs)
}

func (c *Coordinator) syncMany(ctx context.Context, records []store.Record, obs *OperationObservation) SyncStatus {
	ack, err := c.sync.SyncBatch(context.WithoutCancel(ctx), records)
	return c.syncStatus(ack, err, obs)
}

func (c *Coordinator) syncStatus(ack index.Ack, err error, obs *OperationObservation) SyncStatus {
	if err == nil {
		obs.SyncAttempts = ack.Attempts
		return SyncStatus{Attempts: ack.Attempts}
	}
	status := SyncStatus{Degraded: true, Error: err.Error()}
	if failure, ok := index.AsSyncFailure(err); ok {
		status.Attempts = failure.Attempts
		for _, key := range failure.Unconfirmed {
			status.Unconfirmed = append(status.Unconfirmed, key.String())
		}
	}
	obs.Degraded = true
	obs.SyncAttempts = status.Attempts
	obs.Unconfirmed = len(status.Unconfirmed)
	c.logger.Warn("operation committed but index is out of date",
		"operation", obs.Operation, "element_type", obs.ElementType, "unconfirmed", status.Unconfirmed, "error", err)
	return status
}

func (c *Coordinator) begin(op, elementType, key string) OperationObservation {
	return OperationObservation{Operation: op, ElementType: elementType, Key: key, Started: time.Now()}
}

func (c *Coordinator) finish(ctx context.Context, obs OperationObservation, err error) {
	obs.Duration = time.Since(obs.Started)
	obs.Err = err
	obs.Outcome = outcomeOf(err, obs.Degraded)
	c.observer.ObserveOperation(ctx, obs)
}

func outcomeOf(err error, degraded bool) string {
	switch {
	case err == nil && degraded:
		return OutcomeDegraded
	case err == nil:
		return OutcomeOK
	case engine.IsValidation(err):
		return OutcomeValidation
	case engine.IsBusy(err):
		return OutcomeBusy
	case engine.IsStoreUnavailable(err):
		return OutcomeStoreUnavailable
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
