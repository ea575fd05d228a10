package coordinator

import (
	"context"
	"time"
)

// Operation names reported in observations.
const (
	OpGenerate      = "generate"
	OpReorder       = "reorder"
	OpCreateVersion = "create_version"
	OpResync        = "resync"
)

// Outcome values reported in observations.
const (
	OutcomeOK               = "ok"
	OutcomeDegraded         = "degraded"
	OutcomeValidation       = "validation_error"
	OutcomeBusy             = "engine_busy"
	OutcomeStoreUnavailable = "store_unavailable"
	OutcomeCanceled         = "canceled"
	OutcomeError            = "error"
)

// OperationObservation captures one coordinator operation.
type OperationObservation struct {
	Operation    string
	ElementType  string
	Key          string
	Outcome      string
	Degraded     bool
	Records      int
	SyncAttempts int
	Unconfirmed  int
	Started      time.Time
	Duration     time.Duration
	Err          error
}

// Observer receives coordinator observability events.
type Observer interface {
	ObserveOperation(ctx context.Context, observation OperationObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(context.Context, OperationObservation) {}
