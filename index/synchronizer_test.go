package index

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

type fakeClient struct {
	mu        sync.Mutex
	upserts   int
	batches   [][]Document
	errs      []error
	rejectIDs map[string]int
	delay     time.Duration
}

func (c *fakeClient) nextErr() error {
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *fakeClient) Upsert(ctx context.Context, doc Document) error {
	c.mu.Lock()
	c.upserts++
	err := c.nextErr()
	delay := c.delay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeClient) UpsertBatch(ctx context.Context, docs []Document) (BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]Document(nil), docs...))
	if err := c.nextErr(); err != nil {
		return BatchResult{}, err
	}
	var result BatchResult
	for _, doc := range docs {
		if c.rejectIDs[doc.ID] > 0 {
			c.rejectIDs[doc.ID]--
			result.Failed = append(result.Failed, DocumentFailure{ID: doc.ID, Message: "rejected"})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func testRecord(id int64) store.Record {
	return store.Record{ElementType: "script", ElementID: id, SequenceNumber: id}
}

func TestSync_FirstAttemptSucceeds(t *testing.T) {
	client := &fakeClient{}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	ack, err := s.Sync(context.Background(), testRecord(1))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ack.Attempts != 1 || client.upserts != 1 {
		t.Fatalf("ack = %+v, upserts = %d", ack, client.upserts)
	}
}

func TestSync_RetriesOnceThenSucceeds(t *testing.T) {
	client := &fakeClient{errs: []error{&Error{Code: ErrorCodeTransportFailure, Retryable: true}}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	ack, err := s.Sync(context.Background(), testRecord(1))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ack.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", ack.Attempts)
	}
}

func TestSync_FailsAfterRetry(t *testing.T) {
	transport := &Error{Code: ErrorCodeTransportFailure, Retryable: true}
	client := &fakeClient{errs: []error{transport, transport, transport}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	_, err := s.Sync(context.Background(), testRecord(1))
	failure, ok := AsSyncFailure(err)
	if !ok {
		t.Fatalf("error = %v, want *SyncFailure", err)
	}
	if failure.Attempts != 2 || client.upserts != 2 {
		t.Fatalf("attempts = %d upserts = %d, want 2", failure.Attempts, client.upserts)
	}
	if len(failure.Unconfirmed) != 1 || failure.Unconfirmed[0] != identity.New("script", 1) {
		t.Fatalf("unconfirmed = %v", failure.Unconfirmed)
	}
	if !errors.Is(err, transport) {
		t.Fatalf("failure should wrap the last cause: %v", err)
	}
}

func TestSync_NonRetryableStatusStillRetriedOnce(t *testing.T) {
	badSchema := statusError(400, "bad schema")
	client := &fakeClient{errs: []error{badSchema, badSchema}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	_, err := s.Sync(context.Background(), testRecord(1))
	failure, ok := AsSyncFailure(err)
	if !ok || failure.Attempts != 2 || client.upserts != 2 {
		t.Fatalf("error = %v upserts = %d, want two-attempt failure", err, client.upserts)
	}
	if !errors.Is(err, badSchema) {
		t.Fatalf("failure should wrap the 400: %v", err)
	}
}

func TestSync_RetryRecoversFromClientError(t *testing.T) {
	client := &fakeClient{errs: []error{statusError(404, "collection not found")}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	ack, err := s.Sync(context.Background(), testRecord(1))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ack.Attempts != 2 || client.upserts != 2 {
		t.Fatalf("ack = %+v upserts = %d, want success on retry", ack, client.upserts)
	}
}

func TestSyncBatch_NonRetryableStatusStillRetriedOnce(t *testing.T) {
	client := &fakeClient{errs: []error{statusError(422, "unprocessable")}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	ack, err := s.SyncBatch(context.Background(), []store.Record{testRecord(1), testRecord(2)})
	if err != nil {
		t.Fatalf("SyncBatch: %v", err)
	}
	if ack.Attempts != 2 || len(client.batches) != 2 {
		t.Fatalf("ack = %+v batches = %d, want success on retry", ack, len(client.batches))
	}
}

func TestSync_AttemptTimeout(t *testing.T) {
	client := &fakeClient{delay: time.Second}
	s := NewSynchronizer(SynchronizerConfig{Client: client, AttemptTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Sync(context.Background(), testRecord(1))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("sync took %s, attempts should be bounded", elapsed)
	}
	failure, ok := AsSyncFailure(err)
	if !ok || failure.Attempts != 2 {
		t.Fatalf("error = %v, want two timed-out attempts", err)
	}
	var indexErr *Error
	if !errors.As(err, &indexErr) || indexErr.Code != ErrorCodeTimeout {
		t.Fatalf("cause = %v, want TIMEOUT", err)
	}
}

func TestSync_DisabledAcknowledges(t *testing.T) {
	s := NewSynchronizer(SynchronizerConfig{})
	ack, err := s.Sync(context.Background(), testRecord(1))
	if err != nil || !ack.Disabled {
		t.Fatalf("ack = %+v err = %v", ack, err)
	}
	if s.Enabled() {
		t.Fatal("synchronizer without client must be disabled")
	}
}

func TestSyncBatch_RetriesOnlyRejected(t *testing.T) {
	client := &fakeClient{rejectIDs: map[string]int{"script:2": 1}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	ack, err := s.SyncBatch(context.Background(), []store.Record{testRecord(1), testRecord(2), testRecord(3)})
	if err != nil {
		t.Fatalf("SyncBatch: %v", err)
	}
	if ack.Attempts != 2 || ack.Documents != 3 {
		t.Fatalf("ack = %+v", ack)
	}
	if len(client.batches) != 2 || len(client.batches[1]) != 1 || client.batches[1][0].ID != "script:2" {
		t.Fatalf("batches = %+v", client.batches)
	}
}

func TestSyncBatch_ReportsUnconfirmed(t *testing.T) {
	client := &fakeClient{rejectIDs: map[string]int{"script:1": 5, "script:3": 5}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	_, err := s.SyncBatch(context.Background(), []store.Record{testRecord(1), testRecord(2), testRecord(3)})
	failure, ok := AsSyncFailure(err)
	if !ok {
		t.Fatalf("error = %v, want *SyncFailure", err)
	}
	want := []identity.Key{identity.New("script", 1), identity.New("script", 3)}
	if failure.Attempts != 2 || len(failure.Unconfirmed) != 2 || failure.Unconfirmed[0] != want[0] || failure.Unconfirmed[1] != want[1] {
		t.Fatalf("failure = %+v", failure)
	}
}

func TestSyncBatch_TransportFailure(t *testing.T) {
	transport := &Error{Code: ErrorCodeTransportFailure, Retryable: true}
	client := &fakeClient{errs: []error{transport, transport}}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	_, err := s.SyncBatch(context.Background(), []store.Record{testRecord(1), testRecord(2)})
	failure, ok := AsSyncFailure(err)
	if !ok || len(failure.Unconfirmed) != 2 {
		t.Fatalf("error = %v, want both keys unconfirmed", err)
	}
}
