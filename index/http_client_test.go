package index

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/centralseq/store"
)

func TestHTTPClient_Upsert(t *testing.T) {
	var (
		gotPath  string
		gotQuery string
		gotKey   string
		gotReqID string
		gotDoc   Document
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("action")
		gotKey = r.Header.Get("X-TYPESENSE-API-KEY")
		gotReqID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&gotDoc); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(gotDoc)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL + "/", Collection: "seq", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	doc := DocumentFromRecord(store.Record{ElementType: "script", ElementID: 4, SequenceNumber: 2, Comment: "hi", UpdatedAt: time.Unix(100, 0)})
	if err := client.Upsert(context.Background(), doc); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if gotPath != "/collections/seq/documents" || gotQuery != "upsert" {
		t.Fatalf("request = %s?action=%s", gotPath, gotQuery)
	}
	if gotKey != "secret" || gotReqID == "" {
		t.Fatalf("headers: api key %q request id %q", gotKey, gotReqID)
	}
	if gotDoc.ID != "script:4" || gotDoc.SequenceNumber != 2 || gotDoc.UpdatedAt != 100 {
		t.Fatalf("document = %+v", gotDoc)
	}
}

func TestHTTPClient_UpsertEmptySuccessBody(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusNoContent} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			client, err := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			if err := client.Upsert(context.Background(), Document{ID: "script:1"}); err != nil {
				t.Fatalf("Upsert with empty %d body: %v", status, err)
			}
		})
	}
}

func TestSynchronizer_RetriesClientErrorOverHTTP(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL, Collection: "missing"})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	s := NewSynchronizer(SynchronizerConfig{Client: client})

	_, err = s.Sync(context.Background(), store.Record{ElementType: "script", ElementID: 9, SequenceNumber: 1})
	failure, ok := AsSyncFailure(err)
	if !ok {
		t.Fatalf("error = %v, want *SyncFailure", err)
	}
	if failure.Attempts != 2 || hits.Load() != 2 {
		t.Fatalf("attempts = %d hits = %d, want 2", failure.Attempts, hits.Load())
	}
	var indexErr *Error
	if !errors.As(err, &indexErr) || indexErr.StatusCode != http.StatusNotFound || indexErr.Retryable {
		t.Fatalf("cause = %v, want non-retryable 404", err)
	}
}

func TestHTTPClient_UpsertStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: http.StatusServiceUnavailable, retryable: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusBadRequest, retryable: false},
		{status: http.StatusUnauthorized, retryable: false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"nope"}`, tt.status)
			}))
			defer srv.Close()

			client, err := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			err = client.Upsert(context.Background(), Document{ID: "script:1"})
			var indexErr *Error
			if !errors.As(err, &indexErr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if indexErr.StatusCode != tt.status || indexErr.Retryable != tt.retryable {
				t.Fatalf("error = %+v", indexErr)
			}
		})
	}
}

func TestHTTPClient_UpsertBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/sequences/documents/import" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		scanner := bufio.NewScanner(strings.NewReader(string(body)))
		for scanner.Scan() {
			var doc Document
			if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
				t.Errorf("decode line: %v", err)
			}
			if doc.ElementID == 2 {
				_, _ = w.Write([]byte(`{"success":false,"error":"bad field"}` + "\n"))
				continue
			}
			_, _ = w.Write([]byte(`{"success":true}` + "\n"))
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	docs := []Document{
		{ID: "script:1", ElementType: "script", ElementID: 1},
		{ID: "script:2", ElementType: "script", ElementID: 2},
		{ID: "script:3", ElementType: "script", ElementID: 3},
	}
	result, err := client.UpsertBatch(context.Background(), docs)
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if result.Succeeded != 2 || len(result.Failed) != 1 || result.Failed[0].ID != "script:2" || result.Failed[0].Message != "bad field" {
		t.Fatalf("result = %+v", result)
	}
}

func TestDecodeImportResponse_MissingLines(t *testing.T) {
	docs := []Document{{ID: "a:1"}, {ID: "a:2"}}
	result, err := decodeImportResponse([]byte(`{"success":true}`), docs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Succeeded != 1 || len(result.Failed) != 1 || result.Failed[0].ID != "a:2" {
		t.Fatalf("result = %+v", result)
	}
}

func TestNewHTTPClient_Validation(t *testing.T) {
	if _, err := NewHTTPClient(HTTPClientConfig{}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := NewHTTPClient(HTTPClientConfig{Endpoint: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for non-http endpoint")
	}
}

func TestPooledClient_SharesTransport(t *testing.T) {
	a := pooledClient(2 * time.Second)
	b := pooledClient(2 * time.Second)
	c := pooledClient(3 * time.Second)
	if a != b {
		t.Fatal("expected the same client for equal timeouts")
	}
	if a == c {
		t.Fatal("expected distinct clients for different timeouts")
	}
	if a.Transport != c.Transport {
		t.Fatal("clients must share the index transport")
	}
}
