package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client writes documents to the secondary index.
type Client interface {
	// Upsert inserts or replaces one document.
	Upsert(ctx context.Context, doc Document) error
	// UpsertBatch inserts or replaces many documents in one request. A nil
	// error with a non-empty BatchResult.Failed means the request went
	// through but some documents were refused.
	UpsertBatch(ctx context.Context, docs []Document) (BatchResult, error)
}

// BatchResult reports per-document outcomes of UpsertBatch.
type BatchResult struct {
	Succeeded int
	Failed    []DocumentFailure
}

// DocumentFailure is one document refused by the index.
type DocumentFailure struct {
	ID      string
	Message string
}

const (
	apiKeyHeader    = "X-TYPESENSE-API-KEY"
	requestIDHeader = "X-Request-ID"

	// DefaultCollection is used when HTTPClientConfig.Collection is empty.
	DefaultCollection = "sequences"
)

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	Endpoint   string
	Collection string
	APIKey     string
	// Timeout bounds a whole HTTP exchange. Synchronizer attempts apply their
	// own, usually shorter, deadline through the request context.
	Timeout time.Duration
	// HTTPClient overrides the pooled client; used in tests.
	HTTPClient *http.Client
}

// HTTPClient is a Typesense-compatible document API client.
type HTTPClient struct {
	base       *url.URL
	collection string
	apiKey     string
	client     *http.Client
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("index endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("index endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("index endpoint %q must be http or https", endpoint)
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = DefaultCollection
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = pooledClient(timeout)
	}
	return &HTTPClient{base: base, collection: collection, apiKey: cfg.APIKey, client: client}, nil
}

// Upsert implements Client.
func (c *HTTPClient) Upsert(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return &Error{Code: ErrorCodeDecodeFailure, Message: "encode document", Cause: err}
	}
	respBody, err := c.do(ctx, "documents", "application/json", body)
	if err != nil {
		return err
	}
	// Some deployments answer 201/204 without echoing the document.
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	var echoed Document
	if err := json.Unmarshal(respBody, &echoed); err != nil {
		return &Error{Code: ErrorCodeDecodeFailure, Message: "decode upsert response", Retryable: true, Cause: err}
	}
	if echoed.ID != "" && echoed.ID != doc.ID {
		return &Error{
			Code:      ErrorCodeDecodeFailure,
			Message:   fmt.Sprintf("index acknowledged %q for document %q", echoed.ID, doc.ID),
			Retryable: true,
		}
	}
	return nil
}

// UpsertBatch implements Client using the JSONL import endpoint. The index
// answers with one JSON line per document in request order.
func (c *HTTPClient) UpsertBatch(ctx context.Context, docs []Document) (BatchResult, error) {
	if len(docs) == 0 {
		return BatchResult{}, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return BatchResult{}, &Error{Code: ErrorCodeDecodeFailure, Message: "encode document " + doc.ID, Cause: err}
		}
	}

	respBody, err := c.do(ctx, "documents/import", "text/plain", buf.Bytes())
	if err != nil {
		return BatchResult{}, err
	}
	return decodeImportResponse(respBody, docs)
}

type importLine struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func decodeImportResponse(body []byte, docs []Document) (BatchResult, error) {
	var result BatchResult
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	i := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if i >= len(docs) {
			return BatchResult{}, &Error{Code: ErrorCodeDecodeFailure, Message: "import response has more lines than documents", Retryable: true}
		}
		var parsed importLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return BatchResult{}, &Error{Code: ErrorCodeDecodeFailure, Message: "decode import response line", Retryable: true, Cause: err}
		}
		if parsed.Success {
			result.Succeeded++
		} else {
			result.Failed = append(result.Failed, DocumentFailure{ID: docs[i].ID, Message: parsed.Error})
		}
		i++
	}
	if err := scanner.Err(); err != nil {
		return BatchResult{}, &Error{Code: ErrorCodeTransportFailure, Message: "read import response", Retryable: true, Cause: err}
	}
	// Documents without a result line were not confirmed.
	for ; i < len(docs); i++ {
		result.Failed = append(result.Failed, DocumentFailure{ID: docs[i].ID, Message: "no result returned"})
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	target := c.base.JoinPath("collections", c.collection, path)
	q := target.Query()
	q.Set("action", "upsert")
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: ErrorCodeTransportFailure, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Code: ErrorCodeTimeout, Message: "index request timed out", Retryable: true, Cause: err}
		}
		return nil, &Error{Code: ErrorCodeTransportFailure, Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: ErrorCodeTransportFailure, Message: "read response", Retryable: true, Cause: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, statusError(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
