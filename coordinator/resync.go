package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/index"
	"github.com/petal-labs/centralseq/store"
)

// ResyncResult summarizes one resync run.
type ResyncResult struct {
	RunID        string     `json:"runId"`
	ElementTypes []string   `json:"elementTypes"`
	Records      int        `json:"records"`
	Synced       int        `json:"synced"`
	Sync         SyncStatus `json:"sync"`
}

const resyncTypeConcurrency = 4

// Resync re-mirrors every stored record of elementType, or of every type when
// elementType is empty, into the index. It repairs records left unconfirmed
// by earlier degraded operations. Store read failures fail the run; index
// failures are reported as a degraded result.
func (c *Coordinator) Resync(ctx context.Context, elementType string) (ResyncResult, error) {
	obs := c.begin(OpResync, elementType, "")
	result := ResyncResult{RunID: uuid.NewString()}
	logger := c.logger.With("run_id", result.RunID)

	if elementType != "" {
		if err := identity.ValidateElementType(elementType); err != nil {
			err = fmt.Errorf("coordinator resync: %w", err)
			c.finish(ctx, obs, err)
			return ResyncResult{}, err
		}
	}

	records, err := c.engine.Store().List(ctx, elementType)
	if err != nil {
		err = fmt.Errorf("coordinator resync list: %w", err)
		c.finish(ctx, obs, err)
		return ResyncResult{}, err
	}
	result.Records = len(records)
	obs.Records = len(records)

	byType := map[string][]store.Record{}
	for _, rec := range records {
		byType[rec.ElementType] = append(byType[rec.ElementType], rec)
	}
	for t := range byType {
		result.ElementTypes = append(result.ElementTypes, t)
	}
	sort.Strings(result.ElementTypes)

	if !c.sync.Enabled() {
		logger.Info("resync skipped, index not configured", "records", len(records))
		c.finish(ctx, obs, nil)
		return result, nil
	}

	var (
		mu          sync.Mutex
		synced      int
		attempts    int
		unconfirmed []identity.Key
		lastErr     error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resyncTypeConcurrency)
	for _, t := range result.ElementTypes {
		batch := byType[t]
		g.Go(func() error {
			for start := 0; start < len(batch); start += c.resyncBatchSize {
				if err := gctx.Err(); err != nil {
					return err
				}
				end := min(start+c.resyncBatchSize, len(batch))
				chunk := batch[start:end]
				ack, err := c.sync.SyncBatch(gctx, chunk)

				mu.Lock()
				if err == nil {
					synced += len(chunk)
					attempts = max(attempts, ack.Attempts)
				} else {
					lastErr = err
					if failure, ok := index.AsSyncFailure(err); ok {
						attempts = max(attempts, failure.Attempts)
						unconfirmed = append(unconfirmed, failure.Unconfirmed...)
						synced += len(chunk) - len(failure.Unconfirmed)
					} else {
						for _, rec := range chunk {
							unconfirmed = append(unconfirmed, rec.Key())
						}
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = fmt.Errorf("coordinator resync: %w", err)
		c.finish(ctx, obs, err)
		return ResyncResult{}, err
	}

	result.Synced = synced
	result.Sync.Attempts = attempts
	if len(unconfirmed) > 0 {
		sort.Slice(unconfirmed, func(i, j int) bool { return unconfirmed[i].Less(unconfirmed[j]) })
		result.Sync.Degraded = true
		result.Sync.Error = lastErr.Error()
		for _, key := range unconfirmed {
			result.Sync.Unconfirmed = append(result.Sync.Unconfirmed, key.String())
		}
		obs.Degraded = true
		obs.Unconfirmed = len(unconfirmed)
		logger.Warn("resync finished with unconfirmed records", "records", result.Records, "unconfirmed", len(unconfirmed))
	} else {
		logger.Info("resync finished", "records", result.Records, "element_types", result.ElementTypes)
	}
	obs.SyncAttempts = attempts
	c.finish(ctx, obs, nil)
	return result, nil
}
