// Package scan implements the scan orchestrator: one cycle loads the active
// search definitions, fans out fetches under a bounded concurrency gate and
// drives the dedup/ledger write path.
package scan

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/metrics"
	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
	"github.com/timur-me/kleinanzeigen-sniper/internal/source"
)

// SearchStore is the slice of the search-criteria store the orchestrator
// consumes.
type SearchStore interface {
	ListActive(ctx context.Context) ([]model.SearchDefinition, error)
	MarkFirstRunCompleted(ctx context.Context, searchID string) error
}

// ListingStore is the upsert side of the listing cache.
type ListingStore interface {
	Upsert(ctx context.Context, externalID string, payload json.RawMessage) (*model.Listing, error)
}

// Ledger is the write side of the notification ledger.
type Ledger interface {
	Exists(ctx context.Context, listingID string, userID int64, searchID string) (bool, error)
	Create(ctx context.Context, listingID string, userID int64, searchID string, sent bool) (*model.NotificationEntry, error)
}

// Fetcher produces candidates for one search definition.
type Fetcher interface {
	FetchCandidates(ctx context.Context, search model.SearchDefinition) ([]source.Candidate, error)
}

// Orchestrator runs one scan cycle at a time. Searches are independent; the
// only shared mutable state is the store and the ledger, both safe for
// concurrent row-level access.
type Orchestrator struct {
	searches SearchStore
	listings ListingStore
	ledger   Ledger
	fetcher  Fetcher
	gate     chan struct{}
	logger   logger.Logger
}

// New creates an Orchestrator with a concurrency gate of maxConcurrent
// in-flight searches.
func New(searches SearchStore, listings ListingStore, ledger Ledger, fetcher Fetcher, maxConcurrent int, log logger.Logger) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		searches: searches,
		listings: listings,
		ledger:   ledger,
		fetcher:  fetcher,
		gate:     make(chan struct{}, maxConcurrent),
		logger:   log.WithFields(map[string]interface{}{"component": "scan"}),
	}
}

// RunCycle executes one full scan cycle: every active search is fetched and
// processed, at most cap(gate) of them concurrently. A failure in one search
// never aborts the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	searches, err := o.searches.ListActive(ctx)
	if err != nil {
		o.logger.Error("loading active searches failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	if len(searches) == 0 {
		o.logger.Debug("no active searches", nil)
		return nil
	}

	o.logger.Info("scan cycle started", map[string]interface{}{"searches": len(searches)})

	var wg sync.WaitGroup
	for _, search := range searches {
		if ctx.Err() != nil {
			wg.Wait()
			return ctx.Err()
		}
		select {
		case o.gate <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(search model.SearchDefinition) {
			defer wg.Done()
			defer func() { <-o.gate }()
			o.processSearch(ctx, search)
		}(search)
	}
	wg.Wait()

	metrics.ScanCyclesTotal.Inc()
	o.logger.Info("scan cycle complete", map[string]interface{}{"searches": len(searches)})
	return nil
}

// processSearch runs the fetch / per-candidate / finalize state machine for a
// single search definition.
func (o *Orchestrator) processSearch(ctx context.Context, search model.SearchDefinition) {
	log := o.logger.WithFields(map[string]interface{}{
		"searchId": search.ID,
		"userId":   search.UserID,
		"query":    search.Query,
	})

	candidates, err := o.fetcher.FetchCandidates(ctx, search)
	if err != nil {
		// Nothing has been mutated; the search is simply retried next cycle.
		metrics.ScanSearchFailures.WithLabelValues(errorCode(err)).Inc()
		log.Warn("fetch failed, skipping search this cycle", map[string]interface{}{"error": err.Error()})
		return
	}

	if len(candidates) == 0 {
		log.Debug("no candidates", nil)
		return
	}

	var created, known, failed int
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			log.Info("cycle cancelled mid-search", map[string]interface{}{"processed": created + known})
			return
		}

		listing, err := o.listings.Upsert(ctx, candidate.ID, candidate.RawData)
		if err != nil {
			log.Error("listing upsert failed", map[string]interface{}{
				"listingId": candidate.ID,
				"error":     err.Error(),
			})
			failed++
			continue
		}

		exists, err := o.ledger.Exists(ctx, listing.ID, search.UserID, search.ID)
		if err != nil {
			log.Error("ledger existence check failed", map[string]interface{}{
				"listingId": listing.ID,
				"error":     err.Error(),
			})
			failed++
			continue
		}
		if exists {
			known++
			continue
		}

		// On the search's first-ever cycle the whole backlog is born sent so a
		// freshly created search does not flood its owner.
		_, err = o.ledger.Create(ctx, listing.ID, search.UserID, search.ID, !search.FirstRunCompleted)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeDuplicateEntry) {
				known++
				continue
			}
			log.Error("ledger create failed", map[string]interface{}{
				"listingId": listing.ID,
				"error":     err.Error(),
			})
			failed++
			continue
		}
		created++
	}

	// Flip only after the whole backlog has been recorded. A failed candidate
	// keeps the search in first-run mode so the next pass re-records it
	// suppressed instead of surfacing a pre-existing listing as new.
	if !search.FirstRunCompleted {
		if failed > 0 {
			log.Warn("first-run pass incomplete, flip deferred", map[string]interface{}{"failed": failed})
			return
		}
		if err := o.searches.MarkFirstRunCompleted(ctx, search.ID); err != nil {
			log.Error("first-run flip failed", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	log.Info("search processed", map[string]interface{}{
		"candidates": len(candidates),
		"created":    created,
		"known":      known,
	})
}

func errorCode(err error) string {
	var se *errors.StandardError
	if stderrors.As(err, &se) {
		return string(se.Code)
	}
	return "UNKNOWN"
}
