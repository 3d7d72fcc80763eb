// internal/scan/orchestrator_test.go
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
	"github.com/timur-me/kleinanzeigen-sniper/internal/source"
)

// ==========================
// Fakes
// ==========================

type fakeSearchStore struct {
	mu        sync.Mutex
	searches  []model.SearchDefinition
	completed []string
}

func (f *fakeSearchStore) ListActive(ctx context.Context) ([]model.SearchDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SearchDefinition(nil), f.searches...), nil
}

func (f *fakeSearchStore) MarkFirstRunCompleted(ctx context.Context, searchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, searchID)
	return nil
}

type fakeListingStore struct {
	mu       sync.Mutex
	upserted map[string]int
}

func (f *fakeListingStore) Upsert(ctx context.Context, externalID string, payload json.RawMessage) (*model.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserted == nil {
		f.upserted = make(map[string]int)
	}
	f.upserted[externalID]++
	return &model.Listing{ID: externalID, RawData: payload}, nil
}

type ledgerEntry struct {
	listingID string
	userID    int64
	searchID  string
	sent      bool
}

type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	// raceOn simulates another cycle winning the insert for these listing ids.
	raceOn map[string]bool
	// createFailOnce fails the first Create for these listing ids, then heals.
	createFailOnce map[string]error
}

func tripleKey(listingID string, userID int64, searchID string) string {
	return fmt.Sprintf("%s|%d|%s", listingID, userID, searchID)
}

func (f *fakeLedger) Exists(ctx context.Context, listingID string, userID int64, searchID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[tripleKey(listingID, userID, searchID)]
	return ok, nil
}

func (f *fakeLedger) Create(ctx context.Context, listingID string, userID int64, searchID string, sent bool) (*model.NotificationEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceOn[listingID] {
		return nil, errors.NewDuplicateEntryError(listingID, userID, searchID)
	}
	if err, ok := f.createFailOnce[listingID]; ok {
		delete(f.createFailOnce, listingID)
		return nil, err
	}
	if f.entries == nil {
		f.entries = make(map[string]ledgerEntry)
	}
	key := tripleKey(listingID, userID, searchID)
	if _, ok := f.entries[key]; ok {
		return nil, errors.NewDuplicateEntryError(listingID, userID, searchID)
	}
	f.entries[key] = ledgerEntry{listingID: listingID, userID: userID, searchID: searchID, sent: sent}
	return &model.NotificationEntry{ListingID: listingID, UserID: userID, SearchID: searchID, Sent: sent}, nil
}

func (f *fakeLedger) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if !e.sent {
			n++
		}
	}
	return n
}

func (f *fakeLedger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.sent {
			n++
		}
	}
	return n
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string][]source.Candidate
	errs    map[string]error
	// hook runs inside every fetch, used by the concurrency test.
	hook func()
}

func (f *fakeFetcher) FetchCandidates(ctx context.Context, search model.SearchDefinition) ([]source.Candidate, error) {
	if f.hook != nil {
		f.hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[search.ID]; err != nil {
		return nil, err
	}
	return f.results[search.ID], nil
}

func candidates(ids ...string) []source.Candidate {
	out := make([]source.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Candidate{ID: id, RawData: json.RawMessage(`{"id":"` + id + `"}`)})
	}
	return out
}

func testSearch(id string, firstRunDone bool) model.SearchDefinition {
	return model.SearchDefinition{
		ID:                id,
		UserID:            42,
		Query:             "mountainbike",
		Active:            true,
		FirstRunCompleted: firstRunDone,
	}
}

// ==========================
// First run
// ==========================

func TestRunCycle_FirstRun_SuppressesBacklogAndFlips(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{testSearch("search-1", false)}}
	listings := &fakeListingStore{}
	ledger := &fakeLedger{}
	fetcher := &fakeFetcher{results: map[string][]source.Candidate{
		"search-1": candidates("a", "b", "c", "d", "e"),
	}}

	o := New(searches, listings, ledger, fetcher, 2, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))

	// The whole backlog is recorded as already delivered.
	assert.Equal(t, 5, ledger.sentCount())
	assert.Equal(t, 0, ledger.pendingCount())
	assert.Equal(t, []string{"search-1"}, searches.completed)
}

func TestRunCycle_FirstRun_FailedCandidateDefersFlip(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{testSearch("search-1", false)}}
	listings := &fakeListingStore{}
	ledger := &fakeLedger{createFailOnce: map[string]error{
		"b": errors.NewLedgerWriteFailedError(assert.AnError),
	}}
	fetcher := &fakeFetcher{results: map[string][]source.Candidate{
		"search-1": candidates("a", "b", "c"),
	}}

	o := New(searches, listings, ledger, fetcher, 1, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))

	// The pass was incomplete, so the search stays in first-run mode.
	assert.Empty(t, searches.completed)
	assert.Equal(t, 2, ledger.sentCount())

	// The retried pass records the missed listing suppressed, never pending,
	// and only then flips.
	assert.NoError(t, o.RunCycle(context.Background()))

	assert.Equal(t, []string{"search-1"}, searches.completed)
	assert.Equal(t, 3, ledger.sentCount())
	assert.Equal(t, 0, ledger.pendingCount())
}

func TestRunCycle_SecondCycle_NewListingsBecomePending(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{testSearch("search-1", false)}}
	listings := &fakeListingStore{}
	ledger := &fakeLedger{}
	fetcher := &fakeFetcher{results: map[string][]source.Candidate{
		"search-1": candidates("a", "b", "c"),
	}}

	o := New(searches, listings, ledger, fetcher, 2, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))

	// The flip happened; mirror it the way ListActive would next cycle.
	searches.mu.Lock()
	searches.searches[0].FirstRunCompleted = true
	searches.mu.Unlock()

	fetcher.mu.Lock()
	fetcher.results["search-1"] = candidates("a", "b", "c", "x", "y")
	fetcher.mu.Unlock()

	assert.NoError(t, o.RunCycle(context.Background()))

	// Only the two genuinely new listings await dispatch.
	assert.Equal(t, 3, ledger.sentCount())
	assert.Equal(t, 2, ledger.pendingCount())
}

// ==========================
// Dedup and races
// ==========================

func TestRunCycle_SeenListingsAreSkipped(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{testSearch("search-1", true)}}
	listings := &fakeListingStore{}
	ledger := &fakeLedger{}
	fetcher := &fakeFetcher{results: map[string][]source.Candidate{
		"search-1": candidates("a", "b"),
	}}

	o := New(searches, listings, ledger, fetcher, 1, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))
	assert.NoError(t, o.RunCycle(context.Background()))

	// Two cycles, still exactly one entry per listing.
	ledger.mu.Lock()
	assert.Len(t, ledger.entries, 2)
	ledger.mu.Unlock()

	// But the upsert ran every cycle to refresh the payload.
	listings.mu.Lock()
	assert.Equal(t, 2, listings.upserted["a"])
	listings.mu.Unlock()
}

func TestRunCycle_DuplicateInsertRaceIsBenign(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{testSearch("search-1", true)}}
	listings := &fakeListingStore{}
	ledger := &fakeLedger{raceOn: map[string]bool{"b": true}}
	fetcher := &fakeFetcher{results: map[string][]source.Candidate{
		"search-1": candidates("a", "b", "c"),
	}}

	o := New(searches, listings, ledger, fetcher, 1, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))

	// The raced listing is skipped, the rest of the batch still lands.
	ledger.mu.Lock()
	assert.Len(t, ledger.entries, 2)
	ledger.mu.Unlock()
}

// ==========================
// Failure isolation
// ==========================

func TestRunCycle_FetchFailureSkipsSearchWithoutMutation(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{
		testSearch("search-1", false),
		testSearch("search-2", true),
	}}
	listings := &fakeListingStore{}
	ledger := &fakeLedger{}
	fetcher := &fakeFetcher{
		results: map[string][]source.Candidate{"search-2": candidates("x")},
		errs:    map[string]error{"search-1": errors.NewFetchFailedError(assert.AnError)},
	}

	o := New(searches, listings, ledger, fetcher, 2, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))

	// The failing search left no trace: no upserts, no entries, no flip.
	listings.mu.Lock()
	assert.Equal(t, 0, listings.upserted["a"])
	listings.mu.Unlock()
	assert.NotContains(t, searches.completed, "search-1")

	// The healthy search was unaffected.
	ledger.mu.Lock()
	assert.Len(t, ledger.entries, 1)
	ledger.mu.Unlock()
}

// ==========================
// Concurrency gate
// ==========================

func TestRunCycle_BoundedConcurrency(t *testing.T) {
	const maxConcurrent = 2
	const totalSearches = 6

	var defs []model.SearchDefinition
	results := make(map[string][]source.Candidate)
	for i := 0; i < totalSearches; i++ {
		id := fmt.Sprintf("search-%d", i)
		defs = append(defs, testSearch(id, true))
		results[id] = nil
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	fetcher := &fakeFetcher{results: results}
	fetcher.hook = func() {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	searches := &fakeSearchStore{searches: defs}
	o := New(searches, &fakeListingStore{}, &fakeLedger{}, fetcher, maxConcurrent, logger.NewTestLogger(t))
	assert.NoError(t, o.RunCycle(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, maxConcurrent)
	assert.Greater(t, peak, 0)
}

func TestRunCycle_CancelledContextStopsCycle(t *testing.T) {
	searches := &fakeSearchStore{searches: []model.SearchDefinition{testSearch("search-1", true)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(searches, &fakeListingStore{}, &fakeLedger{}, &fakeFetcher{}, 1, logger.NewTestLogger(t))
	err := o.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
