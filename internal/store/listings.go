// Package store implements the SQL persistence layer of the pipeline: the
// listing cache, the notification ledger and the search-criteria reader.
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/metrics"
	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

// ListingStore is an idempotent upsert-by-external-id cache of everything the
// source has ever returned. Rows are updated in place and never deleted.
type ListingStore struct {
	db *sql.DB
}

func NewListingStore(db *sql.DB) *ListingStore {
	return &ListingStore{db: db}
}

// Upsert creates the listing on first observation and replaces its payload on
// every later one, bumping last_updated and leaving first_seen untouched.
// Concurrent upserts of different ids only contend on their own row.
func (s *ListingStore) Upsert(ctx context.Context, externalID string, payload json.RawMessage) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO listings (id, raw_data, first_seen, last_updated)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET raw_data = EXCLUDED.raw_data, last_updated = now()
		RETURNING id, raw_data, first_seen, last_updated`,
		externalID, []byte(payload),
	)

	var l model.Listing
	var raw []byte
	if err := row.Scan(&l.ID, &raw, &l.FirstSeen, &l.LastUpdated); err != nil {
		return nil, errors.NewListingUpsertFailedError(externalID, err)
	}
	l.RawData = raw

	metrics.ListingsUpserted.Inc()
	return &l, nil
}

// GetByID resolves a listing for rendering. Returns sql.ErrNoRows wrapped in
// the error when the id is unknown.
func (s *ListingStore) GetByID(ctx context.Context, id string) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, raw_data, first_seen, last_updated
		FROM listings
		WHERE id = $1`, id)

	var l model.Listing
	var raw []byte
	if err := row.Scan(&l.ID, &raw, &l.FirstSeen, &l.LastUpdated); err != nil {
		return nil, err
	}
	l.RawData = raw

	return &l, nil
}
