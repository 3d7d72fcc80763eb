package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

// SearchStore reads the bot-owned search_settings table. The pipeline never
// creates or deletes searches; its only write is the first-run flip.
type SearchStore struct {
	db *sql.DB
}

func NewSearchStore(db *sql.DB) *SearchStore {
	return &SearchStore{db: db}
}

// ListActive fetches all is_active = true search definitions.
func (s *SearchStore) ListActive(ctx context.Context) ([]model.SearchDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, query, price_min, price_max, category_id,
		       location_id, location_name, radius_km,
		       is_active, first_run_completed, created_at, updated_at
		FROM search_settings
		WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("query search_settings: %w", err)
	}
	defer rows.Close()

	var searches []model.SearchDefinition
	for rows.Next() {
		var sd model.SearchDefinition
		if err := rows.Scan(
			&sd.ID, &sd.UserID, &sd.Query, &sd.PriceMin, &sd.PriceMax, &sd.CategoryID,
			&sd.LocationID, &sd.LocationName, &sd.RadiusKM,
			&sd.Active, &sd.FirstRunCompleted, &sd.CreatedAt, &sd.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan search_settings: %w", err)
		}
		searches = append(searches, sd)
	}

	return searches, rows.Err()
}

// MarkFirstRunCompleted persists the flip after a search's initial scan has
// processed its whole backlog. Idempotent; a crash before the flip just means
// the first-run pass repeats, which the ledger's dedup gate absorbs.
func (s *SearchStore) MarkFirstRunCompleted(ctx context.Context, searchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE search_settings
		SET first_run_completed = true, updated_at = now()
		WHERE id = $1 AND first_run_completed = false`, searchID)
	if err != nil {
		return fmt.Errorf("mark first run completed: %w", err)
	}
	return nil
}
