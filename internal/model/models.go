// Package model defines the shared data structures of the scan-dedup-notify
// pipeline. The bot layer owns users and creates search definitions; the
// pipeline only reads them, except for the FirstRunCompleted flip.
package model

import (
	"encoding/json"
	"time"
)

// SearchDefinition mirrors the search_settings table row relevant to scanning.
type SearchDefinition struct {
	ID                string
	UserID            int64 // Telegram chat id
	Query             string
	PriceMin          *int
	PriceMax          *int
	CategoryID        string
	LocationID        string
	LocationName      string
	RadiusKM          int
	Active            bool
	FirstRunCompleted bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Listing is one externally-sourced item, identified by the source-assigned id.
// RawData is the opaque upstream payload; the pipeline never inspects it, only
// the renderer does.
type Listing struct {
	ID          string
	RawData     json.RawMessage
	FirstSeen   time.Time
	LastUpdated time.Time
}

// NotificationEntry records "this user should be told about this listing
// because of this search". At most one entry exists per
// (listing, user, search) triple; the notifications table enforces it with a
// unique constraint.
type NotificationEntry struct {
	ID        string
	ListingID string
	UserID    int64
	SearchID  string
	Sent      bool
	CreatedAt time.Time
	SentAt    *time.Time
}
