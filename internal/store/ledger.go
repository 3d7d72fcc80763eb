package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/metrics"
	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

// uniqueViolation is the postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// NotificationLedger records intent-to-notify per (listing, user, search)
// triple. The dedup gate is Exists; Create is an unconditional insert and the
// table's unique constraint backstops the check-then-insert race.
type NotificationLedger struct {
	db *sql.DB
}

func NewNotificationLedger(db *sql.DB) *NotificationLedger {
	return &NotificationLedger{db: db}
}

// Exists reports whether an entry for the triple has ever been recorded.
func (l *NotificationLedger) Exists(ctx context.Context, listingID string, userID int64, searchID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notifications
			WHERE listing_id = $1 AND user_id = $2 AND search_id = $3
		)`, listingID, userID, searchID).Scan(&exists)
	if err != nil {
		return false, errors.NewLedgerWriteFailedError(err)
	}
	return exists, nil
}

// Create inserts a new entry. Callers are expected to have checked Exists
// first; if two cycles raced past the check, the unique constraint rejects the
// second insert and Create returns a DUPLICATE_ENTRY error the caller skips.
// When sent is true the entry is born delivered (first-run suppression) and
// sent_at is set at creation.
func (l *NotificationLedger) Create(ctx context.Context, listingID string, userID int64, searchID string, sent bool) (*model.NotificationEntry, error) {
	entry := model.NotificationEntry{
		ID:        uuid.New().String(),
		ListingID: listingID,
		UserID:    userID,
		SearchID:  searchID,
		Sent:      sent,
		CreatedAt: time.Now().UTC(),
	}
	if sent {
		t := entry.CreatedAt
		entry.SentAt = &t
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO notifications (id, listing_id, user_id, search_id, is_sent, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ListingID, entry.UserID, entry.SearchID, entry.Sent, entry.CreatedAt, entry.SentAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return nil, errors.NewDuplicateEntryError(listingID, userID, searchID)
		}
		return nil, errors.NewLedgerWriteFailedError(err)
	}

	metrics.NotificationsCreated.WithLabelValues(boolLabel(sent)).Inc()
	return &entry, nil
}

// PendingForUser returns the user's unsent entries in order of creation.
func (l *NotificationLedger) PendingForUser(ctx context.Context, userID int64) ([]model.NotificationEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, listing_id, user_id, search_id, is_sent, created_at, sent_at
		FROM notifications
		WHERE user_id = $1 AND is_sent = false
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, errors.NewLedgerWriteFailedError(err)
	}
	defer rows.Close()

	var entries []model.NotificationEntry
	for rows.Next() {
		var e model.NotificationEntry
		if err := rows.Scan(&e.ID, &e.ListingID, &e.UserID, &e.SearchID, &e.Sent, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, errors.NewLedgerWriteFailedError(err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PendingUserIDs returns the distinct users that have at least one unsent
// entry. This drives the dispatch loop.
func (l *NotificationLedger) PendingUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT user_id
		FROM notifications
		WHERE is_sent = false
		ORDER BY user_id`)
	if err != nil {
		return nil, errors.NewLedgerWriteFailedError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewLedgerWriteFailedError(err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// MarkSent flips an entry to sent and stamps sent_at. Idempotent: marking an
// already-sent entry changes nothing. This is the only write path for the
// sent flag.
func (l *NotificationLedger) MarkSent(ctx context.Context, entryID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_sent = true, sent_at = now()
		WHERE id = $1 AND is_sent = false`, entryID)
	if err != nil {
		return errors.NewLedgerWriteFailedError(err)
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
