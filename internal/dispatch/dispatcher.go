// Package dispatch implements the notification dispatcher: it drains the
// ledger's pending entries per user, renders each listing and delivers it
// through the message channel. It runs on its own timer, independent of the
// scan cycle.
package dispatch

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/metrics"
	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

// Ledger is the read/ack side of the notification ledger.
type Ledger interface {
	PendingUserIDs(ctx context.Context) ([]int64, error)
	PendingForUser(ctx context.Context, userID int64) ([]model.NotificationEntry, error)
	MarkSent(ctx context.Context, entryID string) error
}

// ListingResolver resolves the listing an entry refers to.
type ListingResolver interface {
	GetByID(ctx context.Context, id string) (*model.Listing, error)
}

// Renderer turns a listing payload into deliverable message text.
type Renderer interface {
	Render(listing *model.Listing) (string, error)
}

// Channel delivers rendered content to a user. A send may fail with a typed
// *errors.RateLimitedError carrying the channel's retry-after hint, or with
// any other error for a hard delivery failure.
type Channel interface {
	Send(ctx context.Context, userID int64, message string) error
}

// BackoffStore persists per-user rate-limit deadlines across cycles.
type BackoffStore interface {
	SetBackoff(ctx context.Context, userID int64, d time.Duration) error
	Remaining(ctx context.Context, userID int64) (time.Duration, error)
}

// Dispatcher drains pending notifications. Users are processed independently;
// one user's failures or backoff never stall another user's queue.
type Dispatcher struct {
	ledger   Ledger
	listings ListingResolver
	renderer Renderer
	channel  Channel
	backoff  BackoffStore
	logger   logger.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(ledger Ledger, listings ListingResolver, renderer Renderer, channel Channel, backoff BackoffStore, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		listings: listings,
		renderer: renderer,
		channel:  channel,
		backoff:  backoff,
		logger:   log.WithFields(map[string]interface{}{"component": "dispatch"}),
		sleep:    sleepCtx,
	}
}

// RunCycle performs one dispatch pass over every user with pending entries.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	userIDs, err := d.ledger.PendingUserIDs(ctx)
	if err != nil {
		d.logger.Error("loading pending users failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.dispatchUser(ctx, userID)
	}

	return nil
}

// dispatchUser drains one user's queue in creation order. An entry is marked
// sent only after confirmed delivery; everything else leaves it pending for
// the next cycle.
func (d *Dispatcher) dispatchUser(ctx context.Context, userID int64) {
	log := d.logger.WithFields(map[string]interface{}{"userId": userID})

	remaining, err := d.backoff.Remaining(ctx, userID)
	if err != nil {
		log.Warn("backoff lookup failed", map[string]interface{}{"error": err.Error()})
	} else if remaining > 0 {
		log.Debug("user still rate limited, deferring", map[string]interface{}{"remaining": remaining.String()})
		return
	}

	entries, err := d.ledger.PendingForUser(ctx, userID)
	if err != nil {
		log.Error("loading pending entries failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		return
	}

	log.Info("dispatching pending notifications", map[string]interface{}{"pending": len(entries)})

	for i := 0; i < len(entries); i++ {
		if ctx.Err() != nil {
			return
		}

		entry := entries[i]
		err := d.deliver(ctx, userID, entry)
		if err == nil {
			if err := d.ledger.MarkSent(ctx, entry.ID); err != nil {
				log.Error("mark sent failed", map[string]interface{}{
					"entryId": entry.ID,
					"error":   err.Error(),
				})
			} else {
				metrics.NotificationsSent.Inc()
			}
			continue
		}

		if rl, ok := errors.AsRateLimited(err); ok {
			metrics.DispatchRateLimited.Inc()
			log.Warn("channel rate limited", map[string]interface{}{
				"entryId":    entry.ID,
				"retryAfter": rl.RetryAfter.String(),
			})
			if err := d.backoff.SetBackoff(ctx, userID, rl.RetryAfter); err != nil {
				log.Warn("backoff persist failed", map[string]interface{}{"error": err.Error()})
			}
			if err := d.sleep(ctx, rl.RetryAfter); err != nil {
				// Interrupted; this entry and the rest of the queue stay
				// pending for the next invocation.
				return
			}
			// Resume with the same entry once. A second consecutive limit
			// defers the whole queue to the next cycle.
			if err := d.deliver(ctx, userID, entry); err != nil {
				if _, ok := errors.AsRateLimited(err); ok {
					log.Warn("still rate limited, deferring queue", map[string]interface{}{"entryId": entry.ID})
					return
				}
				metrics.NotificationsFailed.WithLabelValues(errorCode(err)).Inc()
				log.Error("delivery failed after backoff", map[string]interface{}{
					"entryId": entry.ID,
					"error":   err.Error(),
				})
				continue
			}
			if err := d.ledger.MarkSent(ctx, entry.ID); err != nil {
				log.Error("mark sent failed", map[string]interface{}{
					"entryId": entry.ID,
					"error":   err.Error(),
				})
			} else {
				metrics.NotificationsSent.Inc()
			}
			continue
		}

		// Hard failure: leave pending, keep going so one bad entry never
		// blocks the rest of the queue.
		metrics.NotificationsFailed.WithLabelValues(errorCode(err)).Inc()
		log.Error("delivery failed", map[string]interface{}{
			"entryId": entry.ID,
			"error":   err.Error(),
		})
	}
}

// deliver resolves, renders and sends one entry.
func (d *Dispatcher) deliver(ctx context.Context, userID int64, entry model.NotificationEntry) error {
	listing, err := d.listings.GetByID(ctx, entry.ListingID)
	if err != nil {
		return errors.NewDeliveryFailedError(userID, err)
	}

	message, err := d.renderer.Render(listing)
	if err != nil {
		return errors.NewDeliveryFailedError(userID, err)
	}

	return d.channel.Send(ctx, userID, message)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorCode(err error) string {
	var se *errors.StandardError
	if stderrors.As(err, &se) {
		return string(se.Code)
	}
	return "UNKNOWN"
}
