// Package errors provides the standardized error taxonomy for the scan and
// dispatch pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Fetch path
	ErrCodeFetchFailed       ErrorCode = "FETCH_FAILED"
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	// Persistence path
	ErrCodeListingUpsertFailed ErrorCode = "LISTING_UPSERT_FAILED"
	ErrCodeLedgerWriteFailed   ErrorCode = "LEDGER_WRITE_FAILED"
	ErrCodeDuplicateEntry      ErrorCode = "DUPLICATE_ENTRY"

	// Delivery path
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// RateLimitedError signals that the delivery channel asked us to back off.
// It is a distinct type rather than a plain error so callers can branch on
// policy instead of parsing error messages.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err into a RateLimitedError if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if stderrors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// NewFetchFailedError creates a retryable upstream fetch error. The scan cycle
// treats it as "no candidates this cycle" and retries the search next cycle.
func NewFetchFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeFetchFailed,
		Message:   "Source fetch failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewMalformedResponseError creates a retryable error for an upstream payload
// that did not match the expected envelope.
func NewMalformedResponseError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMalformedResponse,
		Message:   "Source returned a malformed response",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewListingUpsertFailedError creates a retryable listing store error.
func NewListingUpsertFailedError(externalID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeListingUpsertFailed,
		Message:   "Listing upsert failed",
		Details:   fmt.Sprintf("externalId: %s, error: %s", externalID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerWriteFailedError creates a retryable notification ledger error.
func NewLedgerWriteFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerWriteFailed,
		Message:   "Notification ledger write failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDuplicateEntryError marks the accepted check-then-insert race: two cycles
// raced on the same (listing, user, search) triple and the unique constraint
// rejected the second insert. Callers skip the candidate.
func NewDuplicateEntryError(listingID string, userID int64, searchID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDuplicateEntry,
		Message:   "Notification entry already exists",
		Details:   fmt.Sprintf("listingId: %s, userId: %d, searchId: %s", listingID, userID, searchID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDeliveryFailedError creates a retryable channel delivery error. The entry
// stays pending and is retried on the next dispatch cycle.
func NewDeliveryFailedError(userID int64, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDeliveryFailed,
		Message:   "Notification delivery failed",
		Details:   fmt.Sprintf("userId: %d, error: %s", userID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// IsCode reports whether err is a StandardError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Code == code
	}
	return false
}
