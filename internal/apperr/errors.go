// Package apperr holds the sentinel errors shared by the saga, the guard and the
// webhook path. Callers wrap them with fmt.Errorf("...: %w", ...) and test with errors.Is.
package apperr

import "errors"

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrUpstreamQuote         = errors.New("upstream quote failed")
	ErrUpstreamSwap          = errors.New("upstream swap failed")
	ErrUpstreamAuthorization = errors.New("upstream authorization failed")
	ErrUpstreamTransfer      = errors.New("upstream transfer failed")
	ErrSignatureInvalid      = errors.New("webhook signature invalid")
	ErrCorrelationNotFound   = errors.New("no transaction matches event")
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is still processing")

	// ErrStaleTransition means the transaction was not in any of the expected
	// statuses; another writer got there first.
	ErrStaleTransition = errors.New("transaction status changed concurrently")
	// ErrDuplicateEvent means the processed-event marker already exists.
	ErrDuplicateEvent = errors.New("event already applied")
	// ErrLedgerInvariant is returned when a write would break 0 <= locked <= ngn.
	ErrLedgerInvariant = errors.New("ledger invariant violated")
)
