package reservation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Change carries the columns a transition records alongside the new status.
type Change struct {
	At       time.Time
	Reason   string
	DocEntry *int64
	DocNum   *int64
}

// Store persists reservations. Every mutation is conditional on the current row
// still matching what the caller expects; a lost race yields ErrStatusChanged.
type Store interface {
	// Create inserts a reservation with its lines and claims atomically.
	// A second reservation for the same external reference fails with ErrDuplicateReference.
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*Reservation, error)

	// ClaimedByBatch sums claims of Pending reservations per batch number.
	ClaimedByBatch(ctx context.Context, itemCode, warehouseCode string) (map[string]decimal.Decimal, error)

	Transition(ctx context.Context, id string, from, to Status, ch Change) error
	// Extend pushes ExpiresAt out by d while the reservation is Pending and not past now.
	Extend(ctx context.Context, id string, d time.Duration, now time.Time) error
	// MarkConfirmRequested stamps ConfirmRequestedAt once, while Pending and not past now.
	MarkConfirmRequested(ctx context.Context, id string, now time.Time) error
	ClearConfirmRequested(ctx context.Context, id string) error

	// ListExpired returns ids of Pending reservations with ExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}
