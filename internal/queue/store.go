package queue

import (
	"context"
	"time"
)

// Store holds both posting queues; items are partitioned by Kind. Transitions are
// conditional on the expected current status and report ErrStatusChanged otherwise.
type Store interface {
	Enqueue(ctx context.Context, it *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	FindByReservation(ctx context.Context, reservationID string) (*Item, error)
	ListByStatus(ctx context.Context, kind Kind, status Status, limit int) ([]*Item, error)

	// Claim moves the next due Pending item of kind to Processing. Exactly one
	// caller wins an item; ErrEmpty when nothing is due.
	Claim(ctx context.Context, kind Kind, now time.Time) (*Item, error)
	// ReleaseStale returns Processing items of kind claimed before startedBefore
	// to Pending, keeping their retry count. It reports how many moved.
	ReleaseStale(ctx context.Context, kind Kind, startedBefore time.Time) (int64, error)
	Complete(ctx context.Context, id string, c Completion) error
	Retry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error
	Escalate(ctx context.Context, id string, to Status, retryCount int, lastErr string, at time.Time) error
	Requeue(ctx context.Context, id string, from Status) error
	Cancel(ctx context.Context, id string, from Status, reason string, at time.Time) error
}
