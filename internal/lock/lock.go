package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when a key stays held for longer than the caller's timeout.
	ErrNotAcquired = errors.New("lock acquisition failed")
	ErrNotHeld     = errors.New("lock not held")
)

// DefaultMaxHold bounds how long a crashed holder can keep a key.
const DefaultMaxHold = 30 * time.Second

// Key identifies one stock-keeping location.
func Key(itemCode, warehouseCode string) string {
	return "inventory-lock:" + itemCode + ":" + warehouseCode
}

type Token struct {
	Key   string
	Value string
}

// Service is per-key mutual exclusion with bounded waits and bounded hold time.
type Service interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Token, error)
	Release(ctx context.Context, token Token) error
}
