package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (s *MemoryStore) Enqueue(_ context.Context, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.Kind == it.Kind && existing.ExternalRef == it.ExternalRef {
			return ErrDuplicateReference
		}
	}
	s.items[it.ID] = it.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

// FindByReservation returns the most recent item linked to the reservation.
func (s *MemoryStore) FindByReservation(_ context.Context, reservationID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Item
	for _, it := range s.items {
		if it.ReservationID != reservationID {
			continue
		}
		if found == nil || it.CreatedAt.After(found.CreatedAt) {
			found = it
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.clone(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, kind Kind, status Status, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Item
	for _, it := range s.items {
		if it.Kind == kind && it.Status == status {
			out = append(out, it.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, kind Kind, now time.Time) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Item
	for _, it := range s.items {
		if it.Kind != kind || !it.Claimable(now) {
			continue
		}
		if next == nil || claimsBefore(it, next) {
			next = it
		}
	}
	if next == nil {
		return nil, ErrEmpty
	}
	next.Status = StatusProcessing
	next.ProcessingStartedAt = &now
	return next.clone(), nil
}

func (s *MemoryStore) ReleaseStale(_ context.Context, kind Kind, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.items {
		if it.Kind != kind || it.Status != StatusProcessing {
			continue
		}
		if it.ProcessingStartedAt == nil || !it.ProcessingStartedAt.Before(startedBefore) {
			continue
		}
		it.Status = StatusPending
		it.NextRetryAt = nil
		it.LastError = staleLeaseError
		n++
	}
	return n, nil
}

// claimsBefore orders by priority descending, then creation time, then id.
func claimsBefore(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) transition(id string, from, to Status, apply func(*Item)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(it.Kind, from, to) {
		return ErrIllegalTransition
	}
	if it.Status != from {
		return ErrStatusChanged
	}
	it.Status = to
	apply(it)
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, c Completion) error {
	return s.transition(id, StatusProcessing, c.Status, func(it *Item) {
		entry, num, at := c.DocEntry, c.DocNum, c.ProcessedAt
		it.ERPDocEntry = &entry
		it.ERPDocNum = &num
		it.ProcessedAt = &at
		it.FiscalDeviceNo = c.FiscalDeviceNo
		it.FiscalReceiptNo = c.FiscalReceiptNo
		it.FiscalError = c.FiscalError
		it.NextRetryAt = nil
	})
}

func (s *MemoryStore) Retry(_ context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	return s.transition(id, StatusProcessing, StatusPending, func(it *Item) {
		it.RetryCount = retryCount
		it.NextRetryAt = &nextRetryAt
		it.LastError = lastErr
	})
}

func (s *MemoryStore) Escalate(_ context.Context, id string, to Status, retryCount int, lastErr string, at time.Time) error {
	return s.transition(id, StatusProcessing, to, func(it *Item) {
		it.RetryCount = retryCount
		it.LastError = lastErr
		it.ProcessedAt = &at
		it.NextRetryAt = nil
	})
}

func (s *MemoryStore) Requeue(_ context.Context, id string, from Status) error {
	return s.transition(id, from, StatusPending, func(it *Item) {
		it.RetryCount = 0
		it.NextRetryAt = nil
		it.ProcessedAt = nil
	})
}

func (s *MemoryStore) Cancel(_ context.Context, id string, from Status, reason string, at time.Time) error {
	return s.transition(id, from, StatusCancelled, func(it *Item) {
		it.LastError = reason
		it.ProcessedAt = &at
		it.NextRetryAt = nil
	})
}
