package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Reservation
	byRef map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Reservation),
		byRef: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRef[r.ExternalRef]; ok {
		return newError(CodeDuplicateReference, "reservation for %s already exists", r.ExternalRef)
	}
	s.byID[r.ID] = r.Clone()
	s.byRef[r.ExternalRef] = r.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, newError(CodeNotFound, "reservation %s not found", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetByExternalRef(ctx context.Context, externalRef string) (*Reservation, error) {
	s.mu.Lock()
	id, ok := s.byRef[externalRef]
	s.mu.Unlock()
	if !ok {
		return nil, newError(CodeNotFound, "no reservation for %s", externalRef)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) ClaimedByBatch(_ context.Context, itemCode, warehouseCode string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, r := range s.byID {
		if r.Status != StatusPending {
			continue
		}
		for _, l := range r.Lines {
			for _, c := range l.Claims {
				if c.ItemCode == itemCode && c.WarehouseCode == warehouseCode {
					out[c.BatchNumber] = out[c.BatchNumber].Add(c.Quantity)
				}
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, ch Change) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return newError(CodeNotFound, "reservation %s not found", id)
	}
	if r.Status != from {
		return ErrStatusChanged
	}
	r.Status = to
	at := ch.At
	switch to {
	case StatusConfirmed:
		r.ConfirmedAt = &at
		r.ERPDocEntry = copyInt(ch.DocEntry)
		r.ERPDocNum = copyInt(ch.DocNum)
	case StatusCancelled:
		r.CancelledAt = &at
		r.CancellationReason = ch.Reason
	case StatusFailed:
		r.FailureReason = ch.Reason
	}
	return nil
}

func (s *MemoryStore) Extend(_ context.Context, id string, d time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return newError(CodeNotFound, "reservation %s not found", id)
	}
	if r.Status != StatusPending || r.ExpiredAt(now) {
		return ErrStatusChanged
	}
	r.ExpiresAt = r.ExpiresAt.Add(d)
	r.RenewalCount++
	r.LastRenewedAt = &now
	return nil
}

func (s *MemoryStore) MarkConfirmRequested(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return newError(CodeNotFound, "reservation %s not found", id)
	}
	if r.Status != StatusPending || r.ConfirmRequestedAt != nil || r.ExpiredAt(now) {
		return ErrStatusChanged
	}
	r.ConfirmRequestedAt = &now
	return nil
}

func (s *MemoryStore) ClearConfirmRequested(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return newError(CodeNotFound, "reservation %s not found", id)
	}
	r.ConfirmRequestedAt = nil
	return nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Reservation
	for _, r := range s.byID {
		if r.Status == StatusPending && r.ExpiredAt(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}
