package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type holder struct {
	value     string
	expiresAt time.Time
	released  chan struct{}
}

// MemoryService keeps the lock table in process. Only valid for single-instance deployments.
type MemoryService struct {
	mu      sync.Mutex
	held    map[string]*holder
	maxHold time.Duration
	now     func() time.Time
}

func NewMemoryService(maxHold time.Duration) *MemoryService {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	return &MemoryService{
		held:    make(map[string]*holder),
		maxHold: maxHold,
		now:     time.Now,
	}
}

func (s *MemoryService) Acquire(ctx context.Context, key string, timeout time.Duration) (Token, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		now := s.now()
		h, ok := s.held[key]
		if ok && !now.Before(h.expiresAt) {
			// holder overstayed its max hold; reclaim
			close(h.released)
			delete(s.held, key)
			ok = false
		}
		if !ok {
			tok := Token{Key: key, Value: uuid.NewString()}
			s.held[key] = &holder{
				value:     tok.Value,
				expiresAt: now.Add(s.maxHold),
				released:  make(chan struct{}),
			}
			s.mu.Unlock()
			return tok, nil
		}
		released := h.released
		untilExpiry := h.expiresAt.Sub(now)
		s.mu.Unlock()

		expiry := time.NewTimer(untilExpiry)
		select {
		case <-released:
		case <-expiry.C:
		case <-deadline.C:
			expiry.Stop()
			return Token{}, ErrNotAcquired
		case <-ctx.Done():
			expiry.Stop()
			return Token{}, ctx.Err()
		}
		expiry.Stop()
	}
}

func (s *MemoryService) Release(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.held[token.Key]
	if !ok || h.value != token.Value {
		return ErrNotHeld
	}
	close(h.released)
	delete(s.held, token.Key)
	return nil
}
