package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
)

const DefaultPreviewTTL = 2 * time.Minute

// Preview binds an allocation computed by a validate call so a follow-up create can
// reuse it. It is a hint only: the plan is re-verified under the real lock.
type Preview struct {
	Token     string                      `json:"token"`
	Plan      []allocation.LineAllocation `json:"-"`
	ExpiresAt time.Time                   `json:"expiresAt"`
}

type PreviewStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]Preview
}

func NewPreviewStore(ttl time.Duration) *PreviewStore {
	if ttl <= 0 {
		ttl = DefaultPreviewTTL
	}
	return &PreviewStore{ttl: ttl, now: time.Now, items: make(map[string]Preview)}
}

// WithClock is for tests.
func (p *PreviewStore) WithClock(now func() time.Time) *PreviewStore {
	p.now = now
	return p
}

func (p *PreviewStore) Issue(plan []allocation.LineAllocation) Preview {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for tok, pv := range p.items {
		if !now.Before(pv.ExpiresAt) {
			delete(p.items, tok)
		}
	}

	pv := Preview{
		Token:     uuid.NewString(),
		Plan:      append([]allocation.LineAllocation(nil), plan...),
		ExpiresAt: now.Add(p.ttl),
	}
	p.items[pv.Token] = pv
	return pv
}

// Take consumes a preview. It reports false for unknown or expired tokens.
func (p *PreviewStore) Take(token string) (Preview, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pv, ok := p.items[token]
	if !ok {
		return Preview{}, false
	}
	delete(p.items, token)
	if !p.now().Before(pv.ExpiresAt) {
		return Preview{}, false
	}
	return pv, true
}
