package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisService shares the lock table between instances. The redis key TTL is the
// maximum hold duration, so a crashed holder frees its keys on its own.
type RedisService struct {
	locker  *redislock.Client
	maxHold time.Duration
	retry   time.Duration

	mu   sync.Mutex
	held map[string]*redislock.Lock
}

func NewRedisService(rdb redis.UniversalClient, maxHold time.Duration) *RedisService {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	return &RedisService{
		locker:  redislock.New(rdb),
		maxHold: maxHold,
		retry:   25 * time.Millisecond,
		held:    make(map[string]*redislock.Lock),
	}
}

func (s *RedisService) Acquire(ctx context.Context, key string, timeout time.Duration) (Token, error) {
	obtainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l, err := s.locker.Obtain(obtainCtx, key, s.maxHold, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(s.retry),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return Token{}, ctx.Err()
			}
			return Token{}, ErrNotAcquired
		}
		return Token{}, fmt.Errorf("obtain %s: %w", key, err)
	}

	tok := Token{Key: key, Value: l.Token()}
	s.mu.Lock()
	s.held[tok.Value] = l
	s.mu.Unlock()
	return tok, nil
}

func (s *RedisService) Release(ctx context.Context, token Token) error {
	s.mu.Lock()
	l, ok := s.held[token.Value]
	delete(s.held, token.Value)
	s.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	if err := l.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return ErrNotHeld
		}
		return fmt.Errorf("release %s: %w", token.Key, err)
	}
	return nil
}
