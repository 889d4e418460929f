package ratelimit

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ClientLimiters hands out one token bucket per key (user id). Buckets are
// kept in an LRU so reconnecting does not refill a user's budget, while the
// number of tracked users stays bounded.
type ClientLimiters struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func NewClientLimiters(perSecond float64, burst, size int) (*ClientLimiters, error) {
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &ClientLimiters{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: cache,
	}, nil
}

func (cl *ClientLimiters) Get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(cl.limit, cl.burst)
	cl.limiters.Add(key, limiter)
	return limiter
}

func (cl *ClientLimiters) Allow(key string) bool {
	return cl.Get(key).Allow()
}

// Wait blocks until key has a token. It fails at once when the token would
// not arrive before ctx's deadline.
func (cl *ClientLimiters) Wait(ctx context.Context, key string) error {
	return cl.Get(key).Wait(ctx)
}

func (cl *ClientLimiters) Remove(key string) {
	cl.limiters.Remove(key)
}

func (cl *ClientLimiters) Len() int {
	return cl.limiters.Len()
}
