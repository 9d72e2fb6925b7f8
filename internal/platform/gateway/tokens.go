package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/tucanopay/wallet-core-go/internal/platform/clock"
)

type tokenEntry struct {
	value     string
	fetchedAt time.Time
}

// tokenCache holds bearer tokens keyed by scope ("app", or the payer
// document for user tokens). Entries expire ttl after fetch regardless of
// what the gateway advertises; expiry at the gateway earlier than that is
// handled by the single-retry-on-auth-failure path.
type tokenCache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]tokenEntry
}

func newTokenCache(ttl time.Duration, clk clock.Clock) *tokenCache {
	return &tokenCache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]tokenEntry),
	}
}

// GetOrRefresh returns the cached token for key or fetches a fresh one. The
// cache lock is held across refresh so only one caller refreshes a key.
func (c *tokenCache) GetOrRefresh(ctx context.Context, key string, refresh func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[key]; ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.value, nil
	}
	value, err := refresh(ctx)
	if err != nil {
		return "", err
	}
	c.entries[key] = tokenEntry{value: value, fetchedAt: now}
	return value, nil
}

func (c *tokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
