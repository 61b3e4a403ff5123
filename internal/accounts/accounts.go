// Package accounts defines the account store contract and a read cache on
// top of it.
package accounts

import (
	"context"
	"sync"
	"time"

	"zirak-chat/internal/models"
)

// Store reads and writes account records. GetAccount returns
// common.ErrNotFound when no row matches.
type Store interface {
	GetAccount(ctx context.Context, username string) (*models.Account, error)
	SetUsedTokens(ctx context.Context, username string, total int64) error
}

type cacheEntry struct {
	account models.Account
	expires time.Time
}

// Cache is a Store that remembers successful reads for a fixed TTL and drops
// a username's entry after every successful write to it.
type Cache struct {
	next Store
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps next. A non-positive ttl disables caching.
func NewCache(next Store, ttl time.Duration) *Cache {
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	c.mu.Lock()
	e, ok := c.entries[username]
	c.mu.Unlock()
	if ok && c.now().Before(e.expires) {
		a := e.account
		return &a, nil
	}

	a, err := c.next.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[username] = cacheEntry{account: *a, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return a, nil
}

func (c *Cache) SetUsedTokens(ctx context.Context, username string, total int64) error {
	if err := c.next.SetUsedTokens(ctx, username, total); err != nil {
		return err
	}
	c.Invalidate(username)
	return nil
}

// Invalidate forgets the cached record for username.
func (c *Cache) Invalidate(username string) {
	c.mu.Lock()
	delete(c.entries, username)
	c.mu.Unlock()
}
