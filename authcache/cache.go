package authcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/store"
)

// ErrInvalidToken covers unknown, expired, or inactive tokens.
var ErrInvalidToken = errors.New("authcache: invalid token")

const invalidateChannel = "auth:invalidate"

type entry struct {
	ctx       store.AuthContext
	expiresAt time.Time
	elem      *list.Element
}

// Cache is the bounded TTL cache described in §4.4: default capacity 10,000,
// TTL 60 seconds.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*entry
	order    *list.List // front = most recently used

	store *store.Store
	redis *redis.Client
	log   zerolog.Logger
}

// New constructs a Cache. store may be nil (every lookup of a hash not
// already cached, e.g. via Warm, returns ErrInvalidToken); rdb may be nil (invalidation stays local-process-only).
func New(st *store.Store, rdb *redis.Client, log zerolog.Logger, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c := &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*entry),
		order:    list.New(),
		store:    st,
		redis:    rdb,
		log:      log,
	}
	if rdb != nil {
		go c.subscribeInvalidations()
	}
	return c
}

// GetOrResolve returns the cached auth context for tokenHash, resolving via
// the store on a miss or expiry.
func (c *Cache) GetOrResolve(ctx context.Context, tokenHash string) (store.AuthContext, error) {
	if ac, ok := c.lookup(tokenHash); ok {
		return ac, nil
	}

	if c.store == nil {
		return store.AuthContext{}, ErrInvalidToken
	}

	ac, err := c.store.ResolveTokenByHash(ctx, tokenHash)
	if err != nil {
		return store.AuthContext{}, fmt.Errorf("authcache: resolve: %w", err)
	}
	if ac == nil {
		return store.AuthContext{}, ErrInvalidToken
	}

	c.put(tokenHash, *ac)
	return *ac, nil
}

func (c *Cache) lookup(tokenHash string) (store.AuthContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tokenHash]
	if !ok {
		return store.AuthContext{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(tokenHash, e)
		return store.AuthContext{}, false
	}
	c.order.MoveToFront(e.elem)
	return e.ctx, true
}

func (c *Cache) put(tokenHash string, ac store.AuthContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[tokenHash]; ok {
		c.removeLocked(tokenHash, old)
	}

	elem := c.order.PushFront(tokenHash)
	c.entries[tokenHash] = &entry{ctx: ac, expiresAt: time.Now().Add(c.ttl), elem: elem}

	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		key := back.Value.(string)
		c.removeLocked(key, c.entries[key])
	}
}

func (c *Cache) removeLocked(tokenHash string, e *entry) {
	if e.elem != nil {
		c.order.Remove(e.elem)
	}
	delete(c.entries, tokenHash)
}

// Warm seeds the cache with ac under tokenHash directly, bypassing the
// store. Token issuance paths use this to avoid a guaranteed cache miss
// on the token's very first request.
func (c *Cache) Warm(tokenHash string, ac store.AuthContext) {
	c.put(tokenHash, ac)
}

// Invalidate drops tokenHash locally and, when Redis is configured,
// publishes the invalidation so sibling processes drop it too.
func (c *Cache) Invalidate(ctx context.Context, tokenHash string) {
	c.mu.Lock()
	if e, ok := c.entries[tokenHash]; ok {
		c.removeLocked(tokenHash, e)
	}
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Publish(ctx, invalidateChannel, tokenHash).Err(); err != nil {
			c.log.Warn().Err(err).Msg("failed to publish auth cache invalidation")
		}
	}
}

func (c *Cache) subscribeInvalidations() {
	ctx := context.Background()
	sub := c.redis.Subscribe(ctx, invalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for msg := range ch {
		c.mu.Lock()
		if e, ok := c.entries[msg.Payload]; ok {
			c.removeLocked(msg.Payload, e)
		}
		c.mu.Unlock()
	}
}
