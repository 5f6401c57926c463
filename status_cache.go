package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// UserStatus is the part of a user record privileged requests re-check on
// every call instead of trusting the access token.
type UserStatus struct {
	Admin  bool `json:"admin"`
	Banned bool `json:"banned"`
	Tier   Tier `json:"tier"`
}

type StatusCache interface {
	Get(ctx context.Context, userID int64) (UserStatus, bool)
	Set(ctx context.Context, userID int64, st UserStatus)
	Delete(ctx context.Context, userID int64)
}

type CacheStats struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Sets      int64         `json:"sets"`
	Deletes   int64         `json:"deletes"`
	Evictions int64         `json:"evictions"`
	Size      int           `json:"size"`
	TTL       time.Duration `json:"ttl"`
}

type cachedStatus struct {
	status   UserStatus
	cachedAt time.Time
}

// MemoryStatusCache is a process-local TTL cache.
type MemoryStatusCache struct {
	mu      sync.RWMutex
	entries map[int64]cachedStatus
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

func NewMemoryStatusCache(ttl time.Duration, maxSize int) *MemoryStatusCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStatusCache{entries: map[int64]cachedStatus{}, ttl: ttl, maxSize: maxSize, now: time.Now}
}

func (c *MemoryStatusCache) Get(_ context.Context, userID int64) (UserStatus, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		atomic.AddInt64(&c.misses, 1)
		return UserStatus{}, false
	}
	atomic.AddInt64(&c.hits, 1)
	return e.status, true
}

func (c *MemoryStatusCache) Set(_ context.Context, userID int64, st UserStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			atomic.AddInt64(&c.evictions, 1)
			break
		}
	}
	c.entries[userID] = cachedStatus{status: st, cachedAt: c.now()}
	atomic.AddInt64(&c.sets, 1)
}

func (c *MemoryStatusCache) Delete(_ context.Context, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[userID]; ok {
		delete(c.entries, userID)
		atomic.AddInt64(&c.deletes, 1)
	}
}

func (c *MemoryStatusCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Deletes:   atomic.LoadInt64(&c.deletes),
		Evictions: atomic.LoadInt64(&c.evictions),
		Size:      size,
		TTL:       c.ttl,
	}
}

// RedisStatusCache shares status entries between instances. Redis errors
// are treated as misses so a flaky cache only costs a database read.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusCache(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStatusCache{client: client, ttl: ttl}
}

func statusKey(userID int64) string {
	return "safebazaar:status:" + strconv.FormatInt(userID, 10)
}

func (c *RedisStatusCache) Get(ctx context.Context, userID int64) (UserStatus, bool) {
	raw, err := c.client.Get(ctx, statusKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[cache] redis get user %d: %v", userID, err)
		}
		return UserStatus{}, false
	}
	var st UserStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return UserStatus{}, false
	}
	return st, true
}

func (c *RedisStatusCache) Set(ctx context.Context, userID int64, st UserStatus) {
	raw, _ := json.Marshal(st)
	if err := c.client.Set(ctx, statusKey(userID), raw, c.ttl).Err(); err != nil {
		log.Printf("[cache] redis set user %d: %v", userID, err)
	}
}

func (c *RedisStatusCache) Delete(ctx context.Context, userID int64) {
	if err := c.client.Del(ctx, statusKey(userID)).Err(); err != nil {
		log.Printf("[cache] redis del user %d: %v", userID, err)
	}
}

// OpenRedis connects to url and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// StatusResolver answers "is this user currently an admin / banned" with a
// staleness bound equal to the cache TTL. Writers call Invalidate after
// changing role, ban or tier so their own change is visible immediately.
type StatusResolver struct {
	db    DB
	cache StatusCache
}

func NewStatusResolver(db DB, cache StatusCache) *StatusResolver {
	return &StatusResolver{db: db, cache: cache}
}

func (r *StatusResolver) Resolve(ctx context.Context, userID int64) (UserStatus, error) {
	if st, ok := r.cache.Get(ctx, userID); ok {
		return st, nil
	}
	u, err := getUser(ctx, r.db, userID)
	if err != nil {
		return UserStatus{}, err
	}
	st := UserStatus{Admin: u.IsAdmin(), Banned: u.Banned, Tier: u.Tier}
	r.cache.Set(ctx, userID, st)
	return st, nil
}

func (r *StatusResolver) Invalidate(ctx context.Context, userID int64) {
	r.cache.Delete(ctx, userID)
}
