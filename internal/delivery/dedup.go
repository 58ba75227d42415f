package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long a processed event is remembered. It matches
// the link lifetime: after that every token is expired anyway.
const DefaultDedupTTL = 24 * time.Hour

// Deduper remembers which status events were already claimed.
type Deduper interface {
	// Claim reports true for the first caller of key within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a retry can claim it again.
	Release(ctx context.Context, key string) error
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	sweep int
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.sweep++
	if d.sweep%1024 == 0 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}

// RedisDeduper shares claims across replicas with SET NX EX.
type RedisDeduper struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

func NewRedisDeduper(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisDeduper {
	if keyPrefix == "" {
		keyPrefix = "yardlink:status:"
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.keyPrefix+key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.keyPrefix+key).Err()
}
