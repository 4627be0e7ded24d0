package vaccines

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "vaccines:version"
	cachePrefix     = "vaccines:policy:"
)

// CachedDirectory reads through Redis in front of another Directory.
// Concurrent misses for the same vaccine share one upstream lookup.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCachedDirectory wraps next. A nil client disables caching.
func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedDirectory{next: next, client: client, ttl: ttl}
}

// Get returns one vaccine, consulting Redis first.
func (c *CachedDirectory) Get(ctx context.Context, id int64) (Vaccine, error) {
	if c.client == nil {
		return c.next.Get(ctx, id)
	}
	key, err := c.key(ctx, id)
	if err != nil {
		return c.next.Get(ctx, id)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var v Vaccine
		if jsonErr := json.Unmarshal(payload, &v); jsonErr == nil {
			return v, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return c.next.Get(ctx, id)
	}

	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		v, err := c.next.Get(ctx, id)
		if err != nil {
			return Vaccine{}, err
		}
		if raw, err := json.Marshal(v); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return Vaccine{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Vaccine{}, res.Err
		}
		return res.Val.(Vaccine), nil
	}
}

// List is never cached; the catalogue screen is rarely hit.
func (c *CachedDirectory) List(ctx context.Context) ([]Vaccine, error) {
	return c.next.List(ctx)
}

// Invalidate drops every cached entry by bumping the key version.
func (c *CachedDirectory) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *CachedDirectory) key(ctx context.Context, id int64) (string, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		ver = 0
	} else if err != nil {
		return "", err
	}
	return cachePrefix + strconv.FormatInt(ver, 10) + ":" + strconv.FormatInt(id, 10), nil
}
