package ttlcache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/unkn0wn-root/loadguard/region"
)

// Region keeps entries in a jellydator/ttlcache. Reads do not extend an
// entry's lifetime.
type Region struct {
	c    *ttlcache.Cache[string, []byte]
	stop sync.Once
}

var _ region.Region = (*Region)(nil)

type Config struct {
	TTL      time.Duration // default entry lifetime; 0 = no expiry
	Capacity uint64        // 0 = unbounded
}

func New(cfg Config) *Region {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](cfg.Capacity))
	}
	c := ttlcache.New[string, []byte](opts...)
	go c.Start()
	return &Region{c: c}
}

func (r *Region) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := r.c.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (r *Region) Put(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	r.c.Set(key, value, ttl)
	return true, nil
}

func (r *Region) Remove(_ context.Context, key string) error {
	r.c.Delete(key)
	return nil
}

func (r *Region) Clear(_ context.Context) error {
	r.c.DeleteAll()
	return nil
}

func (r *Region) Close(_ context.Context) error {
	r.stop.Do(r.c.Stop)
	return nil
}

// Len reports the number of live entries.
func (r *Region) Len() int { return r.c.Len() }
