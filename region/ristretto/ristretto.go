package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/loadguard/region"
)

// Region keeps entries in a ristretto cache. Ristretto may refuse an entry
// under its admission policy; Put then reports ok=false.
type Region struct {
	c    *rc.Cache
	cost func(key string, value []byte) int64
}

var _ region.Region = (*Region)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	// Cost of an entry; nil => len(value).
	Cost func(key string, value []byte) int64
}

func New(cfg Config) (*Region, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	r := &Region{c: c, cost: cfg.Cost}
	if r.cost == nil {
		r.cost = func(_ string, v []byte) int64 { return int64(len(v)) }
	}
	return r, nil
}

func (r *Region) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		r.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (r *Region) Put(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok := r.c.SetWithTTL(key, value, r.cost(key, value), ttl)
	// Sets are buffered. A Remove issued after we return must not be
	// overtaken by this write landing late.
	r.c.Wait()
	return ok, nil
}

func (r *Region) Remove(_ context.Context, key string) error {
	r.c.Del(key)
	return nil
}

func (r *Region) Clear(_ context.Context) error {
	r.c.Clear()
	return nil
}

func (r *Region) Close(_ context.Context) error {
	r.c.Wait()
	r.c.Close()
	return nil
}

// Metrics exposes ristretto's counters (nil unless Config.Metrics).
func (r *Region) Metrics() *rc.Metrics { return r.c.Metrics }
