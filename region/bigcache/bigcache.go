package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/loadguard/region"
)

// Region keeps entries in bigcache. BigCache has no per-entry TTL; entries
// live for LifeWindow and the ttl passed to Put is ignored.
type Region struct {
	c *bc.BigCache
}

var _ region.Region = (*Region)(nil)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	Shards             int
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(ctx context.Context, cfg Config) (*Region, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Region{c: c}, nil
}

func (r *Region) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := r.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Region) Put(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if err := r.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Region) Remove(_ context.Context, key string) error {
	if err := r.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (r *Region) Clear(_ context.Context) error {
	return r.c.Reset()
}

func (r *Region) Close(_ context.Context) error {
	return r.c.Close()
}
