package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/loadguard/region"
)

var (
	ErrNilClient   = errors.New("redis region: nil client")
	ErrEmptyPrefix = errors.New("redis region: empty prefix")
)

const defaultScanCount = 512

// Region stores entries as plain redis strings under Prefix. Clear walks the
// prefix with SCAN and unlinks in batches; on a cluster client every master
// is scanned.
type Region struct {
	rdb         goredis.UniversalClient
	prefix      string
	scanCount   int64
	closeClient bool
}

var _ region.Region = (*Region)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix namespaces the region's keys, e.g. "lg:user:". Required, since
	// Clear deletes everything matching it.
	Prefix      string
	ScanCount   int64 // SCAN COUNT hint for Clear; 0 => 512
	CloseClient bool  // set true only if this region exclusively owns the client
}

func New(cfg Config) (*Region, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Prefix == "" {
		return nil, ErrEmptyPrefix
	}
	sc := cfg.ScanCount
	if sc <= 0 {
		sc = defaultScanCount
	}
	return &Region{rdb: cfg.Client, prefix: cfg.Prefix, scanCount: sc, closeClient: cfg.CloseClient}, nil
}

func (r *Region) key(k string) string { return r.prefix + k }

func (r *Region) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (r *Region) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	if err := r.rdb.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Region) Remove(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.key(key)).Err()
}

func (r *Region) Clear(ctx context.Context) error {
	if cc, ok := r.rdb.(*goredis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, c *goredis.Client) error {
			return r.clear(ctx, c)
		})
	}
	return r.clear(ctx, r.rdb)
}

func (r *Region) clear(ctx context.Context, c goredis.Cmdable) error {
	iter := c.Scan(ctx, 0, r.prefix+"*", r.scanCount).Iterator()
	batch := make([]string, 0, r.scanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// one UNLINK per key: a batch may span hash slots
		pipe := c.Pipeline()
		for _, k := range batch {
			pipe.Unlink(ctx, k)
		}
		_, err := pipe.Exec(ctx)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= r.scanCount {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return flush()
}

// Close releases the underlying redis client only when this region owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (r *Region) Close(context.Context) error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
