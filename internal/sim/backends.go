package sim

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/loadguard"
	"github.com/unkn0wn-root/loadguard/bus"
	localbus "github.com/unkn0wn-root/loadguard/bus/local"
	redisbus "github.com/unkn0wn-root/loadguard/bus/redis"
	"github.com/unkn0wn-root/loadguard/internal/util"
	"github.com/unkn0wn-root/loadguard/region"
	"github.com/unkn0wn-root/loadguard/region/bigcache"
	"github.com/unkn0wn-root/loadguard/region/redis"
	"github.com/unkn0wn-root/loadguard/region/ristretto"
	"github.com/unkn0wn-root/loadguard/region/ttlcache"
)

const keyPrefix = "loadguard-sim"

// backends owns what the simulated nodes share: the redis client, the bus
// and, in replicated mode, the region.
type backends struct {
	cfg    Config
	client goredis.UniversalClient
	bus    bus.Bus
	shared region.Region
}

func newBackends(ctx context.Context, cfg Config) (*backends, error) {
	b := &backends{cfg: cfg}
	if cfg.Region == "redis" || cfg.Bus == "redis" {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("sim: redis address is required for region/bus %q/%q", cfg.Region, cfg.Bus)
		}
		b.client = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := b.client.Ping(ctx).Err(); err != nil {
			_ = b.client.Close()
			return nil, fmt.Errorf("sim: redis ping: %w", err)
		}
	}

	if cfg.Mode != loadguard.ModeLocal {
		switch cfg.Bus {
		case "", "local":
			b.bus = localbus.New()
		case "redis":
			rb, err := redisbus.New(redisbus.Config{
				Client:        b.client,
				ChannelPrefix: util.Prefixed(keyPrefix, "inv") + ":",
			})
			if err != nil {
				b.close(ctx)
				return nil, err
			}
			b.bus = rb
		default:
			b.close(ctx)
			return nil, fmt.Errorf("sim: unknown bus %q", cfg.Bus)
		}
	}

	if cfg.Mode == loadguard.ModeReplicated {
		r, err := b.newRegion(ctx, util.Prefixed(keyPrefix, cfg.Namespace))
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		b.shared = r
	}
	return b, nil
}

// regionFor returns node i's region. Delegates close their region, so the
// shared one is handed out behind a wrapper whose Close does nothing.
func (b *backends) regionFor(ctx context.Context, i int) (region.Region, error) {
	if b.shared != nil {
		return sharedRegion{b.shared}, nil
	}
	return b.newRegion(ctx, util.Prefixed(util.Prefixed(keyPrefix, b.cfg.Namespace), strconv.Itoa(i)))
}

func (b *backends) newRegion(ctx context.Context, prefix string) (region.Region, error) {
	switch b.cfg.Region {
	case "", "ttlcache":
		return ttlcache.New(ttlcache.Config{}), nil
	case "ristretto":
		return ristretto.New(ristretto.Config{NumCounters: 1e5, MaxCost: 64 << 20, BufferItems: 64})
	case "bigcache":
		return bigcache.New(ctx, bigcache.Config{LifeWindow: b.cfg.Duration * 2})
	case "redis":
		return redis.New(redis.Config{Client: b.client, Prefix: prefix + ":"})
	default:
		return nil, fmt.Errorf("sim: unknown region %q", b.cfg.Region)
	}
}

func (b *backends) close(ctx context.Context) {
	if b.shared != nil {
		if b.cfg.Region == "redis" {
			_ = b.shared.Clear(ctx)
		}
		_ = b.shared.Close(ctx)
	}
	if b.bus != nil {
		_ = b.bus.Close(ctx)
	}
	if b.client != nil {
		_ = b.client.Close()
	}
}

type sharedRegion struct{ region.Region }

func (sharedRegion) Close(context.Context) error { return nil }
