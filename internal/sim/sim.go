// Package sim drives concurrent readers and writers through loadguard
// delegates backed by a SQLite store, then compares every cached entry with
// the store. A non-zero Stale count means a put-from-load installed data
// older than the committed row.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/loadguard"
	"github.com/unkn0wn-root/loadguard/codec"
	"github.com/unkn0wn-root/loadguard/internal/simstore"
	"github.com/unkn0wn-root/loadguard/internal/util"
)

type Config struct {
	Namespace     string
	Keys          int
	Nodes         int // forced to 1 in ModeLocal
	Readers       int
	Writers       int
	WriteRate     float64       // writes/s across all writers; 0 = unpaced
	Duration      time.Duration // how long readers and writers run
	LoadDelay     time.Duration // pause between the store read and the put
	Mode          loadguard.Mode
	Transactional bool
	Minimal       bool
	Region        string // ttlcache | ristretto | bigcache | redis
	Bus           string // local | redis
	RedisAddr     string
}

type Report struct {
	Reads       int64
	Loads       int64
	Writes      int64
	WriteErrors int64
	PutErrors   int64
	Rejected    int64
	RolledBack  int64
	Remote      int64
	Checked     int
	Stale       int
	StaleKeys   []string
}

func (c Config) withDefaults() Config {
	c.Namespace = util.Coalesce(c.Namespace, "entity")
	c.Keys = util.Coalesce(c.Keys, 16)
	c.Nodes = util.Coalesce(c.Nodes, 2)
	c.Readers = util.Coalesce(c.Readers, 8)
	c.Writers = util.Coalesce(c.Writers, 2)
	c.Duration = util.Coalesce(c.Duration, 2*time.Second)
	if c.Mode == loadguard.ModeLocal {
		c.Nodes = 1
	}
	return c
}

type node struct {
	id     string
	d      loadguard.AccessDelegate[simstore.Entity]
	loader *loadguard.Loader[simstore.Entity]
}

type sim struct {
	cfg   Config
	store *simstore.Store
	log   loadguard.Logger
	nodes []*node
	stats *counters

	rows [64]sync.Mutex

	reads, writes, writeErrs, putErrs atomic.Int64
}

// Run seeds store with cfg.Keys rows, runs the workload and checks the
// caches. store is left with the final rows.
func Run(ctx context.Context, cfg Config, store *simstore.Store, log loadguard.Logger) (Report, error) {
	cfg = cfg.withDefaults()
	log = util.Coalesce[loadguard.Logger](log, loadguard.NopLogger{})

	if err := store.Seed(ctx, cfg.Keys); err != nil {
		return Report{}, err
	}
	b, err := newBackends(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	defer b.close(context.WithoutCancel(ctx))

	s := &sim{cfg: cfg, store: store, log: log, stats: &counters{}}
	defer s.closeNodes(context.WithoutCancel(ctx))
	for i := 0; i < cfg.Nodes; i++ {
		n, err := s.newNode(ctx, b, i)
		if err != nil {
			return Report{}, err
		}
		s.nodes = append(s.nodes, n)
	}

	log.Info("simulation started", loadguard.Fields{
		"mode": cfg.Mode.String(), "nodes": cfg.Nodes, "keys": cfg.Keys,
		"readers": cfg.Readers, "writers": cfg.Writers, "tx": cfg.Transactional,
	})

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	limit := rate.Inf
	if cfg.WriteRate > 0 {
		limit = rate.Limit(cfg.WriteRate)
	}
	lim := rate.NewLimiter(limit, 1)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reader(runCtx)
		}()
	}
	for i := 0; i < cfg.Writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.writer(runCtx, lim)
		}()
	}
	wg.Wait()

	rep, err := s.verify(context.WithoutCancel(ctx))
	if err != nil {
		return rep, err
	}
	log.Info("simulation finished", loadguard.Fields{
		"reads": rep.Reads, "loads": rep.Loads, "writes": rep.Writes,
		"rejected": rep.Rejected, "stale": rep.Stale,
	})
	return rep, nil
}

func (s *sim) newNode(ctx context.Context, b *backends, i int) (*node, error) {
	r, err := b.regionFor(ctx, i)
	if err != nil {
		return nil, err
	}
	id := "node-" + strconv.Itoa(i)
	d, err := loadguard.New(loadguard.Options[simstore.Entity]{
		Namespace:     s.cfg.Namespace,
		Region:        r,
		Codec:         codec.JSON[simstore.Entity]{},
		Mode:          s.cfg.Mode,
		Transactional: s.cfg.Transactional,
		Bus:           b.bus,
		NodeID:        id,
		Logger:        s.log,
		Hooks:         s.stats,
	})
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	n := &node{id: id, d: d}
	n.loader = loadguard.NewLoader(d, s.load, loadguard.LoaderOptions{
		Minimal: s.cfg.Minimal,
		OnPutError: func(key string, err error) {
			s.putErrs.Add(1)
			s.log.Debug("put-from-load failed", loadguard.Fields{"node": id, "key": key, "err": err})
		},
	})
	return n, nil
}

func (s *sim) closeNodes(ctx context.Context) {
	for _, n := range s.nodes {
		if s.cfg.Region == "redis" && s.cfg.Mode != loadguard.ModeReplicated {
			_ = n.d.EvictAll(ctx)
		}
		if err := n.d.Close(ctx); err != nil {
			s.log.Warn("close delegate", loadguard.Fields{"node": n.id, "err": err})
		}
	}
}

func (s *sim) load(ctx context.Context, key string) (simstore.Entity, uint64, error) {
	s.stats.loads.Add(1)
	e, err := s.store.Load(ctx, key)
	if err != nil {
		return simstore.Entity{}, 0, err
	}
	if s.cfg.LoadDelay > 0 {
		t := time.NewTimer(s.cfg.LoadDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	return e, e.Version, nil
}

func (s *sim) pick() (*node, string) {
	return s.nodes[rand.IntN(len(s.nodes))], simstore.Key(rand.IntN(s.cfg.Keys))
}

func (s *sim) reader(ctx context.Context) {
	for ctx.Err() == nil {
		n, key := s.pick()
		sess := loadguard.NewSession(uuid.NewString(), 0, nil)
		if _, err := n.loader.Get(ctx, sess, key); err != nil && ctx.Err() == nil {
			s.log.Warn("read failed", loadguard.Fields{"node": n.id, "key": key, "err": err})
		}
		s.reads.Add(1)
	}
}

func (s *sim) writer(ctx context.Context, lim *rate.Limiter) {
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		n, key := s.pick()
		// a started write always reaches the cache, even past the deadline
		if err := s.write(context.WithoutCancel(ctx), n, key); err != nil {
			s.writeErrs.Add(1)
			s.log.Warn("write failed", loadguard.Fields{"node": n.id, "key": key, "err": err})
		}
		s.writes.Add(1)
	}
}

// write updates key's row and the cache. The row lock stands in for the
// database row lock a real writer would hold until commit.
func (s *sim) write(ctx context.Context, n *node, key string) error {
	mu := &s.rows[util.Shard(key, len(s.rows))]
	mu.Lock()
	defer mu.Unlock()

	value := key + "#" + uuid.NewString()[:8]
	update := rand.IntN(2) == 0
	if s.cfg.Transactional {
		return s.writeTx(ctx, n, key, value, update)
	}

	e, err := s.store.Write(ctx, key, value)
	if err != nil {
		return err
	}
	sess := loadguard.NewSession(uuid.NewString(), 0, nil)
	if update {
		return n.d.Update(ctx, sess, key, e, e.Version)
	}
	return n.d.Remove(ctx, sess, key)
}

// writeTx brackets the store write with the delegate's invalidation. The
// row lock makes the next version predictable before the write.
func (s *sim) writeTx(ctx context.Context, n *node, key, value string, update bool) error {
	cur, err := s.store.Load(ctx, key)
	if err != nil {
		return err
	}
	next := simstore.Entity{ID: key, Value: value, Version: cur.Version + 1}

	txn := loadguard.NewTxn()
	sess := loadguard.NewSession(uuid.NewString(), 0, txn)
	if update {
		err = n.d.Update(ctx, sess, key, next, next.Version)
	} else {
		err = n.d.Remove(ctx, sess, key)
	}
	if err != nil {
		txn.Rollback(ctx)
		return err
	}

	got, err := s.store.Write(ctx, key, value)
	if err != nil {
		txn.Rollback(ctx)
		return err
	}
	if got.Version != next.Version {
		txn.Rollback(ctx)
		return fmt.Errorf("sim: %s written at version %d, expected %d", key, got.Version, next.Version)
	}
	txn.Commit(ctx)
	return nil
}

// verify compares every cached entry on every node with the store.
func (s *sim) verify(ctx context.Context) (Report, error) {
	rep := Report{
		Reads:       s.reads.Load(),
		Loads:       s.stats.loads.Load(),
		Writes:      s.writes.Load(),
		WriteErrors: s.writeErrs.Load(),
		PutErrors:   s.putErrs.Load(),
		Rejected:    s.stats.rejected.Load(),
		RolledBack:  s.stats.rolledBack.Load(),
		Remote:      s.stats.remote.Load(),
	}
	sess := loadguard.NewSession("verify", 0, nil)
	for _, n := range s.nodes {
		for i := 0; i < s.cfg.Keys; i++ {
			key := simstore.Key(i)
			cached, ok, err := n.d.Get(ctx, sess, key, 0)
			if err != nil {
				return rep, fmt.Errorf("sim: read %s on %s: %w", key, n.id, err)
			}
			if !ok {
				continue
			}
			rep.Checked++
			row, err := s.store.Load(ctx, key)
			if err != nil && !errors.Is(err, simstore.ErrNotFound) {
				return rep, err
			}
			if cached != row {
				rep.Stale++
				rep.StaleKeys = append(rep.StaleKeys, n.id+"/"+key)
				s.log.Error("stale entry", loadguard.Fields{
					"node": n.id, "key": key,
					"cached": cached.Version, "committed": row.Version,
				})
			}
		}
	}
	return rep, nil
}

type counters struct {
	loadguard.NopHooks
	loads      atomic.Int64
	rejected   atomic.Int64
	rolledBack atomic.Int64
	remote     atomic.Int64
}

func (c *counters) PutFromLoadRejected(string, string) { c.rejected.Add(1) }
func (c *counters) SpeculativePutRolledBack(string)    { c.rolledBack.Add(1) }
func (c *counters) RemoteInvalidation(string, string)  { c.remote.Add(1) }
