// Package pending tracks in-flight put-from-load attempts and per-key
// invalidation state.
//
// Every key maps to one record guarded by its own lock. Records live in a
// sharded table; the shard mutex only covers map lookups, never the record
// itself, so operations on different keys never wait on each other.
//
// A pending put is identified by an opaque Handle. Handles stay safe to use
// after the underlying registration was removed, raced or expired: lookups
// simply report them as no longer valid.
package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/unkn0wn-root/loadguard/clock"
	"github.com/unkn0wn-root/loadguard/internal/util"
)

const (
	defaultMaxPendingPerKey = 8
	defaultLockTimeout      = 5 * time.Second
	defaultShards           = 64
	defaultRetention        = time.Minute
)

var (
	// ErrCapacityExceeded is returned by Register when a key already has
	// MaxPendingPerKey outstanding registrations.
	ErrCapacityExceeded = errors.New("pending: too many pending puts for key")
	// ErrLockTimeout is returned when a key lock could not be taken within
	// LockTimeout.
	ErrLockTimeout = errors.New("pending: key lock timeout")
	ErrClosed      = errors.New("pending: tracker closed")
)

// Options tune the tracker. Zero values pick defaults.
type Options struct {
	MaxPendingPerKey int           // 0 => 8
	LockTimeout      time.Duration // 0 => 5s
	Shards           int           // 0 => 64
	Retention        time.Duration // idle records and stuck registrations; 0 => 1m
	CleanupInterval  time.Duration // 0 => Retention/2; < 0 disables the sweep loop
	Clock            clock.Clock   // nil => clock.NewMonotonic()

	// OnSweep is called from the sweep loop after each pass that did work.
	OnSweep func(reclaimed, expired int)
}

// Handle identifies one registration. The zero Handle is never valid.
type Handle struct {
	key     string
	id      uint64
	session string
	start   int64
}

func (h Handle) Key() string     { return h.key }
func (h Handle) Session() string { return h.session }
func (h Handle) Start() int64    { return h.start }
func (h Handle) IsZero() bool    { return h.id == 0 }

type pendingPut struct {
	id      uint64
	session string
	start   int64
	created int64
	raced   bool
}

// keyState is the per-key record. Everything below sem is guarded by it.
type keyState struct {
	sem *semaphore.Weighted

	invalidatedAt int64
	suppressUntil int64
	invalidators  map[string]struct{}
	pending       []pendingPut
	lastUsed      int64
	dead          bool // unlinked by Sweep; lockers must look the key up again
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// KeyState is a point-in-time copy of a key's record.
type KeyState struct {
	InvalidatedAt int64
	SuppressUntil int64
	Invalidating  int // owners with an invalidation in progress
	Pending       int
	Raced         int
}

type Tracker struct {
	shards      []*shard
	clock       clock.Clock
	maxPending  int
	lockTimeout time.Duration
	retention   time.Duration
	onSweep     func(int, int)

	nextID atomic.Uint64
	floor  atomic.Int64 // region-wide invalidation timestamp
	closed atomic.Bool

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) *Tracker {
	t := &Tracker{
		clock:       opts.Clock,
		maxPending:  util.Coalesce(opts.MaxPendingPerKey, defaultMaxPendingPerKey),
		lockTimeout: util.Coalesce(opts.LockTimeout, defaultLockTimeout),
		retention:   util.Coalesce(opts.Retention, defaultRetention),
		onSweep:     opts.OnSweep,
	}
	if t.clock == nil {
		t.clock = clock.NewMonotonic()
	}

	n := util.Coalesce(opts.Shards, defaultShards)
	t.shards = make([]*shard, n)
	for i := range t.shards {
		t.shards[i] = &shard{keys: make(map[string]*keyState)}
	}

	interval := util.Coalesce(opts.CleanupInterval, t.retention/2)
	if interval > 0 {
		t.ticker = time.NewTicker(interval)
		t.stopCh = make(chan struct{})
		t.wg.Add(1)
		go t.sweepLoop()
	}
	return t
}

// Register records intent to load key. ok is false, without error, when
// the load is already known to be stale: the key was invalidated at or
// after start, an invalidation is in progress, the grace window is open,
// or start is older than Retention.
func (t *Tracker) Register(ctx context.Context, key, sessionID string, start int64) (h Handle, ok bool, err error) {
	st, err := t.lock(ctx, key)
	if err != nil {
		return Handle{}, false, err
	}
	defer t.unlock(st)

	now := t.clock.Now()
	if !t.admits(st, start, now) {
		return Handle{}, false, nil
	}
	if len(st.pending) >= t.maxPending {
		return Handle{}, false, ErrCapacityExceeded
	}

	id := t.nextID.Add(1)
	st.pending = append(st.pending, pendingPut{
		id:      id,
		session: sessionID,
		start:   start,
		created: now,
	})
	return Handle{key: key, id: id, session: sessionID, start: start}, true, nil
}

// Remove releases a registration. Removing twice, or removing a handle that
// already expired, is a no-op.
func (t *Tracker) Remove(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	st, err := t.lock(ctx, h.key)
	if err != nil {
		return err
	}
	defer t.unlock(st)

	if i := st.find(h.id); i >= 0 {
		st.pending = append(st.pending[:i], st.pending[i+1:]...)
	}
	return nil
}

// Valid reports whether h may still commit.
func (t *Tracker) Valid(ctx context.Context, h Handle) (bool, error) {
	if h.IsZero() {
		return false, nil
	}
	st, err := t.lock(ctx, h.key)
	if err != nil {
		return false, err
	}
	defer t.unlock(st)
	return t.validLocked(st, h, t.clock.Now()), nil
}

// Commit runs fn under the key lock if h is still valid. No invalidation of
// the key can interleave with fn.
func (t *Tracker) Commit(ctx context.Context, h Handle, fn func() error) (bool, error) {
	if h.IsZero() {
		return false, nil
	}
	st, err := t.lock(ctx, h.key)
	if err != nil {
		return false, err
	}
	defer t.unlock(st)

	if !t.validLocked(st, h, t.clock.Now()) {
		return false, nil
	}
	if err := fn(); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate raises the key's invalidation timestamp to ts and marks pending
// puts that started before ts as raced. With suppress > 0 every pending put
// is raced and new registrations are refused until now+suppress.
func (t *Tracker) Invalidate(ctx context.Context, key string, ts int64, suppress time.Duration) (int, error) {
	st, err := t.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer t.unlock(st)
	return t.invalidateLocked(st, ts, suppress, false), nil
}

// Begin opens an invalidation on behalf of owner. Until the matching End,
// registrations for key are refused and outstanding ones are raced.
// Calling Begin again for the same owner is a no-op apart from the timestamp.
func (t *Tracker) Begin(ctx context.Context, key, owner string, ts int64) (int, error) {
	st, err := t.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer t.unlock(st)

	if st.invalidators == nil {
		st.invalidators = make(map[string]struct{}, 1)
	}
	st.invalidators[owner] = struct{}{}
	return t.invalidateLocked(st, ts, 0, true), nil
}

// End closes owner's invalidation and invalidates key at ts, so loads that
// began while the invalidation was open can not commit either.
func (t *Tracker) End(ctx context.Context, key, owner string, ts int64, suppress time.Duration) (int, error) {
	st, err := t.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer t.unlock(st)

	delete(st.invalidators, owner)
	return t.invalidateLocked(st, ts, suppress, false), nil
}

// InvalidateAll makes every registration that started before ts invalid and
// refuses registrations at or before ts, for all keys. It takes no key lock.
func (t *Tracker) InvalidateAll(ts int64) {
	for {
		cur := t.floor.Load()
		if ts <= cur || t.floor.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// State returns a copy of key's record. Keys without a record report the
// zero KeyState.
func (t *Tracker) State(ctx context.Context, key string) (KeyState, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.keys[key]
	sh.mu.Unlock()
	if !ok {
		return KeyState{}, nil
	}

	st, err := t.lock(ctx, key)
	if err != nil {
		return KeyState{}, err
	}
	defer t.unlock(st)

	out := KeyState{
		InvalidatedAt: st.invalidatedAt,
		SuppressUntil: st.suppressUntil,
		Invalidating:  len(st.invalidators),
		Pending:       len(st.pending),
	}
	for _, p := range st.pending {
		if p.raced {
			out.Raced++
		}
	}
	return out, nil
}

// Len returns the number of key records currently held.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}

// Now exposes the tracker's clock.
func (t *Tracker) Now() int64 { return t.clock.Now() }

// Sweep drops registrations older than Retention and reclaims idle records.
// Records whose lock is busy are skipped until the next pass.
func (t *Tracker) Sweep() (reclaimed, expired int) {
	now := t.clock.Now()
	cutoff := now - int64(t.retention)

	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, st := range sh.keys {
			if !st.sem.TryAcquire(1) {
				continue
			}
			kept := st.pending[:0]
			for _, p := range st.pending {
				if p.created < cutoff {
					expired++
					continue
				}
				kept = append(kept, p)
			}
			st.pending = kept

			if len(st.pending) == 0 && len(st.invalidators) == 0 &&
				now >= st.suppressUntil && st.lastUsed < cutoff &&
				st.invalidatedAt < cutoff {
				st.dead = true
				delete(sh.keys, k)
				reclaimed++
			}
			st.sem.Release(1)
		}
		sh.mu.Unlock()
	}
	return reclaimed, expired
}

// Close stops the sweep loop. Subsequent calls fail with ErrClosed.
func (t *Tracker) Close(_ context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.stopCh != nil {
			close(t.stopCh)
			t.ticker.Stop()
			t.wg.Wait()
		}
	})
	return nil
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ticker.C:
			reclaimed, expired := t.Sweep()
			if t.onSweep != nil && (reclaimed > 0 || expired > 0) {
				t.onSweep(reclaimed, expired)
			}
		case <-t.stopCh:
			return
		}
	}
}

// A reclaimed record forgets its invalidatedAt. Loads that began before
// now-Retention are refused for every key instead, which covers whatever
// a reclaimed record would have refused: it was idle for longer than that.
func (t *Tracker) tooOld(start, now int64) bool {
	return start <= now-int64(t.retention)
}

func (t *Tracker) admits(st *keyState, start, now int64) bool {
	return !t.tooOld(start, now) &&
		start > st.invalidatedAt &&
		start > t.floor.Load() &&
		len(st.invalidators) == 0 &&
		now >= st.suppressUntil
}

func (t *Tracker) validLocked(st *keyState, h Handle, now int64) bool {
	i := st.find(h.id)
	if i < 0 {
		return false
	}
	p := st.pending[i]
	return !p.raced && !t.tooOld(p.start, now) && p.start >= t.floor.Load()
}

func (t *Tracker) invalidateLocked(st *keyState, ts int64, suppress time.Duration, all bool) int {
	if ts > st.invalidatedAt {
		st.invalidatedAt = ts
	}
	if suppress > 0 {
		all = true
		if until := t.clock.Now() + int64(suppress); until > st.suppressUntil {
			st.suppressUntil = until
		}
	}
	raced := 0
	for i := range st.pending {
		p := &st.pending[i]
		if p.raced {
			continue
		}
		if all || p.start < ts {
			p.raced = true
			raced++
		}
	}
	return raced
}

func (t *Tracker) shardFor(key string) *shard {
	return t.shards[util.Shard(key, len(t.shards))]
}

// lock returns key's live record with its lock held.
func (t *Tracker) lock(ctx context.Context, key string) (*keyState, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	sh := t.shardFor(key)
	for {
		sh.mu.Lock()
		st, ok := sh.keys[key]
		if !ok {
			st = &keyState{sem: semaphore.NewWeighted(1)}
			sh.keys[key] = st
		}
		sh.mu.Unlock()

		if err := t.acquire(ctx, st); err != nil {
			return nil, err
		}
		if !st.dead {
			return st, nil
		}
		st.sem.Release(1)
	}
}

func (t *Tracker) acquire(ctx context.Context, st *keyState) error {
	if st.sem.TryAcquire(1) {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, t.lockTimeout)
	defer cancel()
	if err := st.sem.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	return nil
}

func (t *Tracker) unlock(st *keyState) {
	st.lastUsed = t.clock.Now()
	st.sem.Release(1)
}

func (st *keyState) find(id uint64) int {
	for i := range st.pending {
		if st.pending[i].id == id {
			return i
		}
	}
	return -1
}
