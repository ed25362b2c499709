// Package asynchook runs another Hooks implementation on a small worker pool
// so slow sinks never stall a put or an invalidation. Events are dropped
// when the queue is full.
//
// usage:
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{RejectEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	d, _ := loadguard.New[User](loadguard.Options[User]{
//	    Namespace: "app:prod:user",
//	    Region:    r,
//	    Codec:     codec.JSON[User]{},
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/loadguard"
)

type Hooks struct {
	inner   loadguard.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ loadguard.Hooks = (*Hooks)(nil)

func New(inner loadguard.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events raised after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue or after
// Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) PutFromLoadRejected(k, r string) {
	h.try(func() { h.inner.PutFromLoadRejected(k, r) })
}
func (h *Hooks) SpeculativePutRolledBack(k string) {
	h.try(func() { h.inner.SpeculativePutRolledBack(k) })
}
func (h *Hooks) LockTimeout(k, op string)  { h.try(func() { h.inner.LockTimeout(k, op) }) }
func (h *Hooks) CapacityExceeded(k string) { h.try(func() { h.inner.CapacityExceeded(k) }) }
func (h *Hooks) RegionError(op, k string, err error) {
	h.try(func() { h.inner.RegionError(op, k, err) })
}
func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) RemoteInvalidation(origin, k string) {
	h.try(func() { h.inner.RemoteInvalidation(origin, k) })
}
func (h *Hooks) PendingReclaimed(reclaimed, expired int) {
	h.try(func() { h.inner.PendingReclaimed(reclaimed, expired) })
}
