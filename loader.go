package loadguard

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// LoadFunc reads key from the backing store. version is the entity version
// stored alongside the value (0 when unversioned).
type LoadFunc[V any] func(ctx context.Context, key string) (v V, version uint64, err error)

type LoaderOptions struct {
	// Minimal caches through PutFromLoadMinimal instead of PutFromLoad.
	Minimal bool
	// OnPutError receives put-from-load failures (lock timeout, capacity,
	// region errors). The loaded value is still returned to the caller.
	OnPutError func(key string, err error)
}

// Loader runs the read-through sequence on top of a delegate: region read,
// backing-store load on miss, put-from-load. Concurrent misses of one key
// share a single load; the load runs with the first caller's context and
// session.
type Loader[V any] struct {
	d          AccessDelegate[V]
	load       LoadFunc[V]
	minimal    bool
	onPutError func(string, error)
	sf         singleflight.Group
}

func NewLoader[V any](d AccessDelegate[V], load LoadFunc[V], opts LoaderOptions) *Loader[V] {
	return &Loader[V]{d: d, load: load, minimal: opts.Minimal, onPutError: opts.OnPutError}
}

// Get returns key's value. Backing-store failures come back as *LoadError
// and leave the region untouched. A failing region read is treated as a
// miss.
func (l *Loader[V]) Get(ctx context.Context, s Session, key string) (V, error) {
	if v, ok, err := l.d.Get(ctx, s, key, 0); err == nil && ok {
		return v, nil
	}

	res, err, _ := l.sf.Do(key, func() (any, error) {
		// taken before the read so an invalidation that lands while the
		// load is in flight is newer than the load
		ts := l.d.NextTimestamp()
		v, version, err := l.load(ctx, key)
		if err != nil {
			return nil, &LoadError{Key: key, Err: err}
		}
		put := l.d.PutFromLoad
		if l.minimal {
			put = l.d.PutFromLoadMinimal
		}
		if _, err := put(ctx, s, key, v, ts, version); err != nil && l.onPutError != nil {
			l.onPutError(key, err)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Forget drops an in-flight load of key from coalescing, so the next Get
// starts a fresh one. Writers call it after Remove/Update when waiting on an
// older load is undesirable.
func (l *Loader[V]) Forget(key string) { l.sf.Forget(key) }
