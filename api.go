package loadguard

import (
	"context"
	"time"

	"github.com/unkn0wn-root/loadguard/bus"
	"github.com/unkn0wn-root/loadguard/codec"
	"github.com/unkn0wn-root/loadguard/region"
)

// AccessDelegate is the cache facade the persistence layer calls.
// V is the caller's value type; serialization is handled by a Codec[V].
//
// Two implementations exist, picked by Options.Transactional. Both expose
// the same operations; the transactional one defers the final region
// mutation of Remove/Update to the session's transaction completion and
// refuses put-from-load for the key until then.
type AccessDelegate[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Get reads the region. On a miss the caller loads from the backing
	// store and calls PutFromLoad with the timestamp it took before loading.
	Get(ctx context.Context, s Session, key string, txTimestamp int64) (v V, ok bool, err error)

	// PutFromLoad caches a value read from the backing store by a load that
	// began at txTimestamp (0 => s.Timestamp()). It writes, then re-validates
	// and removes its own write if an invalidation raced the load.
	// stored=false with a nil error means the put was correctly skipped.
	PutFromLoad(ctx context.Context, s Session, key string, value V, txTimestamp int64, version uint64) (stored bool, err error)
	// PutFromLoadMinimal validates first and writes under the key lock, so
	// a stale value is never observable, at the cost of holding the key
	// lock across the region write.
	PutFromLoadMinimal(ctx context.Context, s Session, key string, value V, txTimestamp int64, version uint64) (stored bool, err error)

	// Remove invalidates key, then removes it from the region. Idempotent.
	Remove(ctx context.Context, s Session, key string) error
	// Update invalidates key, then replaces the region entry.
	Update(ctx context.Context, s Session, key string, value V, version uint64) error

	// Evict and EvictAll drop entries administratively. They invalidate
	// first, like writers, and reach peers through the bus.
	Evict(ctx context.Context, key string) error
	EvictAll(ctx context.Context) error

	// NextTimestamp returns a load timestamp from the validator's clock.
	NextTimestamp() int64
	Validator() Validator
}

// Options configure a delegate.
// Namespace, Region and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace; scopes bus messages. e.g. "user", "order"
	Region    region.Region
	Codec     codec.Codec[V]

	Mode          Mode // default ModeLocal
	Transactional bool // default false => non-transactional delegate

	// Validator overrides the built-in PutFromLoadValidator. When nil one
	// is built from ValidatorOptions (its Mode is taken from Mode) and
	// closed with the delegate.
	Validator        Validator
	ValidatorOptions ValidatorOptions

	// Bus fans invalidations out to peers. Ignored in ModeLocal.
	Bus    bus.Bus
	NodeID string // "" => random UUID

	Logger     Logger        // if nil, NopLogger is used
	Hooks      Hooks         // if nil, NopHooks is used
	DefaultTTL time.Duration // region entry TTL; 0 => 10m
	Disabled   bool          // default false (enabled)
}

func New[V any](opts Options[V]) (AccessDelegate[V], error) {
	d, err := newDelegate(opts)
	if err != nil {
		return nil, err
	}
	if opts.Transactional {
		return &txDelegate[V]{delegate: d}, nil
	}
	return d, nil
}
