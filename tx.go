package loadguard

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/loadguard/bus"
)

const endInvalidationAttempts = 3

// txDelegate brackets writers with the session's transaction: Remove and
// Update open an invalidation on the key (refusing put-from-load), drop the
// entry at once and settle the region when the transaction completes.
// Sessions without a transaction get the non-transactional behaviour.
type txDelegate[V any] struct {
	*delegate[V]
}

var _ AccessDelegate[struct{}] = (*txDelegate[struct{}])(nil)

func (d *txDelegate[V]) Remove(ctx context.Context, s Session, key string) error {
	tx := transactionOf(s)
	if tx == nil || !d.enabled {
		return d.delegate.Remove(ctx, s, key)
	}
	owner := invalidationOwner(s)
	invErr := d.begin(ctx, key, owner, "remove")
	busErr := d.publish(ctx, bus.KindKey, key)
	regErr := d.remove(ctx, key)

	tx.OnCompletion(func(ctx context.Context, committed bool) {
		if !d.settle(ctx, key, owner, committed) {
			return
		}
		// a peer sharing the region may have cached the old value
		// while the transaction was open
		_ = d.remove(context.WithoutCancel(ctx), key)
	})
	return invalidateErr(key, invErr, busErr, regErr)
}

func (d *txDelegate[V]) Update(ctx context.Context, s Session, key string, value V, version uint64) error {
	tx := transactionOf(s)
	if tx == nil || !d.enabled {
		return d.delegate.Update(ctx, s, key, value, version)
	}
	owner := invalidationOwner(s)
	invErr := d.begin(ctx, key, owner, "update")
	busErr := d.publish(ctx, bus.KindKey, key)
	regErr := d.remove(ctx, key)

	tx.OnCompletion(func(ctx context.Context, committed bool) {
		if !d.settle(ctx, key, owner, committed) {
			return
		}
		if err := d.replace(context.WithoutCancel(ctx), key, value, version); err != nil {
			d.log.Warn("install committed value failed", Fields{"ns": d.ns, "key": key, "err": err})
		}
	})
	return invalidateErr(key, invErr, busErr, regErr)
}

func (d *txDelegate[V]) begin(ctx context.Context, key, owner, op string) error {
	err := d.v.BeginInvalidatingKey(ctx, key, owner)
	if err != nil {
		d.validatorErr(key, op, err)
	}
	return err
}

// settle closes owner's invalidation and, on commit, tells peers before the
// caller touches the region, so no peer load of the old row lands after it.
// It reports whether the caller should install the committed state.
func (d *txDelegate[V]) settle(ctx context.Context, key, owner string, committed bool) bool {
	ctx = context.WithoutCancel(ctx)
	d.end(ctx, key, owner)
	if committed {
		_ = d.publish(ctx, bus.KindKey, key)
	}
	return committed
}

// end closes owner's invalidation. It must not be skipped: an owner left
// behind refuses every later put-from-load of key.
func (d *txDelegate[V]) end(ctx context.Context, key, owner string) {
	var err error
	for i := 0; i < endInvalidationAttempts; i++ {
		if err = d.v.EndInvalidatingKey(ctx, key, owner); err == nil || !errors.Is(err, ErrLockTimeout) {
			break
		}
	}
	if err != nil {
		d.validatorErr(key, "end_invalidation", err)
		d.log.Error("invalidation left open; key stays uncachable", Fields{"ns": d.ns, "key": key, "owner": owner})
	}
}

func invalidationOwner(s Session) string {
	if id := sessionID(s); id != "" {
		return id
	}
	return uuid.NewString()
}
