package loadguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/loadguard/bus"
	"github.com/unkn0wn-root/loadguard/codec"
	"github.com/unkn0wn-root/loadguard/internal/util"
	"github.com/unkn0wn-root/loadguard/internal/wire"
	"github.com/unkn0wn-root/loadguard/region"
)

const defaultTTL = 10 * time.Minute

// delegate is the non-transactional AccessDelegate and the shared core of
// the transactional one.
type delegate[V any] struct {
	ns      string
	region  region.Region
	codec   codec.Codec[V]
	v       Validator
	closeV  func(context.Context) error // set when the validator is ours
	mode    Mode
	log     Logger
	hooks   Hooks
	ttl     time.Duration
	enabled bool

	nodeID string
	bus    bus.Bus
	sub    bus.Subscription

	closeOnce sync.Once
	closeErr  error
}

var _ AccessDelegate[struct{}] = (*delegate[struct{}])(nil)

func newDelegate[V any](opts Options[V]) (*delegate[V], error) {
	if opts.Region == nil {
		return nil, fmt.Errorf("loadguard: region is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("loadguard: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("loadguard: namespace is required")
	}

	d := &delegate[V]{
		ns:      opts.Namespace,
		region:  opts.Region,
		codec:   opts.Codec,
		mode:    opts.Mode,
		enabled: !opts.Disabled,
	}

	// defaults
	d.log = util.Coalesce[Logger](opts.Logger, NopLogger{})
	d.hooks = util.Coalesce[Hooks](opts.Hooks, NopHooks{})
	d.ttl = util.Coalesce(opts.DefaultTTL, defaultTTL)
	d.nodeID = opts.NodeID
	if d.nodeID == "" {
		d.nodeID = uuid.NewString()
	}

	if opts.Validator != nil {
		d.v = opts.Validator
	} else {
		vo := opts.ValidatorOptions
		vo.Mode = opts.Mode
		onSweep := vo.OnSweep
		vo.OnSweep = func(reclaimed, expired int) {
			d.hooks.PendingReclaimed(reclaimed, expired)
			d.log.Debug("pending sweep", Fields{"ns": d.ns, "reclaimed": reclaimed, "expired": expired})
			if onSweep != nil {
				onSweep(reclaimed, expired)
			}
		}
		pv := NewValidator(vo)
		d.v = pv
		d.closeV = pv.Close
	}

	if opts.Bus != nil && opts.Mode != ModeLocal {
		sub, err := opts.Bus.Subscribe(context.Background(), d.ns, d.applyRemote)
		if err != nil {
			if d.closeV != nil {
				_ = d.closeV(context.Background())
			}
			return nil, fmt.Errorf("loadguard: subscribe %q: %w", d.ns, err)
		}
		d.bus = opts.Bus
		d.sub = sub
	}
	return d, nil
}

func (d *delegate[V]) Enabled() bool { return d.enabled }

func (d *delegate[V]) NextTimestamp() int64 { return d.v.Now() }

func (d *delegate[V]) Validator() Validator { return d.v }

// Close stops peer delivery, then closes the validator (if built by New)
// and the region.
func (d *delegate[V]) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.sub != nil {
			errs = append(errs, d.sub.Close())
		}
		if d.closeV != nil {
			errs = append(errs, d.closeV(ctx))
		}
		if d.region != nil {
			errs = append(errs, d.region.Close(ctx))
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func (d *delegate[V]) Get(ctx context.Context, _ Session, key string, _ int64) (V, bool, error) {
	var zero V
	if !d.enabled {
		return zero, false, nil
	}
	raw, ok, err := d.region.Get(ctx, key)
	if err != nil {
		d.regionErr("get", key, err)
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	e, err := wire.DecodeEntry(raw)
	if err != nil {
		d.selfHeal(ctx, key, "corrupt")
		return zero, false, nil
	}
	v, err := d.codec.Decode(e.Payload)
	if err != nil {
		d.selfHeal(ctx, key, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

func (d *delegate[V]) PutFromLoad(ctx context.Context, s Session, key string, value V, txTimestamp int64, version uint64) (bool, error) {
	return d.putFromLoad(ctx, s, key, value, txTimestamp, version, false)
}

func (d *delegate[V]) PutFromLoadMinimal(ctx context.Context, s Session, key string, value V, txTimestamp int64, version uint64) (bool, error) {
	return d.putFromLoad(ctx, s, key, value, txTimestamp, version, true)
}

func (d *delegate[V]) putFromLoad(ctx context.Context, s Session, key string, value V, ts int64, version uint64, minimal bool) (bool, error) {
	if !d.enabled {
		return false, nil
	}
	if ts == 0 && s != nil {
		ts = s.Timestamp()
	}
	if ts <= 0 {
		d.log.Warn("put-from-load without a load timestamp", Fields{"ns": d.ns, "key": key})
		return false, &PutFromLoadError{Key: key, Op: "timestamp", Err: ErrNoLoadTimestamp}
	}

	lock, err := d.v.AcquirePutFromLoadLock(ctx, key, sessionID(s), ts)
	if err != nil {
		return false, d.putErr(key, "acquire", err)
	}
	if lock == nil {
		d.reject(key, RejectStale, ts)
		return false, nil
	}
	defer func() {
		if err := d.v.ReleasePutFromLoadLock(context.WithoutCancel(ctx), lock); err != nil {
			d.log.Warn("release put-from-load lock failed", Fields{"ns": d.ns, "key": key, "err": err})
		}
	}()

	payload, err := d.codec.Encode(value)
	if err != nil {
		return false, err
	}
	raw := wire.EncodeEntry(wire.Entry{Version: version, Written: d.v.Now(), Payload: payload})

	if minimal {
		return d.commitMinimal(ctx, lock, key, raw, version, ts)
	}

	if d.newerPresent(ctx, key, version) {
		d.reject(key, RejectOlderVersion, ts)
		return false, nil
	}
	stored, err := d.write(ctx, key, raw)
	if err != nil {
		return false, d.putErr(key, "write", err)
	}
	if !stored {
		d.reject(key, RejectRegionRefused, ts)
		return false, nil
	}

	valid, verr := d.v.IsPutValid(ctx, lock)
	if verr == nil && valid {
		return true, nil
	}
	// The write may already be visible; take it back. The removal can also
	// drop a writer's fresh value, which only costs a miss.
	if err := d.region.Remove(context.WithoutCancel(ctx), key); err != nil {
		d.regionErr("remove", key, err)
	}
	d.hooks.SpeculativePutRolledBack(key)
	if verr != nil {
		return false, d.putErr(key, "validate", verr)
	}
	d.reject(key, RejectRaced, ts)
	return false, nil
}

func (d *delegate[V]) commitMinimal(ctx context.Context, lock *PutFromLoadLock, key string, raw []byte, version uint64, ts int64) (bool, error) {
	var (
		reason string
		wrErr  error
	)
	committed, err := d.v.CommitPutFromLoad(ctx, lock, func() error {
		if d.newerPresent(ctx, key, version) {
			reason = RejectOlderVersion
			return nil
		}
		stored, err := d.write(ctx, key, raw)
		if err != nil {
			wrErr = err
			return err
		}
		if !stored {
			reason = RejectRegionRefused
		}
		return nil
	})
	switch {
	case wrErr != nil:
		return false, d.putErr(key, "write", wrErr)
	case err != nil:
		return false, d.putErr(key, "commit", err)
	case !committed:
		d.reject(key, RejectRaced, ts)
		return false, nil
	case reason != "":
		d.reject(key, reason, ts)
		return false, nil
	}
	return true, nil
}

func (d *delegate[V]) Remove(ctx context.Context, _ Session, key string) error {
	if !d.enabled {
		return nil
	}
	invErr := d.invalidate(ctx, key, "remove")
	busErr := d.publish(ctx, bus.KindKey, key)
	regErr := d.remove(ctx, key)
	d.log.Debug("removed key", Fields{"ns": d.ns, "key": key})
	return invalidateErr(key, invErr, busErr, regErr)
}

func (d *delegate[V]) Update(ctx context.Context, _ Session, key string, value V, version uint64) error {
	if !d.enabled {
		return nil
	}
	invErr := d.invalidate(ctx, key, "update")
	busErr := d.publish(ctx, bus.KindKey, key)
	var regErr error
	if invErr != nil {
		// loads of the old value may still be in flight; don't
		// advertise a fresh entry they could then overwrite
		regErr = d.remove(ctx, key)
	} else {
		regErr = d.replace(ctx, key, value, version)
	}
	return invalidateErr(key, invErr, busErr, regErr)
}

func (d *delegate[V]) Evict(ctx context.Context, key string) error {
	if !d.enabled {
		return nil
	}
	invErr := d.invalidate(ctx, key, "evict")
	busErr := d.publish(ctx, bus.KindKey, key)
	regErr := d.remove(ctx, key)
	return invalidateErr(key, invErr, busErr, regErr)
}

func (d *delegate[V]) EvictAll(ctx context.Context) error {
	if !d.enabled {
		return nil
	}
	invErr := d.v.InvalidateRegion(ctx)
	busErr := d.publish(ctx, bus.KindRegion, "")
	regErr := d.region.Clear(ctx)
	if regErr != nil {
		d.regionErr("clear", "", regErr)
	}
	d.log.Info("evicted all entries", Fields{"ns": d.ns})
	return invalidateErr("*", invErr, busErr, regErr)
}

// applyRemote handles a peer's invalidation. The local clock stamps it:
// peers' clocks are not comparable with ours.
func (d *delegate[V]) applyRemote(ctx context.Context, m bus.Message) {
	if m.Origin == d.nodeID || !d.enabled {
		return
	}
	d.hooks.RemoteInvalidation(m.Origin, m.Key)

	switch m.Kind {
	case bus.KindKey:
		_ = d.invalidate(ctx, m.Key, "remote")
		// a shared region was already updated by the origin
		if d.mode == ModeInvalidation {
			_ = d.remove(ctx, m.Key)
		}
	case bus.KindRegion:
		_ = d.v.InvalidateRegion(ctx)
		if d.mode == ModeInvalidation {
			if err := d.region.Clear(ctx); err != nil {
				d.regionErr("clear", "", err)
			}
		}
	default:
		d.log.Warn("unknown bus message", Fields{"ns": d.ns, "kind": m.Kind.String(), "origin": m.Origin})
		return
	}
	d.log.Debug("applied remote invalidation", Fields{"ns": d.ns, "key": m.Key, "origin": m.Origin})
}

func (d *delegate[V]) invalidate(ctx context.Context, key, op string) error {
	err := d.v.InvalidateKey(ctx, key, d.v.Now())
	if err != nil {
		d.validatorErr(key, op, err)
	}
	return err
}

func (d *delegate[V]) publish(ctx context.Context, kind bus.Kind, key string) error {
	if d.bus == nil {
		return nil
	}
	err := d.bus.Publish(ctx, bus.Message{
		Origin:    d.nodeID,
		Namespace: d.ns,
		Kind:      kind,
		Key:       key,
		Sent:      d.v.Now(),
	})
	if err != nil {
		d.log.Warn("publish invalidation failed", Fields{"ns": d.ns, "key": key, "err": err})
	}
	return err
}

func (d *delegate[V]) write(ctx context.Context, key string, raw []byte) (bool, error) {
	ok, err := d.region.Put(ctx, key, raw, d.ttl)
	if err != nil {
		d.regionErr("put", key, err)
		return false, err
	}
	return ok, nil
}

func (d *delegate[V]) remove(ctx context.Context, key string) error {
	err := d.region.Remove(ctx, key)
	if err != nil {
		d.regionErr("remove", key, err)
	}
	return err
}

// replace installs a writer's value. Any failure leaves the key absent.
func (d *delegate[V]) replace(ctx context.Context, key string, value V, version uint64) error {
	payload, err := d.codec.Encode(value)
	if err != nil {
		return errors.Join(err, d.remove(ctx, key))
	}
	raw := wire.EncodeEntry(wire.Entry{Version: version, Written: d.v.Now(), Payload: payload})
	ok, err := d.write(ctx, key, raw)
	if err != nil {
		return errors.Join(err, d.remove(ctx, key))
	}
	if !ok {
		d.log.Debug("update refused by region (pressure)", Fields{"ns": d.ns, "key": key})
		return d.remove(ctx, key)
	}
	return nil
}

// newerPresent reports whether the region already holds a strictly newer
// version of key. Unversioned puts (version 0) never compare.
func (d *delegate[V]) newerPresent(ctx context.Context, key string, version uint64) bool {
	if version == 0 {
		return false
	}
	raw, ok, err := d.region.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	e, err := wire.DecodeEntry(raw)
	return err == nil && e.Version > version
}

func (d *delegate[V]) reject(key, reason string, ts int64) {
	d.hooks.PutFromLoadRejected(key, reason)
	d.log.Debug("put-from-load skipped", Fields{"ns": d.ns, "key": key, "reason": reason, "ts": ts})
}

// putErr wraps a failed put-from-load. Region failures were already
// reported by write.
func (d *delegate[V]) putErr(key, op string, err error) error {
	switch {
	case op == "write":
	case errors.Is(err, ErrCapacityExceeded):
		d.hooks.CapacityExceeded(key)
		d.log.Warn("too many loads in flight", Fields{"ns": d.ns, "key": key})
	default:
		d.validatorErr(key, "put_from_load", err)
	}
	return &PutFromLoadError{Key: key, Op: op, Err: err}
}

func (d *delegate[V]) validatorErr(key, op string, err error) {
	if errors.Is(err, ErrLockTimeout) {
		d.hooks.LockTimeout(key, op)
	}
	d.log.Warn("validator call failed", Fields{"ns": d.ns, "key": key, "op": op, "err": err})
}

func (d *delegate[V]) regionErr(op, key string, err error) {
	d.hooks.RegionError(op, key, err)
	d.log.Warn("region call failed", Fields{"ns": d.ns, "key": key, "op": op, "err": err})
}

func (d *delegate[V]) selfHeal(ctx context.Context, key, reason string) {
	_ = d.region.Remove(ctx, key)
	d.hooks.SelfHeal(key, reason)
	d.log.Debug("dropped unreadable entry", Fields{"ns": d.ns, "key": key, "reason": reason})
}
