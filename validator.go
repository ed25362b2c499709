package loadguard

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/loadguard/clock"
	"github.com/unkn0wn-root/loadguard/internal/util"
	"github.com/unkn0wn-root/loadguard/pending"
)

const defaultGraceWindow = time.Second

// Mode selects how strongly an invalidation suppresses put-from-load.
type Mode int

const (
	// ModeLocal is a single process; only loads that began before the
	// invalidation are raced.
	ModeLocal Mode = iota
	// ModeReplicated assumes peers see a consistent copy of every put
	// (e.g. a shared region). Only loads that began before the
	// invalidation are raced.
	ModeReplicated
	// ModeInvalidation assumes each peer holds its own copy and writes
	// only remove entries everywhere. An invalidation races every pending
	// load of the key and refuses new ones for the grace window, since a
	// peer could otherwise cache a value read from an out of date replica.
	ModeInvalidation
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeReplicated:
		return "replicated"
	case ModeInvalidation:
		return "invalidation"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeLocal, ModeReplicated, ModeInvalidation} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("loadguard: unknown mode %q", s)
}

// Validator decides whether a loaded value may still enter the region.
//
// AcquirePutFromLoadLock is the single point where a load attempt
// registers; wrap it to observe or delay that step.
type Validator interface {
	// AcquirePutFromLoadLock registers a load that began at txTimestamp.
	// A nil lock with a nil error means the load is already known to be
	// stale and must not be cached.
	AcquirePutFromLoadLock(ctx context.Context, key, sessionID string, txTimestamp int64) (*PutFromLoadLock, error)
	// IsPutValid re-checks the lock at put time.
	IsPutValid(ctx context.Context, lock *PutFromLoadLock) (bool, error)
	// CommitPutFromLoad runs write under the key lock iff the lock is
	// still valid. No invalidation of the key interleaves with write.
	CommitPutFromLoad(ctx context.Context, lock *PutFromLoadLock, write func() error) (bool, error)
	// ReleasePutFromLoadLock ends the registration. Idempotent.
	ReleasePutFromLoadLock(ctx context.Context, lock *PutFromLoadLock) error

	// InvalidateKey races in-flight loads of key that began before ts.
	// Writers call it before touching the region.
	InvalidateKey(ctx context.Context, key string, ts int64) error
	// BeginInvalidatingKey refuses loads of key until the matching
	// EndInvalidatingKey for owner.
	BeginInvalidatingKey(ctx context.Context, key, owner string) error
	EndInvalidatingKey(ctx context.Context, key, owner string) error
	// InvalidateRegion races every load in flight.
	InvalidateRegion(ctx context.Context) error

	// Now is the clock load timestamps must be taken from.
	Now() int64
}

// PutFromLoadLock is the permission handed out by AcquirePutFromLoadLock.
type PutFromLoadLock struct {
	h        pending.Handle
	acquired int64
}

func (l *PutFromLoadLock) Key() string        { return l.h.Key() }
func (l *PutFromLoadLock) SessionID() string  { return l.h.Session() }
func (l *PutFromLoadLock) TxTimestamp() int64 { return l.h.Start() }
func (l *PutFromLoadLock) AcquiredAt() int64  { return l.acquired }

// ValidatorOptions tune a PutFromLoadValidator. Zero values pick defaults.
type ValidatorOptions struct {
	Mode             Mode
	GraceWindow      time.Duration // ModeInvalidation only; 0 => 1s
	MaxPendingPerKey int           // 0 => 8
	LockTimeout      time.Duration // 0 => 5s
	Shards           int           // 0 => 64
	Retention        time.Duration // idle key records and stuck loads; 0 => 1m
	CleanupInterval  time.Duration // 0 => Retention/2; < 0 disables
	Clock            clock.Clock   // nil => clock.NewMonotonic()

	OnSweep func(reclaimed, expired int)
}

// PutFromLoadValidator is the Validator backed by an in-process
// pending.Tracker.
type PutFromLoadValidator struct {
	tr    *pending.Tracker
	mode  Mode
	grace time.Duration
	clk   clock.Clock
}

var _ Validator = (*PutFromLoadValidator)(nil)

func NewValidator(opts ValidatorOptions) *PutFromLoadValidator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	v := &PutFromLoadValidator{
		mode: opts.Mode,
		clk:  clk,
	}
	if opts.Mode == ModeInvalidation {
		v.grace = util.Coalesce(opts.GraceWindow, defaultGraceWindow)
	}
	v.tr = pending.New(pending.Options{
		MaxPendingPerKey: opts.MaxPendingPerKey,
		LockTimeout:      opts.LockTimeout,
		Shards:           opts.Shards,
		Retention:        opts.Retention,
		CleanupInterval:  opts.CleanupInterval,
		Clock:            clk,
		OnSweep:          opts.OnSweep,
	})
	return v
}

func (v *PutFromLoadValidator) AcquirePutFromLoadLock(ctx context.Context, key, sessionID string, txTimestamp int64) (*PutFromLoadLock, error) {
	h, ok, err := v.tr.Register(ctx, key, sessionID, txTimestamp)
	if err != nil || !ok {
		return nil, err
	}
	return &PutFromLoadLock{h: h, acquired: v.clk.Now()}, nil
}

func (v *PutFromLoadValidator) IsPutValid(ctx context.Context, lock *PutFromLoadLock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	return v.tr.Valid(ctx, lock.h)
}

func (v *PutFromLoadValidator) CommitPutFromLoad(ctx context.Context, lock *PutFromLoadLock, write func() error) (bool, error) {
	if lock == nil {
		return false, nil
	}
	return v.tr.Commit(ctx, lock.h, write)
}

func (v *PutFromLoadValidator) ReleasePutFromLoadLock(ctx context.Context, lock *PutFromLoadLock) error {
	if lock == nil {
		return nil
	}
	return v.tr.Remove(ctx, lock.h)
}

func (v *PutFromLoadValidator) InvalidateKey(ctx context.Context, key string, ts int64) error {
	_, err := v.tr.Invalidate(ctx, key, ts, v.grace)
	return err
}

func (v *PutFromLoadValidator) BeginInvalidatingKey(ctx context.Context, key, owner string) error {
	_, err := v.tr.Begin(ctx, key, owner, v.clk.Now())
	return err
}

func (v *PutFromLoadValidator) EndInvalidatingKey(ctx context.Context, key, owner string) error {
	_, err := v.tr.End(ctx, key, owner, v.clk.Now(), v.grace)
	return err
}

func (v *PutFromLoadValidator) InvalidateRegion(context.Context) error {
	v.tr.InvalidateAll(v.clk.Now())
	return nil
}

func (v *PutFromLoadValidator) Now() int64 { return v.clk.Now() }

func (v *PutFromLoadValidator) Mode() Mode { return v.mode }

// State reports the bookkeeping held for key.
func (v *PutFromLoadValidator) State(ctx context.Context, key string) (pending.KeyState, error) {
	return v.tr.State(ctx, key)
}

// Sweep runs one reclamation pass immediately.
func (v *PutFromLoadValidator) Sweep() (reclaimed, expired int) { return v.tr.Sweep() }

// Tracked returns the number of key records held.
func (v *PutFromLoadValidator) Tracked() int { return v.tr.Len() }

func (v *PutFromLoadValidator) Close(ctx context.Context) error { return v.tr.Close(ctx) }
