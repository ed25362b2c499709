package loadguard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/unkn0wn-root/loadguard/pending"
)

var (
	// ErrLockTimeout reports that a key lock could not be taken in time.
	// Transient: the caller may retry the whole get/load/put sequence or
	// skip caching this value.
	ErrLockTimeout = pending.ErrLockTimeout
	// ErrCapacityExceeded reports that too many loads of one key are in
	// flight. Treat the value as uncachable for this attempt.
	ErrCapacityExceeded = pending.ErrCapacityExceeded
	ErrClosed           = pending.ErrClosed
	// ErrNoLoadTimestamp reports a put-from-load without a load start:
	// txTimestamp was 0 and the session had none either.
	ErrNoLoadTimestamp = errors.New("loadguard: load timestamp is required")
)

// PutFromLoadError is returned by PutFromLoad when caching could not be
// attempted for infrastructure reasons. A raced or denied put is never an
// error.
type PutFromLoadError struct {
	Key string
	Op  string // "timestamp", "acquire", "validate", "commit", "write"
	Err error
}

func (e *PutFromLoadError) Error() string {
	return fmt.Sprintf("loadguard: put-from-load %q (%s): %v", e.Key, e.Op, e.Err)
}

func (e *PutFromLoadError) Unwrap() error { return e.Err }

// Transient reports whether retrying the load sequence may succeed.
func (e *PutFromLoadError) Transient() bool {
	return errors.Is(e.Err, ErrLockTimeout) || errors.Is(e.Err, ErrCapacityExceeded)
}

// InvalidateError is returned by writers when a step of
// invalidate-then-mutate failed. Later steps are still attempted after an
// earlier one failed: removing an entry is always safe.
type InvalidateError struct {
	Key           string
	InvalidateErr error // local validator
	BusErr        error // publishing to peers
	RegionErr     error
}

func (e *InvalidateError) Error() string {
	var parts []string
	if e.InvalidateErr != nil {
		parts = append(parts, "validator: "+e.InvalidateErr.Error())
	}
	if e.BusErr != nil {
		parts = append(parts, "bus: "+e.BusErr.Error())
	}
	if e.RegionErr != nil {
		parts = append(parts, "region: "+e.RegionErr.Error())
	}
	if len(parts) == 0 {
		return fmt.Sprintf("loadguard: invalidate %q: unknown error", e.Key)
	}
	return fmt.Sprintf("loadguard: invalidate %q failed: %s", e.Key, strings.Join(parts, "; "))
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 3)
	for _, err := range []error{e.InvalidateErr, e.BusErr, e.RegionErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func invalidateErr(key string, invErr, busErr, regErr error) error {
	if invErr == nil && busErr == nil && regErr == nil {
		return nil
	}
	return &InvalidateError{Key: key, InvalidateErr: invErr, BusErr: busErr, RegionErr: regErr}
}

// LoadError wraps a backing-store failure seen by Loader. No region action
// is taken when the load fails.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loadguard: load %q: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
