package loadguard

// Reasons passed to Hooks.PutFromLoadRejected.
const (
	RejectStale         = "stale"          // denied at acquire: key invalidated since the load began
	RejectRaced         = "raced"          // invalidated while the load was in flight
	RejectOlderVersion  = "older_version"  // region already holds a newer version
	RejectRegionRefused = "region_refused" // region returned ok=false (pressure)
)

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The delegate calls them on hot paths.
type Hooks interface {
	// A put-from-load did not reach (or was removed from) the region.
	// reason is one of the Reject* constants.
	PutFromLoadRejected(key, reason string)

	// The standard put wrote speculatively, failed re-validation and
	// removed its own write.
	SpeculativePutRolledBack(key string)

	// A key lock was not acquired in time. op names the caller
	// ("put_from_load", "remove", "update", "evict", "remote").
	LockTimeout(key, op string)

	// Too many loads of key were in flight.
	CapacityExceeded(key string)

	// Region returned an error. op ∈ {"get", "put", "remove", "clear"}.
	RegionError(op, key string, err error)

	// An entry failed to decode on read and was deleted.
	// reason ∈ {"corrupt", "value_decode"}
	SelfHeal(key, reason string)

	// A peer's invalidation was applied locally. key is "" for a
	// region-wide invalidation.
	RemoteInvalidation(origin, key string)

	// The validator's sweeper dropped idle key records and expired
	// registrations that outlived their retention.
	PendingReclaimed(reclaimed, expired int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) PutFromLoadRejected(string, string) {}
func (NopHooks) SpeculativePutRolledBack(string)    {}
func (NopHooks) LockTimeout(string, string)         {}
func (NopHooks) CapacityExceeded(string)            {}
func (NopHooks) RegionError(string, string, error)  {}
func (NopHooks) SelfHeal(string, string)            {}
func (NopHooks) RemoteInvalidation(string, string)  {}
func (NopHooks) PendingReclaimed(int, int)          {}
