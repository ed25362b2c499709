// Package loadguard guards a write-through read cache against stale
// put-from-load: a reader that loaded a value from a slow backing store
// must not cache it if a writer invalidated the key while the read was in
// flight.
//
// Components:
//   - Region: byte store the entries live in (ristretto, bigcache, redis,
//     ttlcache adapters under region/).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - Validator: per-key registry of in-flight loads and invalidation
//     timestamps. Decides whether a loaded value may still be cached.
//   - AccessDelegate[V]: the facade callers use. Transactional and
//     non-transactional variants.
//   - Bus: optional fan-out of invalidations to peer nodes (bus/).
//
// Read path:
//
//	ts := d.NextTimestamp()              // before the backing-store read
//	v, ver, err := readFromDB(k)
//	_, _ = d.PutFromLoad(ctx, s, k, v, ts, ver) // skipped if k was invalidated after ts
//
// Write path:
//
//	writeToDB(k, v)
//	_ = d.Update(ctx, s, k, v, ver) // invalidate, then replace
//
// Writers always invalidate before touching the region, so a load that
// began earlier either is denied at acquire time or fails its re-validation
// after the write.
package loadguard
