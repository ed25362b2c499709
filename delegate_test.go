package loadguard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/loadguard/bus/local"
	"github.com/unkn0wn-root/loadguard/codec"
	"github.com/unkn0wn-root/loadguard/internal/wire"
	"github.com/unkn0wn-root/loadguard/region"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// memRegion is a map-backed region.Region with failure injection.
type memRegion struct {
	mu      sync.Mutex
	m       map[string][]byte
	puts    int
	removes int

	getErr    error
	putErr    error
	removeErr error
	refuse    bool
}

var _ region.Region = (*memRegion)(nil)

func newMemRegion() *memRegion { return &memRegion{m: make(map[string][]byte)} }

func (r *memRegion) Get(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, false, r.getErr
	}
	b, ok := r.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (r *memRegion) Put(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return false, r.putErr
	}
	if r.refuse {
		return false, nil
	}
	r.puts++
	r.m[key] = append([]byte(nil), value...)
	return true, nil
}

func (r *memRegion) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removes++
	delete(r.m, key)
	return nil
}

func (r *memRegion) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = make(map[string][]byte)
	return nil
}

func (r *memRegion) Close(context.Context) error { return nil }

func (r *memRegion) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	return ok
}

func (r *memRegion) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

func (r *memRegion) inject(key string, raw []byte) {
	r.mu.Lock()
	r.m[key] = raw
	r.mu.Unlock()
}

// recHooks records events as "key:detail".
type recHooks struct {
	NopHooks
	mu           sync.Mutex
	rejected     []string
	rolledBack   []string
	lockTimeouts []string
	capacity     []string
	regionErrs   []string
	selfHeals    []string
	remote       []string
	sweeps       atomic.Int32
}

func (h *recHooks) add(dst *[]string, s string) {
	h.mu.Lock()
	*dst = append(*dst, s)
	h.mu.Unlock()
}

func (h *recHooks) PutFromLoadRejected(key, reason string) { h.add(&h.rejected, key+":"+reason) }
func (h *recHooks) SpeculativePutRolledBack(key string)    { h.add(&h.rolledBack, key) }
func (h *recHooks) LockTimeout(key, op string)             { h.add(&h.lockTimeouts, key+":"+op) }
func (h *recHooks) CapacityExceeded(key string)            { h.add(&h.capacity, key) }
func (h *recHooks) RegionError(op, key string, _ error)    { h.add(&h.regionErrs, key+":"+op) }
func (h *recHooks) SelfHeal(key, reason string)            { h.add(&h.selfHeals, key+":"+reason) }
func (h *recHooks) RemoteInvalidation(origin, key string)  { h.add(&h.remote, origin+":"+key) }
func (h *recHooks) PendingReclaimed(int, int)              { h.sweeps.Add(1) }

func (h *recHooks) snapshot(src *[]string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), (*src)...)
}

// gatedValidator pauses the next AcquirePutFromLoadLock right after the
// load registered, until the test lets it go.
type gatedValidator struct {
	*PutFromLoadValidator
	armed    atomic.Bool
	acquired chan struct{}
	proceed  chan struct{}
}

func newGatedValidator(t *testing.T, opts ValidatorOptions) *gatedValidator {
	t.Helper()
	g := &gatedValidator{
		PutFromLoadValidator: NewValidator(opts),
		acquired:             make(chan struct{}),
		proceed:              make(chan struct{}),
	}
	t.Cleanup(func() { _ = g.PutFromLoadValidator.Close(context.Background()) })
	return g
}

func (g *gatedValidator) AcquirePutFromLoadLock(ctx context.Context, key, sessionID string, ts int64) (*PutFromLoadLock, error) {
	lock, err := g.PutFromLoadValidator.AcquirePutFromLoadLock(ctx, key, sessionID, ts)
	if g.armed.CompareAndSwap(true, false) {
		g.acquired <- struct{}{}
		<-g.proceed
	}
	return lock, err
}

// validateGate pauses the next IsPutValid, after the speculative write
// landed and before the lock is re-checked.
type validateGate struct {
	*PutFromLoadValidator
	armed   atomic.Bool
	reached chan struct{}
	proceed chan struct{}
}

func newValidateGate(t *testing.T, opts ValidatorOptions) *validateGate {
	t.Helper()
	g := &validateGate{
		PutFromLoadValidator: NewValidator(opts),
		reached:              make(chan struct{}),
		proceed:              make(chan struct{}),
	}
	t.Cleanup(func() { _ = g.PutFromLoadValidator.Close(context.Background()) })
	return g
}

func (g *validateGate) IsPutValid(ctx context.Context, lock *PutFromLoadLock) (bool, error) {
	if g.armed.CompareAndSwap(true, false) {
		g.reached <- struct{}{}
		<-g.proceed
	}
	return g.PutFromLoadValidator.IsPutValid(ctx, lock)
}

func newTestDelegate(t *testing.T, reg region.Region, mut func(*Options[user])) AccessDelegate[user] {
	t.Helper()
	opts := Options[user]{
		Namespace: "user",
		Region:    reg,
		Codec:     codec.JSON[user]{},
	}
	if mut != nil {
		mut(&opts)
	}
	d, err := New[user](opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func sess(id string, ts int64) Session { return NewSession(id, ts, nil) }

// seed caches v through the regular read path.
func seed(t *testing.T, d AccessDelegate[user], key string, v user) {
	t.Helper()
	ts := d.NextTimestamp()
	ok, err := d.PutFromLoad(context.Background(), sess("seed", ts), key, v, ts, 0)
	require.NoError(t, err)
	require.True(t, ok, "seed put was skipped")
}

type putResult struct {
	stored bool
	err    error
}

// raceRemoveDuringPut forces: reader registers its load, writer runs
// Remove to completion, then the reader attempts its put.
func raceRemoveDuringPut(t *testing.T, reader, writer AccessDelegate[user], gate *gatedValidator, minimal bool) putResult {
	t.Helper()
	ctx := context.Background()
	gate.armed.Store(true)

	ts := reader.NextTimestamp()
	done := make(chan putResult, 1)
	go func() {
		put := reader.PutFromLoad
		if minimal {
			put = reader.PutFromLoadMinimal
		}
		ok, err := put(ctx, sess("reader", ts), "k1", user{ID: "k1", Name: "stale"}, ts, 0)
		done <- putResult{ok, err}
	}()

	select {
	case <-gate.acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never acquired")
	}
	require.NoError(t, writer.Remove(ctx, sess("writer", writer.NextTimestamp()), "k1"))
	close(gate.proceed)

	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("reader never finished")
	}
	return putResult{}
}

func TestGetPutRemove(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	d := newTestDelegate(t, reg, nil)

	_, ok, err := d.Get(ctx, nil, "u:1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	want := user{ID: "1", Name: "Ada"}
	seed(t, d, "u:1", want)

	got, ok, err := d.Get(ctx, nil, "u:1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, d.Remove(ctx, nil, "u:1"))
	_, ok, _ = d.Get(ctx, nil, "u:1", 0)
	assert.False(t, ok)
}

func TestRemoveDuringPutFromLoad(t *testing.T) {
	for _, minimal := range []bool{false, true} {
		name := map[bool]string{false: "standard", true: "minimal"}[minimal]
		t.Run(name, func(t *testing.T) {
			reg := newMemRegion()
			hooks := &recHooks{}
			gate := newGatedValidator(t, ValidatorOptions{})
			d := newTestDelegate(t, reg, func(o *Options[user]) {
				o.Validator = gate
				o.Hooks = hooks
			})
			seed(t, d, "k1", user{ID: "k1", Name: "old"})
			putsBefore := reg.putCount()

			r := raceRemoveDuringPut(t, d, d, gate, minimal)
			require.NoError(t, r.err)
			assert.False(t, r.stored)
			assert.False(t, reg.has("k1"), "stale value survived the remove")
			assert.Contains(t, hooks.snapshot(&hooks.rejected), "k1:raced")

			if minimal {
				assert.Equal(t, putsBefore, reg.putCount(), "minimal put wrote before validating")
				assert.Empty(t, hooks.snapshot(&hooks.rolledBack))
			} else {
				assert.Equal(t, putsBefore+1, reg.putCount())
				assert.Equal(t, []string{"k1"}, hooks.snapshot(&hooks.rolledBack))
			}
		})
	}
}

func TestRemoveBetweenWriteAndValidate(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	hooks := &recHooks{}
	gate := newValidateGate(t, ValidatorOptions{})
	d := newTestDelegate(t, reg, func(o *Options[user]) {
		o.Validator = gate
		o.Hooks = hooks
	})

	gate.armed.Store(true)
	ts := d.NextTimestamp()
	done := make(chan putResult, 1)
	go func() {
		ok, err := d.PutFromLoad(ctx, sess("reader", ts), "k1", user{ID: "k1", Name: "stale"}, ts, 0)
		done <- putResult{ok, err}
	}()

	select {
	case <-gate.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never reached validation")
	}
	require.True(t, reg.has("k1"), "speculative write not visible before validation")
	require.NoError(t, d.Remove(ctx, sess("writer", d.NextTimestamp()), "k1"))
	close(gate.proceed)

	var r putResult
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never finished")
	}
	require.NoError(t, r.err)
	assert.False(t, r.stored)
	assert.False(t, reg.has("k1"), "raced value left in the region")
	assert.Equal(t, []string{"k1"}, hooks.snapshot(&hooks.rolledBack))
	assert.Equal(t, []string{"k1:raced"}, hooks.snapshot(&hooks.rejected))
	assert.Equal(t, 1, reg.putCount())

	_, ok, err := d.Get(ctx, nil, "k1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveDuringPutFromLoadOnPeer(t *testing.T) {
	cases := []struct {
		name   string
		mode   Mode
		shared bool
	}{
		{"invalidation", ModeInvalidation, false},
		{"replicated", ModeReplicated, true},
	}
	for _, tc := range cases {
		for _, minimal := range []bool{false, true} {
			t.Run(tc.name+map[bool]string{false: "/standard", true: "/minimal"}[minimal], func(t *testing.T) {
				b := local.New()
				regA, regB := newMemRegion(), newMemRegion()
				if tc.shared {
					regB = regA
				}
				gate := newGatedValidator(t, ValidatorOptions{Mode: tc.mode})
				hooksB := &recHooks{}

				nodeA := newTestDelegate(t, regA, func(o *Options[user]) {
					o.Mode, o.Bus, o.NodeID = tc.mode, b, "A"
				})
				nodeB := newTestDelegate(t, regB, func(o *Options[user]) {
					o.Mode, o.Bus, o.NodeID = tc.mode, b, "B"
					o.Validator = gate
					o.Hooks = hooksB
				})
				seed(t, nodeA, "k1", user{ID: "k1", Name: "old"})
				if !tc.shared {
					seed(t, nodeB, "k1", user{ID: "k1", Name: "old"})
				}

				r := raceRemoveDuringPut(t, nodeB, nodeA, gate, minimal)
				require.NoError(t, r.err)
				assert.False(t, r.stored)
				assert.False(t, regA.has("k1"), "writer's region still has k1")
				assert.False(t, regB.has("k1"), "peer region still has k1")
				assert.Equal(t, []string{"A:k1"}, hooksB.snapshot(&hooksB.remote))
			})
		}
	}
}

func TestInvalidationModeSuppressesPeerLoads(t *testing.T) {
	ctx := context.Background()
	b := local.New()
	regA, regB := newMemRegion(), newMemRegion()
	vo := ValidatorOptions{GraceWindow: 100 * time.Millisecond}
	nodeA := newTestDelegate(t, regA, func(o *Options[user]) {
		o.Mode, o.Bus, o.NodeID, o.ValidatorOptions = ModeInvalidation, b, "A", vo
	})
	hooksB := &recHooks{}
	nodeB := newTestDelegate(t, regB, func(o *Options[user]) {
		o.Mode, o.Bus, o.NodeID, o.ValidatorOptions, o.Hooks = ModeInvalidation, b, "B", vo, hooksB
	})
	seed(t, nodeB, "k", user{ID: "k", Name: "old"})

	require.NoError(t, nodeA.Update(ctx, nil, "k", user{ID: "k", Name: "new"}, 0))
	assert.False(t, regB.has("k"), "peer kept its copy")
	got, ok, err := nodeA.Get(ctx, nil, "k", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Name)

	// a load B starts right after the write may have read a lagging
	// replica; the grace window refuses it
	ts := nodeB.NextTimestamp()
	ok, err = nodeB.PutFromLoad(ctx, nil, "k", user{ID: "k", Name: "old"}, ts, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, hooksB.snapshot(&hooksB.rejected), "k:stale")

	time.Sleep(150 * time.Millisecond)
	ts = nodeB.NextTimestamp()
	ok, err = nodeB.PutFromLoad(ctx, nil, "k", user{ID: "k", Name: "new"}, ts, 0)
	require.NoError(t, err)
	assert.True(t, ok, "grace window never closed")
}

func TestTwoReadersRaceWithoutInvalidation(t *testing.T) {
	ctx := context.Background()
	d := newTestDelegate(t, newMemRegion(), nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			<-start
			ts := d.NextTimestamp()
			_, err := d.PutFromLoad(ctx, sess(name, ts), "k", user{ID: "k", Name: name}, ts, 0)
			assert.NoError(t, err)
		}(name)
	}
	close(start)
	wg.Wait()

	first, ok, err := d.Get(ctx, nil, "k", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, []string{"a", "b"}, first.Name)
	for i := 0; i < 20; i++ {
		got, ok, _ := d.Get(ctx, nil, "k", 0)
		require.True(t, ok)
		require.Equal(t, first, got, "read flickered")
	}
}

func TestStaleLoadDeniedAtAcquire(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	hooks := &recHooks{}
	d := newTestDelegate(t, reg, func(o *Options[user]) { o.Hooks = hooks })

	ts := d.NextTimestamp()
	require.NoError(t, d.Remove(ctx, nil, "k"))

	for _, put := range []func(context.Context, Session, string, user, int64, uint64) (bool, error){
		d.PutFromLoad, d.PutFromLoadMinimal,
	} {
		ok, err := put(ctx, sess("r", ts), "k", user{ID: "k"}, ts, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, []string{"k:stale", "k:stale"}, hooks.snapshot(&hooks.rejected))
	assert.Zero(t, reg.putCount())

	// session timestamp is the default load timestamp
	s := sess("r2", d.NextTimestamp())
	ok, err := d.PutFromLoad(ctx, s, "k", user{ID: "k"}, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutFromLoadRequiresTimestamp(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	hooks := &recHooks{}
	d := newTestDelegate(t, reg, func(o *Options[user]) { o.Hooks = hooks })

	for name, s := range map[string]Session{"nil session": nil, "session without timestamp": sess("r", 0)} {
		for _, minimal := range []bool{false, true} {
			put := d.PutFromLoad
			if minimal {
				put = d.PutFromLoadMinimal
			}
			ok, err := put(ctx, s, "k", user{ID: "k"}, 0, 0)
			assert.False(t, ok, name)
			require.ErrorIs(t, err, ErrNoLoadTimestamp, name)
			var pe *PutFromLoadError
			require.ErrorAs(t, err, &pe, name)
			assert.Equal(t, "timestamp", pe.Op)
			assert.False(t, pe.Transient())
		}
	}
	assert.Empty(t, hooks.snapshot(&hooks.rejected), "a missing timestamp is not a protocol rejection")
	assert.Zero(t, reg.putCount())
}

func TestMinimalEquivalenceWithoutRace(t *testing.T) {
	ctx := context.Background()
	regStd, regMin := newMemRegion(), newMemRegion()
	std := newTestDelegate(t, regStd, nil)
	minimal := newTestDelegate(t, regMin, nil)

	v := user{ID: "k", Name: "v"}
	ts := std.NextTimestamp()
	ok1, err := std.PutFromLoad(ctx, nil, "k", v, ts, 0)
	require.NoError(t, err)
	ts = minimal.NextTimestamp()
	ok2, err := minimal.PutFromLoadMinimal(ctx, nil, "k", v, ts, 0)
	require.NoError(t, err)
	assert.True(t, ok1)
	assert.True(t, ok2)

	a, _, _ := std.Get(ctx, nil, "k", 0)
	b, _, _ := minimal.Get(ctx, nil, "k", 0)
	assert.Equal(t, a, b)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	d := newTestDelegate(t, reg, nil)
	seed(t, d, "k", user{ID: "k"})

	require.NoError(t, d.Remove(ctx, nil, "k"))
	require.NoError(t, d.Remove(ctx, nil, "k"))
	assert.False(t, reg.has("k"))
}

func TestUpdateReplacesAndRacesOlderLoads(t *testing.T) {
	ctx := context.Background()
	d := newTestDelegate(t, newMemRegion(), nil)
	seed(t, d, "k", user{ID: "k", Name: "old"})

	ts := d.NextTimestamp()
	require.NoError(t, d.Update(ctx, nil, "k", user{ID: "k", Name: "new"}, 2))

	ok, err := d.PutFromLoad(ctx, nil, "k", user{ID: "k", Name: "old"}, ts, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := d.Get(ctx, nil, "k", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Name)
}

func TestOlderVersionNotCached(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	d := newTestDelegate(t, newMemRegion(), func(o *Options[user]) { o.Hooks = hooks })
	require.NoError(t, d.Update(ctx, nil, "k", user{ID: "k", Name: "v5"}, 5))

	for _, put := range []func(context.Context, Session, string, user, int64, uint64) (bool, error){
		d.PutFromLoad, d.PutFromLoadMinimal,
	} {
		ts := d.NextTimestamp()
		ok, err := put(ctx, nil, "k", user{ID: "k", Name: "v3"}, ts, 3)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	got, _, _ := d.Get(ctx, nil, "k", 0)
	assert.Equal(t, "v5", got.Name)
	assert.Equal(t, []string{"k:" + RejectOlderVersion, "k:" + RejectOlderVersion}, hooks.snapshot(&hooks.rejected))

	ts := d.NextTimestamp()
	ok, err := d.PutFromLoad(ctx, nil, "k", user{ID: "k", Name: "v5"}, ts, 5)
	require.NoError(t, err)
	assert.True(t, ok, "same version must be cacheable")
}

func TestEvictAll(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	d := newTestDelegate(t, reg, nil)
	seed(t, d, "a", user{ID: "a"})
	seed(t, d, "b", user{ID: "b"})

	old := d.NextTimestamp()
	require.NoError(t, d.EvictAll(ctx))
	assert.False(t, reg.has("a"))
	assert.False(t, reg.has("b"))

	ok, err := d.PutFromLoad(ctx, nil, "a", user{ID: "a"}, old, 0)
	require.NoError(t, err)
	assert.False(t, ok, "load from before EvictAll was cached")

	seed(t, d, "a", user{ID: "a"})
}

func TestEvictReachesPeers(t *testing.T) {
	ctx := context.Background()
	b := local.New()
	regA, regB := newMemRegion(), newMemRegion()
	nodeA := newTestDelegate(t, regA, func(o *Options[user]) { o.Mode, o.Bus, o.NodeID = ModeInvalidation, b, "A" })
	nodeB := newTestDelegate(t, regB, func(o *Options[user]) { o.Mode, o.Bus, o.NodeID = ModeInvalidation, b, "B" })
	regB.inject("x", wire.EncodeEntry(wire.Entry{Payload: []byte(`{"id":"x"}`)}))
	regB.inject("y", wire.EncodeEntry(wire.Entry{Payload: []byte(`{"id":"y"}`)}))
	_, ok, _ := nodeB.Get(ctx, nil, "x", 0)
	require.True(t, ok)

	require.NoError(t, nodeA.Evict(ctx, "x"))
	assert.False(t, regB.has("x"))
	assert.True(t, regB.has("y"))

	require.NoError(t, nodeA.EvictAll(ctx))
	assert.False(t, regB.has("y"))
}

func TestLockTimeoutIsPerKey(t *testing.T) {
	ctx := context.Background()
	inner := newMemRegion()
	slow := &slowRegion{memRegion: inner, entered: make(chan struct{}), release: make(chan struct{})}
	hooks := &recHooks{}
	d := newTestDelegate(t, slow, func(o *Options[user]) {
		o.Hooks = hooks
		o.ValidatorOptions = ValidatorOptions{LockTimeout: 50 * time.Millisecond}
	})

	// minimal put holds the key lock across the region write
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts := d.NextTimestamp()
		_, _ = d.PutFromLoadMinimal(ctx, nil, "slow", user{ID: "slow"}, ts, 0)
	}()
	<-slow.entered

	err := d.Remove(ctx, nil, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	var ie *InvalidateError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "slow", ie.Key)
	assert.NoError(t, ie.RegionErr)
	assert.Contains(t, hooks.snapshot(&hooks.lockTimeouts), "slow:remove")

	ts := d.NextTimestamp()
	_, err = d.PutFromLoad(ctx, nil, "slow", user{ID: "slow"}, ts, 0)
	var pe *PutFromLoadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "acquire", pe.Op)
	assert.True(t, pe.Transient())

	// other keys are unaffected; a shared lock would time out here too
	seed(t, d, "other", user{ID: "other"})
	require.NoError(t, d.Remove(ctx, nil, "other"))

	close(slow.release)
	<-done
}

// slowRegion blocks Put of key "slow" until release is closed.
type slowRegion struct {
	*memRegion
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *slowRegion) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "slow" {
		r.once.Do(func() { close(r.entered) })
		<-r.release
	}
	return r.memRegion.Put(ctx, key, value, ttl)
}

func TestCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	gate := newGatedValidator(t, ValidatorOptions{MaxPendingPerKey: 1})
	hooks := &recHooks{}
	d := newTestDelegate(t, newMemRegion(), func(o *Options[user]) {
		o.Validator = gate
		o.Hooks = hooks
	})

	gate.armed.Store(true)
	first := make(chan putResult, 1)
	go func() {
		ts := d.NextTimestamp()
		ok, err := d.PutFromLoad(ctx, nil, "hot", user{ID: "hot"}, ts, 0)
		first <- putResult{ok, err}
	}()
	<-gate.acquired

	ts := d.NextTimestamp()
	ok, err := d.PutFromLoad(ctx, nil, "hot", user{ID: "hot"}, ts, 0)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	var pe *PutFromLoadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "hot", pe.Key)
	assert.True(t, pe.Transient())
	assert.Equal(t, []string{"hot"}, hooks.snapshot(&hooks.capacity))

	close(gate.proceed)
	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.stored)
}

func TestSelfHealOnUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	hooks := &recHooks{}
	d := newTestDelegate(t, reg, func(o *Options[user]) { o.Hooks = hooks })

	reg.inject("bad", []byte("not-wire-format"))
	_, ok, err := d.Get(ctx, nil, "bad", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, reg.has("bad"))

	reg.inject("junk", wire.EncodeEntry(wire.Entry{Payload: []byte("{not json")}))
	_, ok, err = d.Get(ctx, nil, "junk", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, reg.has("junk"))

	assert.Equal(t, []string{"bad:corrupt", "junk:value_decode"}, hooks.snapshot(&hooks.selfHeals))
}

func TestRegionFailures(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	hooks := &recHooks{}
	d := newTestDelegate(t, reg, func(o *Options[user]) { o.Hooks = hooks })

	boom := errors.New("boom")
	reg.getErr = boom
	_, _, err := d.Get(ctx, nil, "k", 0)
	assert.ErrorIs(t, err, boom)
	reg.getErr = nil

	reg.putErr = boom
	ts := d.NextTimestamp()
	_, err = d.PutFromLoad(ctx, nil, "k", user{ID: "k"}, ts, 0)
	var pe *PutFromLoadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "write", pe.Op)
	assert.ErrorIs(t, err, boom)
	assert.False(t, pe.Transient())
	reg.putErr = nil

	reg.refuse = true
	ts = d.NextTimestamp()
	ok, err := d.PutFromLoad(ctx, nil, "k", user{ID: "k"}, ts, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, hooks.snapshot(&hooks.rejected), "k:"+RejectRegionRefused)
	reg.refuse = false

	reg.removeErr = boom
	err = d.Remove(ctx, nil, "k")
	var ie *InvalidateError
	require.ErrorAs(t, err, &ie)
	assert.NoError(t, ie.InvalidateErr)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"k:get", "k:put", "k:remove"}, hooks.snapshot(&hooks.regionErrs))
}

func TestDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegion()
	d := newTestDelegate(t, reg, func(o *Options[user]) { o.Disabled = true })
	assert.False(t, d.Enabled())

	ok, err := d.PutFromLoad(ctx, nil, "k", user{ID: "k"}, d.NextTimestamp(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, d.Update(ctx, nil, "k", user{ID: "k"}, 0))
	require.NoError(t, d.Remove(ctx, nil, "k"))
	require.NoError(t, d.EvictAll(ctx))
	assert.Zero(t, reg.putCount())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New[user](Options[user]{Namespace: "user", Codec: codec.JSON[user]{}})
	assert.ErrorContains(t, err, "region is required")
	_, err = New[user](Options[user]{Namespace: "user", Region: newMemRegion()})
	assert.ErrorContains(t, err, "codec is required")
	_, err = New[user](Options[user]{Region: newMemRegion(), Codec: codec.JSON[user]{}})
	assert.ErrorContains(t, err, "namespace is required")
}

func TestSweepReportsThroughHooks(t *testing.T) {
	hooks := &recHooks{}
	d := newTestDelegate(t, newMemRegion(), func(o *Options[user]) {
		o.Hooks = hooks
		o.ValidatorOptions = ValidatorOptions{Retention: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}
	})
	seed(t, d, "k", user{ID: "k"})

	deadline := time.Now().Add(2 * time.Second)
	for hooks.sweeps.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotZero(t, hooks.sweeps.Load(), "idle key record never reclaimed")
}

func TestCloseIsIdempotent(t *testing.T) {
	d, err := New[user](Options[user]{Namespace: "user", Region: newMemRegion(), Codec: codec.JSON[user]{}})
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))
}
