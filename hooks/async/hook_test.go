package asynchook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/loadguard"
)

type recorder struct {
	loadguard.NopHooks
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) add(e string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) PutFromLoadRejected(k, reason string) { r.add("reject:" + k + ":" + reason) }
func (r *recorder) SelfHeal(k, reason string)            { r.add("heal:" + k + ":" + reason) }
func (r *recorder) RemoteInvalidation(o, k string)       { r.add("remote:" + o + ":" + k) }

func TestForwardsAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 16)
	h.PutFromLoadRejected("k1", loadguard.RejectRaced)
	h.SelfHeal("k2", "corrupt")
	h.RemoteInvalidation("node-b", "")
	h.Close()

	assert.Equal(t, []string{"reject:k1:raced", "heal:k2:corrupt", "remote:node-b:"}, rec.events)
	assert.Zero(t, h.Dropped())
}

func TestDropsWhenFullAndAfterClose(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	// One event parks the worker, one fills the queue, the rest drop.
	for i := 0; i < 10; i++ {
		h.SelfHeal("k", "corrupt")
	}
	require.GreaterOrEqual(t, h.Dropped(), uint64(8))

	close(rec.block)
	h.Close()
	before := h.Dropped()
	h.CapacityExceeded("k")
	assert.Equal(t, before+1, h.Dropped())
	h.Close()
}
