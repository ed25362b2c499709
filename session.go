package loadguard

import (
	"context"
	"sync"
)

// Session is the caller's unit of work as seen by the cache.
//
// ID distinguishes concurrent sessions of one process; the transactional
// delegate uses it to pair the start and end of a writer's invalidation.
// Timestamp is taken from the delegate's clock (NextTimestamp) when the
// session began; it is the default load timestamp for put-from-load.
// Transaction returns nil when the session is not inside a transaction.
type Session interface {
	ID() string
	Timestamp() int64
	Transaction() Transaction
}

// Transaction lets the cache run work after the backing store transaction
// finished. Callbacks run once, in registration order.
type Transaction interface {
	OnCompletion(fn func(ctx context.Context, committed bool))
}

type session struct {
	id string
	ts int64
	tx Transaction
}

func (s session) ID() string               { return s.id }
func (s session) Timestamp() int64         { return s.ts }
func (s session) Transaction() Transaction { return s.tx }

// NewSession returns a plain Session. tx may be nil.
func NewSession(id string, ts int64, tx Transaction) Session {
	return session{id: id, ts: ts, tx: tx}
}

// Txn is a minimal Transaction for callers that manage commit themselves:
// call Commit after the backing store committed, Rollback otherwise.
type Txn struct {
	mu        sync.Mutex
	fns       []func(context.Context, bool)
	done      bool
	committed bool
}

func NewTxn() *Txn { return &Txn{} }

// OnCompletion registers fn. On a finished Txn fn runs immediately with the
// recorded outcome.
func (t *Txn) OnCompletion(fn func(ctx context.Context, committed bool)) {
	t.mu.Lock()
	if t.done {
		committed := t.committed
		t.mu.Unlock()
		fn(context.Background(), committed)
		return
	}
	t.fns = append(t.fns, fn)
	t.mu.Unlock()
}

func (t *Txn) Commit(ctx context.Context)   { t.complete(ctx, true) }
func (t *Txn) Rollback(ctx context.Context) { t.complete(ctx, false) }

// Done reports whether Commit or Rollback was called.
func (t *Txn) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Txn) complete(ctx context.Context, committed bool) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done, t.committed = true, committed
	fns := t.fns
	t.fns = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, committed)
	}
}

func sessionID(s Session) string {
	if s == nil {
		return ""
	}
	return s.ID()
}

func transactionOf(s Session) Transaction {
	if s == nil {
		return nil
	}
	return s.Transaction()
}
