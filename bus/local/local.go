// Package local is an in-process bus. Publish delivers synchronously, so a
// publisher returns only after every peer applied the invalidation.
package local

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/loadguard/bus"
)

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]bus.Handler
	nextID uint64
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]bus.Handler)}
}

func (b *Bus) Publish(ctx context.Context, m bus.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	hs := make([]bus.Handler, 0, len(b.subs[m.Namespace]))
	for _, h := range b.subs[m.Namespace] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, m)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, namespace string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[namespace] == nil {
		b.subs[namespace] = make(map[uint64]bus.Handler)
	}
	b.subs[namespace][id] = h
	return &subscription{b: b, ns: namespace, id: id}, nil
}

func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]bus.Handler)
	b.mu.Unlock()
	return nil
}

type subscription struct {
	b    *Bus
	ns   string
	id   uint64
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs[s.ns], s.id)
		if len(s.b.subs[s.ns]) == 0 {
			delete(s.b.subs, s.ns)
		}
		s.b.mu.Unlock()
	})
	return nil
}
