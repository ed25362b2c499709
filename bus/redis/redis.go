// Package redis carries invalidations over redis Pub/Sub. Messages are
// msgpack encoded, one channel per namespace.
package redis

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/loadguard/bus"
)

const defaultChannelPrefix = "loadguard:inv:"

var ErrNilClient = errors.New("redis bus: nil client")

type Bus struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
	onError     func(error)

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

type Config struct {
	Client        goredis.UniversalClient
	ChannelPrefix string // "" => "loadguard:inv:"
	CloseClient   bool   // set true only if this bus exclusively owns the client
	// OnError receives undecodable payloads. nil drops them silently.
	OnError func(error)
}

func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	p := cfg.ChannelPrefix
	if p == "" {
		p = defaultChannelPrefix
	}
	return &Bus{
		rdb:         cfg.Client,
		prefix:      p,
		closeClient: cfg.CloseClient,
		onError:     cfg.OnError,
		subs:        make(map[*subscription]struct{}),
	}, nil
}

func (b *Bus) channel(ns string) string { return b.prefix + ns }

func (b *Bus) Publish(ctx context.Context, m bus.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	payload, err := msgpack.Marshal(&m)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(m.Namespace), payload).Err()
}

// Subscribe returns once redis confirmed the subscription, so messages
// published after it returns are delivered.
func (b *Bus) Subscribe(ctx context.Context, namespace string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, b.channel(namespace))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &subscription{b: b, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(h)
	return s, nil
}

func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	b    *Bus
	ps   *goredis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscription) run(h bus.Handler) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		var m bus.Message
		if err := msgpack.Unmarshal([]byte(msg.Payload), &m); err != nil {
			if s.b.onError != nil {
				s.b.onError(err)
			}
			continue
		}
		h(context.Background(), m)
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
	})
	return s.err
}
