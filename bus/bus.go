// Package bus carries invalidations between loadguard nodes.
//
// A node that removes or updates a key publishes a Message; every other node
// subscribed to the same namespace invalidates the key in its own validator
// before its in-flight loads validate. Delivery is at-most-once: a peer that
// misses a message may keep a stale entry until its TTL expires.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus: closed")

type Kind uint8

const (
	// KindKey invalidates one key.
	KindKey Kind = iota + 1
	// KindRegion invalidates every key of the namespace.
	KindRegion
)

func (k Kind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindRegion:
		return "region"
	default:
		return "unknown"
	}
}

type Message struct {
	Origin    string `msgpack:"o"` // publishing node id
	Namespace string `msgpack:"n"`
	Kind      Kind   `msgpack:"k"`
	Key       string `msgpack:"key,omitempty"`
	// Sent is the origin's clock reading. Receivers never compare it with
	// their own clock; it is carried for logs.
	Sent int64 `msgpack:"t"`
}

// Handler is invoked for every message published on the namespace,
// including the subscriber's own. It must not block for long.
type Handler func(ctx context.Context, m Message)

type Subscription interface {
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(ctx context.Context, namespace string, h Handler) (Subscription, error)
	Close(ctx context.Context) error
}
