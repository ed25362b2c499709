// Package codec turns loaded values into the payload bytes that loadguard
// frames and stores in a region.
package codec

import "errors"

// ErrTooLarge is returned by Limit when a payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")

// Codec encodes/decodes values V to []byte for storage.
// Decode must not retain b; regions may reuse the backing array.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
