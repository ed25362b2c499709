package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack encodes values with vmihailenco/msgpack/v5. The zero value
// matches msgpack.Marshal and msgpack.Unmarshal.
//
// SortMapKeys makes map encoding byte-stable, for callers that compare or
// hash stored entries. StructTag names a tag consulted when a field has no
// msgpack tag; "json" lets msgpack and JSON nodes share one set of field
// names during a codec migration. Strict rejects payloads carrying fields V
// does not know, as JSON.Strict does.
type Msgpack[V any] struct {
	SortMapKeys bool
	StructTag   string
	Strict      bool
}

var _ Codec[struct{}] = Msgpack[struct{}]{}

func (c Msgpack[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(c.SortMapKeys)
	if c.StructTag != "" {
		enc.SetCustomStructTag(c.StructTag)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	if c.StructTag != "" {
		dec.SetCustomStructTag(c.StructTag)
	}
	dec.DisallowUnknownFields(c.Strict)
	err := dec.Decode(&v)
	return v, err
}
