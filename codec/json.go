package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes values with encoding/json. Strict rejects payloads carrying
// fields V does not know, which surfaces schema drift between nodes sharing
// a region as decode errors (and so as misses) instead of silently dropped
// data.
type JSON[V any] struct {
	Strict bool
}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (c JSON[V]) Decode(b []byte) (V, error) {
	var v V
	if !c.Strict {
		err := json.Unmarshal(b, &v)
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}
