package codec

// Bytes is an identity codec for []byte values. Encode copies, so a caller
// that keeps mutating its slice cannot change what the region holds; Decode
// copies for the same reason on the way out.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }

// String stores Go strings as their UTF-8 bytes without validation.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
