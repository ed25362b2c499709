// Package wire frames cached entries before they reach a region.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1

	entryHeader = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("loadguard: corrupt entry")
	magic4     = [...]byte{'L', 'G', 'R', 'D'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is a stored value plus the metadata readers need to reason about it.
type Entry struct {
	// Version is the caller's entity version (0 when unversioned).
	Version uint64
	// Written is the validator timestamp at which the entry was admitted.
	Written int64
	Payload []byte
}

// EncodeEntry lays out
//
//	magic(4) | ver(1) | kind(1) | version(u64 be) | written(i64 be) | vlen(u32 be) | payload(vlen)
func EncodeEntry(e Entry) []byte {
	out := make([]byte, entryHeader+len(e.Payload))
	copy(out, magic4[:])
	out[4] = version
	out[5] = kindEntry
	binary.BigEndian.PutUint64(out[6:14], e.Version)
	binary.BigEndian.PutUint64(out[14:22], uint64(e.Written))
	binary.BigEndian.PutUint32(out[22:26], uint32(len(e.Payload)))
	copy(out[entryHeader:], e.Payload)
	return out
}

// DecodeEntry parses b. The returned Payload aliases b.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < entryHeader || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}
	vlen := binary.BigEndian.Uint32(b[22:26])
	if uint64(vlen) != uint64(len(b)-entryHeader) { // truncated or trailing junk
		return Entry{}, ErrCorrupt
	}
	return Entry{
		Version: binary.BigEndian.Uint64(b[6:14]),
		Written: int64(binary.BigEndian.Uint64(b[14:22])),
		Payload: b[entryHeader:],
	}, nil
}
