package util

import "github.com/cespare/xxhash/v2"

// Shard maps key onto [0, n). n must be > 0.
func Shard(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Prefixed isolates key under prefix: "<prefix>:<key>".
func Prefixed(prefix, key string) string {
	return prefix + ":" + key
}
