// Package log holds adapters from loadguard.Logger to common logging
// libraries. Each adapter lives in its own package so importing one does not
// pull in the others' dependencies.
package log

import (
	"sort"

	"github.com/unkn0wn-root/loadguard"
)

// SortedKeys returns f's keys in order, so adapters emit fields
// deterministically.
func SortedKeys(f loadguard.Fields) []string {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
