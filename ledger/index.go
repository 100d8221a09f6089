package ledger

import (
	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
)

// Index is an immutable set of content hashes. A xor filter answers most
// negative lookups before the map is consulted.
type Index struct {
	keys   map[string]struct{}
	filter *xorfilter.Xor8
}

// NewIndex builds an index over the given hashes.
func NewIndex(hashes []string) *Index {
	keys := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		h = normalizeHash(h)
		if h == "" {
			continue
		}
		keys[h] = struct{}{}
	}
	return newIndexFromSet(keys)
}

func newIndexFromSet(keys map[string]struct{}) *Index {
	ix := &Index{keys: keys}
	if len(keys) == 0 {
		return ix
	}
	fingerprints := make([]uint64, 0, len(keys))
	seen := make(map[uint64]struct{}, len(keys))
	for h := range keys {
		fp := xxhash.Sum64String(h)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		fingerprints = append(fingerprints, fp)
	}
	if filter, err := xorfilter.Populate(fingerprints); err == nil {
		ix.filter = filter
	}
	return ix
}

// Contains reports whether the hash is in the index.
func (ix *Index) Contains(h string) bool {
	if ix == nil || len(ix.keys) == 0 {
		return false
	}
	h = normalizeHash(h)
	if ix.filter != nil && !ix.filter.Contains(xxhash.Sum64String(h)) {
		return false
	}
	_, ok := ix.keys[h]
	return ok
}

// Len returns the number of distinct hashes in the index.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.keys)
}
