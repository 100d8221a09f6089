package fuzzy

import (
	"errors"
	"sort"
	"strings"
)

// MinInputSize is the smallest input, in bytes, that yields a meaningful
// fuzzy digest.
const MinInputSize = 512

// ErrInputTooSmall is returned when the input is below MinInputSize.
var ErrInputTooSmall = errors.New("input below fuzzy hash minimum size")

// Hasher defines a fuzzy hashing implementation.
type Hasher interface {
	Name() string
	HashBytes(data []byte) (string, error)
}

var registry = map[string]Hasher{}

// Register adds a fuzzy hasher to the registry.
func Register(hasher Hasher) {
	if hasher == nil {
		return
	}
	registry[strings.ToLower(hasher.Name())] = hasher
}

// Lookup returns a registered hasher by name.
func Lookup(name string) (Hasher, bool) {
	hasher, ok := registry[strings.ToLower(name)]
	return hasher, ok
}

// Available returns the sorted names of registered hashers.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
