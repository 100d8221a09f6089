package hasher

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"fuzzycollector/logger"

	"lukechampine.com/blake3"
)

const hashBufferSize = 32 * 1024

var hashBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSize)
		return &buf
	},
}

// newHash covers the digests used for snapshot naming.
func newHash(algo string) (hash.Hash, bool) {
	switch algo {
	case "blake3":
		return blake3.New(32, nil), true
	default:
		return nil, false
	}
}

// ComputeHashes digests everything read from r with each supported algorithm.
// Unknown algorithms are logged and left out of the result.
func ComputeHashes(r io.Reader, algorithms []string) (map[string]string, error) {
	hashes := make(map[string]string, len(algorithms))

	type hasherEntry struct {
		name string
		h    hash.Hash
	}
	hashers := make([]hasherEntry, 0, len(algorithms))
	seen := make(map[string]struct{}, len(algorithms))
	for _, algo := range algorithms {
		if _, ok := seen[algo]; ok {
			continue
		}
		h, ok := newHash(algo)
		if !ok {
			logger.Warnf("Unsupported hash algorithm: %s", algo)
			continue
		}
		seen[algo] = struct{}{}
		hashers = append(hashers, hasherEntry{name: algo, h: h})
	}
	if len(hashers) == 0 {
		return hashes, nil
	}

	writers := make([]io.Writer, len(hashers))
	for i := range hashers {
		writers[i] = hashers[i].h
	}
	bufferPtr := hashBufferPool.Get().(*[]byte)
	_, err := io.CopyBuffer(io.MultiWriter(writers...), r, *bufferPtr)
	hashBufferPool.Put(bufferPtr)
	if err != nil {
		return nil, err
	}

	for i := range hashers {
		hashes[hashers[i].name] = hex.EncodeToString(hashers[i].h.Sum(nil))
	}
	return hashes, nil
}

// Digest returns the hex digest of data for a single algorithm.
func Digest(data []byte, algo string) (string, error) {
	hashes, err := ComputeHashes(bytes.NewReader(data), []string{algo})
	if err != nil {
		return "", err
	}
	sum, ok := hashes[algo]
	if !ok {
		return "", fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
	return sum, nil
}
