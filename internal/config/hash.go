package config

import "hash/fnv"

// hashBytes fingerprints raw config bytes for change detection. Empty
// input hashes to 0 so "no content" and "never hashed" compare equal.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
