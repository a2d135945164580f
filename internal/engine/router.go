package engine

import "hash/fnv"

// Route maps a partition key to a worker index with FNV-64a. The
// mapping is stable for the life of the process, so every event for
// one token lands on the same worker and state never needs a
// cross-partition lock.
func Route(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(partitions))
}
