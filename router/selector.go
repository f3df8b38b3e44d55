package router

import (
	"hash/fnv"
	"sync/atomic"
)

// PartitionSelector picks a partition for a keyed produce when the caller
// didn't name one explicitly. partitions is sorted ascending and contains
// only partitions with a currently-elected leader.
type PartitionSelector interface {
	Select(topic string, key []byte, partitions []int32) int32
}

// DefaultSelector round-robins across partitions when key is empty, and
// hashes key to a partition otherwise — the same scheme the reference
// Kafka producers use, so records with the same key keep landing on the
// same partition as the partition count is stable.
type DefaultSelector struct {
	counter atomic.Uint64
}

func (s *DefaultSelector) Select(topic string, key []byte, partitions []int32) int32 {
	if len(key) == 0 {
		n := s.counter.Add(1) - 1
		return partitions[int(n)%len(partitions)]
	}
	h := fnv.New32a()
	h.Write(key)
	return partitions[int(h.Sum32())%len(partitions)]
}
