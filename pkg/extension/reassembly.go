package extension

import "time"

// shardSet accumulates the shards of one shard_id (spec section 4.4).
// A set is reassembled exactly once, poisoned by a total_shards mismatch,
// or discarded on timeout — never more than one of those.
type shardSet struct {
	shardID      uint64
	totalShards  uint32
	shards       map[uint32][]byte
	receivedSize uint64
	createdAt    time.Time
	poisoned     bool
}

func newShardSet(shardID uint64, totalShards uint32, createdAt time.Time) *shardSet {
	return &shardSet{
		shardID:     shardID,
		totalShards: totalShards,
		shards:      make(map[uint32][]byte),
		createdAt:   createdAt,
	}
}

// add inserts one shard, returning the number of bytes newly retained (0 if
// this shard was already present — duplicates are idempotent per P3) and
// whether the set became internally inconsistent and must be poisoned.
func (s *shardSet) add(totalShards, index uint32, data []byte) (addedBytes uint64, mismatch bool) {
	if totalShards != s.totalShards {
		return 0, true
	}
	if _, dup := s.shards[index]; dup {
		return 0, false
	}
	s.shards[index] = data
	n := uint64(len(data))
	s.receivedSize += n
	return n, false
}

// complete reports whether every index in [0, totalShards) has arrived, and
// if so returns the reassembled payload in index order.
func (s *shardSet) complete() ([]byte, bool) {
	if uint32(len(s.shards)) != s.totalShards {
		return nil, false
	}

	var size int
	for _, d := range s.shards {
		size += len(d)
	}
	out := make([]byte, 0, size)
	for i := uint32(0); i < s.totalShards; i++ {
		out = append(out, s.shards[i]...)
	}
	return out, true
}

// reassemblyTable tracks all in-flight shard sets for one connection,
// bounded in aggregate by a byte budget (spec section 5): when a new shard
// would push the table over budget, the oldest incomplete set is evicted.
type reassemblyTable struct {
	sets       map[uint64]*shardSet
	order      []uint64 // insertion order, oldest first, for eviction
	totalBytes uint64
	maxBytes   uint64
}

func newReassemblyTable(maxBytes uint64) *reassemblyTable {
	return &reassemblyTable{
		sets:     make(map[uint64]*shardSet),
		maxBytes: maxBytes,
	}
}

func (t *reassemblyTable) getOrCreate(shardID uint64, totalShards uint32, now time.Time) *shardSet {
	set, ok := t.sets[shardID]
	if !ok {
		set = newShardSet(shardID, totalShards, now)
		t.sets[shardID] = set
		t.order = append(t.order, shardID)
	}
	return set
}

func (t *reassemblyTable) remove(shardID uint64) {
	set, ok := t.sets[shardID]
	if !ok {
		return
	}
	t.totalBytes -= set.receivedSize
	delete(t.sets, shardID)
	for i, id := range t.order {
		if id == shardID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// evictOldest drops the oldest incomplete set, other than keepID, to make
// room under the byte budget. It reports whether anything was evicted.
func (t *reassemblyTable) evictOldest(keepID uint64) bool {
	for _, id := range t.order {
		if id == keepID {
			continue
		}
		t.remove(id)
		return true
	}
	return false
}

// evictExpired drops every incomplete set older than timeout, returning
// their shard ids so the caller can log/count the timeouts.
func (t *reassemblyTable) evictExpired(now time.Time, timeout time.Duration) []uint64 {
	var expired []uint64
	for _, id := range append([]uint64(nil), t.order...) {
		set := t.sets[id]
		if now.Sub(set.createdAt) >= timeout {
			expired = append(expired, id)
			t.remove(id)
		}
	}
	return expired
}
