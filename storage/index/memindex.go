package index

import (
	"runtime"

	"github.com/spaolacci/murmur3"

	"github.com/raciott/fincask/storage"
)

// KeyDir is the sharded key directory. Shard selection hashes the key
// with murmur3 so hot key ranges spread evenly; each shard carries its
// own lock, keeping reads and writes on distinct shards uncontended.
type KeyDir struct {
	shards []*shard
	mask   uint32
}

// NewKeyDir builds a directory with shardCount shards sized for roughly
// capacityHint entries in total. A zero shardCount picks a power of two
// of at least twice the available hardware parallelism; a non-zero
// count is rounded up to a power of two.
func NewKeyDir(shardCount, capacityHint int) *KeyDir {
	if shardCount <= 0 {
		shardCount = 2 * runtime.NumCPU()
	}
	shardCount = int(nextPowerOfTwo(uint32(shardCount)))

	perShard := (capacityHint + shardCount - 1) / shardCount
	if perShard < 16 {
		perShard = 16
	}

	d := &KeyDir{
		shards: make([]*shard, shardCount),
		mask:   uint32(shardCount - 1),
	}
	for i := range d.shards {
		d.shards[i] = newShard(uint32(perShard))
	}
	return d
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

func (d *KeyDir) shardFor(key []byte) *shard {
	return d.shards[murmur3.Sum32(key)&d.mask]
}

// Get returns the directory entry for key.
func (d *KeyDir) Get(key []byte) (storage.RecordMeta, bool) {
	return d.shardFor(key).get(string(key))
}

// Put installs meta unconditionally and returns the previous entry.
func (d *KeyDir) Put(key []byte, meta storage.RecordMeta) (storage.RecordMeta, bool) {
	return d.shardFor(key).put(string(key), meta)
}

// PutIfNewer installs meta only when it carries a strictly larger
// sequence number than the stored entry, reporting whether it won.
func (d *KeyDir) PutIfNewer(key []byte, meta storage.RecordMeta) bool {
	return d.shardFor(key).putIfNewer(string(key), meta)
}

// CompareAndReplace swaps expected for next, failing if the current
// entry differs from expected in any field.
func (d *KeyDir) CompareAndReplace(key []byte, expected, next storage.RecordMeta) bool {
	return d.shardFor(key).compareAndReplace(string(key), expected, next)
}

// Remove deletes the entry for key and returns what was stored.
func (d *KeyDir) Remove(key []byte) (storage.RecordMeta, bool) {
	return d.shardFor(key).remove(string(key))
}

// Len returns the number of live keys across all shards.
func (d *KeyDir) Len() int {
	n := 0
	for _, s := range d.shards {
		n += s.length()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Entries added
// or removed concurrently may or may not be observed.
func (d *KeyDir) Range(fn func(key string, meta storage.RecordMeta) bool) {
	for _, s := range d.shards {
		if s.iter(fn) {
			return
		}
	}
}
