// Package index holds the in-memory key directory: a sharded hash table
// mapping every live key to the location of its current value on disk.
package index

import (
	"sync"

	"github.com/dolthub/swiss"

	"github.com/raciott/fincask/storage"
)

// shard is one lock-protected partition of the directory. Entries are
// fixed-width RecordMeta values so the per-key memory cost stays flat as
// the table grows.
type shard struct {
	mu    sync.RWMutex
	table *swiss.Map[string, storage.RecordMeta]
}

func newShard(capacity uint32) *shard {
	return &shard{table: swiss.NewMap[string, storage.RecordMeta](capacity)}
}

func (s *shard) get(key string) (storage.RecordMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Get(key)
}

func (s *shard) put(key string, meta storage.RecordMeta) (storage.RecordMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.table.Get(key)
	s.table.Put(key, meta)
	return prev, had
}

// putIfNewer installs meta only when the key is absent or the stored
// sequence number is strictly smaller. Recovery replays records in an
// arbitrary interleaving of live and compacted copies, so the newest
// sequence number must always win.
func (s *shard) putIfNewer(key string, meta storage.RecordMeta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.table.Get(key)
	if had && prev.SequenceNumber >= meta.SequenceNumber {
		return false
	}
	s.table.Put(key, meta)
	return true
}

// compareAndReplace installs next only when the current entry is exactly
// expected. The compactor uses this so a concurrent fresh write is never
// clobbered by the relocation of a stale copy.
func (s *shard) compareAndReplace(key string, expected, next storage.RecordMeta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, had := s.table.Get(key)
	if !had || cur != expected {
		return false
	}
	s.table.Put(key, next)
	return true
}

func (s *shard) remove(key string) (storage.RecordMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.table.Get(key)
	if had {
		s.table.Delete(key)
	}
	return prev, had
}

func (s *shard) length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Count()
}

func (s *shard) iter(fn func(key string, meta storage.RecordMeta) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stopped := false
	s.table.Iter(func(key string, meta storage.RecordMeta) bool {
		if !fn(key, meta) {
			stopped = true
			return true
		}
		return false
	})
	return stopped
}
