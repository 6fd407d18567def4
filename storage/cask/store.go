// Package cask implements the log-structured storage engine: an
// append-only segmented data log with paired index files, a tombstone
// log for deletes, an in-memory key directory and a background
// compactor reclaiming stale space.
package cask

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raciott/fincask/err_def"
	"github.com/raciott/fincask/metrics"
	"github.com/raciott/fincask/storage"
	"github.com/raciott/fincask/storage/cache"
	"github.com/raciott/fincask/storage/index"
	"github.com/raciott/fincask/storage/record"
	"github.com/raciott/fincask/storage/segment"
	"github.com/raciott/fincask/util"
)

// getRetries bounds how often a read chases the directory after losing
// a race with the compactor deleting a source file.
const getRetries = 3

// Store is the storage engine. All methods are safe for concurrent use.
type Store struct {
	opts    *storage.Options
	log     logrus.FieldLogger
	metrics metrics.Collector

	dir *index.KeyDir

	// writeMu serializes mutations. Appends to the current segment and
	// the directory update they imply must be observed in one order.
	writeMu sync.Mutex

	files   sync.Map // int32 -> *segment.Segment
	current atomic.Pointer[segment.Segment]

	tombstone   *segment.TombstoneFile // guarded by writeMu
	tombstoneID atomic.Int32

	nextFileID atomic.Int32
	sequence   atomic.Int64

	staleMu    sync.Mutex
	staleBytes map[int32]int64
	candidates map[int32]struct{}

	valueCache *cache.LRU
	filter     *util.BloomFilter

	compactor *compactor
	closed    atomic.Bool
}

// Open validates the options, recovers existing state from the data
// directory and starts the background compactor.
func Open(options ...storage.Option) (*Store, error) {
	opts := storage.DefaultOptions()
	for _, o := range options {
		o(opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		log = l
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.Noop()
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", err_def.ErrWriteFailed, err)
	}

	s := &Store{
		opts:       opts,
		log:        log.WithField("component", "cask"),
		metrics:    collector,
		dir:        index.NewKeyDir(opts.IndexShardCount, opts.NumberOfRecords),
		staleBytes: make(map[int32]int64),
		candidates: make(map[int32]struct{}),
	}
	if opts.EnableValueCache {
		s.valueCache = cache.NewLRU(opts.ValueCacheSize)
	}
	if opts.EnableBloomFilter {
		s.filter = util.NewBloomFilter(opts.NumberOfRecords, 0.01)
	}

	if err := s.recover(); err != nil {
		s.closeFiles()
		return nil, err
	}

	if !opts.MergeDisabled {
		s.compactor = newCompactor(s)
		s.compactor.start()
	}

	s.log.WithFields(logrus.Fields{
		"dir":  opts.DataDir,
		"keys": s.dir.Len(),
	}).Info("store opened")

	return s, nil
}

// Put writes a key-value pair.
func (s *Store) Put(key, value []byte) error {
	start := time.Now()
	defer func() { s.metrics.Observe("put", time.Since(start)) }()

	if s.closed.Load() {
		return err_def.ErrDBClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := &record.Record{
		Key:            key,
		Value:          value,
		SequenceNumber: s.nextSequence(),
		Flags:          storage.FlagNormal,
	}

	seg, err := s.segmentFor(rec.Size())
	if err != nil {
		return err
	}
	meta, err := seg.Append(rec)
	if err != nil {
		return err
	}

	prev, had := s.dir.Put(key, meta)
	if had {
		s.accountStale(prev, len(key))
	}

	if s.filter != nil {
		s.filter.Add(key)
	}
	if s.valueCache != nil {
		s.valueCache.Put(string(key), value)
	}
	return nil
}

// Get returns the current value of key, or ErrKeyNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	start := time.Now()
	defer func() { s.metrics.Observe("get", time.Since(start)) }()

	if s.closed.Load() {
		return nil, err_def.ErrDBClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if s.filter != nil && !s.filter.MayContain(key) {
		return nil, err_def.ErrKeyNotFound
	}
	if s.valueCache != nil {
		if value, ok := s.valueCache.Get(string(key)); ok {
			return value, nil
		}
	}

	// A lookup can race the compactor: the directory may still point at
	// a source file that was deleted after its records were relocated.
	// Re-reading the directory finds the relocated entry.
	for attempt := 0; attempt < getRetries; attempt++ {
		meta, ok := s.dir.Get(key)
		if !ok {
			return nil, err_def.ErrKeyNotFound
		}
		seg, ok := s.segment(meta.FileID)
		if !ok {
			continue
		}
		value, err := seg.ReadValue(meta.ValueOffset, meta.ValueSize)
		if err != nil {
			if cur, still := s.dir.Get(key); still && cur == meta {
				return nil, err
			}
			continue
		}
		if s.valueCache != nil {
			s.valueCache.Put(string(key), value)
		}
		return value, nil
	}
	return nil, fmt.Errorf("%w: file moved during read", err_def.ErrReadFailed)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	start := time.Now()
	defer func() { s.metrics.Observe("delete", time.Since(start)) }()

	if s.closed.Load() {
		return err_def.ErrDBClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Capture the entry before removing it; the stale bytes of the old
	// record have to be charged against its file.
	prev, had := s.dir.Get(key)
	if !had {
		return nil
	}

	entry := &record.TombstoneEntry{
		Key:            key,
		SequenceNumber: s.nextSequence(),
	}
	if err := s.appendTombstone(entry); err != nil {
		return err
	}

	s.dir.Remove(key)
	s.accountStale(prev, len(key))

	if s.valueCache != nil {
		s.valueCache.Remove(string(key))
	}
	return nil
}

// Size returns the number of live keys.
func (s *Store) Size() int {
	return s.dir.Len()
}

// Sync flushes the current data segment, its index file and the current
// tombstone file to stable storage.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return err_def.ErrDBClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.current.Load(); cur != nil {
		if err := cur.Force(true); err != nil {
			return err
		}
	}
	if s.tombstone != nil {
		if err := s.tombstone.Force(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the compactor, flushes buffers and closes every file.
// Further calls on the store return ErrDBClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return err_def.ErrDBClosed
	}

	if s.compactor != nil {
		s.compactor.stop()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var firstErr error
	if cur := s.current.Load(); cur != nil {
		if err := cur.Force(true); err != nil {
			firstErr = err
		}
	}
	if s.tombstone != nil {
		if err := s.tombstone.Force(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.closeFiles(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.log.Info("store closed")
	return firstErr
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	Keys           int
	DataFiles      int
	StaleBytes     map[int32]int64
	MergeCandidate int
	NextSequence   int64
}

// Stats returns a snapshot of the engine's bookkeeping.
func (s *Store) Stats() Stats {
	s.staleMu.Lock()
	stale := make(map[int32]int64, len(s.staleBytes))
	for id, n := range s.staleBytes {
		stale[id] = n
	}
	candidates := len(s.candidates)
	s.staleMu.Unlock()

	files := 0
	s.files.Range(func(any, any) bool {
		files++
		return true
	})

	return Stats{
		Keys:           s.dir.Len(),
		DataFiles:      files,
		StaleBytes:     stale,
		MergeCandidate: candidates,
		NextSequence:   s.sequence.Load(),
	}
}

// FileStatus describes one data file's space usage: its size on disk
// and how many of those bytes belong to superseded records.
type FileStatus struct {
	FileID         int32
	TotalBytes     int64
	StaleBytes     int64
	MergeCandidate bool
}

// FileIDs returns the ids of all data files currently on disk, in
// ascending order. The current write segment is included.
func (s *Store) FileIDs() []int32 {
	var ids []int32
	s.files.Range(func(k, _ any) bool {
		ids = append(ids, k.(int32))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StaleFileStatus reports per-file space usage for every data file. A
// file already queued for compaction has its stale counter cleared, so
// it is reported as a candidate instead.
func (s *Store) StaleFileStatus() []FileStatus {
	s.staleMu.Lock()
	stale := make(map[int32]int64, len(s.staleBytes))
	for id, n := range s.staleBytes {
		stale[id] = n
	}
	pending := make(map[int32]struct{}, len(s.candidates))
	for id := range s.candidates {
		pending[id] = struct{}{}
	}
	s.staleMu.Unlock()

	var statuses []FileStatus
	s.files.Range(func(k, v any) bool {
		id := k.(int32)
		_, candidate := pending[id]
		statuses = append(statuses, FileStatus{
			FileID:         id,
			TotalBytes:     v.(*segment.Segment).WriteOffset(),
			StaleBytes:     stale[id],
			MergeCandidate: candidate,
		})
		return true
	})
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].FileID < statuses[j].FileID })
	return statuses
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return err_def.ErrEmptyKey
	}
	if len(key) > storage.MaxKeySize {
		return fmt.Errorf("%w: key length %d exceeds maximum %d", err_def.ErrKeyTooLarge, len(key), storage.MaxKeySize)
	}
	return nil
}

func (s *Store) segment(id int32) (*segment.Segment, bool) {
	v, ok := s.files.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*segment.Segment), true
}

// segmentFor returns the current write segment, rolling over to a fresh
// one when n more bytes would push it past the size limit. Callers hold
// writeMu.
func (s *Store) segmentFor(n int64) (*segment.Segment, error) {
	cur := s.current.Load()
	if cur != nil && cur.HasRoomFor(n, s.opts.MaxFileSize) {
		return cur, nil
	}

	if cur != nil {
		if err := cur.Force(true); err != nil {
			return nil, err
		}
	}

	id := s.nextFileID.Add(1)
	next, err := segment.Create(s.opts.DataDir, id)
	if err != nil {
		return nil, err
	}
	s.files.Store(id, next)
	s.current.Store(next)
	s.log.WithField("file_id", id).Debug("rolled over to new data file")
	return next, nil
}

// appendTombstone writes one tombstone entry, rolling the tombstone
// file when full. Callers hold writeMu.
func (s *Store) appendTombstone(e *record.TombstoneEntry) error {
	size := int64(record.TombstoneHeaderSize + len(e.Key))
	if s.tombstone == nil || !s.tombstone.HasRoomFor(size, s.opts.MaxFileSize) {
		if s.tombstone != nil {
			if err := s.tombstone.Force(); err != nil {
				return err
			}
			if err := s.tombstone.Close(); err != nil {
				return err
			}
		}
		id := s.nextFileID.Add(1)
		next, err := segment.CreateTombstoneFile(s.opts.DataDir, id)
		if err != nil {
			return err
		}
		s.tombstone = next
		s.tombstoneID.Store(id)
	}
	return s.tombstone.Append(e)
}

// accountStale charges the bytes of a superseded record against its
// file and promotes the file to a merge candidate once the stale
// fraction crosses the configured threshold. The current write segment
// is never promoted.
func (s *Store) accountStale(prev storage.RecordMeta, keyLen int) {
	staleSize := int64(record.HeaderSize + keyLen + int(prev.ValueSize))

	s.staleMu.Lock()
	defer s.staleMu.Unlock()

	if _, pending := s.candidates[prev.FileID]; pending {
		return
	}
	s.staleBytes[prev.FileID] += staleSize

	cur := s.current.Load()
	if cur != nil && cur.ID() == prev.FileID {
		return
	}
	seg, ok := s.segment(prev.FileID)
	if !ok {
		delete(s.staleBytes, prev.FileID)
		return
	}
	fileSize := seg.WriteOffset()
	if fileSize == 0 {
		return
	}
	if float64(s.staleBytes[prev.FileID]) >= s.opts.MergeThresholdPerFile*float64(fileSize) {
		s.candidates[prev.FileID] = struct{}{}
		delete(s.staleBytes, prev.FileID)
		s.log.WithField("file_id", prev.FileID).Debug("file queued for compaction")
	}
}

// drainCandidates removes and returns up to max merge candidates,
// skipping the current write segment. Whatever is not drained stays in
// the set for the next batch.
func (s *Store) drainCandidates(max int) []int32 {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()

	curID := int32(-1)
	if cur := s.current.Load(); cur != nil {
		curID = cur.ID()
	}

	ids := make([]int32, 0, max)
	for id := range s.candidates {
		if id == curID {
			continue
		}
		ids = append(ids, id)
		delete(s.candidates, id)
		if len(ids) == max {
			break
		}
	}
	return ids
}

func (s *Store) candidateCount() int {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()

	curID := int32(-1)
	if cur := s.current.Load(); cur != nil {
		curID = cur.ID()
	}
	n := 0
	for id := range s.candidates {
		if id != curID {
			n++
		}
	}
	return n
}

// dropFile removes a fully compacted file from the file map and deletes
// it from disk together with its stale accounting.
func (s *Store) dropFile(id int32) error {
	v, loaded := s.files.LoadAndDelete(id)
	if !loaded {
		return nil
	}
	s.staleMu.Lock()
	delete(s.staleBytes, id)
	s.staleMu.Unlock()
	return v.(*segment.Segment).Delete()
}

func (s *Store) closeFiles() error {
	var firstErr error
	s.files.Range(func(_, v any) bool {
		if err := v.(*segment.Segment).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if s.tombstone != nil {
		if err := s.tombstone.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
