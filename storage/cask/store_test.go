package cask

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raciott/fincask/err_def"
	"github.com/raciott/fincask/storage"
	"github.com/raciott/fincask/storage/record"
	"github.com/raciott/fincask/storage/segment"
)

func openTestStore(t *testing.T, dir string, extra ...storage.Option) *Store {
	t.Helper()
	opts := append([]storage.Option{
		storage.WithDataDir(dir),
		storage.WithMergeDisabled(true),
		storage.WithNumberOfRecords(1 << 10),
	}, extra...)
	s, err := Open(opts...)
	require.NoError(t, err)
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put([]byte("k1"), []byte("v1")))
	value, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, s.Put([]byte("k1"), []byte("v2")))
	value, err = s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	require.NoError(t, s.Delete([]byte("k1")))
	_, err = s.Get([]byte("k1"))
	assert.ErrorIs(t, err, err_def.ErrKeyNotFound)

	// Deleting an absent key is fine.
	assert.NoError(t, s.Delete([]byte("never-written")))
}

func TestKeyLimits(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	maxKey := bytes.Repeat([]byte("x"), storage.MaxKeySize)
	require.NoError(t, s.Put(maxKey, []byte("v")))
	value, err := s.Get(maxKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	tooLong := bytes.Repeat([]byte("x"), storage.MaxKeySize+1)
	assert.ErrorIs(t, s.Put(tooLong, []byte("v")), err_def.ErrKeyTooLarge)
	_, err = s.Get(tooLong)
	assert.ErrorIs(t, err, err_def.ErrKeyTooLarge)

	assert.ErrorIs(t, s.Put(nil, []byte("v")), err_def.ErrEmptyKey)
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put([]byte("k"), []byte("v")), err_def.ErrDBClosed)
	_, err := s.Get([]byte("k"))
	assert.ErrorIs(t, err, err_def.ErrDBClosed)
	assert.ErrorIs(t, s.Delete([]byte("k")), err_def.ErrDBClosed)
	assert.ErrorIs(t, s.Sync(), err_def.ErrDBClosed)
	assert.ErrorIs(t, s.Close(), err_def.ErrDBClosed)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	assert.Equal(t, 100, s.Size())
	for i := 0; i < 100; i++ {
		value, err := s.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
	}
}

func TestDeletionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Put([]byte("keep"), []byte("1")))
	require.NoError(t, s.Put([]byte("drop"), []byte("2")))
	require.NoError(t, s.Delete([]byte("drop")))
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	_, err := s.Get([]byte("drop"))
	assert.ErrorIs(t, err, err_def.ErrKeyNotFound)
	value, err := s.Get([]byte("keep"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
	assert.Equal(t, 1, s.Size())
}

func TestDeleteThenRewrite(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Put([]byte("k"), []byte("first")))
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Put([]byte("k"), []byte("second")))
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	value, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), value)
}

func TestRolloverCreatesNewFiles(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, storage.WithMaxFileSize(100))
	defer s.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%02d", i)), bytes.Repeat([]byte("v"), 40)))
	}

	stats := s.Stats()
	assert.Greater(t, stats.DataFiles, 5, "40-byte values against a 100-byte limit must roll over repeatedly")

	for i := 0; i < 20; i++ {
		value, err := s.Get([]byte(fmt.Sprintf("key-%02d", i)))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte("v"), 40), value)
	}
}

func TestStaleAccountingPromotesCandidates(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir,
		storage.WithMaxFileSize(200),
		storage.WithMergeThresholdPerFile(0.5),
		storage.WithMergeThresholdFileNumber(1),
	)
	defer s.Close()

	// Fill the first file, then roll over by writing more.
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), bytes.Repeat([]byte("a"), 50)))
	}
	firstID := int32(1)
	_, ok := s.segment(firstID)
	require.True(t, ok)
	cur := s.current.Load()
	require.NotEqual(t, firstID, cur.ID(), "first file must be sealed before overwriting")

	// Overwrite everything that lives in the first file.
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), bytes.Repeat([]byte("b"), 50)))
	}

	assert.GreaterOrEqual(t, s.candidateCount(), 1, "a fully superseded file must become a merge candidate")
}

func TestCompactionReclaimsSpaceAndKeepsData(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir,
		storage.WithMaxFileSize(200),
		storage.WithMergeThresholdPerFile(0.3),
		storage.WithMergeThresholdFileNumber(1),
		storage.WithFlushDataSizeBytes(-1),
	)

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), bytes.Repeat([]byte("a"), 50)))
	}
	// Overwrite the older keys so early files turn mostly stale.
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), bytes.Repeat([]byte("b"), 50)))
	}
	require.GreaterOrEqual(t, s.candidateCount(), 1)

	before := s.Stats().DataFiles
	candidates := append([]int32(nil), s.drainCandidates(100)...)
	require.NotEmpty(t, candidates)
	for _, id := range candidates {
		s.staleMu.Lock()
		s.candidates[id] = struct{}{}
		s.staleMu.Unlock()
	}

	// Each batch drains at most MergeThresholdFileNumber sources.
	c := newCompactor(s)
	for s.candidateCount() > 0 {
		c.mergeOnce()
	}
	c.cancel()

	// Sources are gone from disk.
	for _, id := range candidates {
		_, err := os.Stat(filepath.Join(dir, segment.DataFileName(id)))
		assert.True(t, os.IsNotExist(err), "compacted source %d must be deleted", id)
		_, ok := s.segment(id)
		assert.False(t, ok)
	}
	assert.LessOrEqual(t, s.Stats().DataFiles, before)

	// Every key still resolves to its newest value.
	for i := 0; i < 12; i++ {
		want := byte('a')
		if i < 8 {
			want = 'b'
		}
		value, err := s.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{want}, 50), value)
	}

	// And the result survives a restart.
	require.NoError(t, s.Close())
	s = openTestStore(t, dir)
	defer s.Close()
	for i := 0; i < 12; i++ {
		want := byte('a')
		if i < 8 {
			want = 'b'
		}
		value, err := s.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{want}, 50), value)
	}
}

func TestRecoveryAfterInterruptedCompaction(t *testing.T) {
	dir := t.TempDir()

	// File 1 holds the original records; file 3 holds relocated copies
	// with identical sequence numbers, as left behind by a compactor
	// that crashed before deleting its source.
	src, err := segment.Create(dir, 1)
	require.NoError(t, err)
	_, err = src.Append(&record.Record{Key: []byte("moved"), Value: []byte("same"), SequenceNumber: 10})
	require.NoError(t, err)
	_, err = src.Append(&record.Record{Key: []byte("only-src"), Value: []byte("keep"), SequenceNumber: 11})
	require.NoError(t, err)
	require.NoError(t, src.Close())

	dup, err := segment.Create(dir, 3)
	require.NoError(t, err)
	_, err = dup.Append(&record.Record{Key: []byte("moved"), Value: []byte("same"), SequenceNumber: 10})
	require.NoError(t, err)
	require.NoError(t, dup.Close())

	s := openTestStore(t, dir)
	defer s.Close()

	value, err := s.Get([]byte("moved"))
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), value)
	value, err = s.Get([]byte("only-src"))
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), value)
	assert.Equal(t, 2, s.Size())

	// New writes must keep winning over both old copies.
	require.NoError(t, s.Put([]byte("moved"), []byte("newer")))
	value, err = s.Get([]byte("moved"))
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), value)
}

func TestRecoverySkipsTruncatedIndexTail(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Put([]byte("intact"), []byte("1")))
	require.NoError(t, s.Close())

	// Chop the index file mid-entry.
	indexPath := filepath.Join(dir, segment.IndexFileName(1))
	info, err := os.Stat(indexPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(indexPath, info.Size()-3))

	s = openTestStore(t, dir)
	defer s.Close()
	assert.Equal(t, 0, s.Size(), "the truncated entry is dropped")

	// The store still takes writes afterwards.
	require.NoError(t, s.Put([]byte("after"), []byte("2")))
	value, err := s.Get([]byte("after"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.nextSequence()
			}
		}()
	}
	wg.Wait()

	first := s.nextSequence()
	second := s.nextSequence()
	assert.Greater(t, second, first)
}

func TestValueCacheAndBloomFilter(t *testing.T) {
	s := openTestStore(t, t.TempDir(),
		storage.WithValueCache(16),
		storage.WithBloomFilter(true),
	)
	defer s.Close()

	require.NoError(t, s.Put([]byte("cached"), []byte("v")))
	for i := 0; i < 3; i++ {
		value, err := s.Get([]byte("cached"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), value)
	}

	_, err := s.Get([]byte("never-written-key"))
	assert.ErrorIs(t, err, err_def.ErrKeyNotFound)

	require.NoError(t, s.Delete([]byte("cached")))
	_, err = s.Get([]byte("cached"))
	assert.ErrorIs(t, err, err_def.ErrKeyNotFound)
}

func TestStatsSnapshot(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Put([]byte("a"), []byte("3")))

	stats := s.Stats()
	assert.Equal(t, 2, stats.Keys)
	assert.GreaterOrEqual(t, stats.DataFiles, 1)
	assert.Positive(t, stats.NextSequence)
}

func TestFileIDsAndStaleFileStatus(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, storage.WithMaxFileSize(200))
	defer s.Close()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), bytes.Repeat([]byte("a"), 50)))
	}

	ids := s.FileIDs()
	require.GreaterOrEqual(t, len(ids), 2, "2 records per 200-byte file must produce several files")
	assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }))
	cur := s.current.Load()
	assert.Contains(t, ids, cur.ID())

	statuses := s.StaleFileStatus()
	require.Len(t, statuses, len(ids))
	for i, st := range statuses {
		assert.Equal(t, ids[i], st.FileID)
		assert.Zero(t, st.StaleBytes)
		assert.False(t, st.MergeCandidate)
		if st.FileID != cur.ID() {
			assert.Positive(t, st.TotalBytes)
		}
	}

	// One overwrite makes exactly one old record stale.
	require.NoError(t, s.Put([]byte("key-0"), bytes.Repeat([]byte("b"), 50)))

	var staleTotal int64
	for _, st := range s.StaleFileStatus() {
		staleTotal += st.StaleBytes
	}
	assert.Equal(t, int64(73), staleTotal, "header(18) + key(5) + value(50)")
}
