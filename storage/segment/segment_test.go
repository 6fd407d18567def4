package segment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raciott/fincask/storage"
	"github.com/raciott/fincask/storage/record"
)

func TestParseFileID(t *testing.T) {
	id, ok := ParseFileID("42.data", DataFileSuffix)
	require.True(t, ok)
	assert.Equal(t, int32(42), id)

	_, ok = ParseFileID("42.index", DataFileSuffix)
	assert.False(t, ok)
	_, ok = ParseFileID("notanumber.data", DataFileSuffix)
	assert.False(t, ok)
	_, ok = ParseFileID("42.data.bak", DataFileSuffix)
	assert.False(t, ok)
}

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 1)
	require.NoError(t, err)
	defer seg.Close()

	rec := &record.Record{Key: []byte("k1"), Value: []byte("v1"), SequenceNumber: 1}
	meta, err := seg.Append(rec)
	require.NoError(t, err)
	assert.Equal(t, int32(1), meta.FileID)
	assert.Equal(t, int32(len(rec.Value)), meta.ValueSize)

	value, err := seg.ReadValue(meta.ValueOffset, meta.ValueSize)
	require.NoError(t, err)
	assert.Equal(t, rec.Value, value)

	got, err := seg.ReadRecord(0, int32(rec.Size()))
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.Value, got.Value)
}

func TestIterateIndex(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 3)
	require.NoError(t, err)
	defer seg.Close()

	var want []string
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		want = append(want, key)
		_, err := seg.Append(&record.Record{
			Key:            []byte(key),
			Value:          []byte("value"),
			SequenceNumber: int64(i + 1),
		})
		require.NoError(t, err)
	}

	var got []string
	err = seg.IterateIndex(func(e *record.IndexEntry) error {
		got = append(got, string(e.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReopenContinuesAppends(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 7)
	require.NoError(t, err)

	first, err := seg.Append(&record.Record{Key: []byte("a"), Value: []byte("1"), SequenceNumber: 1})
	require.NoError(t, err)
	offset := seg.WriteOffset()
	require.NoError(t, seg.Close())

	reopened, err := Open(dir, 7)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, offset, reopened.WriteOffset())

	second, err := reopened.Append(&record.Record{Key: []byte("b"), Value: []byte("2"), SequenceNumber: 2})
	require.NoError(t, err)
	assert.Greater(t, second.ValueOffset, first.ValueOffset)

	count := 0
	err = reopened.IterateIndex(func(*record.IndexEntry) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHasRoomFor(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 9)
	require.NoError(t, err)
	defer seg.Close()

	// An empty segment accepts even an oversized record.
	assert.True(t, seg.HasRoomFor(1000, 100))

	_, err = seg.Append(&record.Record{Key: []byte("k"), Value: make([]byte, 60), SequenceNumber: 1})
	require.NoError(t, err)
	assert.False(t, seg.HasRoomFor(60, 100))
}

func TestTransferFrom(t *testing.T) {
	dir := t.TempDir()
	src, err := Create(dir, 1)
	require.NoError(t, err)
	defer src.Close()

	rec := &record.Record{Key: []byte("moved"), Value: []byte("payload"), SequenceNumber: 5}
	_, err = src.Append(rec)
	require.NoError(t, err)

	var entry *record.IndexEntry
	require.NoError(t, src.IterateIndex(func(e *record.IndexEntry) error {
		entry = e
		return nil
	}))
	require.NotNil(t, entry)

	dest, err := Create(dir, 2)
	require.NoError(t, err)
	defer dest.Close()

	meta, err := dest.TransferFrom(src.DataFile(), int64(entry.RecordOffset), int64(entry.RecordSize), entry)
	require.NoError(t, err)
	assert.Equal(t, int32(2), meta.FileID)
	assert.Equal(t, rec.SequenceNumber, meta.SequenceNumber)

	value, err := dest.ReadValue(meta.ValueOffset, meta.ValueSize)
	require.NoError(t, err)
	assert.Equal(t, rec.Value, value)

	// The copied record still verifies against its checksum.
	got, err := dest.ReadRecord(0, entry.RecordSize)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, storage.FlagNormal, got.Flags)
}

func TestTombstoneFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tf, err := CreateTombstoneFile(dir, 4)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := tf.Append(&record.TombstoneEntry{
			Key:            []byte(fmt.Sprintf("dead-%d", i)),
			SequenceNumber: int64(i + 1),
		})
		require.NoError(t, err)
	}
	require.NoError(t, tf.Close())

	reopened, err := OpenTombstoneFile(dir, 4)
	require.NoError(t, err)
	defer reopened.Close()

	var seqs []int64
	err = reopened.Iterate(func(e *record.TombstoneEntry) error {
		seqs = append(seqs, e.SequenceNumber)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
}
