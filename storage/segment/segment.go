// Package segment manages the per-file layer of the store: append-only
// data files with their paired index files, and tombstone files.
package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/raciott/fincask/err_def"
	"github.com/raciott/fincask/storage"
	"github.com/raciott/fincask/storage/record"
)

const (
	DataFileSuffix      = ".data"
	IndexFileSuffix     = ".index"
	TombstoneFileSuffix = ".tombstone"
)

// DataFileName returns the data file name for a file id.
func DataFileName(id int32) string {
	return fmt.Sprintf("%d%s", id, DataFileSuffix)
}

// IndexFileName returns the index file name for a file id.
func IndexFileName(id int32) string {
	return fmt.Sprintf("%d%s", id, IndexFileSuffix)
}

// ParseFileID extracts the numeric file id from a file name such as
// "42.data". ok is false when the name does not match the pattern.
func ParseFileID(name, suffix string) (int32, bool) {
	base := filepath.Base(name)
	var id int32
	if _, err := fmt.Sscanf(base, "%d"+suffix, &id); err != nil {
		return 0, false
	}
	if base != fmt.Sprintf("%d%s", id, suffix) {
		return 0, false
	}
	return id, true
}

// Segment is one data file together with its paired index file. Appends
// go through a single writer; reads may happen concurrently via ReadAt.
type Segment struct {
	id  int32
	dir string

	data  *os.File
	index *os.File

	writeOffset atomic.Int64
	indexOffset atomic.Int64
}

// Create opens a fresh segment for writing. It fails if either file
// already exists.
func Create(dir string, id int32) (*Segment, error) {
	dataPath := filepath.Join(dir, DataFileName(id))
	data, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create data file %s: %v", err_def.ErrWriteFailed, dataPath, err)
	}

	indexPath := filepath.Join(dir, IndexFileName(id))
	index, err := os.OpenFile(indexPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		data.Close()
		os.Remove(dataPath)
		return nil, fmt.Errorf("%w: create index file %s: %v", err_def.ErrWriteFailed, indexPath, err)
	}

	return &Segment{id: id, dir: dir, data: data, index: index}, nil
}

// Open opens an existing segment. The write offset is positioned at the
// current end of the data file so that the latest segment can continue
// taking appends after a restart.
func Open(dir string, id int32) (*Segment, error) {
	dataPath := filepath.Join(dir, DataFileName(id))
	data, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", err_def.ErrFileNotFound, dataPath)
		}
		return nil, fmt.Errorf("%w: open data file %s: %v", err_def.ErrReadFailed, dataPath, err)
	}

	indexPath := filepath.Join(dir, IndexFileName(id))
	index, err := os.OpenFile(indexPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("%w: open index file %s: %v", err_def.ErrReadFailed, indexPath, err)
	}

	dataStat, err := data.Stat()
	if err != nil {
		data.Close()
		index.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", err_def.ErrReadFailed, dataPath, err)
	}
	indexStat, err := index.Stat()
	if err != nil {
		data.Close()
		index.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", err_def.ErrReadFailed, indexPath, err)
	}

	s := &Segment{id: id, dir: dir, data: data, index: index}
	s.writeOffset.Store(dataStat.Size())
	s.indexOffset.Store(indexStat.Size())
	return s, nil
}

// ID returns the segment's file id.
func (s *Segment) ID() int32 {
	return s.id
}

// WriteOffset returns the current append position of the data file.
func (s *Segment) WriteOffset() int64 {
	return s.writeOffset.Load()
}

// HasRoomFor reports whether a record of n bytes fits under the size
// limit. A segment always accepts at least one record so that a record
// larger than the limit still lands somewhere.
func (s *Segment) HasRoomFor(n, maxFileSize int64) bool {
	off := s.writeOffset.Load()
	return off == 0 || off+n <= maxFileSize
}

// Append writes a record to the data file and its entry to the index
// file, returning the directory metadata for the new record.
func (s *Segment) Append(r *record.Record) (storage.RecordMeta, error) {
	buf, err := record.EncodeRecord(r)
	if err != nil {
		return storage.RecordMeta{}, err
	}

	offset := s.writeOffset.Load()
	if _, err := s.data.WriteAt(buf, offset); err != nil {
		return storage.RecordMeta{}, fmt.Errorf("%w: append record: %v", err_def.ErrWriteFailed, err)
	}

	entry := &record.IndexEntry{
		Key:            r.Key,
		RecordSize:     int32(len(buf)),
		RecordOffset:   int32(offset),
		SequenceNumber: r.SequenceNumber,
		Flags:          r.Flags,
	}
	if err := s.appendIndexEntry(entry); err != nil {
		return storage.RecordMeta{}, err
	}

	s.writeOffset.Store(offset + int64(len(buf)))

	return storage.RecordMeta{
		FileID:         s.id,
		ValueOffset:    record.ValueOffset(int32(offset), len(r.Key)),
		ValueSize:      int32(len(r.Value)),
		SequenceNumber: r.SequenceNumber,
	}, nil
}

// TransferFrom copies size bytes of an already-encoded record from src
// into this segment and writes a fresh index entry for it. The record
// bytes are not re-verified; compaction relies on the source checksum
// having been written once and the copy being byte-exact.
func (s *Segment) TransferFrom(src io.ReaderAt, srcOffset, size int64, entry *record.IndexEntry) (storage.RecordMeta, error) {
	offset := s.writeOffset.Load()

	section := io.NewSectionReader(src, srcOffset, size)
	if _, err := s.data.Seek(offset, io.SeekStart); err != nil {
		return storage.RecordMeta{}, fmt.Errorf("%w: seek for transfer: %v", err_def.ErrWriteFailed, err)
	}
	if _, err := io.CopyN(s.data, section, size); err != nil {
		return storage.RecordMeta{}, fmt.Errorf("%w: transfer record: %v", err_def.ErrWriteFailed, err)
	}

	moved := &record.IndexEntry{
		Key:            entry.Key,
		RecordSize:     entry.RecordSize,
		RecordOffset:   int32(offset),
		SequenceNumber: entry.SequenceNumber,
		Flags:          entry.Flags,
	}
	if err := s.appendIndexEntry(moved); err != nil {
		return storage.RecordMeta{}, err
	}

	s.writeOffset.Store(offset + size)

	return storage.RecordMeta{
		FileID:         s.id,
		ValueOffset:    record.ValueOffset(int32(offset), len(entry.Key)),
		ValueSize:      moved.ValueSize(),
		SequenceNumber: entry.SequenceNumber,
	}, nil
}

func (s *Segment) appendIndexEntry(entry *record.IndexEntry) error {
	buf, err := record.EncodeIndexEntry(entry)
	if err != nil {
		return err
	}
	offset := s.indexOffset.Load()
	if _, err := s.index.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: append index entry: %v", err_def.ErrWriteFailed, err)
	}
	s.indexOffset.Store(offset + int64(len(buf)))
	return nil
}

// ReadValue returns the value bytes stored at valueOffset.
func (s *Segment) ReadValue(valueOffset, valueSize int32) ([]byte, error) {
	buf := make([]byte, valueSize)
	if _, err := s.data.ReadAt(buf, int64(valueOffset)); err != nil {
		return nil, fmt.Errorf("%w: read value at %d: %v", err_def.ErrReadFailed, valueOffset, err)
	}
	return buf, nil
}

// ReadRecord reads and verifies the full record starting at offset.
func (s *Segment) ReadRecord(offset int64, size int32) (*record.Record, error) {
	buf := make([]byte, size)
	if _, err := s.data.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: read record at %d: %v", err_def.ErrReadFailed, offset, err)
	}
	return record.DecodeRecord(buf)
}

// DataFile exposes the underlying data file for zero-copy transfers.
func (s *Segment) DataFile() io.ReaderAt {
	return s.data
}

// IterateIndex streams the index entries of the segment in write order.
// Iteration stops early when fn returns an error; a corrupted tail is
// reported as ErrCorruptedIndex.
func (s *Segment) IterateIndex(fn func(*record.IndexEntry) error) error {
	stat, err := s.index.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat index file: %v", err_def.ErrReadFailed, err)
	}

	reader := bufio.NewReader(io.NewSectionReader(s.index, 0, stat.Size()))
	for {
		entry, err := record.ReadIndexEntry(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Force flushes the data file to stable storage. When metadata is true
// the index file is flushed as well.
func (s *Segment) Force(metadata bool) error {
	if err := s.data.Sync(); err != nil {
		return fmt.Errorf("%w: sync data file %d: %v", err_def.ErrWriteFailed, s.id, err)
	}
	if metadata {
		if err := s.index.Sync(); err != nil {
			return fmt.Errorf("%w: sync index file %d: %v", err_def.ErrWriteFailed, s.id, err)
		}
	}
	return nil
}

// Close closes both files without deleting them.
func (s *Segment) Close() error {
	var firstErr error
	if err := s.data.Close(); err != nil {
		firstErr = err
	}
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Delete closes and removes both files.
func (s *Segment) Delete() error {
	s.Close()
	dataPath := filepath.Join(s.dir, DataFileName(s.id))
	indexPath := filepath.Join(s.dir, IndexFileName(s.id))
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", err_def.ErrWriteFailed, dataPath, err)
	}
	if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", err_def.ErrWriteFailed, indexPath, err)
	}
	return nil
}
