package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/raciott/fincask/err_def"
	"github.com/raciott/fincask/storage/record"
)

// TombstoneFileName returns the tombstone file name for a file id.
func TombstoneFileName(id int32) string {
	return fmt.Sprintf("%d%s", id, TombstoneFileSuffix)
}

// TombstoneFile is an append-only log of deletions. Tombstones never go
// into data files; they live in their own rolling files so that
// compaction of data segments does not disturb delete history.
type TombstoneFile struct {
	id   int32
	dir  string
	file *os.File

	writeOffset atomic.Int64
}

// CreateTombstoneFile opens a fresh tombstone file for writing.
func CreateTombstoneFile(dir string, id int32) (*TombstoneFile, error) {
	path := filepath.Join(dir, TombstoneFileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create tombstone file %s: %v", err_def.ErrWriteFailed, path, err)
	}
	return &TombstoneFile{id: id, dir: dir, file: f}, nil
}

// OpenTombstoneFile opens an existing tombstone file, positioned for
// further appends.
func OpenTombstoneFile(dir string, id int32) (*TombstoneFile, error) {
	path := filepath.Join(dir, TombstoneFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", err_def.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: open tombstone file %s: %v", err_def.ErrReadFailed, path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", err_def.ErrReadFailed, path, err)
	}
	t := &TombstoneFile{id: id, dir: dir, file: f}
	t.writeOffset.Store(stat.Size())
	return t, nil
}

// ID returns the tombstone file's id.
func (t *TombstoneFile) ID() int32 {
	return t.id
}

// WriteOffset returns the current append position.
func (t *TombstoneFile) WriteOffset() int64 {
	return t.writeOffset.Load()
}

// HasRoomFor reports whether an entry of n bytes fits under the size
// limit, always accepting at least one entry.
func (t *TombstoneFile) HasRoomFor(n, maxFileSize int64) bool {
	off := t.writeOffset.Load()
	return off == 0 || off+n <= maxFileSize
}

// Append writes one tombstone entry.
func (t *TombstoneFile) Append(e *record.TombstoneEntry) error {
	buf, err := record.EncodeTombstoneEntry(e)
	if err != nil {
		return err
	}
	offset := t.writeOffset.Load()
	if _, err := t.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: append tombstone: %v", err_def.ErrWriteFailed, err)
	}
	t.writeOffset.Store(offset + int64(len(buf)))
	return nil
}

// Iterate streams the tombstone entries in write order.
func (t *TombstoneFile) Iterate(fn func(*record.TombstoneEntry) error) error {
	stat, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat tombstone file: %v", err_def.ErrReadFailed, err)
	}
	reader := bufio.NewReader(io.NewSectionReader(t.file, 0, stat.Size()))
	for {
		entry, err := record.ReadTombstoneEntry(reader)
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

// Force flushes the tombstone file to stable storage.
func (t *TombstoneFile) Force() error {
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync tombstone file %d: %v", err_def.ErrWriteFailed, t.id, err)
	}
	return nil
}

// Close closes the file without deleting it.
func (t *TombstoneFile) Close() error {
	return t.file.Close()
}

// Delete closes and removes the file.
func (t *TombstoneFile) Delete() error {
	t.file.Close()
	path := filepath.Join(t.dir, TombstoneFileName(t.id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", err_def.ErrWriteFailed, path, err)
	}
	return nil
}
