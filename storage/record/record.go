// Package record implements the on-disk codec for data records, index
// entries and tombstone entries. All integers are little-endian and the
// layouts are stable within a database.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/raciott/fincask/err_def"
	"github.com/raciott/fincask/storage"
)

// On-disk layouts:
//
//	data record:     [checksum:4][key_len:1][value_len:4][seq:8][flags:1][key][value]
//	index entry:     [key_len:1][record_size:4][record_offset:4][seq:8][flags:1][key]
//	tombstone entry: [checksum:4][key_len:1][seq:8][key]
const (
	HeaderSize          = 18
	IndexHeaderSize     = 18
	TombstoneHeaderSize = 13
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a key-value pair as written to a data segment.
type Record struct {
	Key            []byte
	Value          []byte
	SequenceNumber int64
	Flags          byte
}

// IndexEntry mirrors one record of the paired index file. It carries
// enough to rebuild the directory without reading value bytes.
type IndexEntry struct {
	Key            []byte
	RecordSize     int32
	RecordOffset   int32
	SequenceNumber int64
	Flags          byte
}

// TombstoneEntry marks a key as deleted in the tombstone log.
type TombstoneEntry struct {
	Key            []byte
	SequenceNumber int64
}

// Size returns the encoded length of the record.
func (r *Record) Size() int64 {
	return int64(HeaderSize + len(r.Key) + len(r.Value))
}

// ValueOffset computes the offset of a record's value bytes from the
// record offset and key length.
func ValueOffset(recordOffset int32, keyLen int) int32 {
	return recordOffset + HeaderSize + int32(keyLen)
}

// ValueSize computes the value length of an index entry.
func (e *IndexEntry) ValueSize() int32 {
	return e.RecordSize - IndexHeaderSize - int32(len(e.Key))
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

// EncodeRecord serializes a data record.
func EncodeRecord(r *Record) ([]byte, error) {
	if err := validateKey(r.Key); err != nil {
		return nil, err
	}

	keyLen := len(r.Key)
	valueLen := len(r.Value)
	buf := make([]byte, HeaderSize+keyLen+valueLen)

	buf[4] = byte(keyLen)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(valueLen))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(r.SequenceNumber))
	buf[17] = r.Flags
	copy(buf[HeaderSize:], r.Key)
	copy(buf[HeaderSize+keyLen:], r.Value)

	crc := crc32.Checksum(buf[HeaderSize:], castagnoli)
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf, nil
}

// DecodeRecord parses and verifies a data record.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", err_def.ErrInsufficientData, len(buf), HeaderSize)
	}

	crc := binary.LittleEndian.Uint32(buf[0:4])
	keyLen := int(buf[4])
	valueLen := int(binary.LittleEndian.Uint32(buf[5:9]))
	seq := int64(binary.LittleEndian.Uint64(buf[9:17]))
	flags := buf[17]

	if len(buf) != HeaderSize+keyLen+valueLen {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", err_def.ErrInsufficientData, len(buf), HeaderSize+keyLen+valueLen)
	}

	payload := buf[HeaderSize:]
	if computed := crc32.Checksum(payload, castagnoli); computed != crc {
		return nil, fmt.Errorf("%w: stored=%x computed=%x", err_def.ErrChecksumMismatch, crc, computed)
	}

	key := make([]byte, keyLen)
	value := make([]byte, valueLen)
	copy(key, payload[:keyLen])
	copy(value, payload[keyLen:])

	return &Record{
		Key:            key,
		Value:          value,
		SequenceNumber: seq,
		Flags:          flags,
	}, nil
}

// EncodeIndexEntry serializes an index entry.
func EncodeIndexEntry(e *IndexEntry) ([]byte, error) {
	if err := validateKey(e.Key); err != nil {
		return nil, err
	}

	keyLen := len(e.Key)
	buf := make([]byte, IndexHeaderSize+keyLen)

	buf[0] = byte(keyLen)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(e.RecordSize))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(e.RecordOffset))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(e.SequenceNumber))
	buf[17] = e.Flags
	copy(buf[IndexHeaderSize:], e.Key)

	return buf, nil
}

// ReadIndexEntry reads the next index entry from r. It returns io.EOF at
// a clean end of the stream and ErrCorruptedIndex when the stream ends
// mid-entry or carries an impossible header.
func ReadIndexEntry(r io.Reader) (*IndexEntry, error) {
	header := make([]byte, IndexHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated index header: %v", err_def.ErrCorruptedIndex, err)
	}

	keyLen := int(header[0])
	if keyLen == 0 || keyLen > storage.MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d", err_def.ErrCorruptedIndex, keyLen)
	}

	entry := &IndexEntry{
		RecordSize:     int32(binary.LittleEndian.Uint32(header[1:5])),
		RecordOffset:   int32(binary.LittleEndian.Uint32(header[5:9])),
		SequenceNumber: int64(binary.LittleEndian.Uint64(header[9:17])),
		Flags:          header[17],
	}
	if entry.RecordSize < int32(HeaderSize+keyLen) {
		return nil, fmt.Errorf("%w: record size %d below minimum", err_def.ErrCorruptedIndex, entry.RecordSize)
	}

	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("%w: truncated index key: %v", err_def.ErrCorruptedIndex, err)
	}

	return entry, nil
}

// EncodeTombstoneEntry serializes a tombstone entry.
func EncodeTombstoneEntry(e *TombstoneEntry) ([]byte, error) {
	if err := validateKey(e.Key); err != nil {
		return nil, err
	}

	keyLen := len(e.Key)
	buf := make([]byte, TombstoneHeaderSize+keyLen)

	buf[4] = byte(keyLen)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(e.SequenceNumber))
	copy(buf[TombstoneHeaderSize:], e.Key)

	crc := crc32.Checksum(buf[TombstoneHeaderSize:], castagnoli)
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf, nil
}

// ReadTombstoneEntry reads the next tombstone entry from r. It returns
// io.EOF at a clean end and ErrCorruptedIndex on a truncated or
// checksum-failing entry.
func ReadTombstoneEntry(r io.Reader) (*TombstoneEntry, error) {
	header := make([]byte, TombstoneHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated tombstone header: %v", err_def.ErrCorruptedIndex, err)
	}

	crc := binary.LittleEndian.Uint32(header[0:4])
	keyLen := int(header[4])
	if keyLen == 0 || keyLen > storage.MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d", err_def.ErrCorruptedIndex, keyLen)
	}

	entry := &TombstoneEntry{
		SequenceNumber: int64(binary.LittleEndian.Uint64(header[5:13])),
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("%w: truncated tombstone key: %v", err_def.ErrCorruptedIndex, err)
	}

	if computed := crc32.Checksum(entry.Key, castagnoli); computed != crc {
		return nil, fmt.Errorf("%w: tombstone %w: stored=%x computed=%x", err_def.ErrCorruptedIndex, err_def.ErrChecksumMismatch, crc, computed)
	}

	return entry, nil
}
