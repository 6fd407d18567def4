package storage

// Record flags.
const (
	FlagNormal    byte = 0
	FlagTombstone byte = 1
)

// MaxKeySize is the largest key the store accepts. Key length is stored
// in a single signed byte on disk.
const MaxKeySize = 127

// RecordMeta locates the current value of a key on disk. The value has a
// fixed size (20 bytes of fields, padded to 24 bytes in memory on 64-bit
// platforms) so that millions of entries can be held in the directory
// with predictable per-entry memory.
type RecordMeta struct {
	FileID         int32
	ValueOffset    int32
	ValueSize      int32
	SequenceNumber int64
}
