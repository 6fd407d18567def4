// Package storage holds the configuration surface and shared types of the
// fincask storage engine.
package storage

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raciott/fincask/err_def"
	"github.com/raciott/fincask/metrics"
)

// Options configures the storage engine.
type Options struct {
	// DataDir is the directory holding every persistent file of the store.
	DataDir string

	// MaxFileSize is the rollover threshold in bytes for data and
	// tombstone files.
	MaxFileSize int64

	// NumberOfRecords is a capacity hint used to size the key directory.
	NumberOfRecords int

	// Compaction settings.
	MergeJobInterval         time.Duration // how often the compactor looks for work
	MergeThresholdPerFile    float64       // stale bytes / file size fraction triggering candidacy
	MergeThresholdFileNumber int           // minimum candidate count per merge batch
	MergeDisabled            bool
	CompactionJobRate        int   // bytes per second for the compaction rate limiter
	FlushDataSizeBytes       int64 // fsync cadence for compaction writes, -1 disables

	// Directory tunables. A zero IndexShardCount picks a power of two of
	// at least twice the available hardware parallelism.
	IndexShardCount int

	// Optional hot-value cache in front of the read path.
	EnableValueCache bool
	ValueCacheSize   int

	// Optional negative-lookup filter in front of the directory.
	EnableBloomFilter bool

	Logger  logrus.FieldLogger
	Metrics metrics.Collector
}

// Option mutates Options in the functional options style.
type Option func(opt *Options)

// DefaultOptions returns a configuration suitable for most embedders.
func DefaultOptions() *Options {
	return &Options{
		DataDir:                  "/tmp/fincask",
		MaxFileSize:              1 << 30,
		NumberOfRecords:          1 << 20,
		MergeJobInterval:         10 * time.Minute,
		MergeThresholdPerFile:    0.75,
		MergeThresholdFileNumber: 4,
		CompactionJobRate:        32 << 20,
		FlushDataSizeBytes:       32 << 20,
		ValueCacheSize:           1 << 10,
		Metrics:                  metrics.Noop(),
	}
}

// Validate reports configuration values that are out of range.
func (o *Options) Validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("%w: data dir must not be empty", err_def.ErrInvalidOptions)
	}
	if o.MaxFileSize <= 0 {
		return fmt.Errorf("%w: max file size must be positive", err_def.ErrInvalidOptions)
	}
	if o.NumberOfRecords <= 0 {
		return fmt.Errorf("%w: number of records must be positive", err_def.ErrInvalidOptions)
	}
	if o.MergeThresholdPerFile <= 0 || o.MergeThresholdPerFile > 1 {
		return fmt.Errorf("%w: merge threshold per file must be in (0,1]", err_def.ErrInvalidOptions)
	}
	if o.MergeThresholdFileNumber <= 0 {
		return fmt.Errorf("%w: merge threshold file number must be positive", err_def.ErrInvalidOptions)
	}
	if !o.MergeDisabled {
		if o.MergeJobInterval <= 0 {
			return fmt.Errorf("%w: merge job interval must be positive", err_def.ErrInvalidOptions)
		}
		if o.CompactionJobRate <= 0 {
			return fmt.Errorf("%w: compaction job rate must be positive", err_def.ErrInvalidOptions)
		}
	}
	return nil
}

func WithDataDir(dataDir string) Option {
	return func(opt *Options) {
		opt.DataDir = dataDir
	}
}

func WithMaxFileSize(maxFileSize int64) Option {
	return func(opt *Options) {
		opt.MaxFileSize = maxFileSize
	}
}

func WithNumberOfRecords(n int) Option {
	return func(opt *Options) {
		opt.NumberOfRecords = n
	}
}

func WithMergeJobInterval(interval time.Duration) Option {
	return func(opt *Options) {
		opt.MergeJobInterval = interval
	}
}

func WithMergeThresholdPerFile(fraction float64) Option {
	return func(opt *Options) {
		opt.MergeThresholdPerFile = fraction
	}
}

func WithMergeThresholdFileNumber(n int) Option {
	return func(opt *Options) {
		opt.MergeThresholdFileNumber = n
	}
}

func WithMergeDisabled(disabled bool) Option {
	return func(opt *Options) {
		opt.MergeDisabled = disabled
	}
}

func WithCompactionJobRate(bytesPerSecond int) Option {
	return func(opt *Options) {
		opt.CompactionJobRate = bytesPerSecond
	}
}

func WithFlushDataSizeBytes(n int64) Option {
	return func(opt *Options) {
		opt.FlushDataSizeBytes = n
	}
}

func WithIndexShardCount(n int) Option {
	return func(opt *Options) {
		opt.IndexShardCount = n
	}
}

func WithValueCache(size int) Option {
	return func(opt *Options) {
		opt.EnableValueCache = true
		opt.ValueCacheSize = size
	}
}

func WithBloomFilter(enable bool) Option {
	return func(opt *Options) {
		opt.EnableBloomFilter = enable
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(opt *Options) {
		opt.Logger = logger
	}
}

func WithMetrics(collector metrics.Collector) Option {
	return func(opt *Options) {
		opt.Metrics = collector
	}
}
