// Package config loads engine configuration from a file and maps it
// onto storage options. Files are watched for changes so long-running
// embedders can react to tuning updates without a restart.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/raciott/fincask/storage"
)

// Config mirrors the configuration file layout.
type Config struct {
	DataDir         string
	MaxFileSize     int64
	NumberOfRecords int
	IndexShardCount int

	Merge struct {
		Disabled            bool
		Interval            time.Duration
		ThresholdPerFile    float64
		ThresholdFileNumber int
		JobRate             int
		FlushDataSize       int64
	}

	Cache struct {
		Enable bool
		Size   int
	}

	BloomFilter bool
	LogLevel    string
}

func setDefaults(v *viper.Viper) {
	def := storage.DefaultOptions()
	v.SetDefault("base.data_dir", def.DataDir)
	v.SetDefault("base.max_file_size", def.MaxFileSize)
	v.SetDefault("base.number_of_records", def.NumberOfRecords)
	v.SetDefault("base.index_shard_count", def.IndexShardCount)
	v.SetDefault("merge.disabled", def.MergeDisabled)
	v.SetDefault("merge.interval", def.MergeJobInterval)
	v.SetDefault("merge.threshold_per_file", def.MergeThresholdPerFile)
	v.SetDefault("merge.threshold_file_number", def.MergeThresholdFileNumber)
	v.SetDefault("merge.job_rate", def.CompactionJobRate)
	v.SetDefault("merge.flush_data_size", def.FlushDataSizeBytes)
	v.SetDefault("cache.enable", def.EnableValueCache)
	v.SetDefault("cache.size", def.ValueCacheSize)
	v.SetDefault("bloom_filter.enable", def.EnableBloomFilter)
	v.SetDefault("log.level", "info")
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}
	cfg.DataDir = v.GetString("base.data_dir")
	cfg.MaxFileSize = v.GetInt64("base.max_file_size")
	cfg.NumberOfRecords = v.GetInt("base.number_of_records")
	cfg.IndexShardCount = v.GetInt("base.index_shard_count")

	cfg.Merge.Disabled = v.GetBool("merge.disabled")
	cfg.Merge.Interval = v.GetDuration("merge.interval")
	cfg.Merge.ThresholdPerFile = v.GetFloat64("merge.threshold_per_file")
	cfg.Merge.ThresholdFileNumber = v.GetInt("merge.threshold_file_number")
	cfg.Merge.JobRate = v.GetInt("merge.job_rate")
	cfg.Merge.FlushDataSize = v.GetInt64("merge.flush_data_size")

	cfg.Cache.Enable = v.GetBool("cache.enable")
	cfg.Cache.Size = v.GetInt("cache.size")
	cfg.BloomFilter = v.GetBool("bloom_filter.enable")
	cfg.LogLevel = v.GetString("log.level")
	return cfg
}

// Options converts the config into engine options.
func (c *Config) Options() []storage.Option {
	opts := []storage.Option{
		storage.WithDataDir(c.DataDir),
		storage.WithMaxFileSize(c.MaxFileSize),
		storage.WithNumberOfRecords(c.NumberOfRecords),
		storage.WithIndexShardCount(c.IndexShardCount),
		storage.WithMergeDisabled(c.Merge.Disabled),
		storage.WithMergeJobInterval(c.Merge.Interval),
		storage.WithMergeThresholdPerFile(c.Merge.ThresholdPerFile),
		storage.WithMergeThresholdFileNumber(c.Merge.ThresholdFileNumber),
		storage.WithCompactionJobRate(c.Merge.JobRate),
		storage.WithFlushDataSizeBytes(c.Merge.FlushDataSize),
		storage.WithBloomFilter(c.BloomFilter),
	}
	if c.Cache.Enable {
		opts = append(opts, storage.WithValueCache(c.Cache.Size))
	}
	return opts
}

// Loader reads a configuration file and watches it for changes.
type Loader struct {
	mu   sync.RWMutex
	v    *viper.Viper
	cfg  *Config
	log  logrus.FieldLogger
	path string
}

// NewLoader reads the file at path. A missing file is not an error;
// defaults apply and the file can appear later.
func NewLoader(path string, log logrus.FieldLogger) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return &Loader{
		v:    v,
		cfg:  fromViper(v),
		log:  log.WithField("component", "config"),
		path: path,
	}, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch reloads the file on change and hands the new configuration to
// onChange. Reload failures keep the previous configuration.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		fresh := viper.New()
		fresh.SetConfigFile(l.path)
		setDefaults(fresh)
		if err := fresh.ReadInConfig(); err != nil {
			l.log.WithError(err).Warn("config reload failed, keeping previous configuration")
			return
		}

		cfg := fromViper(fresh)
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()

		l.log.WithField("file", e.Name).Info("configuration reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}
