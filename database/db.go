// Package database is the embedder-facing facade over the storage
// engine. It wires configuration, logging and metrics together so that
// callers get a working store from a config file path and a handful of
// overrides.
package database

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/raciott/fincask/config"
	"github.com/raciott/fincask/metrics"
	"github.com/raciott/fincask/storage"
	"github.com/raciott/fincask/storage/cask"
)

// DB wraps the storage engine with configuration plumbing.
type DB struct {
	store  *cask.Store
	loader *config.Loader
	log    *logrus.Logger
}

// Open builds a database from the configuration file at confPath.
// dataDir, when non-empty, overrides the configured data directory.
// A missing config file is fine; defaults apply.
func Open(confPath, dataDir string) (*DB, error) {
	log := logrus.New()

	loader, err := config.NewLoader(confPath, log)
	if err != nil {
		return nil, err
	}
	cfg := loader.Current()

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	opts := cfg.Options()
	if dataDir != "" {
		opts = append(opts, storage.WithDataDir(dataDir))
	}
	opts = append(opts, storage.WithLogger(log))

	if collector, err := metrics.NewPrometheus(prometheus.DefaultRegisterer); err == nil {
		opts = append(opts, storage.WithMetrics(collector))
	} else {
		log.WithError(err).Warn("prometheus registration failed, metrics disabled")
	}

	store, err := cask.Open(opts...)
	if err != nil {
		return nil, err
	}

	db := &DB{store: store, loader: loader, log: log}

	// Tuning changes that only matter on the next open are still worth
	// logging, so operators see that the file was picked up.
	loader.Watch(func(*config.Config) {
		log.Info("configuration updated, storage tunables apply on next open")
	})

	return db, nil
}

// Put stores a key-value pair.
func (db *DB) Put(key, value []byte) error {
	return db.store.Put(key, value)
}

// Get returns the value for key.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.store.Get(key)
}

// Delete removes key.
func (db *DB) Delete(key []byte) error {
	return db.store.Delete(key)
}

// Set is the string-typed convenience form of Put.
func (db *DB) Set(key, value string) error {
	return db.store.Put([]byte(key), []byte(value))
}

// GetString is the string-typed convenience form of Get.
func (db *DB) GetString(key string) (string, error) {
	value, err := db.store.Get([]byte(key))
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Size returns the number of live keys.
func (db *DB) Size() int {
	return db.store.Size()
}

// Stats returns an engine bookkeeping snapshot.
func (db *DB) Stats() cask.Stats {
	return db.store.Stats()
}

// FileIDs returns the ids of all data files, ascending.
func (db *DB) FileIDs() []int32 {
	return db.store.FileIDs()
}

// StaleFileStatus reports per-file size and stale-byte counts, useful
// for external monitoring of how much space compaction could reclaim.
func (db *DB) StaleFileStatus() []cask.FileStatus {
	return db.store.StaleFileStatus()
}

// Sync flushes buffered writes to stable storage.
func (db *DB) Sync() error {
	return db.store.Sync()
}

// Close shuts the engine down.
func (db *DB) Close() error {
	return db.store.Close()
}
