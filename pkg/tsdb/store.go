// Package tsdb is the storage engine: a fixed-retention time-series store
// over an ordered, transactional key/value keyspace. Samples live in a
// slotted ring buffer per metric (slot = window mod slots, window = ts/step);
// metric identity is kept by a descriptor catalog binding (name, sorted tags)
// to a uint32 metric id.
package tsdb

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/sirupsen/logrus"
)

// Config holds storage configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly
	// defaults). Recommended: 64-128 MB for local dev, 256-512 MB for
	// production.
	MaxMemoryMB int64

	// DefaultStep and DefaultSlots apply when a write registers a metric
	// without explicit retention. Zero selects 1s step, 3600 slots.
	DefaultStep  int32
	DefaultSlots int32

	// Logger receives storage logs; nil uses the logrus standard logger.
	Logger *logrus.Logger
}

// Store is the ring-buffer TSDB over a BadgerDB keyspace. The handle is
// process-wide and safe for concurrent use; every operation opens its own
// transaction.
type Store struct {
	db           *badger.DB
	defaultStep  int32
	defaultSlots int32
	log          *logrus.Entry
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	defaultStep := cfg.DefaultStep
	if defaultStep == 0 {
		defaultStep = 1
	}
	defaultSlots := cfg.DefaultSlots
	if defaultSlots == 0 {
		defaultSlots = 3600
	}
	if defaultStep <= 0 || defaultSlots <= 0 {
		return nil, validationf("default step and slots must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Slot records are 9 bytes; the workload is many small overwrites. Keep
	// BadgerDB's memory consumers bounded the same way regardless of
	// environment: memtable plus block and index caches scale off one knob.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{
		db:           db,
		defaultStep:  defaultStep,
		defaultSlots: defaultSlots,
		log:          logger.WithField("component", "tsdb"),
	}, nil
}

// Close shuts the database down cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunValueLogGC runs one round of BadgerDB value log garbage collection.
// reclaimed is false when no file had enough garbage to rewrite.
func (s *Store) RunValueLogGC(discardRatio float64) (reclaimed bool, err error) {
	err = s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// update runs fn in a read-write transaction. Commit conflicts come back as
// ErrConflict; the transaction did not apply and the caller may retry.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// view runs fn against a read-only snapshot. Snapshot reads cannot conflict,
// so no retry wrapper is needed here.
func (s *Store) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

func ensureMetricID(metricID int64) (uint32, error) {
	if metricID < 0 || metricID > MaxMetricID {
		return 0, validationf("metric_id %d must fit in uint32", metricID)
	}
	return uint32(metricID), nil
}

// loadMetaTxn reads a metric's meta record inside txn.
func loadMetaTxn(txn *badger.Txn, metricID uint32) (Meta, bool, error) {
	item, err := txn.Get(metaKey(metricID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return Meta{}, false, err
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return Meta{}, false, err
	}
	return meta, true, nil
}

// loadMetaInfoTxn reads a metric's name/tags sidecar inside txn. An absent or
// undecodable record reads as empty, matching the forgiving decode rules for
// stored payloads.
func loadMetaInfoTxn(txn *badger.Txn, metricID uint32) (metaInfo, bool) {
	item, err := txn.Get(metaInfoKey(metricID))
	if err != nil {
		return newMetaInfo(), false
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return newMetaInfo(), false
	}
	info, err := decodeMetaInfo(raw)
	if err != nil {
		return newMetaInfo(), false
	}
	return info, true
}

// Meta returns (step, slots, type) for a metric.
func (s *Store) Meta(metricID uint32) (Meta, bool, error) {
	var meta Meta
	var found bool
	err := s.view(func(txn *badger.Txn) error {
		var err error
		meta, found, err = loadMetaTxn(txn, metricID)
		return err
	})
	return meta, found, err
}
