// Package replica is the device-side copy of a user's tasks and goals.
//
// Records live in an embedded BadgerDB keyed by collection and id. Every
// local edit also writes a journal entry under pending/, which is what the
// Coordinator pushes on the next sync. The journal is cleared only for the
// entries that were actually pushed, so edits made while a sync is running
// go out with the following one.
//
// Key layout:
//
//	task/<id>            task JSON
//	goal/<id>            goal JSON
//	pending/<col>/<id>   journal entry {op, fields, seq}
//	meta/cursor          last pull timestamp (unix ms)
//	meta/seq             journal sequence counter
package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned when a record does not exist or is deleted.
	ErrNotFound = errors.New("record not found")

	keyCursor = []byte("meta/cursor")
	keySeq    = []byte("meta/seq")
)

// Config configures a replica store.
type Config struct {
	// Path is the directory for the database files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in memory. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Owner is stamped on records created before the first sync.
	Owner string

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the discardable fraction that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns the settings used on devices.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		Owner:          "local",
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for a throwaway in-memory replica.
func InMemoryConfig() Config {
	return Config{InMemory: true, Owner: "local"}
}

// badgerLogger routes badger's logger through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a device-local replica.
type Store struct {
	db     *badger.DB
	owner  string
	now    func() time.Time
	logger *slog.Logger

	// mu serializes read-modify-write transactions so they never hit
	// badger.ErrConflict.
	mu sync.Mutex

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) a replica.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent replica")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create replica directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "local"
	}
	s := &Store{
		db:     db,
		owner:  owner,
		now:    time.Now,
		logger: logger.With(slog.String("component", "replica")),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// SetClock replaces time.Now for record timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Owner returns the owner id stamped on new records.
func (s *Store) Owner() string {
	return s.owner
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log GC failed", slog.Any("error", err))
			}
		}
	}
}

// Cursor returns the timestamp of the last successful sync, nil before the
// first one.
func (s *Store) Cursor() (*int64, error) {
	var cursor *int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCursor)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt cursor %q: %w", val, err)
			}
			cursor = &n
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// nextSeq bumps and returns the journal sequence inside txn.
func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get(keySeq)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return 0, err
		}
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return seq, txn.Set(keySeq, buf)
}
