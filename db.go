// Package tidepool is an embedded database for feeds: append-only,
// signed, hash-linked message chains, one per author, as used by
// peer-to-peer gossip networks.
//
// The record log is the single durable truth. Every admitted message
// becomes one log record; secondary indexes derive queryable views by
// replaying records in order and can always be rebuilt from scratch.
// Opening a database wires the default indexes, restores per-feed
// validation state from the base index, and starts the background index
// runners. All mutating operations serialize through one writer lock;
// reads run against committed index state and never block the writer.
package tidepool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/feedlog/sqlitelog"
	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/indexes/baseidx"
	"github.com/louisbranch/tidepool/indexes/mentions"
	"github.com/louisbranch/tidepool/message"
	"github.com/louisbranch/tidepool/status"
	"github.com/louisbranch/tidepool/validate"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

const (
	secretFileName = "secret"
	logFileName    = "log.db"
)

// DB is an open feed database.
type DB struct {
	dir    string
	logger zerolog.Logger

	keypair *message.Keypair
	keys    *message.Keystore

	log      feedlog.Log
	registry *indexes.Registry
	base     *baseidx.Index
	baseRun  *indexes.Runner
	mentions *mentions.Index

	agg *status.Aggregator

	// restored closes once validation state has been rebuilt from the
	// base index; mutating entry points wait on it.
	restored   chan struct{}
	restoreErr error

	// mu is the writer lock. It guards state, inFlight, and closed, and
	// is held for the full span of every mutating operation. Lock
	// holders must not call back into mutating methods.
	mu       sync.Mutex
	state    *validate.State
	inFlight map[message.Ref]*Stored
	closed   bool
}

// Open opens the database rooted at dir, creating it when absent. The
// local feed identity comes from the secret file under dir unless
// WithKeypair overrides it; the record log is a sqlitelog under dir unless
// WithLog substitutes one. The base and mentions indexes are registered
// and start catching up immediately.
func Open(dir string, opts ...Option) (*DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, apperrors.New(apperrors.CodeIoFailure, "database directory is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "create database directory", err)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	kp := cfg.keypair
	if kp == nil {
		var err error
		kp, err = loadOrCreateKeypair(filepath.Join(dir, secretFileName))
		if err != nil {
			return nil, err
		}
	}

	log := cfg.log
	if log == nil {
		var err error
		log, err = sqlitelog.Open(filepath.Join(dir, logFileName))
		if err != nil {
			return nil, err
		}
	}

	reg := indexes.NewRegistry(log, indexes.Options{
		Debounce:       cfg.debounce,
		MaxCPU:         cfg.maxCPU,
		MaxCPUWait:     cfg.maxCPUWait,
		MaxCPUMaxPause: cfg.maxCPUMaxPause,
		Logger:         cfg.logger,
	})

	base, err := baseidx.Open(dir)
	if err != nil {
		log.Close()
		return nil, err
	}
	baseRun, err := reg.Register(base)
	if err != nil {
		base.Store().Close()
		log.Close()
		return nil, err
	}

	ment, err := mentions.Open(dir)
	if err != nil {
		reg.Close()
		log.Close()
		return nil, err
	}
	if _, err := reg.Register(ment); err != nil {
		ment.Store().Close()
		reg.Close()
		log.Close()
		return nil, err
	}

	db := &DB{
		dir:      dir,
		logger:   cfg.logger.With().Str("component", "tidepool").Logger(),
		keypair:  kp,
		keys:     message.NewKeystore(),
		log:      log,
		registry: reg,
		base:     base,
		baseRun:  baseRun,
		mentions: ment,
		restored: make(chan struct{}),
		state:    validate.NewState(),
		inFlight: make(map[message.Ref]*Stored),
	}
	db.agg = &status.Aggregator{
		Self:     kp.ID,
		Base:     base,
		Log:      log,
		Registry: reg,
		Markers:  cfg.markers,
		MaxHops:  cfg.maxHops,
	}

	go db.restore(log.LastSeq())
	return db, nil
}

// restore rebuilds validation state from the base index once it has caught
// up with the log as of Open. Mutating entry points block until this
// finishes, so chain checks always see every previously admitted record.
func (db *DB) restore(upTo uint64) {
	defer close(db.restored)

	ctx := context.Background()
	if err := db.baseRun.WaitCaughtUp(ctx, upTo); err != nil {
		db.restoreErr = err
		return
	}
	heads, err := db.base.Heads(ctx)
	if err != nil {
		db.restoreErr = err
		return
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for author, head := range heads {
		db.state.Restore(author, head.Ref, head.Sequence, time.UnixMilli(head.Timestamp).UTC())
	}
	db.logger.Debug().Int("feeds", len(heads)).Uint64("seq", upTo).Msg("validation state restored")
}

// ready blocks until startup state restoration has finished.
func (db *DB) ready(ctx context.Context) error {
	select {
	case <-db.restored:
		return db.restoreErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLock waits for readiness and takes the writer lock. On nil error
// the caller holds mu and must release it.
func (db *DB) writeLock(ctx context.Context) error {
	if err := db.ready(ctx); err != nil {
		return err
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return apperrors.New(apperrors.CodeDatabaseClosed, "database is closed")
	}
	return nil
}

// Register starts idx against the log. The index catches up from its own
// persisted watermark; a fresh index rebuilds from sequence 1.
func (db *DB) Register(idx indexes.Index) (*indexes.Runner, error) {
	return db.registry.Register(idx)
}

// ID returns the local feed identity.
func (db *DB) ID() message.FeedID {
	return db.keypair.ID
}

// Log exposes the record log.
func (db *DB) Log() feedlog.Log {
	return db.log
}

// Base exposes the base index for read-only queries.
func (db *DB) Base() *baseidx.Index {
	return db.base
}

// Mentions exposes the mentions index.
func (db *DB) Mentions() *mentions.Index {
	return db.mentions
}

// Close flushes and stops every index runner in reverse registration
// order, then closes the log. Safe to call more than once; nil-safe so
// callers can defer it in all startup paths.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	err := db.registry.Close()
	if cerr := db.log.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// loadOrCreateKeypair reads the secret file, generating and saving a fresh
// identity when none exists yet.
func loadOrCreateKeypair(path string) (*message.Keypair, error) {
	kp, err := message.LoadKeypair(path)
	if err == nil {
		return kp, nil
	}
	if apperrors.CodeOf(err) != apperrors.CodeKeypairMissing {
		return nil, err
	}
	kp, err = message.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}
