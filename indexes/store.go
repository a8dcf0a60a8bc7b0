package indexes

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/tidepool/indexes/migrations"
	"github.com/louisbranch/tidepool/internal/platform/storage/sqlitemigrate"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

var storeNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Store is one index's durable side store: a single SQLite file holding the
// key/value entries plus a meta row with the format version, the watermark,
// and the compaction boundary. Keys scan in byte order.
type Store struct {
	name    string
	version uint32
	keys    Codec
	values  Codec

	sqlDB *sql.DB

	mu        sync.Mutex
	watermark uint64
	compacted uint64
}

// OpenStore opens or creates the side store for index name under dir. The
// file is named after the index. If the persisted version differs from
// version, all entries are dropped and the watermark resets to zero so the
// index rebuilds from sequence 1.
func OpenStore(dir, name string, version uint32, keyCodec, valueCodec Codec) (*Store, error) {
	if !storeNameRe.MatchString(name) {
		return nil, fmt.Errorf("index name %q must be lowercase alphanumeric", name)
	}
	if version == 0 {
		return nil, apperrors.WithMetadata(apperrors.CodeIndexBadVersion,
			"index version must be positive", map[string]string{"name": name})
	}
	if keyCodec == nil {
		keyCodec = Raw
	}
	if valueCodec == nil {
		valueCodec = Raw
	}

	path := filepath.Join(filepath.Clean(dir), name+".idx.db")
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index store %s: %w", name, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping index store %s: %w", name, err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.SideStoreFS, "sidestore"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate index store %s: %w", name, err)
	}

	s := &Store{
		name:    name,
		version: version,
		keys:    keyCodec,
		values:  valueCodec,
		sqlDB:   sqlDB,
	}
	if err := s.loadMeta(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadMeta(ctx context.Context) error {
	var persisted uint32
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT version, watermark, compacted FROM idx_meta WHERE id = 1")
	err := row.Scan(&persisted, &s.watermark, &s.compacted)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.sqlDB.ExecContext(ctx,
			"INSERT INTO idx_meta (id, version, watermark, compacted) VALUES (1, ?, 0, 0)",
			s.version)
		if err != nil {
			return fmt.Errorf("init index meta %s: %w", s.name, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read index meta %s: %w", s.name, err)
	}

	if persisted != s.version {
		return s.reset(ctx)
	}
	return nil
}

// reset drops every entry and zeroes the watermark, forcing a rebuild.
func (s *Store) reset(ctx context.Context) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index reset %s: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM idx_kv"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear index entries %s: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE idx_meta SET version = ?, watermark = 0, compacted = 0 WHERE id = 1",
		s.version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset index meta %s: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index reset %s: %w", s.name, err)
	}
	s.watermark = 0
	s.compacted = 0
	return nil
}

// Name returns the index name the store was opened with.
func (s *Store) Name() string { return s.name }

// Version returns the expected format version.
func (s *Store) Version() uint32 { return s.version }

// Watermark returns the highest log sequence committed into the store.
func (s *Store) Watermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Compacted returns the compaction boundary: sequences at or below it are
// treated as no-ops during replay.
func (s *Store) Compacted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacted
}

// SetCompacted persists a new compaction boundary. The boundary never moves
// backwards.
func (s *Store) SetCompacted(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.compacted {
		return nil
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		"UPDATE idx_meta SET compacted = ? WHERE id = 1", seq); err != nil {
		return fmt.Errorf("set index compaction boundary %s: %w", s.name, err)
	}
	s.compacted = seq
	return nil
}

// ApplyBatch commits the mutations and the new watermark in one
// transaction. An empty mutation list still advances the watermark, which
// happens when every record in a stretch was skipped.
func (s *Store) ApplyBatch(ctx context.Context, muts []Mutation, watermark uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index batch %s: %w", s.name, err)
	}
	for _, m := range muts {
		if m.Delete {
			_, err = tx.ExecContext(ctx, "DELETE FROM idx_kv WHERE k = ?", m.Key)
		} else {
			value := m.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO idx_kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
				m.Key, value)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply index mutation %s: %w", s.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE idx_meta SET watermark = ? WHERE id = 1", watermark); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("advance index watermark %s: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index batch %s: %w", s.name, err)
	}
	s.watermark = watermark
	return nil
}

// Get returns the raw value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	row := s.sqlDB.QueryRowContext(ctx, "SELECT v FROM idx_kv WHERE k = ?", key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read index entry %s: %w", s.name, err)
	}
	return value, nil
}

// GetValue loads the value under key through the store's value codec.
func (s *Store) GetValue(ctx context.Context, key []byte, out any) error {
	value, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := s.values.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decode index value %s: %w", s.name, err)
	}
	return nil
}

// EncodeKey runs v through the store's key codec.
func (s *Store) EncodeKey(v any) ([]byte, error) {
	return s.keys.Marshal(v)
}

// EncodeValue runs v through the store's value codec.
func (s *Store) EncodeValue(v any) ([]byte, error) {
	return s.values.Marshal(v)
}

// Range calls fn for each entry with start <= key < end in ascending byte
// order. A nil end scans to the end of the keyspace. fn returning an error
// stops the scan and propagates.
func (s *Store) Range(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	var rows *sql.Rows
	var err error
	if end == nil {
		rows, err = s.sqlDB.QueryContext(ctx,
			"SELECT k, v FROM idx_kv WHERE k >= ? ORDER BY k ASC", start)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx,
			"SELECT k, v FROM idx_kv WHERE k >= ? AND k < ? ORDER BY k ASC", start, end)
	}
	if err != nil {
		return fmt.Errorf("scan index entries %s: %w", s.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan index row %s: %w", s.name, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RangePrefix scans every entry whose key starts with prefix.
func (s *Store) RangePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return s.Range(ctx, prefix, prefixEnd(prefix), fn)
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Close releases the underlying database. Nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
