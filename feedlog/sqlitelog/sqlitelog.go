// Package sqlitelog is the durable feedlog.Log reference implementation on
// SQLite. One database file holds the record journal; WAL mode keeps reads
// concurrent with the single logical writer.
package sqlitelog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/feedlog/sqlitelog/migrations"
	"github.com/louisbranch/tidepool/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/tidepool/internal/watch"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Log is a SQLite-backed append-only record store.
type Log struct {
	sqlDB *sql.DB

	// writeMu serializes appends and tombstones; the log has a single
	// logical writer by contract.
	writeMu sync.Mutex

	last *watch.Value[uint64]
}

var _ feedlog.Log = (*Log)(nil)

// Open opens or creates the log database at path and applies embedded
// migrations.
func Open(path string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.LogFS, "log"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	var last uint64
	row := sqlDB.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM records")
	if err := row.Scan(&last); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	return &Log{
		sqlDB: sqlDB,
		last:  watch.NewValue(last),
	}, nil
}

// Append implements feedlog.Log.
func (l *Log) Append(ctx context.Context, data []byte) (uint64, error) {
	seqs, err := l.AppendBatch(ctx, [][]byte{data})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch implements feedlog.Log. All records commit in one
// transaction; sequences are contiguous within the batch.
func (l *Log) AppendBatch(ctx context.Context, data [][]byte) ([]uint64, error) {
	if l == nil || l.sqlDB == nil {
		return nil, fmt.Errorf("log is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}

	now := toMillis(time.Now())
	seqs := make([]uint64, 0, len(data))
	for i, d := range data {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO records (data, tombstone, appended_at) VALUES (?, 0, ?)",
			d, now,
		)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("append record %d: %w", i, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("read record %d sequence: %w", i, err)
		}
		seqs = append(seqs, uint64(seq))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append transaction: %w", err)
	}

	l.last.Set(seqs[len(seqs)-1])
	return seqs, nil
}

// Get implements feedlog.Log.
func (l *Log) Get(ctx context.Context, seq uint64) (feedlog.Record, error) {
	if l == nil || l.sqlDB == nil {
		return feedlog.Record{}, fmt.Errorf("log is not configured")
	}
	if err := ctx.Err(); err != nil {
		return feedlog.Record{}, err
	}

	var rec feedlog.Record
	var tombstone int
	row := l.sqlDB.QueryRowContext(ctx,
		"SELECT seq, data, tombstone FROM records WHERE seq = ?", seq)
	if err := row.Scan(&rec.Seq, &rec.Data, &tombstone); err != nil {
		if err == sql.ErrNoRows {
			return feedlog.Record{}, feedlog.ErrNotFound
		}
		return feedlog.Record{}, fmt.Errorf("load record seq=%d: %w", seq, err)
	}
	rec.Tombstone = tombstone != 0
	return rec, nil
}

// Del implements feedlog.Log. The record's payload is cleared in place;
// the sequence slot survives so replaying indexes stay aligned.
func (l *Log) Del(ctx context.Context, seq uint64) error {
	if l == nil || l.sqlDB == nil {
		return fmt.Errorf("log is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	res, err := l.sqlDB.ExecContext(ctx,
		"UPDATE records SET data = NULL, tombstone = 1 WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("tombstone record seq=%d: %w", seq, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tombstone record seq=%d: %w", seq, err)
	}
	if affected == 0 {
		return feedlog.ErrNotFound
	}
	return nil
}

// LastSeq implements feedlog.Log.
func (l *Log) LastSeq() uint64 {
	return l.last.Get()
}

// WatchLast implements feedlog.Log.
func (l *Log) WatchLast() (<-chan uint64, func()) {
	return l.last.Subscribe()
}

// Range implements feedlog.Log.
func (l *Log) Range(ctx context.Context, from uint64, fn func(feedlog.Record) error) error {
	if l == nil || l.sqlDB == nil {
		return fmt.Errorf("log is not configured")
	}
	if from == 0 {
		from = 1
	}

	rows, err := l.sqlDB.QueryContext(ctx,
		"SELECT seq, data, tombstone FROM records WHERE seq >= ? ORDER BY seq ASC", from)
	if err != nil {
		return fmt.Errorf("scan records from seq=%d: %w", from, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec feedlog.Record
		var tombstone int
		if err := rows.Scan(&rec.Seq, &rec.Data, &tombstone); err != nil {
			return fmt.Errorf("scan record row: %w", err)
		}
		rec.Tombstone = tombstone != 0
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements feedlog.Log. Nil-safe so callers can defer it in all
// startup paths.
func (l *Log) Close() error {
	if l == nil || l.sqlDB == nil {
		return nil
	}
	l.last.Close()
	return l.sqlDB.Close()
}
