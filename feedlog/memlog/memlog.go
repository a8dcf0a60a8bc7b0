// Package memlog is an in-memory feedlog.Log for tests and embedding.
package memlog

import (
	"context"
	"slices"
	"sync"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/internal/watch"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Log keeps every record in memory. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	records []feedlog.Record // records[i] holds sequence i+1
	closed  bool

	last *watch.Value[uint64]
}

var _ feedlog.Log = (*Log)(nil)

// New returns an empty log.
func New() *Log {
	return &Log{last: watch.NewValue(uint64(0))}
}

// Append implements feedlog.Log.
func (l *Log) Append(ctx context.Context, data []byte) (uint64, error) {
	seqs, err := l.AppendBatch(ctx, [][]byte{data})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch implements feedlog.Log.
func (l *Log) AppendBatch(ctx context.Context, data [][]byte) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeIoFailure, "log is closed")
	}
	seqs := make([]uint64, 0, len(data))
	for _, d := range data {
		seq := uint64(len(l.records)) + 1
		l.records = append(l.records, feedlog.Record{
			Seq:  seq,
			Data: slices.Clone(d),
		})
		seqs = append(seqs, seq)
	}
	last := uint64(len(l.records))
	l.mu.Unlock()

	if len(seqs) > 0 {
		l.last.Set(last)
	}
	return seqs, nil
}

// Get implements feedlog.Log.
func (l *Log) Get(ctx context.Context, seq uint64) (feedlog.Record, error) {
	if err := ctx.Err(); err != nil {
		return feedlog.Record{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.records)) {
		return feedlog.Record{}, feedlog.ErrNotFound
	}
	rec := l.records[seq-1]
	rec.Data = slices.Clone(rec.Data)
	return rec, nil
}

// Del implements feedlog.Log.
func (l *Log) Del(ctx context.Context, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if seq == 0 || seq > uint64(len(l.records)) {
		return feedlog.ErrNotFound
	}
	l.records[seq-1].Data = nil
	l.records[seq-1].Tombstone = true
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
	if from == 0 {
		from = 1
	}
	for seq := from; ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.RLock()
		if seq > uint64(len(l.records)) {
			l.mu.RUnlock()
			return nil
		}
		rec := l.records[seq-1]
		rec.Data = slices.Clone(rec.Data)
		l.mu.RUnlock()

		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close implements feedlog.Log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.last.Close()
	return nil
}
