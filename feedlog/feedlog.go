// Package feedlog defines the append-only record store contract.
//
// The log is the single durable truth: every admitted message becomes one
// sequence-numbered record, and secondary indexes derive everything else
// from replaying those records in order. The store itself is an external
// collaborator; memlog and sqlitelog are the reference implementations.
package feedlog

import (
	"context"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// ErrNotFound is returned when no record exists at a sequence.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// Record is one durable log slot. Once written, a slot never changes except
// for tombstoning, which clears the payload but keeps the sequence
// addressable so index replay stays aligned.
type Record struct {
	Seq       uint64
	Data      []byte // envelope bytes; nil once tombstoned
	Tombstone bool
}

// Log is a sequence-numbered append-only record store with a single logical
// writer. Sequences start at 1 and increase without gaps.
type Log interface {
	// Append writes one record and returns its sequence.
	Append(ctx context.Context, data []byte) (uint64, error)

	// AppendBatch writes all records or none, returning their sequences
	// in order.
	AppendBatch(ctx context.Context, data [][]byte) ([]uint64, error)

	// Get returns the record at seq, tombstoned or not.
	// Sequences never written return ErrNotFound.
	Get(ctx context.Context, seq uint64) (Record, error)

	// Del tombstones the record at seq. Tombstoning a tombstone is a
	// no-op; a sequence never written returns ErrNotFound.
	Del(ctx context.Context, seq uint64) error

	// LastSeq returns the highest sequence written, 0 when empty.
	LastSeq() uint64

	// WatchLast subscribes to last-sequence changes. The channel first
	// delivers the current value, then conflates: a slow reader skips
	// intermediate sequences but always sees the newest. The cancel
	// function releases the subscription.
	WatchLast() (<-chan uint64, func())

	// Range calls fn for each record with seq >= from in ascending order,
	// tombstoned records included. fn returning an error stops the scan
	// and propagates.
	Range(ctx context.Context, from uint64, fn func(Record) error) error

	Close() error
}
