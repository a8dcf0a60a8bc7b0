// Package indexes is the secondary index framework.
//
// An index derives a queryable key/value view from the record log. Each
// index owns a side store (one SQLite file) holding its entries, a format
// version, and a watermark: the highest log sequence it has fully
// incorporated. A runner feeds every index records in strictly ascending
// sequence order starting at watermark+1; handlers stage writes into a
// batch, and the batch commits together with the new watermark in one
// transaction. A version change on open discards the side store and
// rebuilds from sequence 1.
package indexes

import (
	"context"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/message"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// ErrNotFound is returned when a side store has no entry for a key.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "index entry not found")

// Index consumes log records and stages side-store writes. Implementations
// must not write to the store directly; all mutations go through the batch
// so the runner can commit them atomically with the watermark.
type Index interface {
	// Store returns the side store the runner commits into. The store
	// carries the index name and version.
	Store() *Store

	// HandleRecord stages zero or more writes for one record. Records
	// arrive in ascending sequence order, each exactly once per build.
	HandleRecord(ctx context.Context, rec *RecordView, batch *Batch) error
}

// Loader is implemented by indexes that want a signal once they have caught
// up with the log and can serve queries.
type Loader interface {
	OnLoaded(ctx context.Context) error
}

// Flusher is implemented by indexes that need to run immediately before a
// staged batch commits.
type Flusher interface {
	OnFlush(ctx context.Context) error
}

// ContentIndexer reports whether an index derives entries from message
// content. When previously undecryptable content becomes readable, only
// indexes answering true are fed the affected records again. Indexes not
// implementing the interface are assumed to index content.
type ContentIndexer interface {
	IndexesContent() bool
}

func indexesContent(idx Index) bool {
	if ci, ok := idx.(ContentIndexer); ok {
		return ci.IndexesContent()
	}
	return true
}

// RecordView is the decoded form of one log record handed to index
// handlers. The envelope is decoded once by the runner; the full message is
// decoded lazily on first use and memoized.
type RecordView struct {
	Seq      uint64
	Envelope *feedlog.Envelope

	msg    *message.Message
	msgErr error
	parsed bool
}

// NewRecordView builds a view over envelope bytes.
func NewRecordView(seq uint64, data []byte) (*RecordView, error) {
	env, err := feedlog.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return &RecordView{Seq: seq, Envelope: env}, nil
}

// Message decodes the record's message. The result is cached, so repeated
// calls across several indexes cost one decode.
func (v *RecordView) Message() (*message.Message, error) {
	if !v.parsed {
		v.parsed = true
		v.msg, v.msgErr = message.Decode(v.Envelope.Raw)
	}
	return v.msg, v.msgErr
}
