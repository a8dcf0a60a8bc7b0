package tidepool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/message"
	"github.com/louisbranch/tidepool/status"
	"github.com/louisbranch/tidepool/validate"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Stored is an admitted message together with its log position. Msg is the
// queryable form: for private records the content is the locally opened
// plaintext, while the signed ciphertext stays in the log.
type Stored struct {
	Seq      uint64
	Key      message.Ref
	Private  bool
	Received time.Time
	Msg      *message.Message
}

// Get returns the stored message holding ref. Get reads the committed base
// index, so a record appended a moment ago may still report absent while
// its index entry is staged; GetSync waits that window out. Tombstoned
// records report absent.
func (db *DB) Get(ctx context.Context, ref message.Ref) (*Stored, error) {
	seq, err := db.base.SeqOf(ctx, ref)
	if err != nil {
		return nil, err
	}
	return db.storedAt(ctx, seq)
}

// GetSync is Get behind the consistency barrier: it captures the log's
// current last sequence, waits until the base index has committed through
// it, then reads. A caller that just appended always sees its own write.
// The wait cancels with ctx.
func (db *DB) GetSync(ctx context.Context, ref message.Ref) (*Stored, error) {
	if err := db.baseRun.WaitCaughtUp(ctx, db.log.LastSeq()); err != nil {
		return nil, err
	}
	return db.Get(ctx, ref)
}

// OnDrain registers fn with the named index's drain signal: it runs once
// the index watermark reaches the log's last sequence, then again on every
// later catch-up. The returned cancel stops the callbacks.
func (db *DB) OnDrain(indexName string, fn func()) (func(), error) {
	return db.registry.OnDrain(indexName, fn)
}

// Status summarizes replication: log position, per-index watermarks,
// per-feed latest sequences, and partial-sync coverage across the contact
// graph.
func (db *DB) Status(ctx context.Context) (*status.Report, error) {
	return db.agg.Report(ctx)
}

// VerifyFeed re-validates author's stored chain front to back. Every
// surviving record is rebuilt into its original signed form, private
// records included, and pushed through the strict chain check. Tombstoned
// records and feeds replicated from the middle leave holes; verification
// re-anchors on the next record's declared previous ref, which the
// signature covers. The first violation is returned; nil means intact.
func (db *DB) VerifyFeed(ctx context.Context, author message.FeedID) error {
	records, err := db.base.FeedRecords(ctx, author)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			"unknown feed", map[string]string{"author": string(author)})
	}

	chain := validate.NewState()
	holed := false
	for _, r := range records {
		rec, err := db.log.Get(ctx, r.LogSeq)
		if err != nil {
			return err
		}
		if rec.Tombstone {
			holed = true
			continue
		}
		env, err := feedlog.DecodeEnvelope(rec.Data)
		if err != nil {
			return err
		}
		msg, err := message.Decode(env.Raw)
		if err != nil {
			return err
		}
		if env.Private {
			msg.Content = json.RawMessage(env.Box)
		}

		if (holed || !chain.Known(author)) && msg.Sequence > 1 && msg.Previous != nil {
			chain.Restore(author, *msg.Previous, msg.Sequence-1, time.Time{})
		}
		holed = false

		if err := chain.Append(msg); err != nil {
			return err
		}
	}
	return nil
}

// storedAt loads the record at seq and decodes it into its public form.
func (db *DB) storedAt(ctx context.Context, seq uint64) (*Stored, error) {
	rec, err := db.log.Get(ctx, seq)
	if err != nil {
		return nil, err
	}
	return db.decodeStored(rec)
}

// decodeStored turns a log record into a Stored. Tombstoned records report
// absent. Content still boxed at rest is retried against the current
// keystore, so keys added after a record was stored still open it at read
// time.
func (db *DB) decodeStored(rec feedlog.Record) (*Stored, error) {
	if rec.Tombstone {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound,
			"record deleted", map[string]string{"seq": fmt.Sprint(rec.Seq)})
	}
	env, err := feedlog.DecodeEnvelope(rec.Data)
	if err != nil {
		return nil, err
	}
	msg, err := message.Decode(env.Raw)
	if err != nil {
		return nil, err
	}

	st := &Stored{
		Seq:      rec.Seq,
		Key:      env.Key,
		Private:  env.Private,
		Received: time.UnixMilli(env.Received).UTC(),
		Msg:      msg,
	}
	if !env.Private && message.IsBoxed(msg.Content) {
		if plain, ok := db.keys.Unbox(msg.Content); ok {
			opened := msg.Clone()
			opened.Content = plain
			st.Msg = opened
			st.Private = true
		}
	}
	return st, nil
}
