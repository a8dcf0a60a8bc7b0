package tidepool

import (
	"context"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/message"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Del tombstones the record holding ref. The sequence stays addressable so
// index replay stays aligned, but content lookups report the record
// absent. Deleting a mid-chain message breaks full-feed replication of
// this log to remote readers; accepted tradeoff, remote copies are
// unaffected.
func (db *DB) Del(ctx context.Context, ref message.Ref) error {
	if err := db.writeLock(ctx); err != nil {
		return err
	}
	defer db.mu.Unlock()

	seq, err := db.seqOfLocked(ctx, ref)
	if err != nil {
		return err
	}
	if err := db.log.Del(ctx, seq); err != nil {
		return err
	}
	delete(db.inFlight, ref)
	return nil
}

// DeleteFeed tombstones every record of author and forgets the feed. The
// per-record pass runs front to back and the first failure aborts with
// validation state and index entries intact; rerunning is safe because
// tombstoning a tombstone is a no-op. Only after every record is
// tombstoned are the feed's state and index entries dropped, together.
func (db *DB) DeleteFeed(ctx context.Context, author message.FeedID) error {
	if err := db.writeLock(ctx); err != nil {
		return err
	}
	defer db.mu.Unlock()

	// drain the base index first so records appended moments ago are
	// part of the enumeration
	if err := db.baseRun.WaitCaughtUp(ctx, db.log.LastSeq()); err != nil {
		return err
	}

	records, err := db.base.FeedRecords(ctx, author)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			"unknown feed", map[string]string{"author": string(author)})
	}

	// refs come from the records themselves; ones tombstoned by an
	// earlier partial run no longer carry them, their ref entries are
	// unreachable leftovers
	refs := make([]message.Ref, 0, len(records))
	logSeqs := make([]uint64, 0, len(records))
	for _, r := range records {
		rec, err := db.log.Get(ctx, r.LogSeq)
		if err != nil {
			return err
		}
		if !rec.Tombstone {
			if ref, err := feedlog.PeekKey(rec.Data); err == nil {
				refs = append(refs, ref)
			}
		}
		logSeqs = append(logSeqs, r.LogSeq)
	}

	for _, seq := range logSeqs {
		if err := db.log.Del(ctx, seq); err != nil {
			return err
		}
	}

	if err := db.baseRun.Apply(ctx, func(b *indexes.Batch) error {
		return db.base.PurgeFeed(ctx, author, refs, logSeqs, b)
	}); err != nil {
		return err
	}

	db.state.Remove(author)
	for ref, st := range db.inFlight {
		if st.Msg.Author == author {
			delete(db.inFlight, ref)
		}
	}
	return nil
}

// seqOfLocked resolves ref to its log sequence: the in-flight set first,
// the committed base index second.
func (db *DB) seqOfLocked(ctx context.Context, ref message.Ref) (uint64, error) {
	db.pruneInFlightLocked()
	if st, ok := db.inFlight[ref]; ok {
		return st.Seq, nil
	}
	return db.base.SeqOf(ctx, ref)
}
