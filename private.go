package tidepool

import (
	"context"
	"errors"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/message"
)

// AddBoxKey registers a 32-byte symmetric key for private content. From
// here on, boxed content the key opens is stored opened; records stored
// earlier keep their ciphertext at rest but open at read time, and
// ReindexPrivate refreshes their content-derived index entries.
func (db *DB) AddBoxKey(key []byte) error {
	return db.keys.AddKey(key)
}

// ReindexPrivate retries every record whose content is still ciphertext
// against the current keystore. Records a key now opens are fed back, in
// opened form, to every content index; the base index moves them from the
// boxed set to the private set. Records no key opens stay pending for the
// next pass. The log itself is never rewritten.
func (db *DB) ReindexPrivate(ctx context.Context) error {
	if err := db.writeLock(ctx); err != nil {
		return err
	}
	defer db.mu.Unlock()

	// drain first so the boxed set covers every appended record
	if err := db.baseRun.WaitCaughtUp(ctx, db.log.LastSeq()); err != nil {
		return err
	}

	pending, err := db.base.BoxedPending(ctx)
	if err != nil {
		return err
	}

	var views []*indexes.RecordView
	for _, seq := range pending {
		rec, err := db.log.Get(ctx, seq)
		if err != nil {
			if errors.Is(err, feedlog.ErrNotFound) {
				continue
			}
			return err
		}
		if rec.Tombstone {
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
		plain, ok := db.keys.Unbox(msg.Content)
		if !ok {
			continue
		}

		opened := msg.Clone()
		opened.Content = plain
		openedRaw, err := opened.Encode()
		if err != nil {
			return err
		}
		env.Raw = openedRaw
		env.Private = true
		env.Box = []byte(msg.Content)

		data, err := env.Encode()
		if err != nil {
			return err
		}
		view, err := indexes.NewRecordView(seq, data)
		if err != nil {
			return err
		}
		views = append(views, view)
	}

	if len(views) == 0 {
		return nil
	}
	db.logger.Debug().Int("records", len(views)).Msg("reindexing opened private records")
	return db.registry.Reindex(ctx, views)
}
