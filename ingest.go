package tidepool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/message"
	"github.com/louisbranch/tidepool/validate"
)

// Add appends msg to the log without chain validation; replication code
// that has already vetted a message uses this path. Adding a message that
// is already stored returns the existing record unchanged. Boxed content a
// local key opens is stored opened and tagged private, with the ciphertext
// kept in the envelope; content no key opens is stored as-is, never an
// error.
func (db *DB) Add(ctx context.Context, msg *message.Message) (*Stored, error) {
	if err := db.writeLock(ctx); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()
	return db.addLocked(ctx, msg)
}

// Publish authors content as the local feed's next message: chain fields
// and timestamp are filled in, the message is signed and appended.
func (db *DB) Publish(ctx context.Context, content json.RawMessage) (*Stored, error) {
	if err := db.writeLock(ctx); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()

	snap := db.snapshotHead(db.keypair.ID)
	msg, err := db.state.AppendNew(db.keypair, content, time.Now())
	if err != nil {
		return nil, err
	}
	st, err := db.addLocked(ctx, msg)
	if err != nil {
		db.restoreHead(snap)
		return nil, err
	}
	db.state.Confirm(db.keypair.ID, st.Key)
	return st, nil
}

// ValidateAndAdd admits a replicated message. Authors with
// continuity-tracked state go through the strict chain check; unknown
// authors are admitted out of order, which starts tracking only when the
// message opens the feed at sequence 1. A validation failure aborts before
// anything is written. Validation runs even for messages already stored,
// so an in-order redelivery advances continuity tracking; the append
// itself is idempotent and returns the stored record.
func (db *DB) ValidateAndAdd(ctx context.Context, msg *message.Message) (*Stored, error) {
	if err := db.writeLock(ctx); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()

	if err := msg.WellFormed(); err != nil {
		return nil, err
	}

	snap := db.snapshotHead(msg.Author)
	var err error
	if db.state.Known(msg.Author) {
		err = db.state.Append(msg)
	} else {
		err = db.state.AppendOOO(msg)
	}
	if err != nil {
		return nil, err
	}

	st, err := db.addLocked(ctx, msg)
	if err != nil {
		db.restoreHead(snap)
		return nil, err
	}
	return st, nil
}

// ValidateAndAddOOO admits a message after signature and shape checks
// against a throwaway state. The live validation state is never consulted
// or advanced, so a forked or disjoint chain segment cannot disturb
// continuity tracking.
func (db *DB) ValidateAndAddOOO(ctx context.Context, msg *message.Message) (*Stored, error) {
	if err := db.writeLock(ctx); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()

	scratch := validate.NewState()
	if err := scratch.AppendOOO(msg); err != nil {
		return nil, err
	}
	return db.addLocked(ctx, msg)
}

// AddTransaction admits a batch all or none. The ordered set is validated
// sequentially against a scratch copy of the live state, so messages may
// chain on each other; the ooo set is validated against a throwaway state.
// Only when every message passes are the records appended in one log batch
// and the scratch state swapped in. On any failure nothing is appended and
// the live state is untouched. Already-stored messages in the ooo set are
// returned in their stored form without a second append; in the ordered set
// they fail the chain check like any other duplicate.
func (db *DB) AddTransaction(ctx context.Context, ordered, ooo []*message.Message) ([]*Stored, error) {
	if err := db.writeLock(ctx); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()

	now := time.Now()
	scratch := db.state.Clone()
	throwaway := validate.NewState()

	results := make([]*Stored, 0, len(ordered)+len(ooo))
	var (
		pendingData   [][]byte
		pendingStored []*Stored
	)
	staged := make(map[message.Ref]*Stored)

	stage := func(msg *message.Message, ref message.Ref) error {
		env, storedMsg, err := db.buildEnvelope(msg, ref, now)
		if err != nil {
			return err
		}
		data, err := env.Encode()
		if err != nil {
			return err
		}
		st := &Stored{
			Key:      ref,
			Private:  env.Private,
			Received: time.UnixMilli(env.Received).UTC(),
			Msg:      storedMsg,
		}
		pendingData = append(pendingData, data)
		pendingStored = append(pendingStored, st)
		staged[ref] = st
		results = append(results, st)
		return nil
	}

	for _, msg := range ordered {
		if err := scratch.Append(msg); err != nil {
			return nil, err
		}
		ref, err := msg.Ref()
		if err != nil {
			return nil, err
		}
		if err := stage(msg, ref); err != nil {
			return nil, err
		}
	}

	for _, msg := range ooo {
		if err := throwaway.AppendOOO(msg); err != nil {
			return nil, err
		}
		ref, err := msg.Ref()
		if err != nil {
			return nil, err
		}
		if st, ok := staged[ref]; ok {
			results = append(results, st)
			continue
		}
		st, err := db.existingLocked(ctx, ref)
		if err != nil {
			return nil, err
		}
		if st != nil {
			results = append(results, st)
			continue
		}
		if err := stage(msg, ref); err != nil {
			return nil, err
		}
	}

	if len(pendingData) > 0 {
		seqs, err := db.log.AppendBatch(ctx, pendingData)
		if err != nil {
			return nil, err
		}
		for i, seq := range seqs {
			pendingStored[i].Seq = seq
			db.inFlight[pendingStored[i].Key] = pendingStored[i]
		}
	}

	db.state = scratch
	return results, nil
}

// addLocked runs the identity check and the at-rest transform, then
// appends. Callers hold mu.
func (db *DB) addLocked(ctx context.Context, msg *message.Message) (*Stored, error) {
	if err := msg.WellFormed(); err != nil {
		return nil, err
	}
	ref, err := msg.Ref()
	if err != nil {
		return nil, err
	}
	if st, err := db.existingLocked(ctx, ref); err != nil {
		return nil, err
	} else if st != nil {
		return st, nil
	}

	env, storedMsg, err := db.buildEnvelope(msg, ref, time.Now())
	if err != nil {
		return nil, err
	}
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	seq, err := db.log.Append(ctx, data)
	if err != nil {
		return nil, err
	}

	st := &Stored{
		Seq:      seq,
		Key:      ref,
		Private:  env.Private,
		Received: time.UnixMilli(env.Received).UTC(),
		Msg:      storedMsg,
	}
	db.inFlight[ref] = st
	return st, nil
}

// buildEnvelope assembles the at-rest form of msg: canonical bytes plus
// receive-time metadata, with boxed content swapped for plaintext when a
// local key opens it. The ciphertext then rides along in the envelope so
// the original signed message can always be reconstructed.
func (db *DB) buildEnvelope(msg *message.Message, ref message.Ref, now time.Time) (*feedlog.Envelope, *message.Message, error) {
	encoded, err := msg.Encode()
	if err != nil {
		return nil, nil, err
	}
	env := &feedlog.Envelope{
		Key:       ref,
		Author:    msg.Author,
		Sequence:  msg.Sequence,
		Timestamp: msg.Timestamp.UnixMilli(),
		Received:  now.UnixMilli(),
		Raw:       encoded,
	}

	storedMsg := msg
	if message.IsBoxed(msg.Content) {
		if plain, ok := db.keys.Unbox(msg.Content); ok {
			opened := msg.Clone()
			opened.Content = plain
			openedRaw, err := opened.Encode()
			if err != nil {
				return nil, nil, err
			}
			env.Raw = openedRaw
			env.Private = true
			env.Box = []byte(msg.Content)
			storedMsg = opened
		}
	}
	return env, storedMsg, nil
}

// existingLocked resolves ref to its stored record if one exists: the
// in-flight set first, then the committed base index. A tombstoned record
// frees its identity. nil, nil means absent.
func (db *DB) existingLocked(ctx context.Context, ref message.Ref) (*Stored, error) {
	db.pruneInFlightLocked()
	if st, ok := db.inFlight[ref]; ok {
		return st, nil
	}
	seq, err := db.base.SeqOf(ctx, ref)
	if errors.Is(err, indexes.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st, err := db.storedAt(ctx, seq)
	if errors.Is(err, feedlog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// pruneInFlightLocked drops in-flight entries the base index has committed
// past; SeqOf resolves those from here on.
func (db *DB) pruneInFlightLocked() {
	if len(db.inFlight) == 0 {
		return
	}
	wm := db.baseRun.Watermark()
	for ref, st := range db.inFlight {
		if st.Seq <= wm {
			delete(db.inFlight, ref)
		}
	}
}

// headSnapshot captures one author's chain head so a failed append can put
// the validation state back exactly as it was.
type headSnapshot struct {
	author message.FeedID
	known  bool
	ref    message.Ref
	seq    uint64
	ts     time.Time
}

func (db *DB) snapshotHead(author message.FeedID) headSnapshot {
	fs, known := db.state.Feed(author)
	snap := headSnapshot{author: author, known: known}
	if known {
		snap.ref, snap.seq, snap.ts = fs.Head()
	}
	return snap
}

func (db *DB) restoreHead(snap headSnapshot) {
	if snap.known {
		db.state.Restore(snap.author, snap.ref, snap.seq, snap.ts)
	} else {
		db.state.Remove(snap.author)
	}
}
