// Package validate decides whether a candidate message may be admitted
// into its author's feed.
//
// A feed is unknown until its first message is admitted; from then on it is
// known and every further message must extend the chain through the strict
// Append path. Each attempt is atomic: on rejection the state is exactly as
// it was before the call.
//
// State is not safe for concurrent mutation. The owner serializes access;
// the db façade does this under its writer lock.
package validate

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/louisbranch/tidepool/message"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// FeedState tracks one author's chain head plus locally staged messages
// that have not been confirmed durable yet.
type FeedState struct {
	LatestRef       message.Ref
	LatestSequence  uint64
	LatestTimestamp time.Time

	// pending holds locally authored messages in staging order. Entries
	// are appended by AppendNew and removed by Confirm once written.
	pending []*message.Message
}

// Head returns the chain head as (ref, sequence, timestamp).
func (fs *FeedState) Head() (message.Ref, uint64, time.Time) {
	return fs.LatestRef, fs.LatestSequence, fs.LatestTimestamp
}

// Pending returns the staged messages in order.
func (fs *FeedState) Pending() []*message.Message {
	return slices.Clone(fs.pending)
}

// State is the validation aggregate: a mapping from author to FeedState.
// Mutating entry points return an error instead of recording one; a nil
// error means the state advanced.
type State struct {
	feeds map[message.FeedID]*FeedState
}

// NewState returns an empty validation state.
func NewState() *State {
	return &State{feeds: make(map[message.FeedID]*FeedState)}
}

// Known reports whether author has continuity-tracked state.
func (s *State) Known(author message.FeedID) bool {
	_, ok := s.feeds[author]
	return ok
}

// Feed returns a copy of the author's state.
func (s *State) Feed(author message.FeedID) (FeedState, bool) {
	fs, ok := s.feeds[author]
	if !ok {
		return FeedState{}, false
	}
	cp := *fs
	cp.pending = slices.Clone(fs.pending)
	return cp, true
}

// Feeds returns every known author, sorted for deterministic iteration.
func (s *State) Feeds() []message.FeedID {
	out := make([]message.FeedID, 0, len(s.feeds))
	for author := range s.feeds {
		out = append(out, author)
	}
	slices.Sort(out)
	return out
}

// Append admits msg through the strict chain path. For an unknown author
// the message must open the feed at sequence 1; for a known author it must
// be the direct successor of the current head: sequence latest+1, previous
// equal to the head ref, timestamp not regressing, signature valid.
func (s *State) Append(msg *message.Message) error {
	if err := msg.WellFormed(); err != nil {
		return err
	}

	fs, known := s.feeds[msg.Author]
	if !known {
		if msg.Sequence != 1 {
			return apperrors.WithMetadata(apperrors.CodeSequenceGap,
				fmt.Sprintf("unknown feed must start at sequence 1, got %d author=%s", msg.Sequence, msg.Author),
				map[string]string{"author": string(msg.Author), "expected": "1", "got": fmt.Sprint(msg.Sequence)})
		}
	} else {
		if msg.Sequence != fs.LatestSequence+1 {
			return apperrors.WithMetadata(apperrors.CodeSequenceGap,
				fmt.Sprintf("sequence gap author=%s expected=%d got=%d", msg.Author, fs.LatestSequence+1, msg.Sequence),
				map[string]string{
					"author":   string(msg.Author),
					"expected": fmt.Sprint(fs.LatestSequence + 1),
					"got":      fmt.Sprint(msg.Sequence),
				})
		}
		if msg.Previous == nil || *msg.Previous != fs.LatestRef {
			got := ""
			if msg.Previous != nil {
				got = string(*msg.Previous)
			}
			return apperrors.WithMetadata(apperrors.CodePreviousMismatch,
				fmt.Sprintf("previous mismatch author=%s seq=%d", msg.Author, msg.Sequence),
				map[string]string{
					"author":   string(msg.Author),
					"expected": string(fs.LatestRef),
					"got":      got,
				})
		}
		if msg.Timestamp.Before(fs.LatestTimestamp) {
			return apperrors.WithMetadata(apperrors.CodeTimestampRegression,
				fmt.Sprintf("timestamp regression author=%s seq=%d", msg.Author, msg.Sequence),
				map[string]string{"author": string(msg.Author)})
		}
	}

	if err := msg.Verify(); err != nil {
		return err
	}

	ref, err := msg.Ref()
	if err != nil {
		return err
	}

	if !known {
		fs = &FeedState{}
		s.feeds[msg.Author] = fs
	}
	fs.LatestRef = ref
	fs.LatestSequence = msg.Sequence
	fs.LatestTimestamp = msg.Timestamp
	return nil
}

// AppendOOO admits msg without chain continuity checks: signature and
// well-formedness only. It is meant for partial replication, where the
// predecessor may never be locally available.
//
// Feed state only changes when msg opens an unknown feed at sequence 1;
// any later sequence from an unknown author is admitted untracked, so a
// forked chain cannot be smuggled into continuity-tracked state. A known
// author's head never moves here.
func (s *State) AppendOOO(msg *message.Message) error {
	if err := msg.WellFormed(); err != nil {
		return err
	}
	if err := msg.Verify(); err != nil {
		return err
	}

	if _, known := s.feeds[msg.Author]; known || msg.Sequence != 1 {
		return nil
	}

	ref, err := msg.Ref()
	if err != nil {
		return err
	}
	s.feeds[msg.Author] = &FeedState{
		LatestRef:       ref,
		LatestSequence:  1,
		LatestTimestamp: msg.Timestamp,
	}
	return nil
}

// AppendNew authors a message locally: it fills in the author, the next
// sequence, the previous ref and now as the timestamp, signs with kp, then
// advances the head and stages exactly one pending message. The staged
// message still goes through the normal add path to become durable;
// Confirm removes it from the queue afterwards.
func (s *State) AppendNew(kp *message.Keypair, content json.RawMessage, now time.Time) (*message.Message, error) {
	if kp == nil {
		return nil, apperrors.New(apperrors.CodeKeypairMissing, "no local keypair")
	}

	msg := &message.Message{
		Author:    kp.ID,
		Sequence:  1,
		Timestamp: now.UTC(),
		Content:   content,
	}

	fs, known := s.feeds[kp.ID]
	if known {
		prev := fs.LatestRef
		msg.Previous = &prev
		msg.Sequence = fs.LatestSequence + 1
		if msg.Timestamp.Before(fs.LatestTimestamp) {
			msg.Timestamp = fs.LatestTimestamp
		}
	}

	if err := msg.WellFormed(); err != nil {
		return nil, err
	}
	if err := msg.Sign(kp.Private); err != nil {
		return nil, err
	}

	ref, err := msg.Ref()
	if err != nil {
		return nil, err
	}

	if !known {
		fs = &FeedState{}
		s.feeds[kp.ID] = fs
	}
	fs.LatestRef = ref
	fs.LatestSequence = msg.Sequence
	fs.LatestTimestamp = msg.Timestamp
	fs.pending = append(fs.pending, msg)
	return msg, nil
}

// Confirm removes a staged message once it is durably written. Unstaged
// refs are ignored.
func (s *State) Confirm(author message.FeedID, ref message.Ref) {
	fs, ok := s.feeds[author]
	if !ok {
		return
	}
	for i, staged := range fs.pending {
		r, err := staged.Ref()
		if err != nil {
			continue
		}
		if r == ref {
			fs.pending = slices.Delete(fs.pending, i, i+1)
			return
		}
	}
}

// Restore installs a feed head from a trusted source, such as the base
// index during startup, without re-validating the chain.
func (s *State) Restore(author message.FeedID, ref message.Ref, seq uint64, ts time.Time) {
	s.feeds[author] = &FeedState{
		LatestRef:       ref,
		LatestSequence:  seq,
		LatestTimestamp: ts,
	}
}

// Remove drops an author's state entirely. Only feed deletion calls this.
func (s *State) Remove(author message.FeedID) {
	delete(s.feeds, author)
}

// Clone deep-copies the state for transactional scratch validation.
// Messages themselves are immutable and shared.
func (s *State) Clone() *State {
	cp := &State{feeds: make(map[message.FeedID]*FeedState, len(s.feeds))}
	for author, fs := range s.feeds {
		fsCopy := *fs
		fsCopy.pending = slices.Clone(fs.pending)
		cp.feeds[author] = &fsCopy
	}
	return cp
}
