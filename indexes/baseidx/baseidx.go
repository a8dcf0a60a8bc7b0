// Package baseidx is the full-scan base index. It maps message identities
// to log sequences, enumerates each author's records in feed order, tracks
// the latest chain state per feed, follows the contact graph, and keeps the
// sets of boxed and locally-opened private records. Ingestion, deletion,
// the consistency barrier, and replication status all read it.
package baseidx

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/message"
)

// Name is the index name the barrier defaults to.
const Name = "base"

// Version bumps force a full rebuild of every entry.
const Version = 1

// Keyspace prefixes. Authors and refs use the base64 sigil form, which
// never contains the zero separator byte.
const (
	prefixRef     = 'r' // ref -> log seq
	prefixAuthor  = 'a' // author, feed seq -> log seq
	prefixLatest  = 'l' // author -> latest chain state
	prefixContact = 'c' // follower, followee -> relation
	prefixBoxed   = 'b' // log seq -> author, content still ciphertext
	prefixPrivate = 'p' // log seq -> author, content opened at rest
)

// Contact relation values.
const (
	RelationNone   = byte(0)
	RelationFollow = byte(1)
	RelationBlock  = byte(2)
)

const keySep = 0x00

// Latest is the persisted chain head for one author.
type Latest struct {
	Sequence  uint64      `cbor:"seq"`
	Ref       message.Ref `cbor:"ref"`
	Timestamp int64       `cbor:"ts"`
}

// Index implements indexes.Index.
type Index struct {
	store *indexes.Store

	// heads caches staged latest entries between commits so the handler
	// compares against the newest value, committed or not.
	mu    sync.Mutex
	heads map[message.FeedID]Latest
}

var _ indexes.Index = (*Index)(nil)

// Open opens the base index side store under dir.
func Open(dir string) (*Index, error) {
	store, err := indexes.OpenStore(dir, Name, Version, indexes.Raw, indexes.Raw)
	if err != nil {
		return nil, err
	}
	return &Index{
		store: store,
		heads: make(map[message.FeedID]Latest),
	}, nil
}

// Store implements indexes.Index.
func (ix *Index) Store() *indexes.Store { return ix.store }

// HandleRecord implements indexes.Index.
func (ix *Index) HandleRecord(ctx context.Context, rec *indexes.RecordView, batch *indexes.Batch) error {
	env := rec.Envelope

	batch.Put(refKey(env.Key), seqBytes(rec.Seq))
	batch.Put(authorKey(env.Author, env.Sequence), seqBytes(rec.Seq))

	if err := ix.stageHead(ctx, env.Author, Latest{
		Sequence:  env.Sequence,
		Ref:       env.Key,
		Timestamp: env.Timestamp,
	}, batch); err != nil {
		return err
	}

	if env.Private {
		batch.Delete(seqKey(prefixBoxed, rec.Seq))
		batch.Put(seqKey(prefixPrivate, rec.Seq), []byte(env.Author))
	}

	msg, err := rec.Message()
	if err != nil {
		// ref and author entries still stand; content-derived entries
		// need a readable message
		return nil
	}
	if !env.Private && message.IsBoxed(msg.Content) {
		batch.Put(seqKey(prefixBoxed, rec.Seq), []byte(env.Author))
	}
	if msg.ContentType() == "contact" {
		ix.stageContact(msg, batch)
	}
	return nil
}

// stageHead advances the author's latest entry when the record's feed
// sequence is the highest seen.
func (ix *Index) stageHead(ctx context.Context, author message.FeedID, candidate Latest, batch *indexes.Batch) error {
	cur, ok, err := ix.head(ctx, author)
	if err != nil {
		return err
	}
	if ok && candidate.Sequence <= cur.Sequence {
		return nil
	}

	value, err := cbor.Marshal(&candidate)
	if err != nil {
		return err
	}
	batch.Put(latestKey(author), value)

	ix.mu.Lock()
	ix.heads[author] = candidate
	ix.mu.Unlock()
	return nil
}

// head returns the newest known latest entry for author, staged or
// committed.
func (ix *Index) head(ctx context.Context, author message.FeedID) (Latest, bool, error) {
	ix.mu.Lock()
	cached, ok := ix.heads[author]
	ix.mu.Unlock()
	if ok {
		return cached, true, nil
	}

	value, err := ix.store.Get(ctx, latestKey(author))
	if errors.Is(err, indexes.ErrNotFound) {
		return Latest{}, false, nil
	}
	if err != nil {
		return Latest{}, false, err
	}

	var latest Latest
	if err := cbor.Unmarshal(value, &latest); err != nil {
		return Latest{}, false, err
	}
	ix.mu.Lock()
	ix.heads[author] = latest
	ix.mu.Unlock()
	return latest, true, nil
}

func (ix *Index) stageContact(msg *message.Message, batch *indexes.Batch) {
	var body struct {
		Contact   message.FeedID `json:"contact"`
		Following *bool          `json:"following"`
		Blocking  *bool          `json:"blocking"`
	}
	if err := json.Unmarshal(msg.Content, &body); err != nil {
		return
	}
	if !body.Contact.Valid() {
		return
	}

	relation := RelationNone
	switch {
	case body.Blocking != nil && *body.Blocking:
		relation = RelationBlock
	case body.Following != nil && *body.Following:
		relation = RelationFollow
	}
	batch.Put(contactKey(msg.Author, body.Contact), []byte{relation})
}

// SeqOf resolves a message identity to its log sequence.
func (ix *Index) SeqOf(ctx context.Context, ref message.Ref) (uint64, error) {
	value, err := ix.store.Get(ctx, refKey(ref))
	if err != nil {
		return 0, err
	}
	return decodeSeq(value)
}

// Head returns the latest committed chain state for author.
func (ix *Index) Head(ctx context.Context, author message.FeedID) (Latest, error) {
	value, err := ix.store.Get(ctx, latestKey(author))
	if err != nil {
		return Latest{}, err
	}
	var latest Latest
	if err := cbor.Unmarshal(value, &latest); err != nil {
		return Latest{}, err
	}
	return latest, nil
}

// Heads returns the latest committed chain state for every author.
func (ix *Index) Heads(ctx context.Context) (map[message.FeedID]Latest, error) {
	heads := make(map[message.FeedID]Latest)
	err := ix.store.RangePrefix(ctx, []byte{prefixLatest}, func(key, value []byte) error {
		var latest Latest
		if err := cbor.Unmarshal(value, &latest); err != nil {
			return err
		}
		heads[message.FeedID(key[1:])] = latest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heads, nil
}

// FeedRecord is one entry of an author's feed as the index sees it.
type FeedRecord struct {
	FeedSeq uint64
	LogSeq  uint64
}

// FeedRecords lists the author's records in ascending feed-sequence order.
func (ix *Index) FeedRecords(ctx context.Context, author message.FeedID) ([]FeedRecord, error) {
	prefix := authorPrefix(author)
	var records []FeedRecord
	err := ix.store.RangePrefix(ctx, prefix, func(key, value []byte) error {
		feedSeq := binary.BigEndian.Uint64(key[len(prefix):])
		logSeq, err := decodeSeq(value)
		if err != nil {
			return err
		}
		records = append(records, FeedRecord{FeedSeq: feedSeq, LogSeq: logSeq})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Relation returns the committed relation from follower to followee.
func (ix *Index) Relation(ctx context.Context, follower, followee message.FeedID) (byte, error) {
	value, err := ix.store.Get(ctx, contactKey(follower, followee))
	if errors.Is(err, indexes.ErrNotFound) {
		return RelationNone, nil
	}
	if err != nil {
		return RelationNone, err
	}
	if len(value) != 1 {
		return RelationNone, nil
	}
	return value[0], nil
}

// Follows lists the feeds the given feed follows.
func (ix *Index) Follows(ctx context.Context, follower message.FeedID) ([]message.FeedID, error) {
	prefix := contactPrefix(follower)
	var follows []message.FeedID
	err := ix.store.RangePrefix(ctx, prefix, func(key, value []byte) error {
		if len(value) == 1 && value[0] == RelationFollow {
			follows = append(follows, message.FeedID(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return follows, nil
}

// Hops walks the follow graph breadth-first from root and returns each
// reachable feed's distance, up to maxHops. The root itself is excluded.
func (ix *Index) Hops(ctx context.Context, root message.FeedID, maxHops int) (map[message.FeedID]int, error) {
	dist := map[message.FeedID]int{root: 0}
	frontier := []message.FeedID{root}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []message.FeedID
		for _, feed := range frontier {
			follows, err := ix.Follows(ctx, feed)
			if err != nil {
				return nil, err
			}
			for _, followee := range follows {
				if _, seen := dist[followee]; seen {
					continue
				}
				dist[followee] = hop
				next = append(next, followee)
			}
		}
		frontier = next
	}

	delete(dist, root)
	return dist, nil
}

// BoxedPending lists log sequences whose content is still ciphertext.
func (ix *Index) BoxedPending(ctx context.Context) ([]uint64, error) {
	return ix.seqSet(ctx, prefixBoxed)
}

// PrivateSeqs lists log sequences whose content was opened at rest.
func (ix *Index) PrivateSeqs(ctx context.Context) ([]uint64, error) {
	return ix.seqSet(ctx, prefixPrivate)
}

func (ix *Index) seqSet(ctx context.Context, prefix byte) ([]uint64, error) {
	var seqs []uint64
	err := ix.store.RangePrefix(ctx, []byte{prefix}, func(key, value []byte) error {
		seq, err := decodeSeq(key[1:])
		if err != nil {
			return err
		}
		seqs = append(seqs, seq)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

// PurgeFeed stages removal of every entry derived from the author's
// records: refs, feed entries, the chain head, contact edges authored by
// the feed, and boxed/private markers. Runs inside the runner's Apply so
// the removal commits as one batch.
func (ix *Index) PurgeFeed(ctx context.Context, author message.FeedID, refs []message.Ref, logSeqs []uint64, batch *indexes.Batch) error {
	for _, ref := range refs {
		batch.Delete(refKey(ref))
	}
	for _, seq := range logSeqs {
		batch.Delete(seqKey(prefixBoxed, seq))
		batch.Delete(seqKey(prefixPrivate, seq))
	}

	prefix := authorPrefix(author)
	err := ix.store.RangePrefix(ctx, prefix, func(key, value []byte) error {
		batch.Delete(key)
		return nil
	})
	if err != nil {
		return err
	}
	err = ix.store.RangePrefix(ctx, contactPrefix(author), func(key, value []byte) error {
		batch.Delete(key)
		return nil
	})
	if err != nil {
		return err
	}

	batch.Delete(latestKey(author))
	ix.mu.Lock()
	delete(ix.heads, author)
	ix.mu.Unlock()
	return nil
}

func refKey(ref message.Ref) []byte {
	return append([]byte{prefixRef}, ref...)
}

func latestKey(author message.FeedID) []byte {
	return append([]byte{prefixLatest}, author...)
}

func authorPrefix(author message.FeedID) []byte {
	key := append([]byte{prefixAuthor}, author...)
	return append(key, keySep)
}

func authorKey(author message.FeedID, feedSeq uint64) []byte {
	return append(authorPrefix(author), seqBytes(feedSeq)...)
}

func contactPrefix(follower message.FeedID) []byte {
	key := append([]byte{prefixContact}, follower...)
	return append(key, keySep)
}

func contactKey(follower, followee message.FeedID) []byte {
	return append(contactPrefix(follower), followee...)
}

func seqKey(prefix byte, seq uint64) []byte {
	return append([]byte{prefix}, seqBytes(seq)...)
}

func seqBytes(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

func decodeSeq(value []byte) (uint64, error) {
	var seq uint64
	if err := indexes.Uint64BE.Unmarshal(value, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}
