// Package mentions indexes messages by the feeds, messages, and channels
// their content mentions. It answers snapshot queries in deterministic
// ascending-sequence order and offers a live tail that merges later hits
// into one stream.
package mentions

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/louisbranch/tidepool/indexes"
)

// Name of the index.
const Name = "mentions"

// Version bumps force a full rebuild.
const Version = 1

const keySep = 0x00

// liveBuffer bounds how far a live subscriber may lag before hits are
// dropped. Dropped hits are recovered by resubscribing, which replays the
// then-current snapshot.
const liveBuffer = 64

// Index implements indexes.Index.
type Index struct {
	store *indexes.Store

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
}

type subscriber struct {
	target string
	ch     chan uint64
}

var _ indexes.Index = (*Index)(nil)

// Open opens the mentions side store under dir.
func Open(dir string) (*Index, error) {
	store, err := indexes.OpenStore(dir, Name, Version, indexes.Raw, indexes.Raw)
	if err != nil {
		return nil, err
	}
	return &Index{
		store: store,
		subs:  make(map[uuid.UUID]*subscriber),
	}, nil
}

// Store implements indexes.Index.
func (ix *Index) Store() *indexes.Store { return ix.store }

// IndexesContent reports true: mention entries come from message content,
// so newly opened private records must be fed through again.
func (ix *Index) IndexesContent() bool { return true }

// HandleRecord implements indexes.Index.
func (ix *Index) HandleRecord(ctx context.Context, rec *indexes.RecordView, batch *indexes.Batch) error {
	msg, err := rec.Message()
	if err != nil {
		return nil
	}

	var body struct {
		Mentions []struct {
			Link string `json:"link"`
		} `json:"mentions"`
	}
	if err := json.Unmarshal(msg.Content, &body); err != nil {
		return nil
	}

	for _, m := range body.Mentions {
		target := strings.TrimSpace(m.Link)
		if !validTarget(target) {
			continue
		}
		batch.Put(mentionKey(target, rec.Seq), []byte{})
		ix.notify(target, rec.Seq)
	}
	return nil
}

func validTarget(target string) bool {
	if len(target) < 2 {
		return false
	}
	switch target[0] {
	case '@', '%', '#':
		return true
	}
	return false
}

// Query returns every indexed sequence mentioning target, ascending. The
// big-endian sequence suffix of each key makes byte order equal numeric
// order, so results are deterministic.
func (ix *Index) Query(ctx context.Context, target string) ([]uint64, error) {
	prefix := targetPrefix(target)
	var seqs []uint64
	err := ix.store.RangePrefix(ctx, prefix, func(key, value []byte) error {
		seqs = append(seqs, binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

// Tail returns the current snapshot for target followed by live hits, as
// one channel. The stream never ends on its own; cancel releases it. A
// subscriber that falls more than liveBuffer hits behind loses the excess
// and should resubscribe, which replays the then-current snapshot.
func (ix *Index) Tail(ctx context.Context, target string) (<-chan uint64, func(), error) {
	live, cancelLive := ix.subscribe(target)

	snapshot, err := ix.Query(ctx, target)
	if err != nil {
		cancelLive()
		return nil, nil, err
	}
	var high uint64
	if len(snapshot) > 0 {
		high = snapshot[len(snapshot)-1]
	}

	out := make(chan uint64, liveBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for _, seq := range slices.Clone(snapshot) {
			select {
			case out <- seq:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case seq, ok := <-live:
				if !ok {
					return
				}
				if seq <= high {
					continue
				}
				select {
				case out <- seq:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			cancelLive()
		})
	}
	return out, cancel, nil
}

func (ix *Index) subscribe(target string) (<-chan uint64, func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id := uuid.New()
	sub := &subscriber{target: target, ch: make(chan uint64, liveBuffer)}
	ix.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ix.mu.Lock()
			if s, ok := ix.subs[id]; ok {
				delete(ix.subs, id)
				close(s.ch)
			}
			ix.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (ix *Index) notify(target string, seq uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, sub := range ix.subs {
		if sub.target != target {
			continue
		}
		select {
		case sub.ch <- seq:
		default:
		}
	}
}

func targetPrefix(target string) []byte {
	key := append([]byte{'m'}, target...)
	return append(key, keySep)
}

func mentionKey(target string, seq uint64) []byte {
	key := targetPrefix(target)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}
