package tidepool

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/louisbranch/tidepool/message"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

func TestAddIsIdempotentByIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 2)
	msg := chainMessages(t, kp, `{"type":"post","text":"hello"}`)[0]

	first, err := db.Add(ctx, msg)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	// second add lands before the base index commits; the in-flight set
	// resolves it
	second, err := db.Add(ctx, msg)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if second.Seq != first.Seq {
		t.Fatalf("duplicate add stored at seq %d, want %d", second.Seq, first.Seq)
	}

	// once committed the base index resolves it instead
	if _, err := db.GetSync(ctx, first.Key); err != nil {
		t.Fatalf("get sync: %v", err)
	}
	third, err := db.Add(ctx, msg)
	if err != nil {
		t.Fatalf("third add: %v", err)
	}
	if third.Seq != first.Seq {
		t.Fatalf("post-commit duplicate stored at seq %d, want %d", third.Seq, first.Seq)
	}

	if got := db.Log().LastSeq(); got != 1 {
		t.Fatalf("log has %d records, want 1", got)
	}
}

func TestPublishChainsMessages(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var stored []*Stored
	for _, text := range []string{"one", "two", "three"} {
		st, err := db.Publish(ctx, json.RawMessage(`{"type":"post","text":"`+text+`"}`))
		if err != nil {
			t.Fatalf("publish %q: %v", text, err)
		}
		stored = append(stored, st)
	}

	for i, st := range stored {
		if st.Msg.Sequence != uint64(i+1) {
			t.Fatalf("message %d has sequence %d", i, st.Msg.Sequence)
		}
		if st.Msg.Author != db.ID() {
			t.Fatalf("message %d authored by %q", i, st.Msg.Author)
		}
	}
	if stored[0].Msg.Previous != nil {
		t.Fatal("first message must not reference a previous")
	}
	if stored[1].Msg.Previous == nil || *stored[1].Msg.Previous != stored[0].Key {
		t.Fatal("second message does not chain on the first")
	}

	if _, err := db.GetSync(ctx, stored[2].Key); err != nil {
		t.Fatalf("get sync: %v", err)
	}
	if err := db.VerifyFeed(ctx, db.ID()); err != nil {
		t.Fatalf("verify published feed: %v", err)
	}
}

func TestValidateAndAddStrictForKnownFeed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 3)
	msgs := chainMessages(t, kp,
		`{"type":"post","text":"1"}`,
		`{"type":"post","text":"2"}`,
		`{"type":"post","text":"3"}`,
	)

	if _, err := db.ValidateAndAdd(ctx, msgs[0]); err != nil {
		t.Fatalf("admit first message: %v", err)
	}

	// sequence 1 started continuity tracking; a gap is now refused
	_, err := db.ValidateAndAdd(ctx, msgs[2])
	if apperrors.CodeOf(err) != apperrors.CodeSequenceGap {
		t.Fatalf("gap admission: err = %v, want sequence gap", err)
	}
	if got := db.Log().LastSeq(); got != 1 {
		t.Fatalf("log has %d records after refused gap, want 1", got)
	}

	if _, err := db.ValidateAndAdd(ctx, msgs[1]); err != nil {
		t.Fatalf("admit second message: %v", err)
	}
	if _, err := db.ValidateAndAdd(ctx, msgs[2]); err != nil {
		t.Fatalf("admit third message: %v", err)
	}
}

func TestValidateAndAddUnknownArrivesOutOfOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 4)
	msgs := chainMessages(t, kp,
		`{"type":"post","text":"1"}`,
		`{"type":"post","text":"2"}`,
		`{"type":"post","text":"3"}`,
		`{"type":"post","text":"4"}`,
		`{"type":"post","text":"5"}`,
	)

	// newest first, the shape partial replication delivers
	if _, err := db.ValidateAndAdd(ctx, msgs[4]); err != nil {
		t.Fatalf("admit seq 5 out of order: %v", err)
	}
	stored4, err := db.ValidateAndAdd(ctx, msgs[3])
	if err != nil {
		t.Fatalf("admit seq 4 out of order: %v", err)
	}

	// sequence 1 promotes the feed to continuity tracking
	if _, err := db.ValidateAndAdd(ctx, msgs[0]); err != nil {
		t.Fatalf("admit seq 1: %v", err)
	}
	if _, err := db.ValidateAndAdd(ctx, msgs[1]); err != nil {
		t.Fatalf("admit seq 2: %v", err)
	}
	if _, err := db.ValidateAndAdd(ctx, msgs[2]); err != nil {
		t.Fatalf("admit seq 3: %v", err)
	}

	// redelivering seq 4 in order repairs continuity without a second
	// append
	again, err := db.ValidateAndAdd(ctx, msgs[3])
	if err != nil {
		t.Fatalf("redeliver seq 4: %v", err)
	}
	if again.Seq != stored4.Seq {
		t.Fatalf("redelivery stored at seq %d, want %d", again.Seq, stored4.Seq)
	}
	if got := db.Log().LastSeq(); got != 5 {
		t.Fatalf("log has %d records, want 5", got)
	}
}

func TestValidateAndAddOOONeverTouchesLiveState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 5)
	msgs := chainMessages(t, kp,
		`{"type":"post","text":"1"}`,
		`{"type":"post","text":"2"}`,
		`{"type":"post","text":"3"}`,
	)

	if _, err := db.ValidateAndAddOOO(ctx, msgs[0]); err != nil {
		t.Fatalf("ooo admit seq 1: %v", err)
	}

	// had seq 1 promoted the feed, seq 3 would now fail the strict
	// check; the throwaway state means the author is still unknown
	if _, err := db.ValidateAndAdd(ctx, msgs[2]); err != nil {
		t.Fatalf("admit seq 3 after ooo seq 1: %v", err)
	}
}

func TestValidateAndAddOOORejectsBadSignature(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 6)
	msg := chainMessages(t, kp, `{"type":"post","text":"1"}`)[0]
	msg.Content = json.RawMessage(`{"type":"post","text":"tampered"}`)

	_, err := db.ValidateAndAddOOO(ctx, msg)
	if apperrors.CodeOf(err) != apperrors.CodeBadSignature {
		t.Fatalf("tampered admission: err = %v, want bad signature", err)
	}
	if got := db.Log().LastSeq(); got != 0 {
		t.Fatalf("log has %d records after refusal, want 0", got)
	}
}

func TestAddTransactionAllOrNone(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 7)
	contents := make([]string, 10)
	for i := range contents {
		contents[i] = fmt.Sprintf(`{"type":"post","text":"%d"}`, i+1)
	}
	msgs := chainMessages(t, kp, contents...)
	msgs[6].Content = json.RawMessage(`{"type":"post","text":"tampered"}`)

	_, err := db.AddTransaction(ctx, msgs, nil)
	if apperrors.CodeOf(err) != apperrors.CodeBadSignature {
		t.Fatalf("transaction with tampered message: err = %v, want bad signature", err)
	}
	if got := db.Log().LastSeq(); got != 0 {
		t.Fatalf("failed transaction appended %d records, want 0", got)
	}

	// the live state is untouched: the intact chain still admits from
	// sequence 1
	intact := chainMessages(t, kp,
		`{"type":"post","text":"1"}`,
		`{"type":"post","text":"2"}`,
	)
	stored, err := db.AddTransaction(ctx, intact, nil)
	if err != nil {
		t.Fatalf("intact transaction: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2", len(stored))
	}
	if stored[0].Seq != 1 || stored[1].Seq != 2 {
		t.Fatalf("stored at seqs %d,%d, want 1,2", stored[0].Seq, stored[1].Seq)
	}
}

func TestAddTransactionMixedSets(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ordered := chainMessages(t, testKeypair(t, 8),
		`{"type":"post","text":"a1"}`,
		`{"type":"post","text":"a2"}`,
	)
	oooKP := testKeypair(t, 9)
	prev := message.NewRef([]byte("six"))
	disjoint := signedMessage(t, oooKP, 7, &prev, `{"type":"post","text":"b7"}`)

	stored, err := db.AddTransaction(ctx, ordered, []*message.Message{disjoint})
	if err != nil {
		t.Fatalf("mixed transaction: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d records, want 3", len(stored))
	}
	for i, st := range stored {
		if st.Seq != uint64(i+1) {
			t.Fatalf("record %d stored at seq %d", i, st.Seq)
		}
	}

	// the ordered author's continuity survived the state swap
	next := signedMessage(t, testKeypair(t, 8), 3, &stored[1].Key, `{"type":"post","text":"a3"}`)
	if _, err := db.ValidateAndAdd(ctx, next); err != nil {
		t.Fatalf("chain on transaction result: %v", err)
	}

	gap := signedMessage(t, testKeypair(t, 8), 9, &prev, `{"type":"post","text":"a9"}`)
	if _, err := db.ValidateAndAdd(ctx, gap); apperrors.CodeOf(err) != apperrors.CodeSequenceGap {
		t.Fatalf("gap after transaction: err = %v, want sequence gap", err)
	}
}

func TestAddTransactionReusesStoredDuplicates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 10)
	msgs := chainMessages(t, kp,
		`{"type":"post","text":"1"}`,
		`{"type":"post","text":"2"}`,
	)

	first, err := db.Add(ctx, msgs[0])
	if err != nil {
		t.Fatalf("seed add: %v", err)
	}

	stored, err := db.AddTransaction(ctx, nil, msgs)
	if err != nil {
		t.Fatalf("transaction with stored duplicate: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2", len(stored))
	}
	if stored[0].Seq != first.Seq {
		t.Fatalf("duplicate resolved to seq %d, want %d", stored[0].Seq, first.Seq)
	}
	if got := db.Log().LastSeq(); got != 2 {
		t.Fatalf("log has %d records, want 2", got)
	}
}
