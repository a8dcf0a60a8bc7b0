package tidepool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/louisbranch/tidepool/message"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

func TestDelHidesRecordKeepsNeighbors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 2)
	msgs := chainMessages(t, kp,
		`{"type":"post","text":"1"}`,
		`{"type":"post","text":"2"}`,
		`{"type":"post","text":"3"}`,
	)
	var refs []message.Ref
	for _, msg := range msgs {
		st, err := db.ValidateAndAdd(ctx, msg)
		if err != nil {
			t.Fatalf("admit seq %d: %v", msg.Sequence, err)
		}
		refs = append(refs, st.Key)
	}
	if _, err := db.GetSync(ctx, refs[2]); err != nil {
		t.Fatalf("settle index: %v", err)
	}

	if err := db.Del(ctx, refs[1]); err != nil {
		t.Fatalf("del: %v", err)
	}

	if _, err := db.Get(ctx, refs[1]); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("get deleted: err = %v, want not found", err)
	}
	for _, ref := range []message.Ref{refs[0], refs[2]} {
		if _, err := db.Get(ctx, ref); err != nil {
			t.Fatalf("neighbor %s unreadable after del: %v", ref, err)
		}
	}

	// deleting a tombstone is a no-op
	if err := db.Del(ctx, refs[1]); err != nil {
		t.Fatalf("re-del: %v", err)
	}

	if err := db.Del(ctx, message.NewRef([]byte("never stored"))); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatal("del of unknown ref must report not found")
	}
}

func TestDelResolvesJustAppendedRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kp := testKeypair(t, 3)
	msg := chainMessages(t, kp, `{"type":"post"}`)[0]
	st, err := db.Add(ctx, msg)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// the base index has not committed yet; the in-flight set resolves
	// the ref
	if err := db.Del(ctx, st.Key); err != nil {
		t.Fatalf("del just-appended: %v", err)
	}
	if _, err := db.GetSync(ctx, st.Key); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("get deleted: err = %v, want not found", err)
	}
}

func TestDeleteFeedRemovesFeed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	alice := testKeypair(t, 4)
	bob := testKeypair(t, 5)

	var aliceRefs []message.Ref
	for _, msg := range chainMessages(t, alice,
		`{"type":"post","text":"a1"}`,
		`{"type":"post","text":"a2"}`,
		`{"type":"post","text":"a3"}`,
	) {
		st, err := db.ValidateAndAdd(ctx, msg)
		if err != nil {
			t.Fatalf("admit alice seq %d: %v", msg.Sequence, err)
		}
		aliceRefs = append(aliceRefs, st.Key)
	}
	var bobRefs []message.Ref
	for _, msg := range chainMessages(t, bob,
		`{"type":"post","text":"b1"}`,
		`{"type":"post","text":"b2"}`,
	) {
		st, err := db.ValidateAndAdd(ctx, msg)
		if err != nil {
			t.Fatalf("admit bob seq %d: %v", msg.Sequence, err)
		}
		bobRefs = append(bobRefs, st.Key)
	}

	if err := db.DeleteFeed(ctx, alice.ID); err != nil {
		t.Fatalf("delete feed: %v", err)
	}

	for _, ref := range aliceRefs {
		if _, err := db.Get(ctx, ref); apperrors.CodeOf(err) != apperrors.CodeNotFound {
			t.Fatalf("alice record %s still resolvable: %v", ref, err)
		}
	}
	if err := db.VerifyFeed(ctx, alice.ID); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("verify deleted feed: err = %v, want not found", err)
	}

	// bob is untouched
	for _, ref := range bobRefs {
		if _, err := db.Get(ctx, ref); err != nil {
			t.Fatalf("bob record %s unreadable: %v", ref, err)
		}
	}
	if err := db.VerifyFeed(ctx, bob.ID); err != nil {
		t.Fatalf("verify bob: %v", err)
	}

	rep, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, ok := rep.Feeds[alice.ID]; ok {
		t.Fatal("status still lists the deleted feed")
	}
	if rep.Feeds[bob.ID] != 2 {
		t.Fatalf("bob head = %d, want 2", rep.Feeds[bob.ID])
	}

	if err := db.DeleteFeed(ctx, alice.ID); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("second delete feed: err = %v, want not found", err)
	}
}

func TestDeleteFeedRestartsLocalChain(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := db.Publish(ctx, json.RawMessage(`{"type":"post","text":"`+text+`"}`)); err != nil {
			t.Fatalf("publish %q: %v", text, err)
		}
	}
	if err := db.DeleteFeed(ctx, db.ID()); err != nil {
		t.Fatalf("delete local feed: %v", err)
	}

	st, err := db.Publish(ctx, json.RawMessage(`{"type":"post","text":"fresh"}`))
	if err != nil {
		t.Fatalf("publish after delete: %v", err)
	}
	if st.Msg.Sequence != 1 {
		t.Fatalf("sequence after feed delete = %d, want 1", st.Msg.Sequence)
	}
	if st.Msg.Previous != nil {
		t.Fatal("restarted chain must not reference a previous")
	}
}

func TestDeleteFeedUnknownAuthor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.DeleteFeed(ctx, testKeypair(t, 6).ID)
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("delete unknown feed: err = %v, want not found", err)
	}
}
