package message

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

func testKeypair(t *testing.T, seedByte byte) *Keypair {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, 32)
	kp, err := KeypairFromSeed(seed)
	if err != nil {
		t.Fatalf("keypair from seed: %v", err)
	}
	return kp
}

func signedMessage(t *testing.T, kp *Keypair, seq uint64, prev *Ref, content string) *Message {
	t.Helper()
	msg := &Message{
		Previous:  prev,
		Author:    kp.ID,
		Sequence:  seq,
		Timestamp: time.UnixMilli(1700000000000 + int64(seq)).UTC(),
		Content:   json.RawMessage(content),
	}
	if err := msg.Sign(kp.Private); err != nil {
		t.Fatalf("sign message: %v", err)
	}
	return msg
}

func TestRefDeterministic(t *testing.T) {
	kp := testKeypair(t, 1)
	msg := signedMessage(t, kp, 1, nil, `{"type":"post","text":"hello"}`)

	first, err := msg.Ref()
	if err != nil {
		t.Fatalf("first ref: %v", err)
	}
	second, err := msg.Ref()
	if err != nil {
		t.Fatalf("second ref: %v", err)
	}
	if first != second {
		t.Fatalf("ref not deterministic: %s vs %s", first, second)
	}
	if !first.Valid() {
		t.Fatalf("ref %s failed validation", first)
	}
}

func TestRefDistinctForDifferentMessages(t *testing.T) {
	kp := testKeypair(t, 1)
	a := signedMessage(t, kp, 1, nil, `{"type":"post","text":"hello"}`)
	b := signedMessage(t, kp, 1, nil, `{"type":"post","text":"goodbye"}`)

	refA, err := a.Ref()
	if err != nil {
		t.Fatalf("ref a: %v", err)
	}
	refB, err := b.Ref()
	if err != nil {
		t.Fatalf("ref b: %v", err)
	}
	if refA == refB {
		t.Fatalf("distinct messages produced identical ref %s", refA)
	}
}

func TestRefIgnoresContentKeyOrder(t *testing.T) {
	kp := testKeypair(t, 2)
	a := signedMessage(t, kp, 1, nil, `{"text":"hi","type":"post"}`)
	b := signedMessage(t, kp, 1, nil, `{"type":"post","text":"hi"}`)

	refA, err := a.Ref()
	if err != nil {
		t.Fatalf("ref a: %v", err)
	}
	refB, err := b.Ref()
	if err != nil {
		t.Fatalf("ref b: %v", err)
	}
	if refA != refB {
		t.Fatalf("key order changed ref: %s vs %s", refA, refB)
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	kp := testKeypair(t, 3)
	msg := signedMessage(t, kp, 1, nil, `{"type":"about","name":"alex"}`)

	if err := msg.Verify(); err != nil {
		t.Fatalf("verify signed message: %v", err)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	kp := testKeypair(t, 3)
	msg := signedMessage(t, kp, 1, nil, `{"type":"about","name":"alex"}`)

	msg.Content = json.RawMessage(`{"type":"about","name":"mallory"}`)

	err := msg.Verify()
	if err == nil {
		t.Fatal("expected verification failure for tampered content")
	}
	if !stderrors.Is(err, apperrors.New(apperrors.CodeBadSignature, "")) {
		t.Fatalf("expected BadSignature, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	alice := testKeypair(t, 4)
	mallory := testKeypair(t, 5)

	msg := &Message{
		Author:    alice.ID,
		Sequence:  1,
		Timestamp: time.UnixMilli(1700000000000).UTC(),
		Content:   json.RawMessage(`{"type":"post"}`),
	}
	if err := msg.Sign(mallory.Private); err == nil {
		t.Fatal("expected Sign to refuse a key that is not the author")
	}
}

func TestWellFormed(t *testing.T) {
	kp := testKeypair(t, 6)
	prev := NewRef([]byte("prior"))

	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "zero sequence",
			msg: Message{
				Author:    kp.ID,
				Sequence:  0,
				Timestamp: time.Now(),
				Content:   json.RawMessage(`{}`),
			},
		},
		{
			name: "first message with previous",
			msg: Message{
				Previous:  &prev,
				Author:    kp.ID,
				Sequence:  1,
				Timestamp: time.Now(),
				Content:   json.RawMessage(`{}`),
			},
		},
		{
			name: "later message without previous",
			msg: Message{
				Author:    kp.ID,
				Sequence:  2,
				Timestamp: time.Now(),
				Content:   json.RawMessage(`{}`),
			},
		},
		{
			name: "missing timestamp",
			msg: Message{
				Author:   kp.ID,
				Sequence: 1,
				Content:  json.RawMessage(`{}`),
			},
		},
		{
			name: "empty content",
			msg: Message{
				Author:    kp.ID,
				Sequence:  1,
				Timestamp: time.Now(),
			},
		},
		{
			name: "invalid author",
			msg: Message{
				Author:    FeedID("@nope"),
				Sequence:  1,
				Timestamp: time.Now(),
				Content:   json.RawMessage(`{}`),
			},
		},
		{
			name: "content not json",
			msg: Message{
				Author:    kp.ID,
				Sequence:  1,
				Timestamp: time.Now(),
				Content:   json.RawMessage(`{oops`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.WellFormed()
			if err == nil {
				t.Fatal("expected well-formedness error")
			}
			if !stderrors.Is(err, apperrors.New(apperrors.CodeMalformedMessage, "")) {
				t.Fatalf("expected MalformedMessage, got %v", err)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	msg := Message{Content: json.RawMessage(`{"type":"contact","contact":"@x.ed25519"}`)}
	if got := msg.ContentType(); got != "contact" {
		t.Fatalf("ContentType = %q, want contact", got)
	}

	boxed := Message{Content: json.RawMessage(`"abc.box"`)}
	if got := boxed.ContentType(); got != "" {
		t.Fatalf("ContentType for boxed = %q, want empty", got)
	}
}

func TestCloneDeepCopies(t *testing.T) {
	kp := testKeypair(t, 7)
	msg := signedMessage(t, kp, 1, nil, `{"type":"post"}`)

	cp := msg.Clone()
	cp.Content[2] = 'X'
	cp.Sequence = 99

	if msg.Sequence != 1 {
		t.Fatalf("clone mutated original sequence")
	}
	if bytes.Equal(msg.Content, cp.Content) {
		t.Fatalf("clone shares content backing array")
	}
}

func TestDecodeRoundtrip(t *testing.T) {
	kp := testKeypair(t, 9)
	prev := NewRef([]byte("prior"))
	msg := &Message{
		Previous:  &prev,
		Author:    kp.ID,
		Sequence:  2,
		Timestamp: time.UnixMilli(1700000012345).UTC(),
		Content:   json.RawMessage(`{"type":"post","text":"hi"}`),
	}
	if err := msg.Sign(kp.Private); err != nil {
		t.Fatalf("sign: %v", err)
	}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Sequence != msg.Sequence || decoded.Author != msg.Author {
		t.Fatalf("decoded header mismatch: %+v", decoded)
	}
	if decoded.Previous == nil || *decoded.Previous != prev {
		t.Fatalf("decoded previous = %v, want %s", decoded.Previous, prev)
	}
	if !decoded.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("decoded timestamp = %v, want %v", decoded.Timestamp, msg.Timestamp)
	}
	if err := decoded.Verify(); err != nil {
		t.Fatalf("decoded message fails verification: %v", err)
	}

	origRef, err := msg.Ref()
	if err != nil {
		t.Fatalf("orig ref: %v", err)
	}
	decodedRef, err := decoded.Ref()
	if err != nil {
		t.Fatalf("decoded ref: %v", err)
	}
	if origRef != decodedRef {
		t.Fatalf("ref changed across roundtrip: %s vs %s", origRef, decodedRef)
	}
}

func TestParseRef(t *testing.T) {
	ref := NewRef([]byte("hello"))
	parsed, err := ParseRef(string(ref))
	if err != nil {
		t.Fatalf("parse rendered ref: %v", err)
	}
	if parsed != ref {
		t.Fatalf("parsed %s, want %s", parsed, ref)
	}

	if _, err := ParseRef("%tooshort.sha256"); err == nil {
		t.Fatal("expected error for undersized digest")
	}
	if _, err := ParseRef("@notamessage.ed25519"); err == nil {
		t.Fatal("expected error for feed sigil")
	}
}

func TestFeedIDRoundtrip(t *testing.T) {
	kp := testKeypair(t, 8)

	pub, err := kp.ID.PublicKey()
	if err != nil {
		t.Fatalf("recover public key: %v", err)
	}
	if NewFeedID(pub) != kp.ID {
		t.Fatalf("feed id roundtrip mismatch")
	}
}
