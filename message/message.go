// Package message defines the feed message model: references, canonical
// encoding, content-addressed identity, signing, and boxed private content.
package message

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Message is one entry of an author's append-only feed. Immutable once
// admitted: validation refuses anything that does not extend the chain.
type Message struct {
	Previous  *Ref            // identity of the prior message; nil at sequence 1
	Author    FeedID          // signing key of the feed owner
	Sequence  uint64          // 1-based, strictly increasing per author
	Timestamp time.Time       // producer-supplied, non-decreasing per author
	Content   json.RawMessage // JSON object, or a boxed ciphertext string
	Signature Signature       // over the canonical encoding minus this field
}

// fields assembles the canonical-encoding input. The previous field is
// omitted entirely at sequence 1; canonical encoding has no null.
// Timestamps are carried as UTC milliseconds.
func (m *Message) fields(withSignature bool) map[string]any {
	obj := map[string]any{
		"author":    m.Author,
		"sequence":  m.Sequence,
		"timestamp": m.Timestamp.UTC().UnixMilli(),
		"content":   m.Content,
	}
	if m.Previous != nil {
		obj["previous"] = *m.Previous
	}
	if withSignature {
		obj["signature"] = m.Signature
	}
	return obj
}

// SigningPayload returns the canonical bytes the signature covers.
func (m *Message) SigningPayload() ([]byte, error) {
	if err := m.WellFormed(); err != nil {
		return nil, err
	}
	return encodeCanonical(m.fields(false))
}

// Encode returns the full canonical encoding, signature included. These are
// the bytes a Ref is computed over and the bytes persisted to the log.
func (m *Message) Encode() ([]byte, error) {
	if err := m.WellFormed(); err != nil {
		return nil, err
	}
	if m.Signature == "" {
		return nil, apperrors.New(apperrors.CodeMalformedMessage, "message is unsigned")
	}
	return encodeCanonical(m.fields(true))
}

// Ref computes the message identity from its canonical encoding.
func (m *Message) Ref() (Ref, error) {
	canonical, err := m.Encode()
	if err != nil {
		return "", err
	}
	return NewRef(canonical), nil
}

// Sign computes and attaches the signature for priv. The message author
// must already be the feed identity of priv's public key.
func (m *Message) Sign(priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return apperrors.New(apperrors.CodeBadKeyMaterial, "bad private key size")
	}
	if got := NewFeedID(priv.Public().(ed25519.PublicKey)); got != m.Author {
		return apperrors.WithMetadata(apperrors.CodeBadKeyMaterial,
			"signing key does not match author",
			map[string]string{"author": string(m.Author), "key": string(got)})
	}
	payload, err := m.SigningPayload()
	if err != nil {
		return err
	}
	m.Signature = NewSignature(ed25519.Sign(priv, payload))
	return nil
}

// Verify checks the signature against the author's public key.
func (m *Message) Verify() error {
	pub, err := m.Author.PublicKey()
	if err != nil {
		return err
	}
	sig, err := m.Signature.Bytes()
	if err != nil {
		return err
	}
	payload, err := m.SigningPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return apperrors.WithMetadata(apperrors.CodeBadSignature,
			fmt.Sprintf("signature verification failed author=%s seq=%d", m.Author, m.Sequence),
			map[string]string{"author": string(m.Author)})
	}
	return nil
}

// WellFormed checks the message in isolation, without chain context.
func (m *Message) WellFormed() error {
	if m == nil {
		return apperrors.New(apperrors.CodeMalformedMessage, "message is nil")
	}
	if !m.Author.Valid() {
		return apperrors.New(apperrors.CodeMalformedMessage, "message author is invalid")
	}
	if m.Sequence == 0 {
		return apperrors.New(apperrors.CodeMalformedMessage, "message sequence must be positive")
	}
	if m.Sequence == 1 && m.Previous != nil {
		return apperrors.New(apperrors.CodeMalformedMessage, "first message must not reference a previous")
	}
	if m.Sequence > 1 {
		if m.Previous == nil {
			return apperrors.New(apperrors.CodeMalformedMessage,
				fmt.Sprintf("message seq=%d requires a previous ref", m.Sequence))
		}
		if !m.Previous.Valid() {
			return apperrors.New(apperrors.CodeMalformedMessage, "previous ref is invalid")
		}
	}
	if m.Timestamp.IsZero() {
		return apperrors.New(apperrors.CodeMalformedMessage, "message timestamp is required")
	}
	if len(m.Content) == 0 {
		return apperrors.New(apperrors.CodeMalformedMessage, "message content is required")
	}
	if !json.Valid(m.Content) {
		return apperrors.New(apperrors.CodeMalformedMessage, "message content is not valid JSON")
	}
	return nil
}

// Decode parses canonical message bytes back into a Message.
func Decode(data []byte) (*Message, error) {
	var wire struct {
		Previous  *Ref            `json:"previous"`
		Author    FeedID          `json:"author"`
		Sequence  uint64          `json:"sequence"`
		Timestamp int64           `json:"timestamp"`
		Content   json.RawMessage `json:"content"`
		Signature Signature       `json:"signature"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedMessage, "decode message", err)
	}
	msg := &Message{
		Previous:  wire.Previous,
		Author:    wire.Author,
		Sequence:  wire.Sequence,
		Timestamp: time.UnixMilli(wire.Timestamp).UTC(),
		Content:   wire.Content,
		Signature: wire.Signature,
	}
	if err := msg.WellFormed(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ContentType extracts the "type" field from plaintext object content.
// It returns "" for boxed content or content without a type.
func (m *Message) ContentType() string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Content, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Previous != nil {
		prev := *m.Previous
		cp.Previous = &prev
	}
	if m.Content != nil {
		cp.Content = append(json.RawMessage(nil), m.Content...)
	}
	return &cp
}
