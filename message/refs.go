package message

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Sigil prefixes and algorithm suffixes for rendered references.
const (
	refSigil  = "%"
	feedSigil = "@"

	refSuffix  = ".sha256"
	feedSuffix = ".ed25519"
	sigSuffix  = ".sig.ed25519"
)

// refDomain is the domain-separation prefix for message identity hashing.
// The version suffix allows a future algorithm migration without ambiguity.
const refDomain = "tidepool/message/v1"

// Ref is the identity of a message: the domain-separated SHA-256 of its
// canonical encoding, rendered as %<base64>.sha256. Recomputing a Ref on
// identical input always yields the same value.
type Ref string

// NewRef computes the identity of a canonical encoding.
// Format: SHA256(domain + 0x00 + canonical). The null separator prevents
// domain/payload boundary ambiguity.
func NewRef(canonical []byte) Ref {
	h := sha256.New()
	h.Write([]byte(refDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return Ref(refSigil + base64.StdEncoding.EncodeToString(h.Sum(nil)) + refSuffix)
}

// ParseRef validates s as a rendered message reference.
func ParseRef(s string) (Ref, error) {
	r := Ref(s)
	if !r.Valid() {
		return "", apperrors.WithMetadata(apperrors.CodeMalformedMessage,
			"malformed message ref", map[string]string{"ref": s})
	}
	return r, nil
}

// Valid reports whether the ref carries the message sigil, the sha256
// suffix, and a correctly sized digest.
func (r Ref) Valid() bool {
	s := string(r)
	if !strings.HasPrefix(s, refSigil) || !strings.HasSuffix(s, refSuffix) {
		return false
	}
	body := s[len(refSigil) : len(s)-len(refSuffix)]
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return false
	}
	return len(raw) == sha256.Size
}

func (r Ref) String() string { return string(r) }

// FeedID identifies an author: an ed25519 public key rendered as
// @<base64>.ed25519. One FeedID owns exactly one feed.
type FeedID string

// NewFeedID renders an ed25519 public key as a feed identity.
func NewFeedID(pub ed25519.PublicKey) FeedID {
	return FeedID(feedSigil + base64.StdEncoding.EncodeToString(pub) + feedSuffix)
}

// ParseFeedID validates s as a rendered feed identity.
func ParseFeedID(s string) (FeedID, error) {
	id := FeedID(s)
	if _, err := id.PublicKey(); err != nil {
		return "", err
	}
	return id, nil
}

// PublicKey recovers the ed25519 public key encoded in the feed identity.
func (id FeedID) PublicKey() (ed25519.PublicKey, error) {
	s := string(id)
	if !strings.HasPrefix(s, feedSigil) || !strings.HasSuffix(s, feedSuffix) {
		return nil, apperrors.WithMetadata(apperrors.CodeBadKeyMaterial,
			"malformed feed id", map[string]string{"feed": s})
	}
	raw, err := base64.StdEncoding.DecodeString(s[len(feedSigil) : len(s)-len(feedSuffix)])
	if err != nil {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeBadKeyMaterial,
			"decode feed id", map[string]string{"feed": s}, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, apperrors.WithMetadata(apperrors.CodeBadKeyMaterial,
			fmt.Sprintf("feed id key size %d, want %d", len(raw), ed25519.PublicKeySize),
			map[string]string{"feed": s})
	}
	return ed25519.PublicKey(raw), nil
}

// Valid reports whether the feed id decodes to a correctly sized key.
func (id FeedID) Valid() bool {
	_, err := id.PublicKey()
	return err == nil
}

func (id FeedID) String() string { return string(id) }

// Signature is an ed25519 signature rendered as <base64>.sig.ed25519.
type Signature string

// NewSignature renders raw signature bytes.
func NewSignature(sig []byte) Signature {
	return Signature(base64.StdEncoding.EncodeToString(sig) + sigSuffix)
}

// Bytes recovers the raw signature.
func (s Signature) Bytes() ([]byte, error) {
	str := string(s)
	if !strings.HasSuffix(str, sigSuffix) {
		return nil, apperrors.New(apperrors.CodeBadSignature, "malformed signature encoding")
	}
	raw, err := base64.StdEncoding.DecodeString(str[:len(str)-len(sigSuffix)])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadSignature, "decode signature", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, apperrors.New(apperrors.CodeBadSignature,
			fmt.Sprintf("signature size %d, want %d", len(raw), ed25519.SignatureSize))
	}
	return raw, nil
}
