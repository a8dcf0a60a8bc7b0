package message

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Boxed content travels as a JSON string "<base64>.box": a 24-byte nonce
// followed by the secretbox ciphertext of the plaintext content object.
const boxSuffix = ".box"

const boxKeySize = 32

// Unboxer attempts to open boxed content with locally held keys. A failed
// attempt is not an error; undecryptable content is simply stored as-is.
type Unboxer interface {
	// Unbox returns the plaintext content and true when some local key
	// opens the box. The ok result is false for plaintext input too.
	Unbox(content json.RawMessage) (plain json.RawMessage, ok bool)
}

// IsBoxed reports whether content is a boxed ciphertext string.
func IsBoxed(content json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		return false
	}
	return strings.HasSuffix(s, boxSuffix)
}

// Box seals plaintext content under key for tests and local tooling.
func Box(content json.RawMessage, key []byte) (json.RawMessage, error) {
	if len(key) != boxKeySize {
		return nil, apperrors.New(apperrors.CodeBadKeyMaterial, "box key must be 32 bytes")
	}
	if !json.Valid(content) {
		return nil, apperrors.New(apperrors.CodeMalformedMessage, "box content is not valid JSON")
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "read nonce", err)
	}
	var k [boxKeySize]byte
	copy(k[:], key)

	sealed := secretbox.Seal(nonce[:], content, &nonce, &k)
	boxed := base64.StdEncoding.EncodeToString(sealed) + boxSuffix
	return json.Marshal(boxed)
}

// Keystore holds symmetric box keys and implements Unboxer by trying each.
type Keystore struct {
	mu   sync.RWMutex
	keys [][boxKeySize]byte
}

// NewKeystore returns an empty keystore.
func NewKeystore() *Keystore {
	return &Keystore{}
}

// AddKey registers a 32-byte box key. Re-adding a known key is a no-op.
func (ks *Keystore) AddKey(key []byte) error {
	if len(key) != boxKeySize {
		return apperrors.New(apperrors.CodeBadKeyMaterial, "box key must be 32 bytes")
	}
	var k [boxKeySize]byte
	copy(k[:], key)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, have := range ks.keys {
		if have == k {
			return nil
		}
	}
	ks.keys = append(ks.keys, k)
	return nil
}

// Len returns the number of registered keys.
func (ks *Keystore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// Unbox implements Unboxer.
func (ks *Keystore) Unbox(content json.RawMessage) (json.RawMessage, bool) {
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		return nil, false
	}
	if !strings.HasSuffix(s, boxSuffix) {
		return nil, false
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(s, boxSuffix))
	if err != nil || len(sealed) <= 24 {
		return nil, false
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for i := range ks.keys {
		plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &ks.keys[i])
		if ok && json.Valid(plain) {
			return plain, true
		}
	}
	return nil, false
}
