package message

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

const secretFilePerm = 0o600

// Keypair is a local feed identity: the rendered FeedID plus the ed25519
// private key that signs new messages for it.
type Keypair struct {
	ID      FeedID
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh feed identity.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadKeyMaterial, "generate keypair", err)
	}
	return &Keypair{ID: NewFeedID(pub), Private: priv}, nil
}

// KeypairFromSeed derives a deterministic identity from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, apperrors.New(apperrors.CodeBadKeyMaterial,
			fmt.Sprintf("seed size %d, want %d", len(seed), ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{ID: NewFeedID(priv.Public().(ed25519.PublicKey)), Private: priv}, nil
}

type secretFile struct {
	Curve   string `json:"curve"`
	ID      string `json:"id"`
	Public  string `json:"public"`
	Private string `json:"private"`
}

// LoadKeypair reads a secret file written by Save.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.CodeKeypairMissing, "no secret file at "+path, err)
		}
		return nil, apperrors.Wrap(apperrors.CodeIoFailure, "read secret file", err)
	}

	var sf secretFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadKeyMaterial, "parse secret file", err)
	}
	if sf.Curve != "ed25519" {
		return nil, apperrors.New(apperrors.CodeBadKeyMaterial, "unsupported curve "+sf.Curve)
	}

	raw, err := base64.StdEncoding.DecodeString(sf.Private)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadKeyMaterial, "decode private key", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, apperrors.New(apperrors.CodeBadKeyMaterial,
			fmt.Sprintf("private key size %d, want %d", len(raw), ed25519.PrivateKeySize))
	}

	priv := ed25519.PrivateKey(raw)
	id := NewFeedID(priv.Public().(ed25519.PublicKey))
	if sf.ID != "" && FeedID(sf.ID) != id {
		return nil, apperrors.New(apperrors.CodeBadKeyMaterial, "secret file id does not match private key")
	}
	return &Keypair{ID: id, Private: priv}, nil
}

// Save writes the keypair as a secret file readable only by the owner.
func (kp *Keypair) Save(path string) error {
	pub, err := kp.ID.PublicKey()
	if err != nil {
		return err
	}
	sf := secretFile{
		Curve:   "ed25519",
		ID:      string(kp.ID),
		Public:  base64.StdEncoding.EncodeToString(pub),
		Private: base64.StdEncoding.EncodeToString(kp.Private),
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeIoFailure, "encode secret file", err)
	}
	if err := os.WriteFile(path, data, secretFilePerm); err != nil {
		return apperrors.Wrap(apperrors.CodeIoFailure, "write secret file", err)
	}
	return nil
}
