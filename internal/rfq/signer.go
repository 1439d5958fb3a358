package rfq

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1Signer signs quotes with a secp256k1 key, the same curve the
// authenticated proxy uses for challenge/response auth.
type Secp256k1Signer struct {
	priv *secp256k1.PrivateKey
}

// NewSecp256k1Signer wraps an existing private key.
func NewSecp256k1Signer(priv *secp256k1.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{priv: priv}
}

// GenerateSecp256k1Signer creates a fresh signing key, for operators that
// don't yet have one provisioned.
func GenerateSecp256k1Signer() (*Secp256k1Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Secp256k1Signer{priv: priv}, nil
}

func (s *Secp256k1Signer) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(s.priv, digest[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

func (s *Secp256k1Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// VerifyQuoteSignature checks a Quote's signature against its operator
// public key.
func VerifyQuoteSignature(q Quote) (bool, error) {
	pubBytes, err := hex.DecodeString(q.OperatorPubKey)
	if err != nil {
		return false, err
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false, err
	}
	sigBytes, err := hex.DecodeString(q.SignatureHex)
	if err != nil {
		return false, err
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(quoteSigningPayload(q))
	return sig.Verify(digest[:], pub), nil
}
