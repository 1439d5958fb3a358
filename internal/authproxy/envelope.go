package authproxy

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"crypto/sha256"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// TlsEnvelope encrypts per-service TLS key material at rest with a
// process-wide secret, so the store never persists private keys in the
// clear. Fatal per spec §7: a proxy started without this secret refuses
// to start rather than silently operating unencrypted.
type TlsEnvelope struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// NewTlsEnvelope derives a ChaCha20-Poly1305 key from masterSecret via
// HKDF-SHA256 and constructs the envelope.
func NewTlsEnvelope(masterSecret []byte) (*TlsEnvelope, error) {
	if len(masterSecret) == 0 {
		return nil, apperrors.Configuration("tls envelope requires a non-empty master secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte("blueprint-core-tls-envelope-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to derive envelope key", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to construct AEAD cipher", err)
	}
	return &TlsEnvelope{aead: aead}, nil
}

// Seal encrypts plaintext key material, prefixing the nonce.
func (e *TlsEnvelope) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.KindOther, "failed to generate nonce", err)
	}
	ciphertext := e.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Open decrypts material sealed by Seal.
func (e *TlsEnvelope) Open(sealed []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, apperrors.TLS("sealed material shorter than nonce size", nil)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTLS, "failed to decrypt tls key material", err)
	}
	return plaintext, nil
}
