// Package secure holds the key material used by the handshake: a symmetric
// session cipher and the public-key step that transports the session key.
package secure

import (
	"crypto/cipher"
	"crypto/rand"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a session key
const KeySize = chacha20poly1305.KeySize

var (
	// ErrDecrypt is returned when a sealed payload fails authentication
	ErrDecrypt = errors.New("decryption failed")

	// ErrInvalidKeySize is returned for session keys of the wrong length
	ErrInvalidKeySize = errors.New("invalid session key size")
)

// Cipher seals frame payloads with XChaCha20-Poly1305. Each sealed payload
// is the random 24-byte nonce followed by the ciphertext and tag. A Cipher is
// safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// GenerateKey returns a fresh random session key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate session key")
	}
	return key, nil
}

// NewCipher creates a session cipher from a KeySize-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrInvalidKeySize, "got %d bytes, want %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "create aead")
	}
	return &Cipher{aead: aead}, nil
}

// Overhead is the number of bytes Seal adds to a plaintext
func (c *Cipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

// Seal encrypts and authenticates plaintext
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a payload produced by Seal
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, errors.Wrapf(ErrDecrypt, "payload of %d bytes is too short", len(sealed))
	}
	plain, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
