package secure

import (
	"crypto/rand"
	"crypto/subtle"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicKeySize is the length of an advertised public key
	PublicKeySize = 32

	// ChallengeSize is the length of the random verification challenge
	ChallengeSize = 64
)

// ErrInvalidPublicKey is returned for advertised keys of the wrong length
var ErrInvalidPublicKey = errors.New("invalid public key")

// KeyPair is the listener's X25519 key pair. Peers seal values to the public
// half with anonymous sealed boxes; only the holder of the private half can
// open them.
type KeyPair struct {
	public  *[32]byte
	private *[32]byte
}

// GenerateKeyPair creates a fresh key pair
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key pair")
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// PublicKey returns a copy of the public key bytes
func (k *KeyPair) PublicKey() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, k.public[:])
	return out
}

// Open decrypts a value sealed to this key pair
func (k *KeyPair) Open(sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, k.public, k.private)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealTo encrypts msg so that only the owner of publicKey can read it
func SealTo(publicKey, msg []byte) ([]byte, error) {
	if len(publicKey) != PublicKeySize {
		return nil, errors.Wrapf(ErrInvalidPublicKey, "got %d bytes, want %d", len(publicKey), PublicKeySize)
	}
	var pub [32]byte
	copy(pub[:], publicKey)

	out, err := box.SealAnonymous(nil, msg, &pub, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "seal")
	}
	return out, nil
}

// GenerateChallenge returns ChallengeSize random bytes
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, errors.Wrap(err, "generate challenge")
	}
	return challenge, nil
}

// ChallengeEqual compares two challenges in constant time
func ChallengeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
