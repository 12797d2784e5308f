// Package crypto seals stream payloads with AES-256-GCM. Keys are
// derived from a shared passphrase so both ends can be configured with
// the same string.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	// KDFIterations is the PBKDF2-SHA256 round count for DeriveKey.
	KDFIterations = 100_000
)

// DefaultSalt is used when no salt is configured.
const DefaultSalt = "blobfs/stream/v1"

var (
	ErrInvalidKey        = errors.New("invalid key size")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptFailed     = errors.New("decryption failed")
)

type Sealer struct {
	gcm cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{gcm: gcm}, nil
}

// FromPassphrase derives a key and builds a Sealer in one step. An
// empty passphrase yields a nil Sealer, meaning no encryption.
func FromPassphrase(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" {
		return nil, nil
	}
	return NewSealer(DeriveKey(passphrase, salt))
}

func DeriveKey(passphrase, salt string) []byte {
	if salt == "" {
		salt = DefaultSalt
	}
	return pbkdf2.Key([]byte(passphrase), []byte(salt), KDFIterations, KeySize, sha256.New)
}

// Seal encrypts plaintext bound to aad. The nonce is prepended.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	nonce := sealed[:NonceSize]
	plaintext, err := s.gcm.Open(nil, nonce, sealed[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (s *Sealer) Overhead() int {
	return NonceSize + TagSize
}
