// Package cryptox implements the symmetric encryption used for stored
// workspace credentials: an argon2id-derived AES-256 key and AES-GCM
// sealing with a fresh random nonce per value.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"golang.org/x/crypto/argon2"
)

// KeySize is the length of keys returned by DeriveKey (AES-256).
const KeySize = 32

// ErrInvalidKey is returned when the supplied key is not a valid AES key.
var ErrInvalidKey = errors.New("invalid encryption key")

// DeriveKey stretches secret and salt into a 32-byte key using argon2id.
// The same inputs always produce the same key.
func DeriveKey(secret []byte, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, KeySize)
}

// Fingerprint returns a SHA-256 digest of key, suitable for logging which
// key was used without revealing it.
func Fingerprint(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

// Encrypt seals plaintext with AES-GCM under key.
//
// A new random nonce is generated for each call; ciphertext and nonce are
// returned separately and both must be stored to decrypt later. The key must
// be 16, 24 or 32 bytes long.
//
// Example:
//
//	key := cryptox.DeriveKey([]byte(secret), []byte(salt))
//	ct, nonce, err := cryptox.Encrypt([]byte("secret_abc"), key)
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tampering with the
// ciphertext or nonce, or a wrong key, results in an error.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	return aesgcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return cipher.NewGCM(block)
}
