// Package secrets seals and opens per-provider API credentials. Each blob is
// encrypted with a key derived from the service master secret and the owning
// user's ID, so a blob copied between rows will not open.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a blob fails authentication or is malformed
var ErrDecrypt = errors.New("credential decrypt failed")

const nonceSize = 24

// Box derives per-user keys from a master secret
type Box struct {
	master []byte
}

// NewBox creates a Box from the master secret, which must not be empty
func NewBox(master []byte) (*Box, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("empty master secret")
	}
	return &Box{master: master}, nil
}

// Seal encrypts plaintext for userID, prepending the random nonce
func (b *Box) Seal(userID string, plaintext []byte) ([]byte, error) {
	key, err := b.userKey(userID)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts a blob sealed for userID. A wrong user, truncated blob or
// tampered ciphertext all return ErrDecrypt.
func (b *Box) Open(userID string, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("blob too short: %w", ErrDecrypt)
	}

	key, err := b.userKey(userID)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])

	plaintext, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// userKey derives the 32-byte secretbox key for one user
func (b *Box) userKey(userID string) (*[32]byte, error) {
	kdf := hkdf.New(sha256.New, b.master, []byte(userID), []byte("chatbuddy/api-keys"))
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &key, nil
}
