// Package fieldcrypt encrypts individual session fields at rest.
//
// Ciphertext is self-describing: a format version byte, a 4-byte key
// fingerprint, the GCM nonce, and the sealed payload, base64-encoded
// into a single string. No external metadata is needed to decrypt, and
// a mismatched key is distinguishable from a tampered payload.
//
// Key material comes from an opaque provider function and is never
// persisted or logged by this package.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// formatVersion identifies the ciphertext layout.
	formatVersion byte = 1

	// fingerprintLen is the length of the key fingerprint prefix.
	fingerprintLen = 4
)

var (
	// ErrTampered indicates the authentication tag did not verify: the
	// ciphertext was modified after sealing.
	ErrTampered = errors.New("ciphertext failed authentication")

	// ErrKeyMismatch indicates the configured key is not the one that
	// sealed the ciphertext.
	ErrKeyMismatch = errors.New("ciphertext sealed with a different key")

	// ErrMalformed indicates the ciphertext string is not in the
	// expected encoded layout.
	ErrMalformed = errors.New("malformed ciphertext")
)

// KeyFunc supplies symmetric key material. The returned slice must be
// 16, 24, or 32 bytes (AES-128/192/256).
type KeyFunc func() ([]byte, error)

// StaticKey wraps a fixed key as a KeyFunc. Intended for tests and
// development; production wires the secret provider here.
func StaticKey(key []byte) KeyFunc {
	k := make([]byte, len(key))
	copy(k, key)
	return func() ([]byte, error) { return k, nil }
}

// Codec seals and opens individual field values with AES-GCM.
type Codec struct {
	aead        cipher.AEAD
	fingerprint [fingerprintLen]byte
}

// NewCodec creates a codec from the provided key material.
func NewCodec(keyFn KeyFunc) (*Codec, error) {
	if keyFn == nil {
		return nil, errors.New("key provider is required")
	}
	key, err := keyFn()
	if err != nil {
		return nil, fmt.Errorf("fetching key material: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}

	c := &Codec{aead: aead}
	sum := sha256.Sum256(key)
	copy(c.fingerprint[:], sum[:fingerprintLen])
	return c, nil
}

// EncryptField seals plaintext into a self-describing ciphertext string.
func (c *Codec) EncryptField(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	buf := make([]byte, 0, 1+fingerprintLen+len(nonce)+len(plaintext)+c.aead.Overhead())
	buf = append(buf, formatVersion)
	buf = append(buf, c.fingerprint[:]...)
	buf = append(buf, nonce...)
	buf = c.aead.Seal(buf, nonce, plaintext, c.fingerprint[:])
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecryptField opens a ciphertext string produced by EncryptField.
// Returns ErrKeyMismatch when the key fingerprint does not match the
// configured key, ErrTampered when authentication fails, and
// ErrMalformed for undecodable input.
func (c *Codec) DecryptField(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	minLen := 1 + fingerprintLen + c.aead.NonceSize() + c.aead.Overhead()
	if len(raw) < minLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}
	if raw[0] != formatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, raw[0])
	}

	fp := raw[1 : 1+fingerprintLen]
	for i := 0; i < fingerprintLen; i++ {
		if fp[i] != c.fingerprint[i] {
			return nil, ErrKeyMismatch
		}
	}

	nonce := raw[1+fingerprintLen : 1+fingerprintLen+c.aead.NonceSize()]
	sealed := raw[1+fingerprintLen+c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, fp)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}
