// Package cipher encrypts credentials at rest.
//
// Tokens are URL-safe base64 of: version byte | nonce | sealed box. The
// version byte selects the key from the keyring and is bound into the AEAD
// as additional data, so a token cannot be replayed under another version.
package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// CurrentVersion is the key version used for new tokens.
	CurrentVersion byte = 1

	keySize = chacha20poly1305.KeySize
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrEmptySecret       = errors.New("encryption secret is empty")
)

// Cipher is the process-wide credential cipher. It is safe for concurrent use.
type Cipher struct {
	current byte
	keyring map[byte]cipher.AEAD
}

// New builds a Cipher whose only key, version CurrentVersion, is derived
// from secret with DeriveKey.
func New(secret string) (*Cipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return NewWithKeys(CurrentVersion, map[byte][]byte{CurrentVersion: key})
}

// NewWithKeys builds a Cipher over an explicit keyring. New tokens are
// sealed with keys[current]; any version in keys can be opened.
func NewWithKeys(current byte, keys map[byte][]byte) (*Cipher, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("no key for current version %d", current)
	}
	ring := make(map[byte]cipher.AEAD, len(keys))
	for v, k := range keys {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", v, err)
		}
		ring[v] = aead
	}
	return &Cipher{current: current, keyring: ring}, nil
}

// DeriveKey turns the configured secret into a 32-byte key.
//
// A secret that is URL-safe base64 of exactly 32 bytes is used as those
// bytes. Anything else is right-padded with spaces or truncated to 32 bytes.
// The rule only keeps key bytes stable for a secret that is already
// deployed. Stored tokens are not portable: tokens are XChaCha20-Poly1305,
// and Fernet tokens written elsewhere with the same secret cannot be
// decrypted here. This is not a key derivation function and adds no
// strength to a weak secret.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if len(secret) == base64.URLEncoding.EncodedLen(keySize) {
		if key, err := base64.URLEncoding.DecodeString(secret); err == nil && len(key) == keySize {
			return key, nil
		}
	}
	key := make([]byte, keySize)
	for i := range key {
		key[i] = ' '
	}
	copy(key, secret)
	return key, nil
}

// Encrypt seals plaintext under the current key with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead := c.keyring[c.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	header := []byte{c.current}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), header)
	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed, foreign or
// tampered token yields ErrInvalidCiphertext.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < 1 {
		return "", fmt.Errorf("%w: empty token", ErrInvalidCiphertext)
	}
	version := raw[0]
	aead, ok := c.keyring[version]
	if !ok {
		return "", fmt.Errorf("%w: unknown key version %d", ErrInvalidCiphertext, version)
	}
	ns := aead.NonceSize()
	if len(raw) < 1+ns+aead.Overhead() {
		return "", fmt.Errorf("%w: token too short", ErrInvalidCiphertext)
	}
	nonce, sealed := raw[1:1+ns], raw[1+ns:]
	plain, err := aead.Open(nil, nonce, sealed, raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidCiphertext)
	}
	return string(plain), nil
}
