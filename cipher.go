package xrpc

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a SecretBox key.
const KeySize = chacha20poly1305.KeySize

// SecretBox is the default Cipher: XChaCha20-Poly1305 with a shared key.
// Tokens are base64(nonce || sealed), so they travel as plain text.
type SecretBox struct {
	aead cipher.AEAD
}

var _ Cipher = (*SecretBox)(nil)

// NewSecretBox returns a SecretBox for a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xrpc: cipher key: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (s *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("xrpc: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt opens a token produced by Encrypt under the same key.
func (s *SecretBox) Decrypt(token []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(token)))
	n, err := base64.StdEncoding.Decode(raw, token)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not a token: %v", ErrDecryption, err)
	}
	raw = raw[:n]

	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: token too short", ErrDecryption)
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}

// GenerateKey returns a random key suitable for NewSecretBox.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeKey renders a key in the "base64:" form accepted by ParseKey.
func EncodeKey(key []byte) string {
	return "base64:" + base64.StdEncoding.EncodeToString(key)
}

// ParseKey accepts "base64:<b64>", bare base64 or hex and returns the raw key.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("xrpc: cipher key is empty")
	}
	if rest, ok := strings.CutPrefix(s, "base64:"); ok {
		return checkKey(base64.StdEncoding.DecodeString(rest))
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	return checkKey(base64.StdEncoding.DecodeString(s))
}

func checkKey(key []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("xrpc: cipher key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("xrpc: cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
