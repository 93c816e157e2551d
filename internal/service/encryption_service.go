package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Subkey labels derived from the master encryption key.
const (
	KeyInfoShopToken = "hpb/shop-access-token"
	KeyInfoSettings  = "hpb/merchant-secret"
)

// ciphertextVersion prefixes every sealed value so the format can change
// without guessing at stored rows.
const ciphertextVersion = "v1:"

// AESEncryptionService implements ports.EncryptionService with AES-256-GCM.
// A derived service binds its label as additional data, so a value sealed for
// one column fails to open under another label even with the same key.
type AESEncryptionService struct {
	key   []byte
	label string
	aead  cipher.AEAD
}

// NewAESEncryptionService creates the master service from a 64-character hex
// key (32 bytes).
func NewAESEncryptionService(hexKey string) (*AESEncryptionService, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decoding AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AES key must be 32 bytes, got %d", len(key))
	}
	return newAESService(key, "")
}

func newAESService(key []byte, label string) (*AESEncryptionService, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &AESEncryptionService{key: key, label: label, aead: aead}, nil
}

// Derive returns a service keyed by an HKDF-SHA256 subkey of s's key and
// bound to info.
func (s *AESEncryptionService) Derive(info string) (*AESEncryptionService, error) {
	sub, err := DeriveKey(s.key, info, 32)
	if err != nil {
		return nil, err
	}
	return newAESService(sub, info)
}

// DeriveKey expands master into n bytes bound to info with HKDF-SHA256.
func DeriveKey(master []byte, info string, n int) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("empty master key")
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("deriving key %q: %w", info, err)
	}
	return out, nil
}

// Encrypt seals plaintext as "v1:" + base64url(nonce || ciphertext).
func (s *AESEncryptionService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(s.label))
	return ciphertextVersion + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (s *AESEncryptionService) Decrypt(ciphertext string) (string, error) {
	body, ok := strings.CutPrefix(ciphertext, ciphertextVersion)
	if !ok {
		return "", fmt.Errorf("unsupported ciphertext format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(s.label))
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}
