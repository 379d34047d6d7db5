// Package fieldcipher encrypts individual record fields with AES-256-GCM
// under a key derived per owner from a single master key.
package fieldcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	nonceSize = 12
)

var (
	ErrInvalidKey      = errors.New("master key must be 32 bytes")
	ErrMissingOwner    = errors.New("owner id is required")
	ErrEmptyPlaintext  = errors.New("nothing to encrypt")
	ErrEmptyCiphertext = errors.New("empty ciphertext")
	ErrMalformed       = errors.New("malformed ciphertext")
	ErrAuthentication  = errors.New("ciphertext failed authentication")
	ErrEmptyResult     = errors.New("decryption produced no data")
)

var (
	// <24 hex nonce>:<base64 sealed box>
	currentShape = regexp.MustCompile(`^[0-9a-fA-F]{24}:[A-Za-z0-9+/]+={0,2}$`)
	// <32 hex owner tag>:<current shape>, written by older clients that
	// wrapped an already-encrypted value a second time.
	legacyShape = regexp.MustCompile(`^[0-9a-fA-F]{32}:[0-9a-fA-F]{24}:[A-Za-z0-9+/]+={0,2}$`)
)

type Cipher struct {
	master []byte
}

func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKey
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Cipher{master: key}, nil
}

// Encrypt seals plaintext for ownerID. The owner id is bound as additional
// data, so decrypting under another owner fails authentication instead of
// yielding foreign plaintext.
func (c *Cipher) Encrypt(plaintext, ownerID string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	gcm, err := c.aead(ownerID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), []byte(ownerID))
	return hex.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(ciphertext, ownerID string) (string, error) {
	if strings.TrimSpace(ciphertext) == "" {
		return "", ErrEmptyCiphertext
	}

	nonceHex, payload, ok := strings.Cut(ciphertext, ":")
	if !ok || payload == "" {
		return "", fmt.Errorf("%w: missing separator", ErrMalformed)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: invalid nonce", ErrMalformed)
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid payload encoding", ErrMalformed)
	}

	gcm, err := c.aead(ownerID)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, sealed, []byte(ownerID))
	if err != nil {
		return "", ErrAuthentication
	}
	if len(plain) == 0 {
		return "", ErrEmptyResult
	}
	return string(plain), nil
}

func (c *Cipher) aead(ownerID string) (cipher.AEAD, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, c.master, nil, []byte("osteosync/field/"+ownerID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving owner key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// LooksEncrypted reports whether v has the shape of a value produced by
// Encrypt, including the legacy double-wrapped form.
func LooksEncrypted(v string) bool {
	return currentShape.MatchString(v) || legacyShape.MatchString(v)
}

// SplitLegacy strips the owner tag from a double-wrapped value.
func SplitLegacy(v string) (string, bool) {
	if !legacyShape.MatchString(v) {
		return "", false
	}
	_, payload, _ := strings.Cut(v, ":")
	return payload, true
}
