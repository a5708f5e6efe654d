// Package vault encrypts mailbox OAuth tokens at rest.
//
// Tokens are stored as base64(salt | iv | tag | ciphertext) using AES-256-GCM
// with a 16 byte IV. Values that do not have that shape are returned as-is so
// rows written before encryption was introduced keep working.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/scrypt"
)

const (
	saltLength = 64
	ivLength   = 16
	tagLength  = 16
	keyLength  = 32

	tagPosition       = saltLength + ivLength
	encryptedPosition = tagPosition + tagLength

	// shortest base64 token that could hold a non-empty ciphertext
	minEncodedLength = 100
)

// ErrInvalidKey is returned when the vault secret is empty.
var ErrInvalidKey = errors.New("encryption key is not set")

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// Vault encrypts and decrypts credential strings with a key derived once at
// construction.
type Vault struct {
	key []byte
}

// New derives the AES key from secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	key, err := scrypt.Key([]byte(secret), []byte("salt"), 16384, 8, 1, keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &Vault{key: key}, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLength)
}

// Encrypt seals plaintext into an opaque base64 token.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.gcm()
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	salt := make([]byte, saltLength)
	iv := make([]byte, ivLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; the stored layout has it first.
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	var buf bytes.Buffer
	buf.Grow(encryptedPosition + len(ciphertext))
	buf.Write(salt)
	buf.Write(iv)
	buf.Write(tag)
	buf.Write(ciphertext)
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens a token produced by Encrypt. Values that do not look like a
// token are treated as plaintext and returned unchanged.
func (v *Vault) Decrypt(value string) (string, error) {
	if !LooksEncrypted(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(data) < encryptedPosition+1 {
		return value, nil
	}

	aead, err := v.gcm()
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := data[saltLength:tagPosition]
	tag := data[tagPosition:encryptedPosition]
	ciphertext := data[encryptedPosition:]

	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// LooksEncrypted reports whether value has the shape of an encrypted token.
func LooksEncrypted(value string) bool {
	return len(value) > minEncodedLength && base64Pattern.MatchString(value)
}
