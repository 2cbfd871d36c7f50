// Package secrets seals values with AES-256-GCM for storage at rest.
// Sealed strings carry a version prefix so plain and sealed values can be
// told apart when they share a document.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/rendis/agentscript/pkg/schema"
)

// SealedPrefix marks strings produced by SealString.
const SealedPrefix = "enc:v1:"

const (
	saltSize          = 16
	defaultIterations = 100_000
)

// Config configures key derivation. Provide either MasterKey (raw 32 bytes)
// or Passphrase + Salt.
type Config struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 iterations (default 100_000)
}

// Cipher seals and opens values with AES-256-GCM. A random nonce is
// prepended to every ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the key from cfg and returns a Cipher.
func New(cfg Config) (*Cipher, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// Seal encrypts plaintext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeConfig, "ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// SealString returns SealedPrefix followed by the base64 ciphertext.
func (c *Cipher) SealString(s string) (string, error) {
	ct, err := c.Seal([]byte(s))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.RawStdEncoding.EncodeToString(ct), nil
}

// OpenString reverses SealString. Strings without the prefix are returned
// unchanged.
func (c *Cipher) OpenString(s string) (string, error) {
	enc, ok := strings.CutPrefix(s, SealedPrefix)
	if !ok {
		return s, nil
	}
	ct, err := base64.RawStdEncoding.DecodeString(enc)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeConfig, "malformed sealed value").WithCause(err)
	}
	pt, err := c.Open(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsSealed reports whether s was produced by SealString.
func IsSealed(s string) bool { return strings.HasPrefix(s, SealedPrefix) }

// LoadOrCreateSalt reads the salt at path, creating a random one when the
// file does not exist.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) < saltSize {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "salt file %s is too short", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := renameio.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}
