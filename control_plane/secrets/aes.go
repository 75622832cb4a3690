package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32 // AES-256
	// EncPrefix marks values produced by AESEncryptor.
	EncPrefix = "enc:v1:"
)

var ErrInvalidCipherText = errors.New("invalid cipher text")

// AESEncryptor encrypts with AES-256-GCM. Decryption tries the current key
// first and then each previous key, so values written before a key rotation
// remain readable. It holds no mutable state and is safe for concurrent use.
type AESEncryptor struct {
	current  cipher.AEAD
	previous []cipher.AEAD
}

// NewAESEncryptor builds an encryptor from raw 32 byte keys.
func NewAESEncryptor(key []byte, previousKeys ...[]byte) (*AESEncryptor, error) {
	current, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	e := &AESEncryptor{current: current}
	for i, k := range previousKeys {
		gcm, err := newGCM(k)
		if err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		e.previous = append(e.previous, gcm)
	}
	return e, nil
}

// NewAESEncryptorFromBase64 decodes base64 keys and builds an encryptor.
func NewAESEncryptorFromBase64(key string, previousKeys ...string) (*AESEncryptor, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	var prev [][]byte
	for i, k := range previousKeys {
		p, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("decode previous key %d: %w", i, err)
		}
		prev = append(prev, p)
	}
	return NewAESEncryptor(raw, prev...)
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key has invalid size %d (expected %d)", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns EncPrefix followed by base64(nonce || ciphertext).
func (e *AESEncryptor) Encrypt(plainText string) (string, error) {
	nonce := make([]byte, e.current.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.current.Seal(nonce, nonce, []byte(plainText), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AESEncryptor) Decrypt(cipherText string) (string, error) {
	if !strings.HasPrefix(cipherText, EncPrefix) {
		return "", fmt.Errorf("%w: missing %s prefix", ErrInvalidCipherText, EncPrefix)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(cipherText, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCipherText, err)
	}

	var lastErr error
	for _, gcm := range append([]cipher.AEAD{e.current}, e.previous...) {
		ns := gcm.NonceSize()
		if len(data) < ns {
			return "", fmt.Errorf("%w: too short", ErrInvalidCipherText)
		}
		plain, err := gcm.Open(nil, data[:ns], data[ns:], nil)
		if err == nil {
			return string(plain), nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrInvalidCipherText, lastErr)
}

// clientKeyInfo binds keys derived by NewClientEncryptor to client values.
const clientKeyInfo = "settingsforge client values v1"

// NewClientEncryptor derives an AES-256-GCM key from a client's plain secret
// with HKDF-SHA256. The server uses it to encrypt secret values sent to that
// client, and the client uses it to decrypt them.
func NewClientEncryptor(clientSecret string) (*AESEncryptor, error) {
	if clientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(clientSecret), nil, []byte(clientKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive client key: %w", err)
	}
	return NewAESEncryptor(key)
}
