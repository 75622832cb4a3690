package secrets

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest client secret accepted at registration.
const MinSecretLength = 32

var ErrWeakSecret = errors.New("client secret is too short")

// HashSecret hashes a client or webhook secret with bcrypt.
func HashSecret(secret string) (string, error) {
	if utf8.RuneCountInString(secret) < MinSecretLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrWeakSecret, MinSecretLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches hash. bcrypt compares in
// constant time.
func VerifySecret(secret, hash string) bool {
	if secret == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
