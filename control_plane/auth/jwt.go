// Package auth issues and validates the HS256 tokens used by the admin API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	issuer   = "settingsforge"
	audience = "settingsforge-admin"

	// MinSecretLength is the shortest accepted signing secret.
	MinSecretLength = 32

	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

var (
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims identifies the admin user behind a request.
type Claims struct {
	Username string `json:"sub"`
	Role     string `json:"role"`

	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

// CanWrite reports whether the claims allow changing state.
func (c *Claims) CanWrite() bool {
	return c.Role == RoleAdmin
}

// Signer mints and validates tokens with a shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// GenerateToken creates a signed token for username with the given role.
func (s *Signer) GenerateToken(username, role string) (string, error) {
	if role != RoleAdmin && role != RoleViewer {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := s.now().Unix()
	claims := Claims{
		Username:  username,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(s.ttl.Seconds()),
		IssuedAt:  now,
		NotBefore: now,
	}

	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	return tokenPart + "." + s.sign(tokenPart), nil
}

// ValidateToken checks signature, issuer, audience and lifetime.
func (s *Signer) ValidateToken(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}

	tokenPart := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(s.sign(tokenPart)), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claims: %v", ErrInvalidToken, err)
	}

	now := s.now().Unix()
	if now > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if now < claims.NotBefore {
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if claims.Issuer != issuer || claims.Audience != audience {
		return nil, fmt.Errorf("%w: wrong issuer or audience", ErrInvalidToken)
	}
	return &claims, nil
}

func (s *Signer) sign(message string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func base64UrlDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
