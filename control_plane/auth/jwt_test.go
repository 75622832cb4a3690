package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewSignerRejectsWeakSecret(t *testing.T) {
	_, err := NewSigner("short", time.Hour)
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestTokenRoundTrip(t *testing.T) {
	s, err := NewSigner(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := s.GenerateToken("alice", RoleAdmin)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.CanWrite())
}

func TestValidateToken(t *testing.T) {
	s, err := NewSigner(testSecret, time.Hour)
	require.NoError(t, err)
	token, err := s.GenerateToken("bob", RoleViewer)
	require.NoError(t, err)

	t.Run("viewer cannot write", func(t *testing.T) {
		claims, err := s.ValidateToken(token)
		require.NoError(t, err)
		assert.False(t, claims.CanWrite())
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(token, ".")
		forged := parts[0] + "." + base64UrlEncode([]byte(`{"sub":"bob","role":"admin"}`)) + "." + parts[2]
		_, err := s.ValidateToken(forged)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewSigner(strings.Repeat("x", MinSecretLength), time.Hour)
		require.NoError(t, err)
		_, err = other.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := *s
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.ValidateToken(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := s.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestGenerateTokenUnknownRole(t *testing.T) {
	s, err := NewSigner(testSecret, time.Hour)
	require.NoError(t, err)
	_, err = s.GenerateToken("carol", "root")
	assert.Error(t, err)
}
