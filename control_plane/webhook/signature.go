package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/secrets"
)

const (
	// HeaderSecret carries the bcrypt hash of the webhook client secret.
	HeaderSecret    = "Secret"
	HeaderSignature = "X-SettingsForge-Signature"
	HeaderTimestamp = "X-SettingsForge-Timestamp"
	HeaderEvent     = "X-SettingsForge-Event"

	DefaultMaxSkew = 5 * time.Minute
)

var (
	ErrInvalidSecret    = errors.New("webhook secret does not match")
	ErrInvalidSignature = errors.New("webhook signature does not match")
	ErrStaleRequest     = errors.New("webhook timestamp outside allowed skew")
)

// Sign computes the hex HMAC-SHA256 of "timestamp.body" keyed by the
// hashed secret.
func Sign(hashedSecret string, timestamp int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(hashedSecret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRequest lets a receiver check an incoming webhook against its
// plaintext secret. body must be the raw request body.
func VerifyRequest(r *http.Request, body []byte, secret string, maxSkew time.Duration, now time.Time) error {
	hash := r.Header.Get(HeaderSecret)
	if hash == "" || !secrets.VerifySecret(secret, hash) {
		return ErrInvalidSecret
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return ErrStaleRequest
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrStaleRequest
	}

	expected := Sign(hash, ts, body)
	if !hmac.Equal([]byte(expected), []byte(r.Header.Get(HeaderSignature))) {
		return ErrInvalidSignature
	}
	return nil
}
