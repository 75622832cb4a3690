package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

const receiverSecret = "0123456789abcdef0123456789abcdef"

func TestHTTPTransportSignsRequests(t *testing.T) {
	hash, err := secrets.HashSecret(receiverSecret)
	require.NoError(t, err)

	var verifyErr error
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		path = r.URL.Path
		verifyErr = VerifyRequest(r, body, receiverSecret, time.Minute, time.Now())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(time.Second)
	client := &store.WebHookClient{Name: "ops", BaseURI: srv.URL + "/", HashedSecret: hash}
	require.NoError(t, transport.Send(context.Background(), client, store.WebHookSettingValueChanged, []byte(`{"a":1}`)))

	assert.Equal(t, "/SettingValueChanged", path)
	assert.NoError(t, verifyErr)
}

func TestHTTPTransportReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPTransport(time.Second).Send(context.Background(),
		&store.WebHookClient{BaseURI: srv.URL}, store.WebHookNewClientRegistration, []byte(`{}`))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestVerifyRequestRejections(t *testing.T) {
	hash, err := secrets.HashSecret(receiverSecret)
	require.NoError(t, err)
	now := time.Now()
	body := []byte(`{"x":true}`)

	build := func(ts time.Time, sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set(HeaderSecret, hash)
		r.Header.Set(HeaderTimestamp, formatUnix(ts))
		r.Header.Set(HeaderSignature, sig)
		return r
	}

	good := build(now, Sign(hash, now.Unix(), body))
	assert.NoError(t, VerifyRequest(good, body, receiverSecret, time.Minute, now))

	assert.ErrorIs(t, VerifyRequest(good, body, "wrong-secret-wrong-secret-wrong-secret", time.Minute, now), ErrInvalidSecret)
	assert.ErrorIs(t, VerifyRequest(good, []byte(`{"x":false}`), receiverSecret, time.Minute, now), ErrInvalidSignature)

	old := now.Add(-time.Hour)
	stale := build(old, Sign(hash, old.Unix(), body))
	assert.ErrorIs(t, VerifyRequest(stale, body, receiverSecret, time.Minute, now), ErrStaleRequest)
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
